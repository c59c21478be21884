package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"notifyhub/internal/breaker"
	"notifyhub/internal/models"
)

// StatusClient reports worker progress to the gateway.
type StatusClient struct {
	baseClient
}

func NewStatusClient(gatewayURL, serviceToken string, timeout time.Duration, reg *breaker.Registry) *StatusClient {
	return &StatusClient{newBaseClient(gatewayURL, serviceToken, timeout, reg.Get(breaker.StatusCallback))}
}

// UpdateStatus sends PATCH /status/{id}.
func (c *StatusClient) UpdateStatus(ctx context.Context, id string, status models.NotificationStatus, errMsg string) error {
	_, err := c.do(ctx, http.MethodPatch, "/status/"+url.PathEscape(id), "", models.StatusUpdateRequest{
		Status:       status,
		ErrorMessage: errMsg,
	})
	return err
}

// IncrementRetryCount sends POST /status/{id}/retries and returns the new count.
func (c *StatusClient) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	data, err := c.do(ctx, http.MethodPost, "/status/"+url.PathEscape(id)+"/retries", "", nil)
	if err != nil {
		return 0, err
	}

	var out struct {
		RetryCount int `json:"retry_count"`
	}
	if err := decode(data, &out); err != nil {
		return 0, err
	}
	return out.RetryCount, nil
}
