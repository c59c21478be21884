package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"notifyhub/internal/breaker"
	"notifyhub/internal/models"
)

type UserClient struct {
	baseClient
}

// NewUserClient builds a user-service client. serviceToken is sent when the
// caller has no token of its own to forward.
func NewUserClient(baseURL, serviceToken string, timeout time.Duration, reg *breaker.Registry) *UserClient {
	return &UserClient{newBaseClient(baseURL, serviceToken, timeout, reg.Get(breaker.UserService))}
}

// GetContactInfo fetches GET /users/{id}/contact-info.
func (c *UserClient) GetContactInfo(ctx context.Context, userID, token string) (*models.ContactInfo, error) {
	data, err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/contact-info", token, nil)
	if err != nil {
		return nil, err
	}

	var info models.ContactInfo
	if err := decode(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
