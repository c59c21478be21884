package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"notifyhub/internal/breaker"
	"notifyhub/internal/models"
)

type TemplateClient struct {
	baseClient
}

func NewTemplateClient(baseURL, serviceToken string, timeout time.Duration, reg *breaker.Registry) *TemplateClient {
	return &TemplateClient{newBaseClient(baseURL, serviceToken, timeout, reg.Get(breaker.TemplateService))}
}

// GetTemplate fetches GET /templates/{id}.
func (c *TemplateClient) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	data, err := c.do(ctx, http.MethodGet, "/templates/"+url.PathEscape(id), "", nil)
	if err != nil {
		return nil, err
	}

	var tpl models.Template
	if err := decode(data, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}
