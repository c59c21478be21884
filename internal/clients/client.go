// Package clients talks to the user service, the template service and the
// gateway's status callback endpoints. Every call goes through the circuit
// breaker of its dependency.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"notifyhub/internal/breaker"
)

const DefaultTimeout = 5 * time.Second

var ErrNotFound = errors.New("resource not found")

// StatusError is a non-2xx answer from a collaborator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// apiResponse is the {success, data, error} wrapper some services use.
type apiResponse struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type baseClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
	breaker    *breaker.Breaker
}

func newBaseClient(baseURL, token string, timeout time.Duration, b *breaker.Breaker) baseClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return baseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
		breaker:    b,
	}
}

// do performs one request through the breaker. Transport errors and 5xx
// answers count as dependency failures; 4xx answers are returned to the
// caller without tripping the breaker.
func (c *baseClient) do(ctx context.Context, method, path, bearer string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	if bearer == "" {
		bearer = c.token
	}

	var clientErr error
	respBody, err := breaker.Execute(c.breaker, func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			clientErr = ErrNotFound
		case resp.StatusCode >= 500:
			return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
		case resp.StatusCode >= 300:
			clientErr = &StatusError{Code: resp.StatusCode, Body: string(data)}
		default:
			return data, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if clientErr != nil {
		return nil, clientErr
	}
	return respBody, nil
}

// decode accepts both a bare payload and one wrapped in {success, data}.
func decode(data []byte, out any) error {
	var wrapped apiResponse
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Success != nil {
		if !*wrapped.Success {
			msg := wrapped.Error
			if msg == "" {
				msg = wrapped.Message
			}
			return fmt.Errorf("request rejected: %s", msg)
		}
		if len(wrapped.Data) > 0 && string(wrapped.Data) != "null" {
			data = wrapped.Data
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
