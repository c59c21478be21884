package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/breaker"
	"notifyhub/internal/models"
)

func newRegistry() *breaker.Registry {
	return breaker.NewRegistry(breaker.DefaultSettings(), breaker.AllDependencies)
}

func TestUserClient_GetContactInfo(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/u1/contact-info", r.URL.Path)
		auth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"success":true,"data":{"email":"ada@example.com","push_token":"tok","preferences":{"email":true,"push":false}}}`)
	}))
	defer srv.Close()

	c := NewUserClient(srv.URL+"/api/v1", "svc-token", time.Second, newRegistry())

	info, err := c.GetContactInfo(context.Background(), "u1", "caller-jwt")
	require.NoError(t, err)
	assert.Equal(t, "Bearer caller-jwt", auth)
	assert.Equal(t, &models.ContactInfo{
		Email:       "ada@example.com",
		PushToken:   "tok",
		Preferences: models.Preferences{Email: true, Push: false},
	}, info)

	_, err = c.GetContactInfo(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer svc-token", auth)
}

func TestUserClient_NotFoundDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false,"error":"NOT_FOUND"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newRegistry()
	c := NewUserClient(srv.URL, "", time.Second, reg)

	for i := 0; i < 6; i++ {
		_, err := c.GetContactInfo(context.Background(), "ghost", "")
		assert.ErrorIs(t, err, ErrNotFound)
	}

	st, _ := reg.Stats(breaker.UserService)
	assert.Equal(t, breaker.Closed, st.State)
}

func TestUserClient_ServerErrorsOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewUserClient(srv.URL, "", time.Second, newRegistry())

	for i := 0; i < 5; i++ {
		_, err := c.GetContactInfo(context.Background(), "u1", "")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadGateway, se.Code)
	}

	_, err := c.GetContactInfo(context.Background(), "u1", "")
	assert.True(t, breaker.IsOpen(err))
	assert.Equal(t, int32(5), hits.Load())
}

func TestUserClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewUserClient(srv.URL, "", 10*time.Millisecond, newRegistry())

	_, err := c.GetContactInfo(context.Background(), "u1", "")
	assert.Error(t, err)
}

func TestUserClient_RejectedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"error":"FORBIDDEN"}`)
	}))
	defer srv.Close()

	c := NewUserClient(srv.URL, "", time.Second, newRegistry())

	_, err := c.GetContactInfo(context.Background(), "u1", "")
	assert.ErrorContains(t, err, "FORBIDDEN")
}

func TestTemplateClient_GetTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/templates/welcome", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"welcome","name":"Welcome","type":"email","subject":"Hi {{name}}","body":"Hello {{user.name}}"}`)
	}))
	defer srv.Close()

	c := NewTemplateClient(srv.URL, "", time.Second, newRegistry())

	tpl, err := c.GetTemplate(context.Background(), "welcome")
	require.NoError(t, err)
	assert.Equal(t, "Hi {{name}}", tpl.Subject)
	assert.Equal(t, "Hello {{user.name}}", tpl.Body)
}

func TestStatusClient(t *testing.T) {
	var got models.StatusUpdateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/status/c1":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = io.WriteString(w, `{"success":true,"data":null,"message":"ok"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/status/c1/retries":
			_, _ = io.WriteString(w, `{"success":true,"data":{"retry_count":2}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewStatusClient(srv.URL, "svc", time.Second, newRegistry())

	require.NoError(t, c.UpdateStatus(context.Background(), "c1", models.StatusFailed, "smtp down"))
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "smtp down", got.ErrorMessage)

	n, err := c.IncrementRetryCount(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
