package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"notifyhub/internal/errs"
	"notifyhub/internal/models"
	"notifyhub/internal/publisher"
	"notifyhub/internal/tracker"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	defaultPageLimit    = 10
	maxQueryInt         = 1_000_000
)

type NotificationSender interface {
	SendEmail(ctx context.Context, req models.SendEmailRequest, caller publisher.Caller) (*models.SendResult, error)
	SendPush(ctx context.Context, req models.SendPushRequest, caller publisher.Caller) (*models.SendResult, error)
}

type StatusStore interface {
	GetStatus(ctx context.Context, id string) (*models.NotificationRecord, error)
	GetUserNotifications(ctx context.Context, userID string, page, limit int) (*models.NotificationPage, error)
	GetStatistics(ctx context.Context) (*models.Statistics, error)
	UpdateStatus(ctx context.Context, id string, status models.NotificationStatus, errMsg string) error
	IncrementRetryCount(ctx context.Context, id string) (int, error)
}

type QueueInspector interface {
	QueueStats(ctx context.Context) (map[string]models.QueueStat, error)
}

type NotifyHandler struct {
	sender    NotificationSender
	store     StatusStore
	queues    QueueInspector
	validator *validator.Validate
}

func NewNotifyHandler(sender NotificationSender, store StatusStore, queues QueueInspector, v *validator.Validate) *NotifyHandler {
	if v == nil {
		v = validator.New()
	}
	return &NotifyHandler{
		sender:    sender,
		store:     store,
		queues:    queues,
		validator: v,
	}
}

func (h *NotifyHandler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Validation("Invalid request body: " + err.Error())
	}
	if err := h.validator.Struct(dst); err != nil {
		return errs.Validation(validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: must satisfy %s", fe.Field(), fe.Tag()))
		}
	}
	return "Validation failed: " + strings.Join(parts, "; ")
}

func caller(r *http.Request) publisher.Caller {
	id, _ := IdentityFrom(r.Context())
	return publisher.Caller{
		UserID:        id.UserID,
		Token:         id.Token,
		CorrelationID: r.Header.Get(CorrelationIDHeader),
	}
}

// writeSendResult answers 202 for a queued notification and 200 with
// success false for a preference rejection.
func writeSendResult(w http.ResponseWriter, res *models.SendResult) {
	status := http.StatusAccepted
	if !res.Success {
		status = http.StatusOK
	}
	if res.CorrelationID != "" {
		w.Header().Set(CorrelationIDHeader, res.CorrelationID)
	}
	writeJSON(w, status, res)
}

// SendEmail handles POST /notifications/send_email.
func (h *NotifyHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req models.SendEmailRequest
	if err := h.decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := h.sender.SendEmail(r.Context(), req, caller(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeSendResult(w, res)
}

// SendPush handles POST /notifications/send_push.
func (h *NotifyHandler) SendPush(w http.ResponseWriter, r *http.Request) {
	var req models.SendPushRequest
	if err := h.decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := h.sender.SendPush(r.Context(), req, caller(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeSendResult(w, res)
}

// GetStatus handles GET /notifications/status/{id}.
func (h *NotifyHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.store.GetStatus(r.Context(), id)
	if errors.Is(err, tracker.ErrNotFound) {
		respondError(w, r, errs.NotFound("No notification found with the provided correlation ID").WithCode("notification_not_found"))
		return
	}
	if err != nil {
		respondError(w, r, errs.Internal("Failed to get notification status", err))
		return
	}

	respondOK(w, rec, "Notification status retrieved successfully")
}

// GetUserNotifications handles GET /notifications/user/{user_id}. Callers see
// only their own notifications unless they are admins.
func (h *NotifyHandler) GetUserNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	id, _ := IdentityFrom(r.Context())
	if !id.IsAdmin() && id.UserID != userID {
		respondError(w, r, errs.Forbidden("You can only view your own notifications").WithCode("access_denied"))
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil {
		respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		respondError(w, r, err)
		return
	}

	result, err := h.store.GetUserNotifications(r.Context(), userID, page, limit)
	if err != nil {
		respondError(w, r, errs.Internal("Failed to retrieve user notifications", err))
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    result.Data,
		Meta:    result.Meta,
		Message: "User notifications retrieved successfully",
	})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxQueryInt {
		return 0, errs.Validation(fmt.Sprintf("%s must be an integer between 1 and %d", name, maxQueryInt))
	}
	return n, nil
}

type statsOverview struct {
	Notifications *models.Statistics          `json:"notifications"`
	Queues        map[string]models.QueueStat `json:"queues"`
}

// GetStatistics handles GET /notifications/stats/overview (admin only).
func (h *NotifyHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStatistics(r.Context())
	if err != nil {
		respondError(w, r, errs.Internal("Failed to retrieve statistics", err))
		return
	}

	out := statsOverview{Notifications: stats}
	if h.queues != nil {
		queues, err := h.queues.QueueStats(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("queue stats unavailable")
		}
		out.Queues = queues
	}

	respondOK(w, out, "Statistics retrieved successfully")
}

// UpdateStatus handles PATCH /status/{id} from the workers. Unknown ids and
// backward transitions are accepted and ignored.
func (h *NotifyHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.StatusUpdateRequest
	if err := h.decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		respondError(w, r, errs.Validation(fmt.Sprintf("Unknown status %q", req.Status)))
		return
	}

	if err := h.store.UpdateStatus(r.Context(), id, req.Status, req.ErrorMessage); err != nil {
		respondError(w, r, errs.Internal("Failed to update status", err))
		return
	}

	respondOK(w, nil, "Status updated")
}

// IncrementRetryCount handles POST /status/{id}/retries from the workers.
func (h *NotifyHandler) IncrementRetryCount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := h.store.IncrementRetryCount(r.Context(), id)
	if err != nil {
		respondError(w, r, errs.Internal("Failed to increment retry count", err))
		return
	}

	respondOK(w, map[string]int{"retry_count": n}, "Retry count incremented")
}
