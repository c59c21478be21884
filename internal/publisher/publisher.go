// Package publisher resolves recipients, applies channel preferences and
// enqueues notifications on the gateway side.
package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"notifyhub/internal/breaker"
	"notifyhub/internal/clients"
	"notifyhub/internal/errs"
	"notifyhub/internal/metrics"
	"notifyhub/internal/models"
	"notifyhub/internal/tracker"
)

//go:generate mockgen -source=publisher.go -destination=../mocks/publisher/mock.go -package=mocks

type ContactLookup interface {
	GetContactInfo(ctx context.Context, userID, token string) (*models.ContactInfo, error)
}

type MessagePublisher interface {
	Publish(ctx context.Context, typ models.NotificationType, msg models.Message) (bool, error)
}

type StatusRecorder interface {
	RecordQueued(ctx context.Context, id string, typ models.NotificationType, userID string, metadata map[string]any) (*models.NotificationRecord, error)
	Delete(ctx context.Context, id string) error
}

// Caller identifies who is sending and how to act on their behalf.
type Caller struct {
	UserID string
	// Token is the caller's bearer token, forwarded to the user service.
	Token string
	// CorrelationID is honored when set, otherwise a new one is minted.
	CorrelationID string
}

type Publisher struct {
	users   ContactLookup
	broker  MessagePublisher
	tracker StatusRecorder
	guard   *breaker.Breaker
	now     func() time.Time
}

func New(users ContactLookup, broker MessagePublisher, tracker StatusRecorder, reg *breaker.Registry) *Publisher {
	return &Publisher{
		users:   users,
		broker:  broker,
		tracker: tracker,
		guard:   reg.Get(breaker.Broker),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func rejected(reason, message string) *models.SendResult {
	return &models.SendResult{Success: false, Reason: reason, Message: message}
}

// SendEmail queues an email. Preference rejections come back as a result with
// Success false and a nil error.
func (p *Publisher) SendEmail(ctx context.Context, req models.SendEmailRequest, caller Caller) (*models.SendResult, error) {
	if err := validateEmail(req); err != nil {
		return nil, err
	}

	recipient := req.To
	checked := false

	if req.UserID != "" {
		info, err := p.users.GetContactInfo(ctx, req.UserID, caller.Token)
		switch {
		case err != nil && recipient == "":
			log.Warn().Err(err).Str("user_id", req.UserID).Msg("user lookup failed without a direct address")
			return nil, errs.Validation("Failed to get user info and no direct email provided").WithCode(lookupCode(err))
		case err != nil:
			log.Warn().Err(err).Str("user_id", req.UserID).Msg("user lookup failed, using provided email")
		case !info.Allows(models.TypeEmail):
			metrics.Published.WithLabelValues(string(models.TypeEmail), "rejected").Inc()
			return rejected("User has disabled email notifications", "Email notification not allowed"), nil
		default:
			if info.Email != "" {
				recipient = info.Email
			}
			checked = true
		}
	}

	if recipient == "" {
		return nil, errs.Validation("User does not have a valid email")
	}

	userID := req.UserID
	if userID == "" {
		userID = caller.UserID
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	msg := &models.EmailMessage{
		Envelope: models.Envelope{
			CorrelationID: p.correlationID(caller),
			UserID:        userID,
			Recipient:     recipient,
			TemplateID:    req.TemplateID,
			Variables:     req.Variables,
			Type:          models.TypeEmail,
			Priority:      priority,
			Timestamp:     p.now(),
		},
		Subject:            req.Subject,
		Body:               req.Body,
		TemplateName:       req.TemplateName,
		SentBy:             caller.UserID,
		PreferencesChecked: checked,
	}

	meta := map[string]any{
		"recipient":           recipient,
		"preferences_checked": checked,
		"sent_by":             caller.UserID,
	}
	if req.Subject != "" {
		meta["subject"] = req.Subject
	}
	if req.TemplateID != "" {
		meta["template_id"] = req.TemplateID
	}

	return p.enqueue(ctx, msg, meta, "Email notification queued successfully")
}

// SendPush queues a push notification for a user with push enabled and a
// registered device.
func (p *Publisher) SendPush(ctx context.Context, req models.SendPushRequest, caller Caller) (*models.SendResult, error) {
	if req.UserID == "" {
		return nil, errs.Validation("user_id is required for push notifications")
	}
	if req.Title == "" {
		return nil, errs.Validation("title is required for push notifications")
	}

	info, err := p.users.GetContactInfo(ctx, req.UserID, caller.Token)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil, errs.Validation("User not found").WithCode("user_not_found")
		}
		return nil, errs.Upstream("Failed to get user info", err)
	}

	if !info.Allows(models.TypePush) {
		metrics.Published.WithLabelValues(string(models.TypePush), "rejected").Inc()
		return rejected("User has disabled push notifications", "Push notification not allowed"), nil
	}
	if info.PushToken == "" {
		metrics.Published.WithLabelValues(string(models.TypePush), "rejected").Inc()
		return rejected("User has no push token registered", "Push notification failed - no device registered"), nil
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	msg := &models.PushMessage{
		Envelope: models.Envelope{
			CorrelationID: p.correlationID(caller),
			UserID:        req.UserID,
			Recipient:     req.UserID,
			TemplateID:    req.TemplateID,
			Variables:     req.Variables,
			Type:          models.TypePush,
			Priority:      priority,
			Timestamp:     p.now(),
		},
		Title:       req.Title,
		Body:        req.Body,
		Image:       req.Image,
		ClickAction: req.ClickAction,
		Data:        req.Data,
		PushToken:   info.PushToken,
		SentBy:      caller.UserID,
	}

	meta := map[string]any{
		"title":          req.Title,
		"has_push_token": true,
		"sent_by":        caller.UserID,
	}

	return p.enqueue(ctx, msg, meta, "Push notification queued successfully")
}

func (p *Publisher) correlationID(caller Caller) string {
	if caller.CorrelationID != "" {
		return caller.CorrelationID
	}
	return tracker.NewCorrelationID()
}

// enqueue records the notification as queued and then publishes it. When the
// publish fails the record is removed again.
func (p *Publisher) enqueue(ctx context.Context, msg models.Message, meta map[string]any, okMessage string) (*models.SendResult, error) {
	env := msg.Common()
	typ := string(env.Type)

	rec, err := p.tracker.RecordQueued(ctx, env.CorrelationID, env.Type, env.UserID, meta)
	if err != nil {
		metrics.Published.WithLabelValues(typ, "error").Inc()
		if errors.Is(err, tracker.ErrExists) {
			return nil, errs.Validation("Correlation ID already used").WithCode("duplicate_correlation_id")
		}
		return nil, errs.Internal("Failed to record notification", err)
	}

	err = p.guard.Do(func() error {
		_, pubErr := p.broker.Publish(ctx, env.Type, msg)
		return pubErr
	})
	if err != nil {
		metrics.Published.WithLabelValues(typ, "error").Inc()
		if delErr := p.tracker.Delete(context.WithoutCancel(ctx), env.CorrelationID); delErr != nil {
			log.Error().Err(delErr).Str("correlation_id", env.CorrelationID).Msg("failed to remove record after publish failure")
		}
		log.Error().Err(err).Str("correlation_id", env.CorrelationID).Str("type", typ).Msg("publish failed")
		return nil, errs.Internal("Failed to queue "+typ+" notification", err)
	}

	metrics.Published.WithLabelValues(typ, "queued").Inc()
	log.Info().
		Str("correlation_id", env.CorrelationID).
		Str("type", typ).
		Str("user_id", env.UserID).
		Msg("notification queued")

	queuedAt := rec.CreatedAt
	return &models.SendResult{
		Success:       true,
		CorrelationID: env.CorrelationID,
		QueuedAt:      &queuedAt,
		Message:       okMessage,
	}, nil
}

func validateEmail(req models.SendEmailRequest) error {
	if req.To == "" && req.UserID == "" {
		return errs.Validation("Either to or user_id is required")
	}
	if req.Subject == "" && req.TemplateID == "" {
		return errs.Validation("Either subject or template_id is required")
	}
	if req.Body == "" && req.TemplateID == "" {
		return errs.Validation("Either body or template_id is required")
	}
	return nil
}

func lookupCode(err error) string {
	switch {
	case errors.Is(err, clients.ErrNotFound):
		return "user_not_found"
	case breaker.IsOpen(err):
		return "user_service_unavailable"
	default:
		return "user_lookup_failed"
	}
}
