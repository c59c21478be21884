// Package worker consumes notification messages, renders them and hands them
// to a delivery transport.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"notifyhub/internal/metrics"
	"notifyhub/internal/models"
)

//go:generate mockgen -source=processor.go -destination=../mocks/worker/mock.go -package=mocks

type TemplateFetcher interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

type ContactLookup interface {
	GetContactInfo(ctx context.Context, userID, token string) (*models.ContactInfo, error)
}

// Sender delivers a rendered notification. A permanent provider rejection is
// reported by wrapping models.ErrBounced.
type Sender interface {
	Send(ctx context.Context, n models.OutboundNotification) error
}

// StatusReporter records lifecycle changes, either through the gateway or
// straight into the tracker.
type StatusReporter interface {
	UpdateStatus(ctx context.Context, id string, status models.NotificationStatus, errMsg string) error
	IncrementRetryCount(ctx context.Context, id string) (int, error)
}

// rejection is a policy outcome: the message is well formed but must not be
// delivered. It is acked rather than dead-lettered.
type rejection struct {
	reason string
}

func (r *rejection) Error() string { return r.reason }

type Processor struct {
	channel   models.NotificationType
	templates TemplateFetcher
	users     ContactLookup
	sender    Sender
	status    StatusReporter
}

// NewProcessor builds a processor for one channel. Each delivery is sent at
// most once; failed sends are dead-lettered, never retried in process.
func NewProcessor(channel models.NotificationType, templates TemplateFetcher, users ContactLookup, sender Sender, status StatusReporter) *Processor {
	return &Processor{
		channel:   channel,
		templates: templates,
		users:     users,
		sender:    sender,
		status:    status,
	}
}

// Handle processes one delivery and settles it. It never returns an error:
// failures end in a failed status and a nack without requeue, which routes
// the message to the failed queue.
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) {
	// A started message runs to completion; shutdown only stops new deliveries.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	typ := string(p.channel)
	defer func() {
		metrics.ProcessDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	}()

	msg, err := models.DecodeMessage(d.Body)
	if err == nil && msg.Common().Type != p.channel {
		err = fmt.Errorf("%w: %s message on %s worker", models.ErrInvalidMessage, msg.Common().Type, p.channel)
	}
	if err != nil {
		log.Error().Err(err).Str("message_id", d.MessageId).Msg("dropping invalid message")
		metrics.Processed.WithLabelValues(typ, "invalid").Inc()
		if d.MessageId != "" {
			p.report(ctx, d.MessageId, models.StatusFailed, err.Error())
		}
		p.settle(d, false)
		return
	}

	env := msg.Common()
	l := log.With().Str("correlation_id", env.CorrelationID).Str("type", typ).Logger()

	// the broker redelivers unacked messages after a consumer or channel loss
	if d.Redelivered {
		n, err := p.status.IncrementRetryCount(ctx, env.CorrelationID)
		if err != nil {
			l.Warn().Err(err).Msg("failed to bump retry count")
		} else {
			l.Info().Int("retry_count", n).Msg("processing redelivered message")
		}
	}

	p.report(ctx, env.CorrelationID, models.StatusProcessing, "")

	out, err := p.prepare(ctx, msg, l)
	if err == nil {
		err = p.sender.Send(ctx, out)
	}

	var rej *rejection
	switch {
	case err == nil:
		p.report(ctx, env.CorrelationID, models.StatusSent, "")
		metrics.Processed.WithLabelValues(typ, string(models.StatusSent)).Inc()
		l.Info().Dur("took", time.Since(start)).Msg("notification sent")
		p.settle(d, true)
	case errors.As(err, &rej):
		p.report(ctx, env.CorrelationID, models.StatusFailed, rej.reason)
		metrics.Processed.WithLabelValues(typ, "rejected").Inc()
		l.Warn().Str("reason", rej.reason).Msg("notification rejected")
		p.settle(d, true)
	case errors.Is(err, models.ErrBounced):
		p.report(ctx, env.CorrelationID, models.StatusFailed, err.Error())
		p.report(ctx, env.CorrelationID, models.StatusBounced, err.Error())
		metrics.Processed.WithLabelValues(typ, string(models.StatusBounced)).Inc()
		l.Warn().Err(err).Msg("notification bounced")
		p.settle(d, false)
	default:
		p.report(ctx, env.CorrelationID, models.StatusFailed, err.Error())
		metrics.Processed.WithLabelValues(typ, string(models.StatusFailed)).Inc()
		l.Error().Err(err).Msg("notification failed")
		p.settle(d, false)
	}
}

func (p *Processor) prepare(ctx context.Context, msg models.Message, l zerolog.Logger) (models.OutboundNotification, error) {
	switch m := msg.(type) {
	case *models.EmailMessage:
		return p.prepareEmail(ctx, m, l)
	case *models.PushMessage:
		return p.preparePush(ctx, m, l)
	}
	return models.OutboundNotification{}, fmt.Errorf("%w: unsupported message %T", models.ErrInvalidMessage, msg)
}

// fetch loads the template and the contact info concurrently. A contact
// lookup failure is tolerated when allowDegraded is set and is then reported
// through contactErr instead of failing the group.
func (p *Processor) fetch(ctx context.Context, env *models.Envelope, allowDegraded bool) (tpl *models.Template, info *models.ContactInfo, contactErr error, err error) {
	g, gctx := errgroup.WithContext(ctx)

	if env.TemplateID != "" {
		g.Go(func() error {
			t, err := p.templates.GetTemplate(gctx, env.TemplateID)
			if err != nil {
				return fmt.Errorf("get template %s: %w", env.TemplateID, err)
			}
			tpl = t
			return nil
		})
	}
	if env.UserID != "" {
		g.Go(func() error {
			c, err := p.users.GetContactInfo(gctx, env.UserID, "")
			if err != nil {
				if allowDegraded {
					contactErr = err
					return nil
				}
				return fmt.Errorf("get contact info %s: %w", env.UserID, err)
			}
			info = c
			return nil
		})
	}

	err = g.Wait()
	return tpl, info, contactErr, err
}

func (p *Processor) prepareEmail(ctx context.Context, m *models.EmailMessage, l zerolog.Logger) (models.OutboundNotification, error) {
	tpl, info, contactErr, err := p.fetch(ctx, &m.Envelope, m.Recipient != "")
	if err != nil {
		return models.OutboundNotification{}, err
	}
	if contactErr != nil {
		l.Warn().Err(contactErr).Str("recipient", m.Recipient).Msg("contact lookup failed, using queued recipient")
	}

	to := m.Recipient
	if info != nil {
		if !info.Allows(models.TypeEmail) {
			return models.OutboundNotification{}, &rejection{reason: "User has disabled email notifications"}
		}
		if info.Email != "" {
			to = info.Email
		}
	}
	if to == "" {
		return models.OutboundNotification{}, errors.New("no email address for recipient")
	}

	subject, body, vars := compose(tpl, m.Subject, m.Body, m.Variables)
	if body == "" {
		return models.OutboundNotification{}, errors.New("email has no body to send")
	}

	return models.OutboundNotification{
		Type:          models.TypeEmail,
		CorrelationID: m.CorrelationID,
		To:            to,
		Subject:       Render(subject, vars),
		Body:          Render(body, vars),
	}, nil
}

func (p *Processor) preparePush(ctx context.Context, m *models.PushMessage, l zerolog.Logger) (models.OutboundNotification, error) {
	tpl, info, contactErr, err := p.fetch(ctx, &m.Envelope, m.PushToken != "")
	if err != nil {
		return models.OutboundNotification{}, err
	}
	if contactErr != nil {
		l.Warn().Err(contactErr).Msg("contact lookup failed, using queued push token")
	}

	token := m.PushToken
	if info != nil {
		if !info.Allows(models.TypePush) {
			return models.OutboundNotification{}, &rejection{reason: "User has disabled push notifications"}
		}
		if info.PushToken != "" {
			token = info.PushToken
		}
	}
	if token == "" {
		return models.OutboundNotification{}, &rejection{reason: "User has no push token registered"}
	}

	title, body, vars := compose(tpl, m.Title, m.Body, m.Variables)

	data := make(map[string]string, len(m.Data)+1)
	for k, v := range m.Data {
		data[k] = fmt.Sprint(v)
	}
	data["correlation_id"] = m.CorrelationID

	return models.OutboundNotification{
		Type:          models.TypePush,
		CorrelationID: m.CorrelationID,
		To:            token,
		Subject:       Render(title, vars),
		Body:          Render(body, vars),
		Image:         m.Image,
		ClickAction:   m.ClickAction,
		Data:          data,
	}, nil
}

// compose picks the subject and body to render. Inline values win over the
// template, and the template name stands in for a missing template subject.
func compose(tpl *models.Template, subject, body string, vars map[string]any) (string, string, map[string]any) {
	if tpl == nil {
		return subject, body, mergeVars(nil, vars)
	}
	if subject == "" {
		subject = tpl.Subject
		if subject == "" {
			subject = tpl.Name
		}
	}
	if body == "" {
		body = tpl.Body
	}
	return subject, body, mergeVars(tpl.Variables, vars)
}

func (p *Processor) report(ctx context.Context, id string, status models.NotificationStatus, errMsg string) {
	if err := p.status.UpdateStatus(ctx, id, status, errMsg); err != nil {
		log.Warn().Err(err).Str("correlation_id", id).Str("status", string(status)).Msg("status update failed")
	}
}

func (p *Processor) settle(d amqp.Delivery, ok bool) {
	var err error
	if ok {
		err = d.Ack(false)
	} else {
		err = d.Nack(false, false)
	}
	if err != nil {
		log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("failed to settle delivery")
	}
}
