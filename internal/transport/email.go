// Package transport delivers rendered notifications to the outside world.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/mail.v2"

	"notifyhub/internal/config"
	"notifyhub/internal/models"
)

// Mailer is satisfied by *mail.Dialer.
type Mailer interface {
	DialAndSend(m ...*mail.Message) error
}

type EmailSender struct {
	mailer Mailer
	from   string
}

func NewEmailSender(cfg config.SMTP) *EmailSender {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = 10 * time.Second
	return NewEmailSenderWithMailer(d, cfg.From)
}

func NewEmailSenderWithMailer(m Mailer, from string) *EmailSender {
	return &EmailSender{mailer: m, from: from}
}

// Send delivers an HTML email. SMTP 55x replies are reported as bounces.
func (s *EmailSender) Send(ctx context.Context, n models.OutboundNotification) error {
	if n.Type != models.TypeEmail {
		return fmt.Errorf("email sender cannot deliver %s notifications", n.Type)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", n.To)
	m.SetHeader("Subject", n.Subject)
	m.SetHeader("X-Correlation-ID", n.CorrelationID)
	m.SetBody("text/html", n.Body)

	if err := s.mailer.DialAndSend(m); err != nil {
		if smtpPermanent(err) {
			return fmt.Errorf("%w: %v", models.ErrBounced, err)
		}
		return fmt.Errorf("send email: %w", err)
	}

	log.Debug().Str("correlation_id", n.CorrelationID).Str("to", n.To).Msg("email handed to smtp server")
	return nil
}

func smtpPermanent(err error) bool {
	var se *mail.SendError
	if errors.As(err, &se) {
		err = se.Cause
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 550 && tpErr.Code < 560
	}
	return false
}
