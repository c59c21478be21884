package transport

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"notifyhub/internal/config"
	"notifyhub/internal/models"
)

// FCMClient is satisfied by *messaging.Client.
type FCMClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type PushSender struct {
	client FCMClient
	// unregistered reports a token the provider will never accept again.
	unregistered func(error) bool
}

// NewPushSender initialises a Firebase app from the service account file
// and returns a sender backed by its messaging client.
func NewPushSender(ctx context.Context, cfg config.FCM) (*PushSender, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return NewPushSenderWithClient(client), nil
}

func NewPushSenderWithClient(client FCMClient) *PushSender {
	return &PushSender{client: client, unregistered: messaging.IsUnregistered}
}

// Send delivers a push notification to the device token in n.To.
func (s *PushSender) Send(ctx context.Context, n models.OutboundNotification) error {
	if n.Type != models.TypePush {
		return fmt.Errorf("push sender cannot deliver %s notifications", n.Type)
	}

	msg := &messaging.Message{
		Token: n.To,
		Data:  n.Data,
		Notification: &messaging.Notification{
			Title:    n.Subject,
			Body:     n.Body,
			ImageURL: n.Image,
		},
	}
	if n.ClickAction != "" {
		msg.Android = &messaging.AndroidConfig{
			Notification: &messaging.AndroidNotification{ClickAction: n.ClickAction},
		}
	}

	id, err := s.client.Send(ctx, msg)
	if err != nil {
		if s.unregistered(err) {
			return fmt.Errorf("%w: %v", models.ErrBounced, err)
		}
		return fmt.Errorf("send push: %w", err)
	}

	log.Debug().Str("correlation_id", n.CorrelationID).Str("fcm_message_id", id).Msg("push accepted by fcm")
	return nil
}
