package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	mocks "notifyhub/internal/mocks/worker"
	"notifyhub/internal/models"
)

type settled struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAck struct {
	mu  sync.Mutex
	got []settled
}

func (f *fakeAck) Ack(uint64, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, settled{acked: true})
	return nil
}

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, settled{nacked: true, requeue: requeue})
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAck) only(t *testing.T) settled {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.got, 1, "delivery must be settled exactly once")
	return f.got[0]
}

type fixture struct {
	templates *mocks.MockTemplateFetcher
	users     *mocks.MockContactLookup
	sender    *mocks.MockSender
	status    *mocks.MockStatusReporter
	ack       *fakeAck
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	return &fixture{
		templates: mocks.NewMockTemplateFetcher(ctrl),
		users:     mocks.NewMockContactLookup(ctrl),
		sender:    mocks.NewMockSender(ctrl),
		status:    mocks.NewMockStatusReporter(ctrl),
		ack:       &fakeAck{},
	}
}

func (f *fixture) processor(channel models.NotificationType) *Processor {
	return NewProcessor(channel, f.templates, f.users, f.sender, f.status)
}

func (f *fixture) delivery(t *testing.T, msg models.Message) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: f.ack,
		DeliveryTag:  1,
		MessageId:    msg.Common().CorrelationID,
		Body:         body,
	}
}

func (f *fixture) expectStatuses(id string, statuses ...models.NotificationStatus) {
	calls := make([]any, 0, len(statuses))
	for _, s := range statuses {
		calls = append(calls, f.status.EXPECT().UpdateStatus(gomock.Any(), id, s, gomock.Any()).Return(nil))
	}
	gomock.InOrder(calls...)
}

func templatedEmail(id string) *models.EmailMessage {
	return &models.EmailMessage{
		Envelope: models.Envelope{
			CorrelationID: id,
			UserID:        "u1",
			TemplateID:    "welcome",
			Variables:     map[string]any{"user": map[string]any{"name": "Ada"}},
			Type:          models.TypeEmail,
			Priority:      models.PriorityNormal,
		},
	}
}

var welcome = &models.Template{
	ID:      "welcome",
	Name:    "Welcome",
	Subject: "Welcome {{user.name}}",
	Body:    "Hi {{user.name}}, your code is {{code}}{{missing.path}}",
	Variables: map[string]any{
		"code": "A1",
	},
}

func TestHandle_EmailSent(t *testing.T) {
	f := newFixture(t)

	f.templates.EXPECT().GetTemplate(gomock.Any(), "welcome").Return(welcome, nil)
	f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "").Return(&models.ContactInfo{
		Email:       "ada@example.com",
		Preferences: models.Preferences{Email: true},
	}, nil)
	f.sender.EXPECT().Send(gomock.Any(), models.OutboundNotification{
		Type:          models.TypeEmail,
		CorrelationID: "c1",
		To:            "ada@example.com",
		Subject:       "Welcome Ada",
		Body:          "Hi Ada, your code is A1",
	}).Return(nil)
	f.expectStatuses("c1", models.StatusProcessing, models.StatusSent)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, templatedEmail("c1")))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_EmailInlineContentWithoutLookups(t *testing.T) {
	f := newFixture(t)

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, n models.OutboundNotification) error {
		assert.Equal(t, "ops@example.com", n.To)
		assert.Equal(t, "Disk at 91%", n.Subject)
		assert.Equal(t, "Host db1", n.Body)
		return nil
	})
	f.expectStatuses("c2", models.StatusProcessing, models.StatusSent)

	msg := &models.EmailMessage{
		Envelope: models.Envelope{
			CorrelationID: "c2",
			Recipient:     "ops@example.com",
			Variables:     map[string]any{"host": "db1", "pct": 91},
			Priority:      models.PriorityHigh,
		},
		Subject: "Disk at {{pct}}%",
		Body:    "Host {{host}}",
	}
	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_EmailPreferenceDisabled(t *testing.T) {
	f := newFixture(t)

	f.templates.EXPECT().GetTemplate(gomock.Any(), "welcome").Return(welcome, nil).MaxTimes(1)
	f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "").Return(&models.ContactInfo{
		Email:       "ada@example.com",
		Preferences: models.Preferences{Email: false},
	}, nil)
	gomock.InOrder(
		f.status.EXPECT().UpdateStatus(gomock.Any(), "c3", models.StatusProcessing, "").Return(nil),
		f.status.EXPECT().UpdateStatus(gomock.Any(), "c3", models.StatusFailed, "User has disabled email notifications").Return(nil),
	)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, templatedEmail("c3")))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_EmailLookupDegradesToQueuedRecipient(t *testing.T) {
	f := newFixture(t)

	msg := templatedEmail("c4")
	msg.Recipient = "fallback@example.com"

	f.templates.EXPECT().GetTemplate(gomock.Any(), "welcome").Return(welcome, nil)
	f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "").Return(nil, errors.New("user service down"))
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, n models.OutboundNotification) error {
		assert.Equal(t, "fallback@example.com", n.To)
		return nil
	})
	f.expectStatuses("c4", models.StatusProcessing, models.StatusSent)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_EmailLookupFailsWithoutRecipient(t *testing.T) {
	f := newFixture(t)

	f.templates.EXPECT().GetTemplate(gomock.Any(), "welcome").Return(welcome, nil).MaxTimes(1)
	f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "").Return(nil, errors.New("user service down"))
	f.expectStatuses("c5", models.StatusProcessing, models.StatusFailed)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, templatedEmail("c5")))

	assert.Equal(t, settled{nacked: true}, f.ack.only(t))
}

func TestHandle_TemplateFetchFails(t *testing.T) {
	f := newFixture(t)

	f.templates.EXPECT().GetTemplate(gomock.Any(), "welcome").Return(nil, errors.New("template service down"))
	f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "").Return(&models.ContactInfo{
		Email:       "ada@example.com",
		Preferences: models.Preferences{Email: true},
	}, nil).MaxTimes(1)
	f.expectStatuses("c6", models.StatusProcessing, models.StatusFailed)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, templatedEmail("c6")))

	assert.Equal(t, settled{nacked: true}, f.ack.only(t))
}

func TestHandle_TransportErrorDeadLetters(t *testing.T) {
	f := newFixture(t)

	f.templates.EXPECT().GetTemplate(gomock.Any(), "welcome").Return(welcome, nil)
	f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "").Return(&models.ContactInfo{
		Email:       "ada@example.com",
		Preferences: models.Preferences{Email: true},
	}, nil)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("smtp: connection refused"))
	gomock.InOrder(
		f.status.EXPECT().UpdateStatus(gomock.Any(), "c7", models.StatusProcessing, "").Return(nil),
		f.status.EXPECT().UpdateStatus(gomock.Any(), "c7", models.StatusFailed, gomock.Any()).Return(nil),
	)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, templatedEmail("c7")))

	assert.Equal(t, settled{nacked: true, requeue: false}, f.ack.only(t))
}

func TestHandle_TransientSendErrorNotRetried(t *testing.T) {
	f := newFixture(t)

	msg := &models.EmailMessage{
		Envelope: models.Envelope{CorrelationID: "c8", Recipient: "ada@example.com"},
		Subject:  "s",
		Body:     "b",
	}
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("timeout")).Times(1)
	f.status.EXPECT().UpdateStatus(gomock.Any(), "c8", models.StatusProcessing, "").Return(nil)
	f.status.EXPECT().UpdateStatus(gomock.Any(), "c8", models.StatusFailed, "timeout").Return(nil)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{nacked: true, requeue: false}, f.ack.only(t))
}

func TestHandle_BounceIsNotRetried(t *testing.T) {
	f := newFixture(t)

	msg := &models.EmailMessage{
		Envelope: models.Envelope{CorrelationID: "c9", Recipient: "gone@example.com"},
		Subject:  "s",
		Body:     "b",
	}
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(fmt.Errorf("550 mailbox unavailable: %w", models.ErrBounced)).Times(1)
	f.expectStatuses("c9", models.StatusProcessing, models.StatusFailed, models.StatusBounced)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{nacked: true}, f.ack.only(t))
}

func TestHandle_PushSent(t *testing.T) {
	f := newFixture(t)

	f.users.EXPECT().GetContactInfo(gomock.Any(), "u2", "").Return(&models.ContactInfo{
		PushToken:   "fresh-token",
		Preferences: models.Preferences{Push: true},
	}, nil)
	f.sender.EXPECT().Send(gomock.Any(), models.OutboundNotification{
		Type:          models.TypePush,
		CorrelationID: "p1",
		To:            "fresh-token",
		Subject:       "Order 42 shipped",
		Body:          "On its way",
		ClickAction:   "OPEN_ORDER",
		Data:          map[string]string{"order_id": "42", "correlation_id": "p1"},
	}).Return(nil)
	f.expectStatuses("p1", models.StatusProcessing, models.StatusSent)

	msg := &models.PushMessage{
		Envelope: models.Envelope{
			CorrelationID: "p1",
			UserID:        "u2",
			Recipient:     "u2",
			Variables:     map[string]any{"order": "42"},
		},
		Title:       "Order {{order}} shipped",
		Body:        "On its way",
		ClickAction: "OPEN_ORDER",
		Data:        map[string]any{"order_id": "42"},
		PushToken:   "stale-token",
	}
	f.processor(models.TypePush).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_PushWithoutToken(t *testing.T) {
	f := newFixture(t)

	f.users.EXPECT().GetContactInfo(gomock.Any(), "u2", "").Return(&models.ContactInfo{
		Preferences: models.Preferences{Push: true},
	}, nil)
	gomock.InOrder(
		f.status.EXPECT().UpdateStatus(gomock.Any(), "p2", models.StatusProcessing, "").Return(nil),
		f.status.EXPECT().UpdateStatus(gomock.Any(), "p2", models.StatusFailed, "User has no push token registered").Return(nil),
	)

	msg := &models.PushMessage{
		Envelope: models.Envelope{CorrelationID: "p2", UserID: "u2"},
		Title:    "Ping",
	}
	f.processor(models.TypePush).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_PushDisabled(t *testing.T) {
	f := newFixture(t)

	f.users.EXPECT().GetContactInfo(gomock.Any(), "u2", "").Return(&models.ContactInfo{
		PushToken:   "tok",
		Preferences: models.Preferences{Push: false},
	}, nil)
	gomock.InOrder(
		f.status.EXPECT().UpdateStatus(gomock.Any(), "p3", models.StatusProcessing, "").Return(nil),
		f.status.EXPECT().UpdateStatus(gomock.Any(), "p3", models.StatusFailed, "User has disabled push notifications").Return(nil),
	)

	msg := &models.PushMessage{
		Envelope:  models.Envelope{CorrelationID: "p3", UserID: "u2"},
		Title:     "Ping",
		PushToken: "tok",
	}
	f.processor(models.TypePush).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_PushLookupDegradesToQueuedToken(t *testing.T) {
	f := newFixture(t)

	f.users.EXPECT().GetContactInfo(gomock.Any(), "u2", "").Return(nil, errors.New("circuit open"))
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, n models.OutboundNotification) error {
		assert.Equal(t, "queued-token", n.To)
		return nil
	})
	f.expectStatuses("p4", models.StatusProcessing, models.StatusSent)

	msg := &models.PushMessage{
		Envelope:  models.Envelope{CorrelationID: "p4", UserID: "u2"},
		Title:     "Ping",
		PushToken: "queued-token",
	}
	f.processor(models.TypePush).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_RedeliveredBumpsRetryCount(t *testing.T) {
	f := newFixture(t)

	msg := &models.EmailMessage{
		Envelope: models.Envelope{CorrelationID: "c10", Recipient: "ada@example.com"},
		Subject:  "s",
		Body:     "b",
	}
	f.status.EXPECT().IncrementRetryCount(gomock.Any(), "c10").Return(1, nil)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
	f.expectStatuses("c10", models.StatusProcessing, models.StatusSent)

	d := f.delivery(t, msg)
	d.Redelivered = true
	f.processor(models.TypeEmail).Handle(context.Background(), d)

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}

func TestHandle_InvalidMessage(t *testing.T) {
	t.Run("undecodable body", func(t *testing.T) {
		f := newFixture(t)
		d := amqp.Delivery{Acknowledger: f.ack, Body: []byte("{not json")}

		f.processor(models.TypeEmail).Handle(context.Background(), d)

		assert.Equal(t, settled{nacked: true}, f.ack.only(t))
	})

	t.Run("wrong channel", func(t *testing.T) {
		f := newFixture(t)
		msg := &models.PushMessage{
			Envelope: models.Envelope{CorrelationID: "p5", UserID: "u2"},
			Title:    "Ping",
		}
		f.status.EXPECT().UpdateStatus(gomock.Any(), "p5", models.StatusFailed, gomock.Any()).Return(nil)

		f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, msg))

		assert.Equal(t, settled{nacked: true}, f.ack.only(t))
	})
}

func TestHandle_StatusReporterDownStillSettles(t *testing.T) {
	f := newFixture(t)

	msg := &models.EmailMessage{
		Envelope: models.Envelope{CorrelationID: "c11", Recipient: "ada@example.com"},
		Subject:  "s",
		Body:     "b",
	}
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)
	f.status.EXPECT().UpdateStatus(gomock.Any(), "c11", gomock.Any(), gomock.Any()).Return(errors.New("gateway down")).Times(2)

	f.processor(models.TypeEmail).Handle(context.Background(), f.delivery(t, msg))

	assert.Equal(t, settled{acked: true}, f.ack.only(t))
}
