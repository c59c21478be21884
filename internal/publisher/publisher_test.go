package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"notifyhub/internal/breaker"
	"notifyhub/internal/clients"
	"notifyhub/internal/errs"
	mocks "notifyhub/internal/mocks/publisher"
	"notifyhub/internal/models"
	"notifyhub/internal/storage"
	"notifyhub/internal/tracker"
)

type fixture struct {
	users  *mocks.MockContactLookup
	broker *mocks.MockMessagePublisher
	store  *tracker.Tracker
	pub    *Publisher
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		users:  mocks.NewMockContactLookup(ctrl),
		broker: mocks.NewMockMessagePublisher(ctrl),
		store:  tracker.New(storage.NewMemoryStorage(), 0),
	}
	reg := breaker.NewRegistry(breaker.DefaultSettings(), breaker.AllDependencies)
	f.pub = New(f.users, f.broker, f.store, reg)
	return f
}

var caller = Caller{UserID: "admin-1", Token: "jwt"}

func TestSendEmail_DirectAddressSkipsUserService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var published models.Message
	f.broker.EXPECT().Publish(gomock.Any(), models.TypeEmail, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.NotificationType, m models.Message) (bool, error) {
			published = m
			return true, nil
		})

	res, err := f.pub.SendEmail(ctx, models.SendEmailRequest{
		To:      "ada@example.com",
		Subject: "Hi",
		Body:    "Hello",
	}, caller)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.QueuedAt)

	email, ok := published.(*models.EmailMessage)
	require.True(t, ok)
	assert.Equal(t, "ada@example.com", email.Recipient)
	assert.Equal(t, "admin-1", email.UserID)
	assert.Equal(t, models.PriorityNormal, email.Priority)
	assert.False(t, email.PreferencesChecked)
	assert.Equal(t, res.CorrelationID, email.CorrelationID)

	rec, err := f.store.GetStatus(ctx, res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Equal(t, "ada@example.com", rec.Metadata["recipient"])
}

func TestSendEmail_ResolvesRecipientFromUserService(t *testing.T) {
	f := newFixture(t)

	f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "jwt").Return(&models.ContactInfo{
		Email:       "u1@example.com",
		Preferences: models.Preferences{Email: true},
	}, nil)
	f.broker.EXPECT().Publish(gomock.Any(), models.TypeEmail, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.NotificationType, m models.Message) (bool, error) {
			email := m.(*models.EmailMessage)
			assert.Equal(t, "u1@example.com", email.Recipient)
			assert.True(t, email.PreferencesChecked)
			assert.Equal(t, "corr-7", email.CorrelationID)
			return true, nil
		})

	res, err := f.pub.SendEmail(context.Background(), models.SendEmailRequest{
		UserID:     "u1",
		TemplateID: "welcome",
		Priority:   models.PriorityHigh,
	}, Caller{UserID: "admin-1", Token: "jwt", CorrelationID: "corr-7"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "corr-7", res.CorrelationID)
}

func TestSendEmail_PreferenceDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "jwt").Return(&models.ContactInfo{
		Email:       "u1@example.com",
		Preferences: models.Preferences{Email: false},
	}, nil)

	res, err := f.pub.SendEmail(ctx, models.SendEmailRequest{
		UserID:     "u1",
		TemplateID: "welcome",
	}, caller)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "User has disabled email notifications", res.Reason)
	assert.Empty(t, res.CorrelationID)

	stats, err := f.store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestSendEmail_LookupFailure(t *testing.T) {
	t.Run("degrades to direct address", func(t *testing.T) {
		f := newFixture(t)
		f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "jwt").Return(nil, errors.New("timeout"))
		f.broker.EXPECT().Publish(gomock.Any(), models.TypeEmail, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ models.NotificationType, m models.Message) (bool, error) {
				assert.Equal(t, "fallback@example.com", m.Common().Recipient)
				return true, nil
			})

		res, err := f.pub.SendEmail(context.Background(), models.SendEmailRequest{
			To:         "fallback@example.com",
			UserID:     "u1",
			TemplateID: "welcome",
		}, caller)
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("fails without direct address", func(t *testing.T) {
		f := newFixture(t)
		f.users.EXPECT().GetContactInfo(gomock.Any(), "u1", "jwt").Return(nil, clients.ErrNotFound)

		_, err := f.pub.SendEmail(context.Background(), models.SendEmailRequest{
			UserID:     "u1",
			TemplateID: "welcome",
		}, caller)
		require.Error(t, err)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))

		var e *errs.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, "user_not_found", e.Code)
	})
}

func TestSendEmail_Validation(t *testing.T) {
	f := newFixture(t)

	cases := []models.SendEmailRequest{
		{Subject: "s", Body: "b"},
		{To: "a@example.com", Body: "b"},
		{To: "a@example.com", Subject: "s"},
	}
	for _, req := range cases {
		_, err := f.pub.SendEmail(context.Background(), req, caller)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err), "%+v", req)
	}
}

func TestSendEmail_PublishFailureRemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.broker.EXPECT().Publish(gomock.Any(), models.TypeEmail, gomock.Any()).Return(false, errors.New("broker not connected"))

	_, err := f.pub.SendEmail(ctx, models.SendEmailRequest{
		To:      "ada@example.com",
		Subject: "Hi",
		Body:    "Hello",
	}, Caller{UserID: "admin-1", CorrelationID: "c-fail"})
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))

	_, err = f.store.GetStatus(ctx, "c-fail")
	assert.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestSendEmail_DuplicateCorrelationID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.RecordQueued(ctx, "dup", models.TypeEmail, "u1", nil)
	require.NoError(t, err)

	_, err = f.pub.SendEmail(ctx, models.SendEmailRequest{
		To:      "ada@example.com",
		Subject: "Hi",
		Body:    "Hello",
	}, Caller{CorrelationID: "dup"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSendPush(t *testing.T) {
	f := newFixture(t)

	f.users.EXPECT().GetContactInfo(gomock.Any(), "u2", "jwt").Return(&models.ContactInfo{
		PushToken:   "device-token",
		Preferences: models.Preferences{Push: true},
	}, nil)
	f.broker.EXPECT().Publish(gomock.Any(), models.TypePush, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ models.NotificationType, m models.Message) (bool, error) {
			push := m.(*models.PushMessage)
			assert.Equal(t, "device-token", push.PushToken)
			assert.Equal(t, "Ping", push.Title)
			assert.Equal(t, "u2", push.Recipient)
			return true, nil
		})

	res, err := f.pub.SendPush(context.Background(), models.SendPushRequest{UserID: "u2", Title: "Ping"}, caller)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSendPush_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		info   *models.ContactInfo
		reason string
	}{
		{
			name:   "push disabled",
			info:   &models.ContactInfo{PushToken: "tok", Preferences: models.Preferences{Push: false}},
			reason: "User has disabled push notifications",
		},
		{
			name:   "no device",
			info:   &models.ContactInfo{Preferences: models.Preferences{Push: true}},
			reason: "User has no push token registered",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.users.EXPECT().GetContactInfo(gomock.Any(), "u2", "jwt").Return(tc.info, nil)

			res, err := f.pub.SendPush(context.Background(), models.SendPushRequest{UserID: "u2", Title: "Ping"}, caller)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tc.reason, res.Reason)

			stats, err := f.store.GetStatistics(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Total)
		})
	}
}

func TestSendPush_UserServiceDown(t *testing.T) {
	f := newFixture(t)
	f.users.EXPECT().GetContactInfo(gomock.Any(), "u2", "jwt").Return(nil, &breaker.CircuitOpenError{Dependency: "user-service", NextAttemptAt: time.Now()})

	_, err := f.pub.SendPush(context.Background(), models.SendPushRequest{UserID: "u2", Title: "Ping"}, caller)
	assert.Equal(t, errs.KindUpstreamUnavailable, errs.KindOf(err))
}
