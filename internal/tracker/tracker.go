// Package tracker records the lifecycle of every notification, keyed by its
// correlation id, in a TTL-bounded key/value store.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"notifyhub/internal/models"
	"notifyhub/internal/storage"
)

const (
	keyPrefix = "notification:"

	DefaultTTL   = 7 * 24 * time.Hour
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	ErrNotFound = errors.New("notification not found")
	ErrExists   = errors.New("correlation id already recorded")
)

type Tracker struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

func New(store storage.Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		store: store,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewCorrelationID mints a fresh correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

func key(id string) string {
	return keyPrefix + id
}

// RecordQueued creates the initial record. An empty id is replaced by a new one.
func (t *Tracker) RecordQueued(ctx context.Context, id string, typ models.NotificationType, userID string, metadata map[string]any) (*models.NotificationRecord, error) {
	if id == "" {
		id = NewCorrelationID()
	}

	_, err := t.store.Get(ctx, key(id))
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("check existing record: %w", err)
	}

	now := t.now()
	rec := &models.NotificationRecord{
		CorrelationID: id,
		Type:          typ,
		UserID:        userID,
		Status:        models.StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      metadata,
	}
	if err := t.save(ctx, rec); err != nil {
		return nil, err
	}

	log.Debug().Str("correlation_id", id).Str("type", string(typ)).Msg("notification queued")
	return rec, nil
}

// UpdateStatus moves a record forward. Unknown ids, repeats of the current
// status and backward moves are ignored without error.
func (t *Tracker) UpdateStatus(ctx context.Context, id string, status models.NotificationStatus, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	rec, err := t.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		log.Debug().Str("correlation_id", id).Msg("status update for unknown notification ignored")
		return nil
	}
	if err != nil {
		return err
	}

	if rec.Status == status {
		return nil
	}
	if !rec.Status.CanTransition(status) {
		log.Warn().
			Str("correlation_id", id).
			Str("from", string(rec.Status)).
			Str("to", string(status)).
			Msg("ignoring backward status transition")
		return nil
	}

	now := t.now()
	rec.Status = status
	rec.UpdatedAt = now
	if errMsg != "" {
		rec.ErrorMessage = errMsg
	}
	if status == models.StatusSent && rec.SentAt == nil {
		rec.SentAt = &now
	}

	return t.save(ctx, rec)
}

// IncrementRetryCount bumps the retry counter and returns the new value.
// A missing record yields 0.
func (t *Tracker) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	rec, err := t.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	rec.RetryCount++
	rec.UpdatedAt = t.now()
	if err := t.save(ctx, rec); err != nil {
		return 0, err
	}
	return rec.RetryCount, nil
}

func (t *Tracker) GetStatus(ctx context.Context, id string) (*models.NotificationRecord, error) {
	return t.load(ctx, id)
}

// Delete drops a record. Used to undo RecordQueued when publishing fails.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	return t.store.Delete(ctx, key(id))
}

// GetUserNotifications pages through a user's records, newest first.
func (t *Tracker) GetUserNotifications(ctx context.Context, userID string, page, limit int) (*models.NotificationPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	all, err := t.scan(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*models.NotificationRecord, 0)
	for _, rec := range all {
		if rec.UserID == userID {
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CorrelationID < records[j].CorrelationID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	total := len(records)
	totalPages := (total + limit - 1) / limit
	// compare pages before multiplying so huge page numbers cannot overflow
	start, end := total, total
	if page <= totalPages {
		start = (page - 1) * limit
		end = min(start+limit, total)
	}

	return &models.NotificationPage{
		Data: records[start:end],
		Meta: models.Pagination{
			Total:       total,
			Page:        page,
			Limit:       limit,
			TotalPages:  totalPages,
			HasNext:     page < totalPages,
			HasPrevious: page > 1,
		},
	}, nil
}

// GetStatistics counts every live record by status and by type. It reads the
// whole keyspace, which is bounded by the record TTL.
func (t *Tracker) GetStatistics(ctx context.Context) (*models.Statistics, error) {
	all, err := t.scan(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.Statistics{
		Total:    len(all),
		ByStatus: make(map[models.NotificationStatus]int, len(models.AllStatuses)),
		ByType:   map[models.NotificationType]int{models.TypeEmail: 0, models.TypePush: 0},
	}
	for _, s := range models.AllStatuses {
		stats.ByStatus[s] = 0
	}
	for _, rec := range all {
		stats.ByStatus[rec.Status]++
		stats.ByType[rec.Type]++
	}
	return stats, nil
}

// Ping reports whether the backing store is reachable.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.store.Ping(ctx)
}

func (t *Tracker) load(ctx context.Context, id string) (*models.NotificationRecord, error) {
	data, err := t.store.Get(ctx, key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load notification %s: %w", id, err)
	}

	var rec models.NotificationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode notification %s: %w", id, err)
	}
	return &rec, nil
}

func (t *Tracker) save(ctx context.Context, rec *models.NotificationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", rec.CorrelationID, err)
	}
	if err := t.store.Set(ctx, key(rec.CorrelationID), data, t.ttl); err != nil {
		return fmt.Errorf("save notification %s: %w", rec.CorrelationID, err)
	}
	return nil
}

func (t *Tracker) scan(ctx context.Context) ([]*models.NotificationRecord, error) {
	keys, err := t.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	records := make([]*models.NotificationRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := t.load(ctx, strings.TrimPrefix(k, keyPrefix))
		if errors.Is(err, ErrNotFound) {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("key", k).Msg("skipping unreadable notification")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
