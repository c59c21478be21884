package models

import (
	"time"
)

type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypePush  NotificationType = "push"
)

func (t NotificationType) Valid() bool {
	return t == TypeEmail || t == TypePush
}

type NotificationStatus string

const (
	StatusQueued     NotificationStatus = "queued"
	StatusProcessing NotificationStatus = "processing"
	StatusSent       NotificationStatus = "sent"
	StatusFailed     NotificationStatus = "failed"
	StatusBounced    NotificationStatus = "bounced"
)

// AllStatuses lists every lifecycle state in pipeline order.
var AllStatuses = []NotificationStatus{
	StatusQueued,
	StatusProcessing,
	StatusSent,
	StatusFailed,
	StatusBounced,
}

func (s NotificationStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected from s.
func (s NotificationStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusBounced
}

// CanTransition reports whether moving from s to next is a forward edge of
// queued -> processing -> {sent|failed}, failed -> bounced.
func (s NotificationStatus) CanTransition(next NotificationStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing || next == StatusSent || next == StatusFailed
	case StatusProcessing:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusBounced
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// AMQP maps the priority onto the broker's 0-255 priority field.
func (p Priority) AMQP() uint8 {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// NotificationRecord is the tracked lifecycle of one notification.
type NotificationRecord struct {
	CorrelationID string             `json:"correlation_id"`
	Type          NotificationType   `json:"type"`
	UserID        string             `json:"user_id"`
	Status        NotificationStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	RetryCount    int                `json:"retry_count"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

type Preferences struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// ContactInfo is the user-service view of a recipient.
type ContactInfo struct {
	Email       string      `json:"email"`
	PushToken   string      `json:"push_token"`
	Preferences Preferences `json:"preferences"`
}

// Allows reports whether the user accepts notifications on the given channel.
func (c ContactInfo) Allows(t NotificationType) bool {
	switch t {
	case TypeEmail:
		return c.Preferences.Email
	case TypePush:
		return c.Preferences.Push
	default:
		return false
	}
}

// Template is the template-service payload used for rendering.
type Template struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Body      string         `json:"body"`
	Subject   string         `json:"subject,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type Pagination struct {
	Total       int  `json:"total"`
	Page        int  `json:"page"`
	Limit       int  `json:"limit"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

type NotificationPage struct {
	Data []*NotificationRecord `json:"data"`
	Meta Pagination            `json:"meta"`
}

type Statistics struct {
	Total    int                        `json:"total"`
	ByStatus map[NotificationStatus]int `json:"by_status"`
	ByType   map[NotificationType]int   `json:"by_type"`
}

type QueueStat struct {
	MessageCount  int `json:"message_count"`
	ConsumerCount int `json:"consumer_count"`
}

type SendEmailRequest struct {
	To           string         `json:"to,omitempty" validate:"omitempty,email"`
	UserID       string         `json:"user_id,omitempty" validate:"omitempty,max=128"`
	Subject      string         `json:"subject,omitempty" validate:"omitempty,max=998"`
	Body         string         `json:"body,omitempty"`
	TemplateID   string         `json:"template_id,omitempty" validate:"omitempty,max=128"`
	TemplateName string         `json:"template_name,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	Priority     Priority       `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
}

type SendPushRequest struct {
	UserID      string         `json:"user_id" validate:"required,max=128"`
	Title       string         `json:"title" validate:"required"`
	Body        string         `json:"body,omitempty"`
	TemplateID  string         `json:"template_id,omitempty" validate:"omitempty,max=128"`
	Variables   map[string]any `json:"variables,omitempty"`
	Image       string         `json:"image,omitempty" validate:"omitempty,url"`
	ClickAction string         `json:"click_action,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Priority    Priority       `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
}

// SendResult is returned for every send request, queued or rejected.
type SendResult struct {
	Success       bool       `json:"success"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	Reason        string     `json:"error,omitempty"`
	Message       string     `json:"message"`
}

type StatusUpdateRequest struct {
	Status       NotificationStatus `json:"status" validate:"required"`
	ErrorMessage string             `json:"error_message,omitempty"`
}
