package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMessage = errors.New("invalid queue message")

// Envelope is the part of a queue message shared by every notification type.
// Type-specific fields travel inside Metadata on the wire.
type Envelope struct {
	CorrelationID string           `json:"correlation_id"`
	UserID        string           `json:"user_id"`
	Recipient     string           `json:"recipient"`
	TemplateID    string           `json:"template_id,omitempty"`
	Variables     map[string]any   `json:"variables,omitempty"`
	Type          NotificationType `json:"type"`
	Priority      Priority         `json:"priority"`
	Timestamp     time.Time        `json:"timestamp"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// Message is a decoded, validated queue message.
type Message interface {
	Common() *Envelope
}

type EmailMessage struct {
	Envelope
	Subject      string
	Body         string
	TemplateName string
	SentBy       string
	// PreferencesChecked is set when the gateway resolved the recipient
	// through the user service.
	PreferencesChecked bool
}

func (m *EmailMessage) Common() *Envelope { return &m.Envelope }

func (m EmailMessage) MarshalJSON() ([]byte, error) {
	env := m.Envelope
	env.Type = TypeEmail
	env.Metadata = copyMeta(m.Metadata)
	setIfNotEmpty(env.Metadata, "subject", m.Subject)
	setIfNotEmpty(env.Metadata, "body", m.Body)
	setIfNotEmpty(env.Metadata, "template_name", m.TemplateName)
	setIfNotEmpty(env.Metadata, "sent_by", m.SentBy)
	if m.PreferencesChecked {
		env.Metadata["preferences_checked"] = true
	}
	return json.Marshal(env)
}

type PushMessage struct {
	Envelope
	Title       string
	Body        string
	Image       string
	ClickAction string
	Data        map[string]any
	PushToken   string
	SentBy      string
}

func (m *PushMessage) Common() *Envelope { return &m.Envelope }

func (m PushMessage) MarshalJSON() ([]byte, error) {
	env := m.Envelope
	env.Type = TypePush
	env.Metadata = copyMeta(m.Metadata)
	setIfNotEmpty(env.Metadata, "title", m.Title)
	setIfNotEmpty(env.Metadata, "body", m.Body)
	setIfNotEmpty(env.Metadata, "image", m.Image)
	setIfNotEmpty(env.Metadata, "click_action", m.ClickAction)
	setIfNotEmpty(env.Metadata, "push_token", m.PushToken)
	setIfNotEmpty(env.Metadata, "sent_by", m.SentBy)
	if len(m.Data) > 0 {
		env.Metadata["data"] = m.Data
	}
	return json.Marshal(env)
}

// DecodeMessage parses a broker payload into its typed variant and validates it.
func DecodeMessage(body []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if env.Priority == "" {
		env.Priority = PriorityNormal
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	meta := env.Metadata
	switch env.Type {
	case TypeEmail:
		m := &EmailMessage{
			Envelope:           env,
			Subject:            metaString(meta, "subject"),
			Body:               metaString(meta, "body"),
			TemplateName:       metaString(meta, "template_name"),
			SentBy:             metaString(meta, "sent_by"),
			PreferencesChecked: metaBool(meta, "preferences_checked"),
		}
		if m.Recipient == "" && m.UserID == "" {
			return nil, fmt.Errorf("%w: email needs a recipient or user_id", ErrInvalidMessage)
		}
		if m.TemplateID == "" && m.Body == "" {
			return nil, fmt.Errorf("%w: email needs template_id or body", ErrInvalidMessage)
		}
		return m, nil
	case TypePush:
		m := &PushMessage{
			Envelope:    env,
			Title:       metaString(meta, "title"),
			Body:        metaString(meta, "body"),
			Image:       metaString(meta, "image"),
			ClickAction: metaString(meta, "click_action"),
			PushToken:   metaString(meta, "push_token"),
			SentBy:      metaString(meta, "sent_by"),
		}
		if data, ok := meta["data"].(map[string]any); ok {
			m.Data = data
		}
		if m.UserID == "" {
			return nil, fmt.Errorf("%w: push needs user_id", ErrInvalidMessage)
		}
		if m.TemplateID == "" && m.Body == "" && m.Title == "" {
			return nil, fmt.Errorf("%w: push needs template_id, title or body", ErrInvalidMessage)
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
}

func (e *Envelope) validate() error {
	if e.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlation_id", ErrInvalidMessage)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, e.Type)
	}
	switch e.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidMessage, e.Priority)
	}
	return nil
}

func copyMeta(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+4)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func metaString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func metaBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// ErrBounced marks a delivery the provider rejected permanently, such as an
// unknown mailbox or an unregistered device.
var ErrBounced = errors.New("delivery bounced")

// OutboundNotification is a rendered notification ready for a transport.
type OutboundNotification struct {
	Type          NotificationType
	CorrelationID string
	// To is an email address or a device token depending on Type.
	To          string
	Subject     string
	Body        string
	Image       string
	ClickAction string
	Data        map[string]string
}
