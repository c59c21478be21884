// Package breaker isolates failing dependencies behind per-dependency
// circuit breakers.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitOpenError is returned without calling the dependency while its
// breaker is open.
type CircuitOpenError struct {
	Dependency    string
	NextAttemptAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Dependency, e.NextAttemptAt.Format(time.RFC3339))
}

// IsOpen reports whether err was caused by an open breaker.
func IsOpen(err error) bool {
	var openErr *CircuitOpenError
	return errors.As(err, &openErr)
}

type Settings struct {
	Threshold        int
	Cooldown         time.Duration
	HalfOpenRequests int
}

func DefaultSettings() Settings {
	return Settings{
		Threshold:        5,
		Cooldown:         60 * time.Second,
		HalfOpenRequests: 3,
	}
}

type Stats struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	FailureCount  int        `json:"failure_count"`
	SuccessCount  int        `json:"success_count"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Breaker guards a single dependency.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	onChange func(name string, from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	nextAttemptAt time.Time
	probing       bool
}

func newBreaker(name string, s Settings, now func() time.Time, onChange func(string, State, State)) *Breaker {
	return &Breaker{
		name:     name,
		settings: s,
		now:      now,
		onChange: onChange,
	}
}

func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Before(b.nextAttemptAt) {
			return &CircuitOpenError{Dependency: b.name, NextAttemptAt: b.nextAttemptAt}
		}
		b.setState(HalfOpen)
	}

	// half open: one trial call in flight at a time
	if b.probing {
		return &CircuitOpenError{Dependency: b.name, NextAttemptAt: b.nextAttemptAt}
	}
	b.probing = true
	return nil
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failures++
		if b.failures >= b.settings.Threshold {
			b.trip()
		}
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.settings.HalfOpenRequests {
			b.setState(Closed)
		}
	case Closed:
		b.failures = 0
	}
}

// trip must be called with mu held.
func (b *Breaker) trip() {
	now := b.now()
	b.openedAt = now
	b.nextAttemptAt = now.Add(b.settings.Cooldown)
	b.setState(Open)
}

// setState must be called with mu held. Counters reset on every transition.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == Closed {
		b.openedAt = time.Time{}
		b.nextAttemptAt = time.Time{}
	}
	if from == to {
		return
	}

	log.Warn().
		Str("dependency", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")

	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failures,
		SuccessCount: b.successes,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		st.OpenedAt = &t
	}
	if !b.nextAttemptAt.IsZero() {
		t := b.nextAttemptAt
		st.NextAttemptAt = &t
	}
	return st
}

// Execute runs fn through b and returns its value.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := b.Do(func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
