package subscription

import (
	"context"
	"fmt"
	"time"

	"abot/internal/alert"
)

// Subscription is one (subscriber, member, severity) triple plus its mute
// window. Subscriber is a chat target id (see transport.ChatTarget.String).
type Subscription struct {
	Subscriber string         `json:"subscriber"`
	Member     string         `json:"member"`
	Severity   alert.Severity `json:"severity"`

	// MuteInterval is the interval given on the last upsert (0 = none).
	MuteInterval time.Duration `json:"mute_interval,omitempty"`
	// MuteUntil is zero when the subscription is always active.
	MuteUntil time.Time `json:"mute_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Subscription) Key() Key {
	return Key{Subscriber: s.Subscriber, Member: s.Member, Severity: s.Severity}
}

// Key is the uniqueness key of the registry.
type Key struct {
	Subscriber string
	Member     string
	Severity   alert.Severity
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Subscriber, k.Member, k.Severity)
}

// MaintenanceState is the member-wide override. Only members currently in
// maintenance are kept.
type MaintenanceState struct {
	Member string    `json:"member"`
	Since  time.Time `json:"since"`
}

// State is the durable registry content.
type State struct {
	Subscriptions []Subscription     `json:"subscriptions"`
	Maintenance   []MaintenanceState `json:"maintenance"`
}

// Persister saves the whole registry state. Calls are serialized by the
// registry and always carry the latest state.
type Persister interface {
	SaveState(ctx context.Context, st State) error
}

// PersistenceError means the registry changed in memory but the change is not
// durable. The registry stays usable and reports itself degraded until a
// later save succeeds.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Health reports persistence state.
type Health struct {
	Degraded  bool      `json:"degraded"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	LastSave  time.Time `json:"last_save,omitempty"`
}
