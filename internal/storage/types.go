package storage

import (
	"context"
	"errors"
	"time"

	"abot/internal/dispatch"
	"abot/internal/subscription"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + JSON Lines delivery journal
//   - "sqlite": SQLite database file
//   - "bolt": bbolt key/value file
//
// If Driver is empty or "none", the registry is kept in memory only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// DeliveryLog enables the per-attempt delivery journal.
	DeliveryLog bool
}

// Store persists registry state and, optionally, delivery attempts.
// Implementations must round-trip every Subscription and MaintenanceState
// field and be safe for concurrent use.
type Store interface {
	// LoadState returns an empty State when nothing was saved yet.
	LoadState(ctx context.Context) (subscription.State, error)
	SaveState(ctx context.Context, st subscription.State) error
	AppendDelivery(ctx context.Context, at dispatch.Attempt) error
	Close() error
}
