package store

import (
	"context"
	"errors"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
)

// ErrCorruptState is returned when persisted state exists but cannot be decoded
var ErrCorruptState = errors.New("persisted state is corrupt")

// StateStore persists the event cache and the log cursor
// Implementations: BoltDB
type StateStore interface {
	// LoadState returns the persisted cache state and whether any was found
	LoadState(ctx context.Context) (domain.CacheState, bool, error)

	// AppendEvents appends events and, if cursor is non-nil, stores it
	// in the same transaction. Events are written before the cursor.
	AppendEvents(ctx context.Context, events []domain.Event, cursor *domain.LogCursor) error

	// SaveState replaces the whole cache state (cursor is left untouched)
	SaveState(ctx context.Context, state domain.CacheState) error

	// GetCursor returns the stored log cursor and whether one was found
	GetCursor(ctx context.Context) (domain.LogCursor, bool, error)

	// Close closes the store
	Close() error
}
