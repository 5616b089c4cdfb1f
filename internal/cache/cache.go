package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
	"github.com/SteelMorgan/fail2ban-digest/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Persister is the durable storage behind the cache
type Persister interface {
	LoadState(ctx context.Context) (domain.CacheState, bool, error)
	AppendEvents(ctx context.Context, events []domain.Event, cursor *domain.LogCursor) error
	SaveState(ctx context.Context, state domain.CacheState) error
}

// EventCache accumulates events between two reports. Appends and snapshots
// are written to the persister before they become visible in memory.
type EventCache struct {
	store Persister
	now   func() time.Time

	mu       sync.Mutex
	since    time.Time
	events   []domain.Event
	inFlight *domain.Snapshot
}

// Option configures an EventCache
type Option func(*EventCache)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *EventCache) {
		c.now = now
	}
}

// New creates an empty cache. Call Load before use.
func New(p Persister, opts ...Option) *EventCache {
	c := &EventCache{
		store: p,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.since = c.now()
	return c
}

// Load recovers the cache from storage. A persisted in-flight snapshot is
// merged back in front of the accumulated events. When nothing is stored the
// cache starts empty with AccumulatedSince = initialSince (now if zero).
// Corrupt state is logged and replaced by an empty cache.
func (c *EventCache) Load(ctx context.Context, initialSince time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if initialSince.IsZero() || initialSince.After(now) {
		initialSince = now
	}

	state, found, err := c.store.LoadState(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrCorruptState) {
			return fmt.Errorf("failed to load cache: %w", err)
		}
		log.Warn().
			Err(err).
			Msg("Cache state is corrupt, starting with an empty cache (events of the current interval are lost)")
		found = false
	}

	if !found {
		state = domain.CacheState{AccumulatedSince: initialSince}
		if err := c.store.SaveState(ctx, state); err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	if state.InFlight != nil {
		log.Warn().
			Str("snapshot_id", state.InFlight.ID).
			Int("events", len(state.InFlight.Events)).
			Msg("Found undelivered report from previous run, merging it back")

		state = mergeBack(state, *state.InFlight)
		state.InFlight = nil
		if err := c.store.SaveState(ctx, state); err != nil {
			return fmt.Errorf("failed to merge in-flight snapshot: %w", err)
		}
	}

	c.since = state.AccumulatedSince
	c.events = state.Events
	c.inFlight = nil

	log.Info().
		Int("events", len(c.events)).
		Time("accumulated_since", c.since).
		Bool("recovered", found).
		Msg("Event cache loaded")

	return nil
}

// Append stores events (and the cursor they were read up to) durably and
// adds them to the tail. With no events the cursor alone is committed.
func (c *EventCache) Append(ctx context.Context, events []domain.Event, cursor *domain.LogCursor) error {
	if len(events) == 0 && cursor == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.AppendEvents(ctx, events, cursor); err != nil {
		return err
	}
	c.events = append(c.events, events...)
	return nil
}

// SnapshotAndClear captures the window [AccumulatedSince, now) with its
// events and empties the cache. The snapshot stays persisted as in-flight
// until Ack or Restore.
func (c *EventCache) SnapshotAndClear(ctx context.Context) (domain.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot %s is still in flight", c.inFlight.ID)
	}

	now := c.now()
	if now.Before(c.since) {
		now = c.since
	}

	snapshot := domain.Snapshot{
		ID:     uuid.New().String(),
		Window: domain.ReportWindow{Start: c.since, End: now},
		Events: c.events,
	}

	state := domain.CacheState{
		AccumulatedSince: now,
		InFlight:         &snapshot,
	}
	if err := c.store.SaveState(ctx, state); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	c.since = now
	c.events = nil
	c.inFlight = &snapshot

	return snapshot, nil
}

// Ack drops a delivered snapshot
func (c *EventCache) Ack(ctx context.Context, snapshot domain.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight == nil || c.inFlight.ID != snapshot.ID {
		return fmt.Errorf("snapshot %s is not in flight", snapshot.ID)
	}

	state := domain.CacheState{
		AccumulatedSince: c.since,
		Events:           c.events,
	}
	// The snapshot is delivered either way. If the write fails, the stale
	// in-flight copy on disk is overwritten by the next snapshot, or
	// reported twice after a crash.
	c.inFlight = nil
	if err := c.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("failed to acknowledge snapshot: %w", err)
	}
	return nil
}

// Restore puts an undelivered snapshot back in front of the events collected
// since, and moves AccumulatedSince back to the snapshot window start.
func (c *EventCache) Restore(ctx context.Context, snapshot domain.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight == nil || c.inFlight.ID != snapshot.ID {
		return fmt.Errorf("snapshot %s is not in flight", snapshot.ID)
	}

	state := mergeBack(domain.CacheState{
		AccumulatedSince: c.since,
		Events:           c.events,
	}, snapshot)

	// Memory is merged even if the write fails: the in-flight copy stays on
	// disk and Load reconstructs the same state from it.
	c.since = state.AccumulatedSince
	c.events = state.Events
	c.inFlight = nil

	if err := c.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return nil
}

// Len returns the number of accumulated events
func (c *EventCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Since returns the start of the current window
func (c *EventCache) Since() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since
}

// Events returns a copy of the accumulated events
func (c *EventCache) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

// InFlight reports whether a snapshot awaits Ack or Restore
func (c *EventCache) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight != nil
}

// mergeBack places snapshot events before state events
func mergeBack(state domain.CacheState, snapshot domain.Snapshot) domain.CacheState {
	events := make([]domain.Event, 0, len(snapshot.Events)+len(state.Events))
	events = append(events, snapshot.Events...)
	events = append(events, state.Events...)

	since := state.AccumulatedSince
	if !snapshot.Window.Start.IsZero() && (since.IsZero() || snapshot.Window.Start.Before(since)) {
		since = snapshot.Window.Start
	}

	return domain.CacheState{
		AccumulatedSince: since,
		Events:           events,
		InFlight:         state.InFlight,
	}
}
