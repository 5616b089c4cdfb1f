package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
	"go.etcd.io/bbolt"
)

func openTestStore(t *testing.T, path string) *BoltDBStore {
	t.Helper()
	s, err := NewBoltDBStore(path, "/var/log/fail2ban.log")
	if err != nil {
		t.Fatalf("NewBoltDBStore() error = %v", err)
	}
	return s
}

func testEvent(kind domain.EventKind, subject string, sec int) domain.Event {
	return domain.Event{
		Kind:       kind,
		Subject:    subject,
		Jail:       "sshd",
		OccurredAt: time.Date(2024, 5, 1, 10, 0, sec, 0, time.UTC),
	}
}

func TestBoltDBStore_EmptyState(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()

	_, found, err := s.LoadState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected no state in a new database")
	}

	_, found, err = s.GetCursor(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected no cursor in a new database")
	}
}

func TestBoltDBStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	since := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	s := openTestStore(t, path)
	if err := s.SaveState(ctx, domain.CacheState{AccumulatedSince: since}); err != nil {
		t.Fatal(err)
	}
	cursor := domain.LogCursor{Offset: 120, Inode: 42, HeadLen: 120, HeadHash: "abc"}
	events := []domain.Event{
		testEvent(domain.KindBan, "10.0.0.1", 1),
		testEvent(domain.KindFound, "10.0.0.2", 2),
	}
	if err := s.AppendEvents(ctx, events, &cursor); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvents(ctx, []domain.Event{testEvent(domain.KindUnban, "10.0.0.1", 3)}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = openTestStore(t, path)
	defer s.Close()

	state, found, err := s.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected persisted state")
	}
	if !state.AccumulatedSince.Equal(since) {
		t.Errorf("AccumulatedSince = %v, want %v", state.AccumulatedSince, since)
	}
	if len(state.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(state.Events))
	}
	if state.Events[0].Subject != "10.0.0.1" || state.Events[2].Kind != domain.KindUnban {
		t.Errorf("events out of order: %v", state.Events)
	}

	got, found, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !found || got.Offset != 120 || got.Inode != 42 || got.HeadHash != "abc" {
		t.Errorf("cursor = %+v (found %v)", got, found)
	}
}

func TestBoltDBStore_SaveStateReplacesEventsAndKeepsCursor(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()

	cursor := domain.LogCursor{Offset: 10}
	if err := s.AppendEvents(ctx, []domain.Event{testEvent(domain.KindBan, "1.1.1.1", 0)}, &cursor); err != nil {
		t.Fatal(err)
	}

	inFlight := &domain.Snapshot{
		ID:     "snap-1",
		Window: domain.ReportWindow{Start: time.Unix(0, 0).UTC(), End: time.Unix(3600, 0).UTC()},
		Events: []domain.Event{testEvent(domain.KindBan, "1.1.1.1", 0)},
	}
	if err := s.SaveState(ctx, domain.CacheState{AccumulatedSince: time.Unix(3600, 0), InFlight: inFlight}); err != nil {
		t.Fatal(err)
	}

	state, _, err := s.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Events) != 0 {
		t.Errorf("expected events cleared, got %v", state.Events)
	}
	if state.InFlight == nil || state.InFlight.ID != "snap-1" || len(state.InFlight.Events) != 1 {
		t.Fatalf("in-flight snapshot = %+v", state.InFlight)
	}

	// Acknowledge
	if err := s.SaveState(ctx, domain.CacheState{AccumulatedSince: time.Unix(3600, 0)}); err != nil {
		t.Fatal(err)
	}
	state, _, err = s.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.InFlight != nil {
		t.Error("expected in-flight snapshot to be removed")
	}

	if got, found, _ := s.GetCursor(ctx); !found || got.Offset != 10 {
		t.Errorf("cursor lost by SaveState: %+v", got)
	}

	// Sequence numbers restart after SaveState, order is kept
	if err := s.AppendEvents(ctx, []domain.Event{testEvent(domain.KindFound, "2.2.2.2", 5)}, nil); err != nil {
		t.Fatal(err)
	}
	state, _, _ = s.LoadState(ctx)
	if len(state.Events) != 1 || state.Events[0].Subject != "2.2.2.2" {
		t.Errorf("events after append = %v", state.Events)
	}
}

func TestBoltDBStore_CorruptEventIsReported(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s := openTestStore(t, path)
	defer s.Close()

	if err := s.SaveState(ctx, domain.CacheState{AccumulatedSince: time.Now()}); err != nil {
		t.Fatal(err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(eventsBucket)).Put(seqKey(1), []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = s.LoadState(ctx)
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}

func TestBoltDBStore_UnknownSchemaVersion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte(keyVersion), []byte("99"))
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.LoadState(ctx); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}

func TestBoltDBStore_GarbageFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	if err := os.WriteFile(path, []byte(strings.Repeat("garbage", 1000)), 0600); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, path)
	defer s.Close()

	if _, found, err := s.LoadState(context.Background()); err != nil || found {
		t.Errorf("expected empty state, found=%v err=%v", found, err)
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("expected the unreadable file to be kept aside, got %v", matches)
	}
}

func TestBoltDBStore_CursorKeyedBySource(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s := openTestStore(t, path)
	if err := s.AppendEvents(ctx, nil, &domain.LogCursor{Offset: 99}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	other, err := NewBoltDBStore(path, "/var/log/other.log")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	if _, found, err := other.GetCursor(ctx); err != nil || found {
		t.Errorf("expected no cursor for another source, found=%v err=%v", found, err)
	}

	if err := other.DeleteCursor(ctx); err != nil {
		t.Errorf("DeleteCursor() error = %v", err)
	}
}
