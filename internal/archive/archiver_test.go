package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
)

type recordingWriter struct {
	rows []Row
	err  error
}

func (w *recordingWriter) InsertRows(ctx context.Context, rows []Row) error {
	if w.err != nil {
		return w.err
	}
	w.rows = append(w.rows, rows...)
	return nil
}

func testSnapshot() domain.Snapshot {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.Snapshot{
		ID:     "snap-1",
		Window: domain.ReportWindow{Start: start, End: start.Add(time.Hour)},
		Events: []domain.Event{
			{Kind: domain.KindFound, Subject: "10.0.0.5", Jail: "sshd", OccurredAt: start.Add(time.Minute)},
			{Kind: domain.KindFound, Subject: "10.0.0.5", Jail: "sshd", OccurredAt: start.Add(time.Minute)},
			{Kind: domain.KindBan, Subject: "10.0.0.5", Jail: "sshd", OccurredAt: start.Add(2 * time.Minute)},
		},
	}
}

func TestBuildRows(t *testing.T) {
	snap := testSnapshot()
	at := time.Date(2024, 5, 1, 11, 0, 1, 0, time.UTC)

	rows := BuildRows(snap, at)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].EventHash == rows[1].EventHash {
		t.Error("identical lines at different positions must get different hashes")
	}
	if rows[2].Kind != "ban" || rows[2].SnapshotID != "snap-1" || !rows[2].ArchivedAt.Equal(at) {
		t.Errorf("row = %+v", rows[2])
	}

	again := BuildRows(snap, at.Add(time.Hour))
	for i := range rows {
		if rows[i].EventHash != again[i].EventHash {
			t.Errorf("hash of row %d is not stable", i)
		}
	}
}

func TestBuildRows_ClampsInvalidTimes(t *testing.T) {
	snap := domain.Snapshot{
		ID:     "x",
		Events: []domain.Event{{Kind: domain.KindFound, OccurredAt: time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)}},
	}
	rows := BuildRows(snap, time.Now())
	if !rows[0].OccurredAt.Equal(minClickHouseDateTime) || !rows[0].WindowStart.Equal(minClickHouseDateTime) {
		t.Errorf("times not clamped: %+v", rows[0])
	}
}

func TestArchiver_Archive(t *testing.T) {
	w := &recordingWriter{}
	a := NewArchiver(w)
	if err := a.Archive(context.Background(), testSnapshot()); err != nil {
		t.Fatal(err)
	}
	if len(w.rows) != 3 {
		t.Errorf("got %d rows", len(w.rows))
	}

	w.err = errors.New("code: 999, connection lost")
	if err := a.Archive(context.Background(), testSnapshot()); err == nil {
		t.Error("expected error")
	}
}
