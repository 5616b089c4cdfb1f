package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
	"github.com/rs/zerolog/log"
)

// ClickHouse DateTime64 valid range: 1925-01-01 to 2283-11-11
var (
	minClickHouseDateTime = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	maxClickHouseDateTime = time.Date(2283, 11, 11, 23, 59, 59, 999999999, time.UTC)
)

// Row is one archived event
type Row struct {
	EventHash   string
	SnapshotID  string
	Kind        string
	Subject     string
	Jail        string
	OccurredAt  time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	ArchivedAt  time.Time
}

// RowWriter persists rows
type RowWriter interface {
	InsertRows(ctx context.Context, rows []Row) error
}

// Archiver copies delivered snapshots into ClickHouse
type Archiver struct {
	w   RowWriter
	now func() time.Time
}

// NewArchiver creates an archiver writing through w
func NewArchiver(w RowWriter) *Archiver {
	return &Archiver{w: w, now: time.Now}
}

// Archive writes every event of the snapshot. Re-archiving the same snapshot
// yields the same event hashes, which ReplacingMergeTree collapses.
func (a *Archiver) Archive(ctx context.Context, snapshot domain.Snapshot) error {
	rows := BuildRows(snapshot, a.now().UTC())
	if err := a.w.InsertRows(ctx, rows); err != nil {
		return fmt.Errorf("failed to archive snapshot %s: %w", snapshot.ID, err)
	}

	log.Debug().
		Str("snapshot_id", snapshot.ID).
		Int("rows", len(rows)).
		Msg("Snapshot archived to ClickHouse")

	return nil
}

// BuildRows converts snapshot events into archive rows
func BuildRows(snapshot domain.Snapshot, archivedAt time.Time) []Row {
	rows := make([]Row, 0, len(snapshot.Events))
	for i, e := range snapshot.Events {
		rows = append(rows, Row{
			EventHash:   eventHash(snapshot.ID, i, e),
			SnapshotID:  snapshot.ID,
			Kind:        string(e.Kind),
			Subject:     e.Subject,
			Jail:        e.Jail,
			OccurredAt:  ensureValidDateTime(e.OccurredAt),
			WindowStart: ensureValidDateTime(snapshot.Window.Start),
			WindowEnd:   ensureValidDateTime(snapshot.Window.End),
			ArchivedAt:  archivedAt,
		})
	}
	return rows
}

// eventHash identifies an event within its snapshot. The position is part of
// the hash because the same line content may legitimately repeat.
func eventHash(snapshotID string, position int, e domain.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|", snapshotID)
	fmt.Fprintf(h, "%d|", position)
	fmt.Fprintf(h, "%s|", e.Kind)
	fmt.Fprintf(h, "%s|", e.Subject)
	fmt.Fprintf(h, "%s|", e.Jail)
	fmt.Fprintf(h, "%s|", e.OccurredAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// ensureValidDateTime clamps t into the ClickHouse DateTime64 range
func ensureValidDateTime(t time.Time) time.Time {
	if t.IsZero() || t.Before(minClickHouseDateTime) || t.After(maxClickHouseDateTime) {
		return minClickHouseDateTime
	}
	return t
}
