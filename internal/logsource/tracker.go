package logsource

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
	"github.com/SteelMorgan/fail2ban-digest/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	// headSize is the number of leading bytes fingerprinted for rotation detection
	headSize = 256

	// maxLineSize is the longest line kept; longer lines are skipped
	maxLineSize = 1024 * 1024
)

// CursorStore loads the persisted cursor for the log source
type CursorStore interface {
	// GetCursor returns the stored cursor and whether one was found
	GetCursor(ctx context.Context) (domain.LogCursor, bool, error)
	// DeleteCursor drops the stored cursor
	DeleteCursor(ctx context.Context) error
}

// Batch is the result of one read: the unseen complete lines and the
// cursor pointing right after the last of them
type Batch struct {
	Lines   []string
	Cursor  domain.LogCursor
	Rotated bool // the file was rotated since the previous read
	Fresh   bool // no cursor existed before this read
}

// Tracker hands back only log lines that were not returned before,
// surviving truncation and rotation of the log file
type Tracker struct {
	source  Source
	cursors CursorStore

	mu     sync.Mutex
	cursor domain.LogCursor
	loaded bool
	fresh  bool
}

// NewTracker creates a tracker reading from source. cursors may be nil,
// in which case every process start reads the log from the beginning.
func NewTracker(source Source, cursors CursorStore) *Tracker {
	return &Tracker{
		source:  source,
		cursors: cursors,
	}
}

// Cursor returns the cursor of the last committed read
func (t *Tracker) Cursor() domain.LogCursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Advance moves the tracker to cursor. It must be called only after the
// events read up to cursor (and cursor itself) have been stored durably.
func (t *Tracker) Advance(cursor domain.LogCursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor = cursor
	t.fresh = false
}

// load reads the persisted cursor once
func (t *Tracker) load(ctx context.Context) error {
	if t.loaded {
		return nil
	}
	t.fresh = true
	if t.cursors != nil {
		stored, found, err := t.cursors.GetCursor(ctx)
		if errors.Is(err, store.ErrCorruptState) {
			log.Warn().
				Err(err).
				Str("source", t.source.Name()).
				Msg("Stored cursor is corrupt, starting fresh")
			if err := t.cursors.DeleteCursor(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to delete corrupt cursor")
			}
			stored, found, err = domain.LogCursor{}, false, nil
		}
		if err != nil {
			return fmt.Errorf("failed to load cursor: %w", err)
		}
		if found {
			t.cursor = stored
			t.fresh = false
			log.Info().
				Str("source", t.source.Name()).
				Int64("offset", stored.Offset).
				Uint64("inode", stored.Inode).
				Msg("Resumed from saved cursor")
		}
	}
	t.loaded = true
	return nil
}

// ReadNewLines reads the complete lines appended since the current cursor.
// A trailing line without newline is left for the next call. The tracker
// itself does not move: call Advance with Batch.Cursor once it is persisted.
func (t *Tracker) ReadNewLines(ctx context.Context) (*Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.load(ctx); err != nil {
		return nil, err
	}

	h, err := t.source.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("Failed to close log source")
		}
	}()

	stat, err := h.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	cursor := t.cursor
	identity := domain.FileIdentity{Size: stat.Size, Inode: stat.Inode}
	if cursor.HeadLen > 0 && int64(cursor.HeadLen) <= stat.Size {
		identity.HeadHash, err = hashHead(h, cursor.HeadLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
	}

	batch := &Batch{Fresh: t.fresh}
	if !cursor.IsZero() && cursor.Rotated(identity) {
		log.Info().
			Str("source", t.source.Name()).
			Int64("saved_offset", cursor.Offset).
			Int64("file_size", stat.Size).
			Uint64("saved_inode", cursor.Inode).
			Uint64("inode", stat.Inode).
			Msg("Log file rotated, reading from beginning")
		cursor = domain.LogCursor{}
		batch.Rotated = true
	}

	if _, err := h.Seek(cursor.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: failed to seek to offset %d: %w", ErrSourceUnavailable, cursor.Offset, err)
	}

	lines, consumed, err := readCompleteLines(ctx, io.LimitReader(h, stat.Size-cursor.Offset))
	if err != nil {
		return nil, err
	}
	batch.Lines = lines

	next := domain.LogCursor{
		Offset:    cursor.Offset + consumed,
		Inode:     stat.Inode,
		HeadLen:   cursor.HeadLen,
		HeadHash:  cursor.HeadHash,
		UpdatedAt: time.Now().UTC(),
	}
	if next.HeadLen < headSize && next.Offset > int64(next.HeadLen) {
		next.HeadLen = int(min(next.Offset, headSize))
		next.HeadHash, err = hashHead(h, next.HeadLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
	}
	batch.Cursor = next

	log.Debug().
		Str("source", t.source.Name()).
		Int("lines", len(lines)).
		Int64("offset", next.Offset).
		Msg("Read new log lines")

	return batch, nil
}

// readCompleteLines returns newline-terminated lines and the number of bytes they span
func readCompleteLines(ctx context.Context, r io.Reader) ([]string, int64, error) {
	reader := bufio.NewReaderSize(r, 64*1024)

	var lines []string
	var consumed int64
	// long collects a line spanning several buffer fills; oversized
	// lines are dropped chunk by chunk instead of being buffered.
	var long []byte
	var pending int64
	oversized := false
	for {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		chunk, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			pending += int64(len(chunk))
			if !oversized && len(long)+len(chunk) > maxLineSize {
				oversized = true
				long = nil
			}
			if !oversized {
				long = append(long, chunk...)
			}
			continue
		}
		if err == io.EOF {
			// Partial line, the writer has not finished it yet
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read failed: %w", ErrSourceUnavailable, err)
		}
		consumed += pending + int64(len(chunk))

		raw := chunk
		if len(long) > 0 {
			raw = append(long, chunk...)
		}
		length := pending + int64(len(chunk))
		pending, long = 0, nil
		if oversized {
			oversized = false
			log.Warn().Int64("length", length).Msg("Skipping oversized log line")
			continue
		}

		line := bytes.TrimRight(raw, "\r\n")
		if len(line) == 0 {
			continue
		}
		if len(line) > maxLineSize {
			log.Warn().Int("length", len(line)).Msg("Skipping oversized log line")
			continue
		}
		lines = append(lines, string(line))
	}
	return lines, consumed, nil
}

// hashHead returns the sha256 of the first n bytes of the source
func hashHead(h Handle, n int) (string, error) {
	if _, err := h.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek to start: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(h, buf); err != nil {
		return "", fmt.Errorf("failed to read file head: %w", err)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}
