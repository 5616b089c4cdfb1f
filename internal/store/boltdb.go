package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	metaBucket   = "meta"
	eventsBucket = "events"
	cursorBucket = "cursors"

	keyVersion  = "schema_version"
	keySince    = "accumulated_since"
	keyInFlight = "in_flight"

	schemaVersion = "1"
)

// BoltDBStore implements StateStore using BoltDB
type BoltDBStore struct {
	db        *bbolt.DB
	cursorKey string
}

// NewBoltDBStore opens (or creates) the state database. sourceName keys the
// stored cursor so that pointing the digest at another log starts fresh.
// A database file that cannot be opened for reasons other than a lock is
// moved aside and replaced by an empty one.
func NewBoltDBStore(dbPath, sourceName string) (*BoltDBStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := openBolt(dbPath)
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
		}

		aside := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
		log.Warn().
			Err(err).
			Str("db_path", dbPath).
			Str("moved_to", aside).
			Msg("State database unreadable, starting with an empty one (accumulated events are lost)")
		if rerr := os.Rename(dbPath, aside); rerr != nil {
			return nil, fmt.Errorf("failed to move corrupt state database aside: %w", rerr)
		}
		db, err = openBolt(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open boltdb: %w", err)
		}
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{metaBucket, eventsBucket, cursorBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB state store initialized")

	return &BoltDBStore{db: db, cursorKey: makeKey("fail2ban", sourceName)}, nil
}

func openBolt(dbPath string) (*bbolt.DB, error) {
	return bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
}

// LoadState reads the cache state. Decoding problems yield ErrCorruptState.
func (s *BoltDBStore) LoadState(ctx context.Context) (domain.CacheState, bool, error) {
	var state domain.CacheState
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		events := tx.Bucket([]byte(eventsBucket))
		if meta == nil || events == nil {
			return fmt.Errorf("bucket not found")
		}

		version := meta.Get([]byte(keyVersion))
		if version == nil {
			return nil
		}
		found = true
		if string(version) != schemaVersion {
			return fmt.Errorf("%w: unsupported schema version %q", ErrCorruptState, version)
		}

		if raw := meta.Get([]byte(keySince)); raw != nil {
			if err := state.AccumulatedSince.UnmarshalText(raw); err != nil {
				return fmt.Errorf("%w: invalid accumulated_since: %v", ErrCorruptState, err)
			}
		}

		if raw := meta.Get([]byte(keyInFlight)); raw != nil {
			var snapshot domain.Snapshot
			if err := json.Unmarshal(raw, &snapshot); err != nil {
				return fmt.Errorf("%w: invalid in-flight snapshot: %v", ErrCorruptState, err)
			}
			state.InFlight = &snapshot
		}

		return events.ForEach(func(k, v []byte) error {
			var event domain.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("%w: invalid event %d: %v", ErrCorruptState, binary.BigEndian.Uint64(k), err)
			}
			if !event.Kind.Valid() {
				return fmt.Errorf("%w: unknown event kind %q", ErrCorruptState, event.Kind)
			}
			state.Events = append(state.Events, event)
			return nil
		})
	})
	if err != nil {
		return domain.CacheState{}, false, fmt.Errorf("failed to load state: %w", err)
	}

	return state, found, nil
}

// AppendEvents appends events in order and stores the cursor in one transaction
func (s *BoltDBStore) AppendEvents(ctx context.Context, events []domain.Event, cursor *domain.LogCursor) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(eventsBucket))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		for _, event := range events {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			val, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), val); err != nil {
				return err
			}
		}

		if cursor != nil {
			return putCursor(tx, s.cursorKey, *cursor)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}

	log.Debug().
		Int("events", len(events)).
		Bool("cursor", cursor != nil).
		Msg("Events appended")

	return nil
}

// SaveState rewrites the events bucket and the metadata
func (s *BoltDBStore) SaveState(ctx context.Context, state domain.CacheState) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(eventsBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		events, err := tx.CreateBucket([]byte(eventsBucket))
		if err != nil {
			return err
		}
		for _, event := range state.Events {
			seq, err := events.NextSequence()
			if err != nil {
				return err
			}
			val, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if err := events.Put(seqKey(seq), val); err != nil {
				return err
			}
		}

		meta := tx.Bucket([]byte(metaBucket))
		if meta == nil {
			return fmt.Errorf("bucket not found")
		}
		if err := meta.Put([]byte(keyVersion), []byte(schemaVersion)); err != nil {
			return err
		}
		since, err := state.AccumulatedSince.MarshalText()
		if err != nil {
			return err
		}
		if err := meta.Put([]byte(keySince), since); err != nil {
			return err
		}

		if state.InFlight == nil {
			return meta.Delete([]byte(keyInFlight))
		}
		raw, err := json.Marshal(state.InFlight)
		if err != nil {
			return err
		}
		return meta.Put([]byte(keyInFlight), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	log.Debug().
		Int("events", len(state.Events)).
		Bool("in_flight", state.InFlight != nil).
		Time("accumulated_since", state.AccumulatedSince).
		Msg("State saved")

	return nil
}

// GetCursor retrieves the cursor of the configured log source
func (s *BoltDBStore) GetCursor(ctx context.Context) (domain.LogCursor, bool, error) {
	var cursor domain.LogCursor
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cursorBucket))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := b.Get([]byte(s.cursorKey))
		if val == nil {
			return nil
		}
		if err := json.Unmarshal(val, &cursor); err != nil {
			return fmt.Errorf("%w: invalid cursor: %v", ErrCorruptState, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return domain.LogCursor{}, false, fmt.Errorf("failed to get cursor: %w", err)
	}

	return cursor, found, nil
}

// DeleteCursor removes the stored cursor so the next read starts from the beginning
func (s *BoltDBStore) DeleteCursor(ctx context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cursorBucket))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(s.cursorKey))
	})
	if err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB state store")
	return s.db.Close()
}

func putCursor(tx *bbolt.Tx, key string, cursor domain.LogCursor) error {
	b := tx.Bucket([]byte(cursorBucket))
	if b == nil {
		return fmt.Errorf("bucket not found")
	}
	val, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), val)
}

// seqKey encodes a sequence number so that keys sort in insertion order
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// makeKey creates a composite key from source type and file path
func makeKey(sourceType, filePath string) string {
	return fmt.Sprintf("%s:%s", sourceType, filePath)
}
