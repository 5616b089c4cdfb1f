package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/SteelMorgan/fail2ban-digest/internal/retry"
	"github.com/rs/zerolog/log"
)

const createTableQuery = `
CREATE TABLE IF NOT EXISTS fail2ban_events (
    event_hash   String,
    snapshot_id  String,
    kind         LowCardinality(String),
    subject      String,
    jail         LowCardinality(String),
    occurred_at  DateTime64(3),
    window_start DateTime64(3),
    window_end   DateTime64(3),
    archived_at  DateTime64(3)
) ENGINE = ReplacingMergeTree(archived_at)
ORDER BY (occurred_at, event_hash)`

const insertQuery = "INSERT INTO fail2ban_events"

// Client wraps a ClickHouse connection
type Client struct {
	conn     clickhouse.Conn
	retryCfg retry.Config
}

// NewClient connects to ClickHouse and creates the events table
func NewClient(ctx context.Context, host string, port int, database string, retryCfg retry.Config) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: "default",
			Password: "",
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := retry.Do(ctx, retryCfg, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	c := &Client{conn: conn, retryCfg: retryCfg}
	if err := c.exec(ctx, createTableQuery); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create fail2ban_events table: %w", err)
	}

	log.Info().
		Str("host", host).
		Int("port", port).
		Str("database", database).
		Msg("Connected to ClickHouse")

	return c, nil
}

// InsertRows writes rows in one batch, retrying transient errors
func (c *Client) InsertRows(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return retry.Do(ctx, c.retryCfg, func() error {
		batch, err := c.conn.PrepareBatch(ctx, insertQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, r := range rows {
			err := batch.Append(
				r.EventHash,
				r.SnapshotID,
				r.Kind,
				r.Subject,
				r.Jail,
				r.OccurredAt,
				r.WindowStart,
				r.WindowEnd,
				r.ArchivedAt,
			)
			if err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	})
}

func (c *Client) exec(ctx context.Context, query string, args ...interface{}) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		return c.conn.Exec(ctx, query, args...)
	})
}

// Close closes the connection
func (c *Client) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}
