package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink mirrors committed audit entries into Postgres for
// SQL-side compliance queries. The file chain stays authoritative;
// the mirror is idempotent on sequence.
//
// Schema:
//
//	CREATE TABLE IF NOT EXISTS audit_entries (
//	    sequence      BIGINT PRIMARY KEY,
//	    ts            TIMESTAMPTZ NOT NULL,
//	    event         TEXT NOT NULL,
//	    actor         TEXT NOT NULL,
//	    model_version TEXT NOT NULL DEFAULT '',
//	    entity_id     TEXT NOT NULL DEFAULT '',
//	    entry_hash    CHAR(64) NOT NULL,
//	    payload       JSONB NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS idx_audit_model_ts
//	    ON audit_entries (model_version, ts);
type PostgresSink struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresSink connects to Postgres and verifies the connection.
func NewPostgresSink(connString string) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSink{pool: pool, timeout: 5 * time.Second}, nil
}

// Mirror inserts one entry, ignoring replays of an already-mirrored
// sequence.
func (s *PostgresSink) Mirror(entry Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_entries (sequence, ts, event, actor, model_version, entity_id, entry_hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING`,
		int64(entry.Sequence), entry.Timestamp, string(entry.Event), entry.Actor,
		entry.ModelVersion, entry.EntityID, entry.EntryHash, payload,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Backfill mirrors every entry the walk yields, resuming an interrupted
// mirror. Already-mirrored sequences are skipped by the conflict clause.
func (s *PostgresSink) Backfill(ctx context.Context, l *Log) (int, error) {
	entries, err := l.Query(Query{})
	if err != nil {
		return 0, fmt.Errorf("read audit chain: %w", err)
	}
	mirrored := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return mirrored, err
		}
		if err := s.Mirror(entry); err != nil {
			return mirrored, fmt.Errorf("mirror sequence %d: %w", entry.Sequence, err)
		}
		mirrored++
	}
	return mirrored, nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
