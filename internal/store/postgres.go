package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyon-health/equilens/internal/api"
)

// PostgresResultStore implements ResultStore on Postgres. The primary
// key constraint plus ON CONFLICT DO NOTHING makes writes atomic
// first-write-wins under concurrent evaluators.
//
// Schema:
//
//	CREATE TABLE fairness_results (
//	  result_key    CHAR(64) PRIMARY KEY,
//	  model_version TEXT NOT NULL,
//	  family        TEXT NOT NULL,
//	  cohort        TEXT NOT NULL,
//	  window_start  TIMESTAMPTZ NOT NULL,
//	  computed_at   TIMESTAMPTZ NOT NULL,
//	  payload       JSONB NOT NULL
//	);
//	CREATE INDEX idx_fairness_results_model_window
//	  ON fairness_results (model_version, window_start);
type PostgresResultStore struct {
	pool *pgxpool.Pool
}

func NewPostgresResultStore(connStr string) (*PostgresResultStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresResultStore{pool: pool}, nil
}

func (p *PostgresResultStore) Put(ctx context.Context, result api.FairnessMetricResult) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO fairness_results (result_key, model_version, family, cohort, window_start, computed_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (result_key) DO NOTHING
	`, result.ResultKey, result.ModelVersion, string(result.Family), result.Cohort,
		result.Window.Start, result.ComputedAt, payload)
	if err != nil {
		return false, fmt.Errorf("postgres insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresResultStore) Get(ctx context.Context, resultKey string) (*api.FairnessMetricResult, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM fairness_results WHERE result_key = $1`, resultKey,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var result api.FairnessMetricResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

func (p *PostgresResultStore) List(ctx context.Context, q ResultQuery) ([]api.FairnessMetricResult, error) {
	query := `SELECT payload FROM fairness_results WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.ModelVersion != "" {
		query += ` AND model_version = ` + arg(q.ModelVersion)
	}
	if q.Family != "" {
		query += ` AND family = ` + arg(string(q.Family))
	}
	if q.Cohort != "" {
		query += ` AND cohort = ` + arg(q.Cohort)
	}
	if !q.From.IsZero() {
		query += ` AND window_start >= ` + arg(q.From)
	}
	if !q.To.IsZero() {
		query += ` AND window_start < ` + arg(q.To)
	}
	query += ` ORDER BY computed_at, result_key`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []api.FairnessMetricResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		var result api.FairnessMetricResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

// CleanupBefore drops results for windows that started before the
// cutoff. Run periodically to keep the history within retention.
func (p *PostgresResultStore) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM fairness_results WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresResultStore) Close() error {
	p.pool.Close()
	return nil
}

// PostgresRecordStore implements RecordStore on Postgres.
//
// Schema:
//
//	CREATE TABLE prediction_records (
//	  record_id     TEXT PRIMARY KEY,
//	  model_version TEXT NOT NULL,
//	  subject_id    TEXT NOT NULL,
//	  scored_at     TIMESTAMPTZ NOT NULL,
//	  superseded    BOOLEAN NOT NULL DEFAULT FALSE,
//	  outcome       JSONB,
//	  payload       JSONB NOT NULL
//	);
//	CREATE INDEX idx_prediction_records_model_scored
//	  ON prediction_records (model_version, scored_at) WHERE NOT superseded;
type PostgresRecordStore struct {
	pool *pgxpool.Pool
}

func NewPostgresRecordStore(connStr string) (*PostgresRecordStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresRecordStore{pool: pool}, nil
}

func (p *PostgresRecordStore) Append(ctx context.Context, record api.PredictionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if record.Supersedes != "" {
		tag, err := tx.Exec(ctx,
			`UPDATE prediction_records SET superseded = TRUE WHERE record_id = $1`,
			record.Supersedes)
		if err != nil {
			return fmt.Errorf("mark superseded: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRecordNotFound
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO prediction_records (record_id, model_version, subject_id, scored_at, outcome, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (record_id) DO NOTHING
	`, record.RecordID, record.ModelVersion, record.SubjectID, record.ScoredAt,
		outcomeJSON(record.Outcome), payload)
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateRecord
	}
	return tx.Commit(ctx)
}

func outcomeJSON(outcome *api.Outcome) []byte {
	if outcome == nil {
		return nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return nil
	}
	return data
}

func (p *PostgresRecordStore) BindOutcome(ctx context.Context, recordID string, outcome api.Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	// The outcome IS NULL guard makes the bind exactly-once even under
	// concurrent feeds; the payload mirror keeps the stored record the
	// single source of truth for reads.
	tag, err := p.pool.Exec(ctx, `
		UPDATE prediction_records
		SET outcome = $2, payload = jsonb_set(payload, '{outcome}', $2::jsonb)
		WHERE record_id = $1 AND outcome IS NULL
	`, recordID, data)
	if err != nil {
		return fmt.Errorf("postgres update failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prediction_records WHERE record_id = $1)`, recordID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres query failed: %w", err)
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrOutcomeAlreadyBound
}

func (p *PostgresRecordStore) Get(ctx context.Context, recordID string) (*api.PredictionRecord, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM prediction_records WHERE record_id = $1`, recordID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var record api.PredictionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &record, nil
}

func (p *PostgresRecordStore) Records(ctx context.Context, modelVersion string, window api.Window) ([]api.PredictionRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM prediction_records
		WHERE model_version = $1 AND scored_at >= $2 AND scored_at < $3 AND NOT superseded
		ORDER BY scored_at, record_id
	`, modelVersion, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []api.PredictionRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		var record api.PredictionRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (p *PostgresRecordStore) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM prediction_records WHERE scored_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresRecordStore) Close() error {
	p.pool.Close()
	return nil
}
