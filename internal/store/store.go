package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/halcyon-health/equilens/internal/api"
)

var (
	ErrRecordNotFound      = errors.New("prediction record not found")
	ErrDuplicateRecord     = errors.New("prediction record already exists")
	ErrOutcomeAlreadyBound = errors.New("outcome already bound to record")
	ErrAlertNotFound       = errors.New("alert not found")
	ErrActionNotFound      = errors.New("mitigation action not found")
	ErrActionImmutable     = errors.New("mitigation action already finalized")
)

// ResultStore persists fairness metric results keyed by their canonical
// result key. Results are immutable: the first write for a key wins and
// every later write for the same key is a silent no-op, which makes
// re-evaluation of the same (model, window, cohort, family) idempotent
// under concurrent writers.
type ResultStore interface {
	// Put stores a result. Returns true when this call created the
	// entry, false when an earlier write already owned the key.
	Put(ctx context.Context, result api.FairnessMetricResult) (bool, error)

	// Get retrieves a result by key. Returns nil when absent.
	Get(ctx context.Context, resultKey string) (*api.FairnessMetricResult, error)

	// List returns results matching the query, ordered by computation
	// time then result key.
	List(ctx context.Context, q ResultQuery) ([]api.FairnessMetricResult, error)

	Close() error
}

// ResultQuery filters the result history. Zero fields match everything.
type ResultQuery struct {
	ModelVersion string
	Family       api.MetricFamily
	Cohort       string
	// From/To bound the evaluation window start, half-open [From, To).
	From time.Time
	To   time.Time
}

func (q ResultQuery) matches(r api.FairnessMetricResult) bool {
	if q.ModelVersion != "" && r.ModelVersion != q.ModelVersion {
		return false
	}
	if q.Family != "" && r.Family != q.Family {
		return false
	}
	if q.Cohort != "" && r.Cohort != q.Cohort {
		return false
	}
	if !q.From.IsZero() && r.Window.Start.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.Window.Start.Before(q.To) {
		return false
	}
	return true
}

func sortResults(results []api.FairnessMetricResult) {
	sort.Slice(results, func(i, j int) bool {
		if !results[i].ComputedAt.Equal(results[j].ComputedAt) {
			return results[i].ComputedAt.Before(results[j].ComputedAt)
		}
		return results[i].ResultKey < results[j].ResultKey
	})
}

// RecordStore holds the prediction history. Records are immutable once
// appended; re-scoring appends a new record that supersedes the old
// one, and ground truth arrives later through BindOutcome, exactly
// once per record.
type RecordStore interface {
	// Append stores a new record. Duplicate record IDs are rejected
	// with ErrDuplicateRecord. A record naming a predecessor in
	// Supersedes marks that predecessor inactive.
	Append(ctx context.Context, record api.PredictionRecord) error

	// BindOutcome attaches the resolved outcome to a record. A second
	// bind returns ErrOutcomeAlreadyBound; an unknown record returns
	// ErrRecordNotFound.
	BindOutcome(ctx context.Context, recordID string, outcome api.Outcome) error

	// Get retrieves one record by ID. Returns nil when absent.
	Get(ctx context.Context, recordID string) (*api.PredictionRecord, error)

	// Records returns the active (non-superseded) records for a model
	// version scored inside the window, ordered by scoring time then
	// record ID.
	Records(ctx context.Context, modelVersion string, window api.Window) ([]api.PredictionRecord, error)

	// CleanupBefore drops records scored before the cutoff and returns
	// how many were removed.
	CleanupBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// AlertStore persists violation alerts. Alert content is immutable
// except for the lifecycle fields (status, resolution note, updated
// at), which the caller transitions before saving.
type AlertStore interface {
	Put(ctx context.Context, alert api.ViolationAlert) error
	Get(ctx context.Context, alertID string) (*api.ViolationAlert, error)
	List(ctx context.Context, q AlertQuery) ([]api.ViolationAlert, error)
	Close() error
}

// AlertQuery filters stored alerts. Zero fields match everything.
type AlertQuery struct {
	ModelVersion string
	Cohort       string
	Status       api.AlertStatus
	Severity     api.Severity
	Since        time.Time
}

func (q AlertQuery) matches(a api.ViolationAlert) bool {
	if q.ModelVersion != "" && a.ModelVersion != q.ModelVersion {
		return false
	}
	if q.Cohort != "" && a.Cohort != q.Cohort {
		return false
	}
	if q.Status != "" && a.Status != q.Status {
		return false
	}
	if q.Severity != "" && a.Severity != q.Severity {
		return false
	}
	if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
		return false
	}
	return true
}

// ActionStore persists mitigation actions. A proposal may be
// overwritten as its lifecycle advances, but once an action reaches a
// terminal status (applied, verified, ineffective) it is an immutable
// audit record: further writes return ErrActionImmutable and a
// retraction appends a new action instead.
type ActionStore interface {
	Put(ctx context.Context, action api.MitigationAction) error
	Get(ctx context.Context, actionID string) (*api.MitigationAction, error)
	List(ctx context.Context, modelVersion string) ([]api.MitigationAction, error)
	Close() error
}
