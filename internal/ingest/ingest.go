// Package ingest accepts prediction records and late-bound outcomes.
// Every request body hits the WAL before it is decoded, so accepted
// batches survive a crash and are re-applied on startup; the store's
// duplicate and already-bound semantics make replay idempotent.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/store"
	"github.com/halcyon-health/equilens/internal/wal"
)

// WAL frame kinds for the two intake paths.
const (
	KindRecords  = "records"
	KindOutcomes = "outcomes"
)

// ErrBadBatch marks a body the caller got wrong (empty, malformed, or
// not a batch of the expected shape), as opposed to an infrastructure
// failure while logging or applying it.
var ErrBadBatch = errors.New("bad batch")

// AttributeChecker validates a record's protected attributes against the
// declared schema. The cohort resolver implements it against the live,
// reloadable schema.
type AttributeChecker interface {
	CheckAttributes(rec api.PredictionRecord) error
}

// IdentityGuard screens records for raw patient identifiers before they
// are stored. The privacy scanner implements it; in detect mode it
// reports findings and returns nil.
type IdentityGuard interface {
	CheckRecord(rec api.PredictionRecord) error
}

// Rejection reports why one element of a batch was not applied.
type Rejection struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason"`
}

// BatchResult summarizes one batch. For outcome batches Accepted counts
// newly bound outcomes and Duplicates counts already-bound ones.
type BatchResult struct {
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected,omitempty"`
}

// OutcomeBinding joins ground truth to a previously ingested record.
type OutcomeBinding struct {
	RecordID string      `json:"record_id"`
	Outcome  api.Outcome `json:"outcome"`
}

// ReplayStats summarizes a WAL replay.
type ReplayStats struct {
	Frames          int `json:"frames"`
	RecordsApplied  int `json:"records_applied"`
	OutcomesApplied int `json:"outcomes_applied"`
	Skipped         int `json:"skipped"`
}

// Service is the intake layer over the WAL and the record store.
type Service struct {
	wal     *wal.Log
	records store.RecordStore
	checker AttributeChecker
	guard   IdentityGuard
	logger  *zap.Logger
}

// NewService wires the intake service. A nil WAL disables write-ahead
// logging (tooling paths); a nil checker skips schema enforcement; a
// nil guard skips identifier screening.
func NewService(w *wal.Log, records store.RecordStore, checker AttributeChecker, guard IdentityGuard, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{wal: w, records: records, checker: checker, guard: guard, logger: logger}
}

// IngestRecords durably logs and applies a JSON batch of prediction
// records. The body is compacted before the WAL append so the line
// framing holds; decoding into records happens only after the append.
func (s *Service) IngestRecords(ctx context.Context, body []byte) (BatchResult, error) {
	compacted, err := compact(body)
	if err != nil {
		return BatchResult{}, err
	}
	if s.wal != nil {
		if err := s.wal.Append(KindRecords, compacted); err != nil {
			return BatchResult{}, fmt.Errorf("wal append: %w", err)
		}
	}
	res, err := s.applyRecords(ctx, compacted)
	if err != nil {
		return res, err
	}
	s.logger.Info("records ingested",
		zap.Int("accepted", res.Accepted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

// BindOutcomes durably logs and applies a JSON batch of outcome bindings.
func (s *Service) BindOutcomes(ctx context.Context, body []byte) (BatchResult, error) {
	compacted, err := compact(body)
	if err != nil {
		return BatchResult{}, err
	}
	if s.wal != nil {
		if err := s.wal.Append(KindOutcomes, compacted); err != nil {
			return BatchResult{}, fmt.Errorf("wal append: %w", err)
		}
	}
	res, err := s.applyOutcomes(ctx, compacted)
	if err != nil {
		return res, err
	}
	s.logger.Info("outcomes bound",
		zap.Int("bound", res.Accepted),
		zap.Int("already_bound", res.Duplicates),
		zap.Int("rejected", len(res.Rejected)),
	)
	return res, nil
}

func compact(body []byte) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty request body", ErrBadBatch)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON body: %w", ErrBadBatch, err)
	}
	return buf.Bytes(), nil
}

func (s *Service) applyRecords(ctx context.Context, body []byte) (BatchResult, error) {
	var records []api.PredictionRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return BatchResult{}, fmt.Errorf("%w: parse record batch: %w", ErrBadBatch, err)
	}

	var res BatchResult
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := rec.Validate(); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, RecordID: rec.RecordID, Reason: err.Error()})
			continue
		}
		if s.guard != nil {
			if err := s.guard.CheckRecord(rec); err != nil {
				res.Rejected = append(res.Rejected, Rejection{Index: i, RecordID: rec.RecordID, Reason: err.Error()})
				continue
			}
		}
		if s.checker != nil {
			if err := s.checker.CheckAttributes(rec); err != nil {
				res.Rejected = append(res.Rejected, Rejection{Index: i, RecordID: rec.RecordID, Reason: err.Error()})
				continue
			}
		}
		if err := s.records.Append(ctx, rec); err != nil {
			switch {
			case errors.Is(err, store.ErrDuplicateRecord):
				res.Duplicates++
			case errors.Is(err, store.ErrRecordNotFound):
				res.Rejected = append(res.Rejected, Rejection{
					Index:    i,
					RecordID: rec.RecordID,
					Reason:   fmt.Sprintf("supersedes unknown record %s", rec.Supersedes),
				})
			default:
				return res, fmt.Errorf("store record %s: %w", rec.RecordID, err)
			}
			continue
		}
		res.Accepted++
	}
	return res, nil
}

func (s *Service) applyOutcomes(ctx context.Context, body []byte) (BatchResult, error) {
	var bindings []OutcomeBinding
	if err := json.Unmarshal(body, &bindings); err != nil {
		return BatchResult{}, fmt.Errorf("%w: parse outcome batch: %w", ErrBadBatch, err)
	}

	var res BatchResult
	for i, b := range bindings {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if b.RecordID == "" {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: "record_id is required"})
			continue
		}
		if b.Outcome.Label != 0 && b.Outcome.Label != 1 {
			res.Rejected = append(res.Rejected, Rejection{Index: i, RecordID: b.RecordID, Reason: "outcome label must be 0 or 1"})
			continue
		}
		if err := s.records.BindOutcome(ctx, b.RecordID, b.Outcome); err != nil {
			switch {
			case errors.Is(err, store.ErrOutcomeAlreadyBound):
				res.Duplicates++
			case errors.Is(err, store.ErrRecordNotFound):
				res.Rejected = append(res.Rejected, Rejection{Index: i, RecordID: b.RecordID, Reason: "record not found"})
			default:
				return res, fmt.Errorf("bind outcome for %s: %w", b.RecordID, err)
			}
			continue
		}
		res.Accepted++
	}
	return res, nil
}

// Replay re-applies every intact WAL frame under dir through the same
// code paths as live intake, without re-appending. Batches that fail to
// decode are counted and skipped.
func (s *Service) Replay(ctx context.Context, dir string) (ReplayStats, error) {
	entries, err := wal.ReplayDir(dir)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("read WAL: %w", err)
	}

	var stats ReplayStats
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Frames++
		switch entry.Kind {
		case KindRecords:
			res, err := s.applyRecords(ctx, entry.Body)
			if err != nil {
				if ctx.Err() != nil {
					return stats, err
				}
				stats.Skipped++
				s.logger.Warn("skipping unreadable WAL record batch", zap.Error(err))
				continue
			}
			stats.RecordsApplied += res.Accepted
		case KindOutcomes:
			res, err := s.applyOutcomes(ctx, entry.Body)
			if err != nil {
				if ctx.Err() != nil {
					return stats, err
				}
				stats.Skipped++
				s.logger.Warn("skipping unreadable WAL outcome batch", zap.Error(err))
				continue
			}
			stats.OutcomesApplied += res.Accepted
		default:
			stats.Skipped++
		}
	}
	s.logger.Info("WAL replay complete",
		zap.Int("frames", stats.Frames),
		zap.Int("records_applied", stats.RecordsApplied),
		zap.Int("outcomes_applied", stats.OutcomesApplied),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}
