package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/halcyon-health/equilens/internal/api"
)

// MemoryResultStore keeps the result history in process memory, for
// single-instance deployments and tests.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]api.FairnessMetricResult
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]api.FairnessMetricResult)}
}

func (m *MemoryResultStore) Put(ctx context.Context, result api.FairnessMetricResult) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.results[result.ResultKey]; exists {
		return false, nil
	}
	m.results[result.ResultKey] = result
	return true, nil
}

func (m *MemoryResultStore) Get(ctx context.Context, resultKey string) (*api.FairnessMetricResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.results[resultKey]; ok {
		out := r
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryResultStore) List(ctx context.Context, q ResultQuery) ([]api.FairnessMetricResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []api.FairnessMetricResult
	for _, r := range m.results {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	sortResults(out)
	return out, nil
}

// CleanupBefore drops results for windows that started before the
// cutoff, returning how many were removed.
func (m *MemoryResultStore) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, r := range m.results {
		if r.Window.Start.Before(cutoff) {
			delete(m.results, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryResultStore) Close() error { return nil }

// MemoryRecordStore keeps the prediction history in process memory.
type MemoryRecordStore struct {
	mu         sync.RWMutex
	records    map[string]*api.PredictionRecord
	superseded map[string]bool
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records:    make(map[string]*api.PredictionRecord),
		superseded: make(map[string]bool),
	}
}

func (m *MemoryRecordStore) Append(ctx context.Context, record api.PredictionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.RecordID]; exists {
		return ErrDuplicateRecord
	}
	if record.Supersedes != "" {
		if _, ok := m.records[record.Supersedes]; !ok {
			return ErrRecordNotFound
		}
		m.superseded[record.Supersedes] = true
	}
	stored := record
	m.records[record.RecordID] = &stored
	return nil
}

func (m *MemoryRecordStore) BindOutcome(ctx context.Context, recordID string, outcome api.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Outcome != nil {
		return ErrOutcomeAlreadyBound
	}
	bound := outcome
	record.Outcome = &bound
	return nil
}

func (m *MemoryRecordStore) Get(ctx context.Context, recordID string) (*api.PredictionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[recordID]; ok {
		out := *r
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryRecordStore) Records(ctx context.Context, modelVersion string, window api.Window) ([]api.PredictionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []api.PredictionRecord
	for id, r := range m.records {
		if m.superseded[id] {
			continue
		}
		if r.ModelVersion != modelVersion {
			continue
		}
		if !window.Contains(r.ScoredAt) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScoredAt.Equal(out[j].ScoredAt) {
			return out[i].ScoredAt.Before(out[j].ScoredAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

func (m *MemoryRecordStore) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, r := range m.records {
		if r.ScoredAt.Before(cutoff) {
			delete(m.records, id)
			delete(m.superseded, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryRecordStore) Close() error { return nil }

// MemoryAlertStore keeps violation alerts in process memory.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]api.ViolationAlert
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]api.ViolationAlert)}
}

func (m *MemoryAlertStore) Put(ctx context.Context, alert api.ViolationAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.AlertID] = alert
	return nil
}

func (m *MemoryAlertStore) Get(ctx context.Context, alertID string) (*api.ViolationAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.alerts[alertID]; ok {
		out := a
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryAlertStore) List(ctx context.Context, q AlertQuery) ([]api.ViolationAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []api.ViolationAlert
	for _, a := range m.alerts {
		if q.matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AlertID < out[j].AlertID
	})
	return out, nil
}

func (m *MemoryAlertStore) Close() error { return nil }

// MemoryActionStore keeps mitigation actions in process memory.
type MemoryActionStore struct {
	mu      sync.RWMutex
	actions map[string]api.MitigationAction
}

func NewMemoryActionStore() *MemoryActionStore {
	return &MemoryActionStore{actions: make(map[string]api.MitigationAction)}
}

func (m *MemoryActionStore) Put(ctx context.Context, action api.MitigationAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.actions[action.ActionID]; ok && existing.Status != api.ActionProposed {
		return ErrActionImmutable
	}
	m.actions[action.ActionID] = action
	return nil
}

func (m *MemoryActionStore) Get(ctx context.Context, actionID string) (*api.MitigationAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.actions[actionID]; ok {
		out := a
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryActionStore) List(ctx context.Context, modelVersion string) ([]api.MitigationAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []api.MitigationAction
	for _, a := range m.actions {
		if modelVersion != "" && a.ModelVersion != modelVersion {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ActionID < out[j].ActionID
	})
	return out, nil
}

func (m *MemoryActionStore) Close() error { return nil }
