package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
)

// Evaluator runs one full fairness evaluation over a window and
// returns the raised alerts plus per-cohort score samples for drift
// checks.
type Evaluator interface {
	EvaluateWindow(ctx context.Context, modelVersion string, window api.Window) ([]api.ViolationAlert, map[string][]float64, error)
}

// Config holds monitor loop settings.
type Config struct {
	// Interval is the evaluation cadence.
	Interval time.Duration `json:"interval"`
	// WindowSpan is the width of the rolling evaluation window.
	WindowSpan time.Duration `json:"window_span"`
	// HistoryLimit caps retained state transitions per model.
	HistoryLimit int `json:"history_limit"`

	Drift DriftParams `json:"drift"`
}

func DefaultConfig() Config {
	return Config{
		Interval:     24 * time.Hour,
		WindowSpan:   7 * 24 * time.Hour,
		HistoryLimit: 100,
		Drift:        DefaultDriftParams(),
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.WindowSpan < c.Interval {
		return fmt.Errorf("window span %v must cover at least one interval %v", c.WindowSpan, c.Interval)
	}
	return c.Drift.Validate()
}

// Monitor periodically re-evaluates tracked model versions over a
// rolling window, drives the per-model state machine, and watches for
// score-distribution drift. Drift below the significance threshold
// triggers one immediate out-of-schedule re-evaluation per window.
type Monitor struct {
	mu        sync.RWMutex
	cfg       Config
	evaluator Evaluator
	tracker   *Tracker
	drift     *DriftDetector

	models       map[string]struct{}
	lastDrift    map[string][]DriftReport
	driftKicked  map[string]time.Time
	onTransition []func(Transition)
	onDrift      []func(DriftReport)

	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

func New(cfg Config, evaluator Evaluator, logger *zap.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	if evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	drift, err := NewDriftDetector(cfg.Drift, logger)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:         cfg,
		evaluator:   evaluator,
		tracker:     NewTracker(cfg.HistoryLimit, logger),
		drift:       drift,
		models:      make(map[string]struct{}),
		lastDrift:   make(map[string][]DriftReport),
		driftKicked: make(map[string]time.Time),
		kickCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		logger:      logger,
	}, nil
}

// Track registers a model version for periodic evaluation.
func (m *Monitor) Track(modelVersion string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[modelVersion] = struct{}{}
}

// OnTransition registers a hook invoked for every state change.
// Register hooks before Start.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = append(m.onTransition, fn)
}

// OnDrift registers a hook invoked for every drifted cohort report.
// Register hooks before Start.
func (m *Monitor) OnDrift(fn func(DriftReport)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrift = append(m.onDrift, fn)
}

// Start launches the background evaluation loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("window_span", m.cfg.WindowSpan),
	)
}

// Stop shuts the loop down and waits for the in-flight cycle.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.RunCycle(ctx); err != nil {
				m.logger.Error("evaluation cycle failed", zap.Error(err))
			}
		case <-m.kickCh:
			if err := m.RunCycle(ctx); err != nil {
				m.logger.Error("out-of-schedule evaluation failed", zap.Error(err))
			}
		}
	}
}

// RunCycle evaluates every tracked model once over the current rolling
// window. Per-model failures are logged and joined; one model's failure
// never blocks the others.
func (m *Monitor) RunCycle(ctx context.Context) error {
	m.mu.RLock()
	models := make([]string, 0, len(m.models))
	for model := range m.models {
		models = append(models, model)
	}
	m.mu.RUnlock()
	sort.Strings(models)

	var errs []error
	for _, model := range models {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.evaluateModel(ctx, model); err != nil {
			m.logger.Error("model evaluation failed",
				zap.String("model_version", model),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("model %s: %w", model, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) evaluateModel(ctx context.Context, modelVersion string) error {
	window := api.RollingWindow(time.Now().UTC(), m.cfg.WindowSpan)

	alerts, scores, err := m.evaluator.EvaluateWindow(ctx, modelVersion, window)
	if err != nil {
		return fmt.Errorf("evaluate window %s: %w", window.Key(), err)
	}

	trans := m.tracker.Observe(modelVersion, window, alerts)
	if trans.Changed() {
		m.fireTransition(trans)
	}

	// The first full window becomes the drift baseline.
	if !m.drift.HasBaseline(modelVersion) {
		m.drift.SetBaseline(modelVersion, window, scores)
		return nil
	}

	reports := m.drift.Check(modelVersion, window, scores)

	m.mu.Lock()
	m.lastDrift[modelVersion] = reports
	m.mu.Unlock()

	drifted := false
	for _, r := range reports {
		if !r.Drifted {
			continue
		}
		drifted = true
		m.fireDrift(r)
	}
	if drifted {
		m.kickReevaluation(modelVersion)
	}
	return nil
}

// kickReevaluation schedules one immediate out-of-schedule cycle, at
// most once per interval per model so a persistently drifted cohort
// cannot spin the loop.
func (m *Monitor) kickReevaluation(modelVersion string) {
	now := time.Now()
	m.mu.Lock()
	last, kicked := m.driftKicked[modelVersion]
	if kicked && now.Sub(last) < m.cfg.Interval {
		m.mu.Unlock()
		return
	}
	m.driftKicked[modelVersion] = now
	m.mu.Unlock()

	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) fireTransition(trans Transition) {
	m.mu.RLock()
	hooks := m.onTransition
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(trans)
	}
}

func (m *Monitor) fireDrift(report DriftReport) {
	m.mu.RLock()
	hooks := m.onDrift
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(report)
	}
}

// ReplaceBaseline swaps the drift baseline for a model version, for
// use after a deliberate model change.
func (m *Monitor) ReplaceBaseline(modelVersion string, window api.Window, scores map[string][]float64) {
	m.drift.SetBaseline(modelVersion, window, scores)
	m.mu.Lock()
	delete(m.lastDrift, modelVersion)
	delete(m.driftKicked, modelVersion)
	m.mu.Unlock()
}

// Status reports the monitoring state of every tracked model, sorted
// by model version.
func (m *Monitor) Status() []ModelStatus {
	m.mu.RLock()
	models := make([]string, 0, len(m.models))
	for model := range m.models {
		models = append(models, model)
	}
	m.mu.RUnlock()
	sort.Strings(models)

	out := make([]ModelStatus, 0, len(models))
	for _, model := range models {
		status, _ := m.tracker.Status(model)
		m.mu.RLock()
		status.Drift = m.lastDrift[model]
		m.mu.RUnlock()
		out = append(out, status)
	}
	return out
}

// ModelStatus reports the monitoring state of one model version.
func (m *Monitor) ModelStatus(modelVersion string) (ModelStatus, bool) {
	status, ok := m.tracker.Status(modelVersion)
	m.mu.RLock()
	status.Drift = m.lastDrift[modelVersion]
	m.mu.RUnlock()
	return status, ok
}

// History returns recorded state transitions for a model version.
func (m *Monitor) History(modelVersion string) []Transition {
	return m.tracker.History(modelVersion)
}

// State returns the current tier for a model version.
func (m *Monitor) State(modelVersion string) ModelState {
	return m.tracker.State(modelVersion)
}
