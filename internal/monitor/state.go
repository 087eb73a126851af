package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
)

// ModelState is the monitoring tier of a deployed model version.
// Transitions move one tier at a time: a model can never jump from
// Stable to Critical inside a single evaluation.
type ModelState string

const (
	ModelStable   ModelState = "stable"
	ModelWatch    ModelState = "watch"
	ModelDegraded ModelState = "degraded"
	ModelCritical ModelState = "critical"
)

// Rank orders states for comparison. Higher is worse.
func (s ModelState) Rank() int {
	switch s {
	case ModelStable:
		return 0
	case ModelWatch:
		return 1
	case ModelDegraded:
		return 2
	case ModelCritical:
		return 3
	default:
		return -1
	}
}

func (s ModelState) Valid() bool {
	return s.Rank() >= 0
}

func stateAbove(s ModelState) ModelState {
	switch s {
	case ModelStable:
		return ModelWatch
	case ModelWatch:
		return ModelDegraded
	default:
		return ModelCritical
	}
}

func stateBelow(s ModelState) ModelState {
	switch s {
	case ModelCritical:
		return ModelDegraded
	case ModelDegraded:
		return ModelWatch
	default:
		return ModelStable
	}
}

// Transition records one state-machine step for a model version.
// From == To means the evaluation was observed but the tier held.
type Transition struct {
	ModelVersion string     `json:"model_version"`
	From         ModelState `json:"from"`
	To           ModelState `json:"to"`
	Reason       string     `json:"reason,omitempty"`
	Window       api.Window `json:"window"`
	At           time.Time  `json:"at"`
}

func (t Transition) Changed() bool {
	return t.From != t.To
}

// ModelStatus is the queryable monitoring state of one model version.
type ModelStatus struct {
	ModelVersion         string        `json:"model_version"`
	State                ModelState    `json:"state"`
	Since                time.Time     `json:"since"`
	LastEvaluated        time.Time     `json:"last_evaluated"`
	LastWindow           api.Window    `json:"last_window"`
	ConsecutiveCriticals int           `json:"consecutive_criticals"`
	HaltRecommended      bool          `json:"halt_recommended"`
	Drift                []DriftReport `json:"drift,omitempty"`
}

// Tracker drives the per-model-version state machine from evaluation
// outcomes. Informational alerts never feed the machine; an evaluation
// with no warning or critical alerts counts as clean.
//
// Escalation rules:
//   - Any warning or critical steps Stable up to Watch.
//   - A critical steps Watch up to Degraded.
//   - Two consecutive evaluations warning on the same cohort step
//     Watch up to Degraded.
//   - A critical that persists across consecutive evaluations steps
//     Degraded up to Critical.
//   - A clean evaluation steps down exactly one tier, so full recovery
//     from Critical takes three clean windows.
//
// Only the Critical tier carries a halt recommendation. The tracker
// never acts on the model itself; it advises.
type Tracker struct {
	mu           sync.RWMutex
	models       map[string]*modelTrack
	historyLimit int
	logger       *zap.Logger
}

type modelTrack struct {
	state         ModelState
	since         time.Time
	criticalRun   int
	warnedCohorts map[string]bool
	lastEvaluated time.Time
	lastWindow    api.Window
	history       []Transition
}

// NewTracker creates a state tracker. historyLimit caps retained
// transitions per model; zero or negative means the default of 100.
func NewTracker(historyLimit int, logger *zap.Logger) *Tracker {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		models:       make(map[string]*modelTrack),
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Observe feeds one evaluation's alerts into the state machine and
// returns the resulting transition. Unknown model versions start at
// Stable.
func (tr *Tracker) Observe(modelVersion string, window api.Window, alerts []api.ViolationAlert) Transition {
	hasCritical := false
	warned := make(map[string]bool)
	for _, a := range alerts {
		if a.Informational {
			continue
		}
		switch a.Severity {
		case api.SeverityCritical:
			hasCritical = true
		case api.SeverityWarning:
			warned[a.Cohort] = true
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	t := tr.models[modelVersion]
	if t == nil {
		t = &modelTrack{state: ModelStable, since: time.Now().UTC()}
		tr.models[modelVersion] = t
	}

	if hasCritical {
		t.criticalRun++
	} else {
		t.criticalRun = 0
	}

	from := t.state
	to := from
	reason := ""

	switch {
	case hasCritical:
		switch from {
		case ModelStable, ModelWatch:
			to = stateAbove(from)
			reason = "critical violation"
		case ModelDegraded:
			// Critical requires the violation to persist: at least two
			// consecutive evaluations carrying a critical.
			if t.criticalRun >= 2 {
				to = ModelCritical
				reason = fmt.Sprintf("critical violation persisted across %d consecutive evaluations", t.criticalRun)
			}
		}
	case len(warned) > 0:
		switch from {
		case ModelStable:
			to = ModelWatch
			reason = "warning violation"
		case ModelWatch:
			if cohort := firstRepeated(warned, t.warnedCohorts); cohort != "" {
				to = ModelDegraded
				reason = fmt.Sprintf("consecutive warnings on cohort %s", cohort)
			}
		}
	default:
		if from != ModelStable {
			to = stateBelow(from)
			reason = "clean evaluation window"
		}
	}

	now := time.Now().UTC()
	t.warnedCohorts = warned
	t.lastEvaluated = now
	t.lastWindow = window

	trans := Transition{
		ModelVersion: modelVersion,
		From:         from,
		To:           to,
		Reason:       reason,
		Window:       window,
		At:           now,
	}
	if trans.Changed() {
		t.state = to
		t.since = now
		t.history = append(t.history, trans)
		if len(t.history) > tr.historyLimit {
			t.history = t.history[len(t.history)-tr.historyLimit:]
		}
		tr.logger.Warn("model state transition",
			zap.String("model_version", modelVersion),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("reason", reason),
			zap.String("window", window.Key()),
		)
	}
	return trans
}

// firstRepeated returns a cohort present in both warning sets, picking
// the lexicographically smallest for deterministic transition reasons.
func firstRepeated(current, previous map[string]bool) string {
	repeated := ""
	for cohort := range current {
		if !previous[cohort] {
			continue
		}
		if repeated == "" || cohort < repeated {
			repeated = cohort
		}
	}
	return repeated
}

// State returns the current tier for a model version, Stable when the
// model has never been observed.
func (tr *Tracker) State(modelVersion string) ModelState {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if t, ok := tr.models[modelVersion]; ok {
		return t.state
	}
	return ModelStable
}

// Status returns the queryable state of a model version. The second
// return is false when the model has never been observed.
func (tr *Tracker) Status(modelVersion string) (ModelStatus, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	t, ok := tr.models[modelVersion]
	if !ok {
		return ModelStatus{ModelVersion: modelVersion, State: ModelStable}, false
	}
	return ModelStatus{
		ModelVersion:         modelVersion,
		State:                t.state,
		Since:                t.since,
		LastEvaluated:        t.lastEvaluated,
		LastWindow:           t.lastWindow,
		ConsecutiveCriticals: t.criticalRun,
		HaltRecommended:      t.state == ModelCritical,
	}, true
}

// History returns the recorded transitions for a model version, oldest
// first.
func (tr *Tracker) History(modelVersion string) []Transition {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	t, ok := tr.models[modelVersion]
	if !ok {
		return nil
	}
	out := make([]Transition, len(t.history))
	copy(out, t.history)
	return out
}
