package monitor

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/pkg/stats"
)

// DriftParams configures score-distribution drift detection.
type DriftParams struct {
	// PValue is the significance threshold for the two-sample KS test.
	// A cohort drifts when its p-value falls below this.
	PValue float64 `json:"p_value"`
	// MinSamples is the smallest per-cohort sample accepted on either
	// side of the comparison.
	MinSamples int `json:"min_samples"`
}

func DefaultDriftParams() DriftParams {
	return DriftParams{
		PValue:     0.01,
		MinSamples: 30,
	}
}

func (p DriftParams) Validate() error {
	if p.PValue <= 0 || p.PValue >= 1 {
		return fmt.Errorf("p-value threshold must be in (0, 1), got %f", p.PValue)
	}
	if p.MinSamples < 2 {
		return fmt.Errorf("min samples must be at least 2, got %d", p.MinSamples)
	}
	return nil
}

// DriftReport is the outcome of one per-cohort KS comparison against
// the baseline window.
type DriftReport struct {
	ModelVersion string     `json:"model_version"`
	Cohort       string     `json:"cohort"`
	Window       api.Window `json:"window"`
	Statistic    float64    `json:"ks_statistic"`
	PValue       float64    `json:"p_value"`
	BaselineN    int        `json:"baseline_n"`
	CurrentN     int        `json:"current_n"`
	Drifted      bool       `json:"drifted"`
}

// DriftDetector compares per-cohort score distributions against a
// baseline window using the two-sample Kolmogorov-Smirnov test. The
// baseline is the first full window observed for a model version and
// can be replaced explicitly after a deliberate model change.
type DriftDetector struct {
	mu              sync.RWMutex
	params          DriftParams
	baselines       map[string]map[string][]float64
	baselineWindows map[string]api.Window
	logger          *zap.Logger
}

func NewDriftDetector(params DriftParams, logger *zap.Logger) (*DriftDetector, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid drift params: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriftDetector{
		params:          params,
		baselines:       make(map[string]map[string][]float64),
		baselineWindows: make(map[string]api.Window),
		logger:          logger,
	}, nil
}

func (d *DriftDetector) HasBaseline(modelVersion string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.baselines[modelVersion]
	return ok
}

// SetBaseline captures per-cohort scores as the comparison baseline,
// replacing any previous baseline for the model version.
func (d *DriftDetector) SetBaseline(modelVersion string, window api.Window, scores map[string][]float64) {
	copied := make(map[string][]float64, len(scores))
	for cohort, s := range scores {
		c := make([]float64, len(s))
		copy(c, s)
		copied[cohort] = c
	}

	d.mu.Lock()
	d.baselines[modelVersion] = copied
	d.baselineWindows[modelVersion] = window
	d.mu.Unlock()

	d.logger.Info("drift baseline captured",
		zap.String("model_version", modelVersion),
		zap.String("window", window.Key()),
		zap.Int("cohorts", len(copied)),
	)
}

func (d *DriftDetector) ClearBaseline(modelVersion string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.baselines, modelVersion)
	delete(d.baselineWindows, modelVersion)
}

func (d *DriftDetector) BaselineWindow(modelVersion string) (api.Window, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.baselineWindows[modelVersion]
	return w, ok
}

// Check runs the KS test for every cohort present in both the baseline
// and the current window, sorted by cohort key. Cohorts below the
// sample floor on either side are skipped. Returns nil when no
// baseline exists.
func (d *DriftDetector) Check(modelVersion string, window api.Window, scores map[string][]float64) []DriftReport {
	d.mu.RLock()
	baseline, ok := d.baselines[modelVersion]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	cohorts := make([]string, 0, len(scores))
	for cohort := range scores {
		if _, ok := baseline[cohort]; ok {
			cohorts = append(cohorts, cohort)
		}
	}
	sort.Strings(cohorts)

	var reports []DriftReport
	for _, cohort := range cohorts {
		base := baseline[cohort]
		current := scores[cohort]
		if len(base) < d.params.MinSamples || len(current) < d.params.MinSamples {
			continue
		}
		statistic, pValue := stats.KSTest(current, base)
		report := DriftReport{
			ModelVersion: modelVersion,
			Cohort:       cohort,
			Window:       window,
			Statistic:    statistic,
			PValue:       pValue,
			BaselineN:    len(base),
			CurrentN:     len(current),
			Drifted:      pValue < d.params.PValue,
		}
		if report.Drifted {
			d.logger.Warn("score distribution drift",
				zap.String("model_version", modelVersion),
				zap.String("cohort", cohort),
				zap.Float64("ks_statistic", statistic),
				zap.Float64("p_value", pValue),
			)
		}
		reports = append(reports, report)
	}
	return reports
}
