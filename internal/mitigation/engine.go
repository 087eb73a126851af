// Package mitigation proposes and applies bias remediations. Post-processing
// actions (per-cohort decision-threshold calibration, isotonic score
// recalibration) are applied by the engine itself; pre- and in-processing
// actions are proposals handed to the model owners. Application is
// sequential per model version under a lock.
package mitigation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/cohort"
	"github.com/halcyon-health/equilens/internal/fairness"
	"github.com/halcyon-health/equilens/internal/policy"
	"github.com/halcyon-health/equilens/internal/violation"
)

var (
	// ErrInformationalAlert rejects mitigation of informational alerts:
	// without a policed threshold there is no improvement floor to verify
	// against.
	ErrInformationalAlert = errors.New("informational alerts cannot be mitigated")
	// ErrStrategyNotAppliable rejects engine application of pre- and
	// in-processing actions.
	ErrStrategyNotAppliable = errors.New("strategy is proposal-only and cannot be applied by the engine")
	// ErrNoScores signals an empty score set where a threshold had to be
	// fitted.
	ErrNoScores = errors.New("no scores available to fit a threshold")
)

// DefaultLockTTL bounds how long one mitigation may hold a model version.
const DefaultLockTTL = 5 * time.Minute

// Engine selects, applies, and verifies mitigation actions.
type Engine struct {
	fairness *fairness.Engine
	registry *policy.Registry
	locker   Locker
	holder   string
	lockTTL  time.Duration
	logger   *zap.Logger
}

// NewEngine builds a mitigation engine. The holder identity is unique per
// engine instance and names this instance in conflict errors.
func NewEngine(f *fairness.Engine, registry *policy.Registry, locker Locker, logger *zap.Logger) *Engine {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		fairness: f,
		registry: registry,
		locker:   locker,
		holder:   uuid.NewString(),
		lockTTL:  DefaultLockTTL,
		logger:   logger,
	}
}

// Propose selects mitigation actions for an alert. The first action is
// always the auto-appliable post-processing default; critical alerts gain a
// proposal-only companion aimed at the model owners.
func (e *Engine) Propose(alert api.ViolationAlert) ([]api.MitigationAction, error) {
	if alert.Informational {
		return nil, ErrInformationalAlert
	}

	now := time.Now().UTC()
	base := api.MitigationAction{
		ModelVersion: alert.ModelVersion,
		AlertID:      alert.AlertID,
		Family:       alert.Family,
		Window:       alert.Window,
		Cohort:       alert.Cohort,
		Status:       api.ActionProposed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	primary := base
	primary.ActionID = uuid.NewString()
	primary.Strategy = api.StrategyPostprocessing
	switch alert.Family {
	case api.FamilyCalibration:
		primary.Params = api.MitigationParams{
			BaseThreshold: 0.5,
			Notes:         "isotonic score recalibration fitted on the cohort's evaluation window",
		}
	case api.FamilyParity, api.FamilyOpportunity, api.FamilyOdds:
		primary.Params = api.MitigationParams{
			BaseThreshold: 0.5,
			Notes:         "per-cohort decision threshold calibrated to the reference rate",
		}
	default:
		panic(fmt.Sprintf("unknown metric family %q", alert.Family))
	}

	actions := []api.MitigationAction{primary}
	if alert.Severity == api.SeverityCritical {
		companion := base
		companion.ActionID = uuid.NewString()
		if alert.Family == api.FamilyParity {
			companion.Strategy = api.StrategyPreprocessing
			companion.Params = api.MitigationParams{
				Notes: "training-set reweighting plan: raise cohort sampling weight to balance selection rates",
			}
		} else {
			companion.Strategy = api.StrategyInprocessing
			companion.Params = api.MitigationParams{
				Notes: "constraint-weighted retraining proposal: add a fairness penalty on the violated family",
			}
		}
		actions = append(actions, companion)
	}
	return actions, nil
}

// Apply executes a post-processing action on the unit's records, measures
// the effectiveness delta on that same held-out set, and verifies the
// improvement floor. Application is serialized per model version; a held
// lock surfaces as ConcurrentMitigationConflict. The returned action is
// meaningful even when the error is MitigationIneffectiveError.
func (e *Engine) Apply(ctx context.Context, action api.MitigationAction, unit cohort.Unit) (api.MitigationAction, error) {
	if !action.Strategy.AutoAppliable() {
		return action, ErrStrategyNotAppliable
	}

	pol, err := e.registry.GetActive()
	if err != nil {
		return action, err
	}
	th, policed := pol.Threshold(action.Family)
	if !policed {
		return action, fmt.Errorf("family %s is not policed: %w", action.Family, ErrInformationalAlert)
	}

	ok, current, err := e.locker.Acquire(ctx, action.ModelVersion, e.holder, e.lockTTL)
	if err != nil {
		return action, fmt.Errorf("acquiring mitigation lock: %w", err)
	}
	if !ok {
		return action, &api.ConcurrentMitigationConflict{ModelVersion: action.ModelVersion, Holder: current}
	}
	defer e.locker.Release(ctx, action.ModelVersion, e.holder)

	before := e.measure(action, unit)

	transformed, thresholds, err := e.transform(action, unit)
	if err != nil {
		return action, err
	}
	after := e.measure(action, transformed)

	delta := &api.EffectivenessDelta{
		Family:         action.Family,
		Before:         before,
		After:          after,
		SeverityBefore: violation.Classify(before, th, pol.EscalationFactor),
		SeverityAfter:  violation.Classify(after, th, pol.EscalationFactor),
	}

	action.Params.CohortThresholds = thresholds
	action.Delta = delta
	action.Status = api.ActionApplied
	action.UpdatedAt = time.Now().UTC()

	if !delta.Improved() {
		action.Status = api.ActionIneffective
		e.logger.Warn("mitigation missed the improvement floor",
			zap.String("action_id", action.ActionID),
			zap.String("family", string(action.Family)),
			zap.Float64("before", before),
			zap.Float64("after", after))
		return action, &api.MitigationIneffectiveError{
			ActionID: action.ActionID,
			Family:   action.Family,
			Before:   delta.SeverityBefore,
			After:    delta.SeverityAfter,
		}
	}

	action.Status = api.ActionVerified
	e.logger.Info("mitigation verified",
		zap.String("action_id", action.ActionID),
		zap.String("model_version", action.ModelVersion),
		zap.String("family", string(action.Family)),
		zap.Float64("before", before),
		zap.Float64("after", after))
	return action, nil
}

// measure recomputes the action's metric family on a unit. Deterministic
// for a fixed unit because the fairness engine seeds from the result key.
func (e *Engine) measure(action api.MitigationAction, unit cohort.Unit) float64 {
	results := e.fairness.EvaluateUnit(action.ModelVersion, action.Window, unit)
	for _, r := range results {
		if r.Family == action.Family {
			return r.Value
		}
	}
	return 0
}

// transform applies the post-processing remediation and returns the
// adjusted unit with the per-cohort thresholds it used.
func (e *Engine) transform(action api.MitigationAction, unit cohort.Unit) (cohort.Unit, map[string]float64, error) {
	switch action.Family {
	case api.FamilyCalibration:
		adjusted := recalibrate(unit.Cohort.Records, e.fairness.Params().CalibrationBins, action.Params.BaseThreshold)
		out := unit
		out.Cohort.Records = adjusted
		return out, map[string]float64{unit.Cohort.Key: action.Params.BaseThreshold}, nil

	case api.FamilyParity, api.FamilyOpportunity, api.FamilyOdds:
		t, err := fitThreshold(action.Family, unit)
		if err != nil {
			return unit, nil, err
		}
		adjusted := rethreshold(unit.Cohort.Records, t)
		out := unit
		out.Cohort.Records = adjusted
		return out, map[string]float64{unit.Cohort.Key: t}, nil

	default:
		panic(fmt.Sprintf("unknown metric family %q", action.Family))
	}
}

// fitThreshold picks the cohort decision threshold that matches the
// reference rate of the violated family.
func fitThreshold(family api.MetricFamily, unit cohort.Unit) (float64, error) {
	switch family {
	case api.FamilyParity:
		refRate := predictedPositiveRate(unit.Reference.Records)
		scores := allScores(unit.Cohort.Records)
		return scoreQuantile(scores, 1-refRate)

	case api.FamilyOpportunity:
		refTPR := outcomeClassRate(unit.Reference.Records, 1)
		scores := outcomeClassScores(unit.Cohort.Records, 1)
		return scoreQuantile(scores, 1-refTPR)

	case api.FamilyOdds:
		// Match whichever gap dominates the equalized odds difference.
		tprGap := outcomeClassRate(unit.Cohort.Records, 1) - outcomeClassRate(unit.Reference.Records, 1)
		fprGap := outcomeClassRate(unit.Cohort.Records, 0) - outcomeClassRate(unit.Reference.Records, 0)
		if math.Abs(tprGap) >= math.Abs(fprGap) {
			refTPR := outcomeClassRate(unit.Reference.Records, 1)
			return scoreQuantile(outcomeClassScores(unit.Cohort.Records, 1), 1-refTPR)
		}
		refFPR := outcomeClassRate(unit.Reference.Records, 0)
		return scoreQuantile(outcomeClassScores(unit.Cohort.Records, 0), 1-refFPR)

	default:
		return 0, fmt.Errorf("no threshold fit for family %s", family)
	}
}

func predictedPositiveRate(records []api.PredictionRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	pos := 0
	for _, r := range records {
		pos += r.PredictedLabel
	}
	return float64(pos) / float64(len(records))
}

// outcomeClassRate is the predicted-positive rate among bound records with
// the given outcome label: TPR for label 1, FPR for label 0.
func outcomeClassRate(records []api.PredictionRecord, label int) float64 {
	hits, n := 0, 0
	for _, r := range records {
		if r.Outcome == nil || r.Outcome.Label != label {
			continue
		}
		n++
		hits += r.PredictedLabel
	}
	if n == 0 {
		return 0
	}
	return float64(hits) / float64(n)
}

func allScores(records []api.PredictionRecord) []float64 {
	scores := make([]float64, len(records))
	for i, r := range records {
		scores[i] = r.Score
	}
	return scores
}

func outcomeClassScores(records []api.PredictionRecord, label int) []float64 {
	var scores []float64
	for _, r := range records {
		if r.Outcome != nil && r.Outcome.Label == label {
			scores = append(scores, r.Score)
		}
	}
	return scores
}

// scoreQuantile computes the q quantile with linear interpolation between
// order statistics at position q*(n+1).
func scoreQuantile(scores []float64, q float64) (float64, error) {
	n := len(scores)
	if n == 0 {
		return 0, ErrNoScores
	}
	sorted := make([]float64, n)
	copy(sorted, scores)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0], nil
	}
	if q >= 1 {
		return sorted[n-1], nil
	}

	pos := q * float64(n+1)
	idx := int(math.Floor(pos)) - 1
	frac := pos - math.Floor(pos)
	if idx < 0 {
		return sorted[0], nil
	}
	if idx >= n-1 {
		return sorted[n-1], nil
	}
	return sorted[idx] + frac*(sorted[idx+1]-sorted[idx]), nil
}

// rethreshold re-derives predicted labels from scores under a new decision
// threshold, leaving scores and outcomes untouched.
func rethreshold(records []api.PredictionRecord, threshold float64) []api.PredictionRecord {
	out := make([]api.PredictionRecord, len(records))
	copy(out, records)
	for i := range out {
		if out[i].Score >= threshold {
			out[i].PredictedLabel = 1
		} else {
			out[i].PredictedLabel = 0
		}
	}
	return out
}

// recalibrate maps cohort scores through a monotone bucket mapping fitted
// on the cohort's own outcome frequencies (pool-adjacent-violators over
// equal-width bins), then re-derives predictions at the base threshold.
func recalibrate(records []api.PredictionRecord, bins int, baseThreshold float64) []api.PredictionRecord {
	if bins <= 0 {
		bins = 10
	}
	if baseThreshold <= 0 {
		baseThreshold = 0.5
	}

	counts := make([]int, bins)
	positives := make([]int, bins)
	for _, r := range records {
		if r.Outcome == nil {
			continue
		}
		b := binOf(r.Score, bins)
		counts[b]++
		if r.Outcome.Label == 1 {
			positives[b]++
		}
	}

	// Per-bin frequencies, then pool adjacent violators so the mapping is
	// monotone non-decreasing in the score.
	freq := make([]float64, bins)
	weight := make([]float64, bins)
	for b := 0; b < bins; b++ {
		weight[b] = float64(counts[b])
		if counts[b] > 0 {
			freq[b] = float64(positives[b]) / float64(counts[b])
		}
	}
	pooled := poolAdjacentViolators(freq, weight)

	// Empty bins inherit the nearest populated value to their left.
	last := 0.0
	for b := 0; b < bins; b++ {
		if counts[b] > 0 {
			last = pooled[b]
		} else {
			pooled[b] = last
		}
	}

	out := make([]api.PredictionRecord, len(records))
	copy(out, records)
	for i := range out {
		mapped := pooled[binOf(out[i].Score, bins)]
		out[i].Score = mapped
		if mapped >= baseThreshold {
			out[i].PredictedLabel = 1
		} else {
			out[i].PredictedLabel = 0
		}
	}
	return out
}

func binOf(score float64, bins int) int {
	b := int(score * float64(bins))
	if b >= bins {
		b = bins - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}

// poolAdjacentViolators computes the weighted isotonic regression of
// values: adjacent blocks whose means are out of order merge into one
// block at the pooled mean, cascading left until the sequence is
// monotone. Zero-weight entries are skipped and returned unchanged; the
// caller fills them from their populated neighbors.
func poolAdjacentViolators(values, weights []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)

	populated := make([]int, 0, len(values))
	for i, w := range weights {
		if w > 0 {
			populated = append(populated, i)
		}
	}

	type block struct {
		sum, weight float64
		start       int // position in populated
	}
	var blocks []block
	for pos, i := range populated {
		b := block{sum: values[i] * weights[i], weight: weights[i], start: pos}
		for len(blocks) > 0 {
			top := blocks[len(blocks)-1]
			if top.sum*b.weight <= b.sum*top.weight {
				break
			}
			b.sum += top.sum
			b.weight += top.weight
			b.start = top.start
			blocks = blocks[:len(blocks)-1]
		}
		blocks = append(blocks, b)
	}

	for k, b := range blocks {
		end := len(populated)
		if k+1 < len(blocks) {
			end = blocks[k+1].start
		}
		mean := b.sum / b.weight
		for pos := b.start; pos < end; pos++ {
			out[populated[pos]] = mean
		}
	}
	return out
}
