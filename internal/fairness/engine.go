// Package fairness computes group-fairness metrics for cohort pairs:
// demographic parity, equal opportunity, equalized odds, and calibration
// differences, each with a confidence interval and a significance flag.
package fairness

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/cohort"
	"github.com/halcyon-health/equilens/pkg/stats"
)

// Params holds the evaluation knobs. Zero values fall back to defaults via
// DefaultParams.
type Params struct {
	MinSampleSize     int     `json:"min_sample_size"`
	CompletenessFloor float64 `json:"completeness_floor"`
	BootstrapSamples  int     `json:"bootstrap_samples"`
	CalibrationBins   int     `json:"calibration_bins"`
	Seed              int64   `json:"seed"`
}

// DefaultParams returns the standard evaluation parameters.
func DefaultParams() Params {
	return Params{
		MinSampleSize:     30,
		CompletenessFloor: 0.50,
		BootstrapSamples:  1000,
		CalibrationBins:   10,
	}
}

// Validate checks parameter bounds.
func (p Params) Validate() error {
	if p.MinSampleSize < 1 {
		return fmt.Errorf("min_sample_size must be positive, got %d", p.MinSampleSize)
	}
	if p.CompletenessFloor < 0 || p.CompletenessFloor > 1 {
		return fmt.Errorf("completeness_floor must be in [0,1], got %f", p.CompletenessFloor)
	}
	if p.BootstrapSamples < 0 {
		return fmt.Errorf("bootstrap_samples cannot be negative, got %d", p.BootstrapSamples)
	}
	if p.CalibrationBins < 2 {
		return fmt.Errorf("calibration_bins must be at least 2, got %d", p.CalibrationBins)
	}
	return nil
}

// Engine evaluates metric families over cohort units. Evaluation is
// deterministic: the bootstrap seed is derived from the result key, so
// recomputing the same (model, window, cohort, family) yields byte-identical
// results regardless of worker scheduling.
type Engine struct {
	params Params
	logger *zap.Logger
}

// NewEngine validates params and builds an engine.
func NewEngine(params Params, logger *zap.Logger) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fairness params: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{params: params, logger: logger}, nil
}

// Params returns the engine's active parameters.
func (e *Engine) Params() Params { return e.params }

// sample is the per-cohort working set extracted once per unit.
type sample struct {
	preds []int // predicted labels, all records

	// Outcome-bound subset, aligned slices.
	boundPreds  []int
	boundLabels []int
	boundScores []float64

	positives int // bound records with outcome 1
	negatives int // bound records with outcome 0
}

func extract(records []api.PredictionRecord) sample {
	s := sample{preds: make([]int, 0, len(records))}
	for _, r := range records {
		s.preds = append(s.preds, r.PredictedLabel)
		if r.Outcome == nil {
			continue
		}
		s.boundPreds = append(s.boundPreds, r.PredictedLabel)
		s.boundLabels = append(s.boundLabels, r.Outcome.Label)
		s.boundScores = append(s.boundScores, r.Score)
		if r.Outcome.Label == 1 {
			s.positives++
		} else {
			s.negatives++
		}
	}
	return s
}

// GroundTruthCompleteness returns the fraction of records with a bound
// outcome.
func GroundTruthCompleteness(records []api.PredictionRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	bound := 0
	for _, r := range records {
		if r.Outcome != nil {
			bound++
		}
	}
	return float64(bound) / float64(len(records))
}

// EvaluateUnit computes every metric family for one cohort unit. Results
// with a denominator below the minimum sample size come back flagged
// insufficient and never feed violation detection.
func (e *Engine) EvaluateUnit(modelVersion string, window api.Window, unit cohort.Unit) []api.FairnessMetricResult {
	cs := extract(unit.Cohort.Records)
	rs := extract(unit.Reference.Records)

	total := len(unit.Cohort.Records) + len(unit.Reference.Records)
	bound := len(cs.boundLabels) + len(rs.boundLabels)
	completeness := 0.0
	if total > 0 {
		completeness = float64(bound) / float64(total)
	}

	results := make([]api.FairnessMetricResult, 0, len(api.Families()))
	for _, family := range api.Families() {
		results = append(results, e.evaluateFamily(modelVersion, window, unit, family, cs, rs, completeness))
	}
	return results
}

func (e *Engine) evaluateFamily(
	modelVersion string,
	window api.Window,
	unit cohort.Unit,
	family api.MetricFamily,
	cs, rs sample,
	completeness float64,
) api.FairnessMetricResult {
	key := api.ComputeResultKey(modelVersion, window, unit.Cohort.Key, family)
	result := api.FairnessMetricResult{
		ResultKey:               key,
		ModelVersion:            modelVersion,
		Window:                  window,
		Family:                  family,
		Cohort:                  unit.Cohort.Key,
		Reference:               unit.Reference.Key,
		GroundTruthCompleteness: completeness,
		ComputedAt:              time.Now().UTC(),
	}

	if short, size := e.shortDenominator(family, cs, rs); short != "" {
		insufficient := &api.InsufficientDataError{
			Cohort:  short,
			Family:  family,
			Size:    size,
			MinSize: e.params.MinSampleSize,
		}
		result.InsufficientData = true
		result.CohortSize = familySize(family, cs)
		result.ReferenceSize = familySize(family, rs)
		result.Warnings = append(result.Warnings, insufficient.Error())
		return result
	}

	if family.OutcomeDependent() && completeness < e.params.CompletenessFloor {
		stale := &api.StaleGroundTruthWarning{
			ModelVersion: modelVersion,
			Completeness: completeness,
			Floor:        e.params.CompletenessFloor,
		}
		result.Warnings = append(result.Warnings, stale.Error())
	}

	seed := e.params.Seed ^ keySeed(key)
	value, lo, hi := e.computeFamily(family, cs, rs, seed)
	result.Value = value
	result.CILower = lo
	result.CIUpper = hi
	result.CohortSize = familySize(family, cs)
	result.ReferenceSize = familySize(family, rs)
	result.Significant = lo > 0 || hi < 0
	return result
}

// shortDenominator returns the cohort key side and size of the first
// denominator below the minimum sample size, or "" when all suffice.
func (e *Engine) shortDenominator(family api.MetricFamily, cs, rs sample) (string, int) {
	min := e.params.MinSampleSize
	check := func(side string, sizes ...int) (string, int) {
		for _, n := range sizes {
			if n < min {
				return side, n
			}
		}
		return "", 0
	}

	switch family {
	case api.FamilyParity:
		if side, n := check("cohort", len(cs.preds)); side != "" {
			return side, n
		}
		return check("reference", len(rs.preds))
	case api.FamilyOpportunity:
		if side, n := check("cohort", cs.positives); side != "" {
			return side, n
		}
		return check("reference", rs.positives)
	case api.FamilyOdds:
		if side, n := check("cohort", cs.positives, cs.negatives); side != "" {
			return side, n
		}
		return check("reference", rs.positives, rs.negatives)
	case api.FamilyCalibration:
		if side, n := check("cohort", len(cs.boundLabels)); side != "" {
			return side, n
		}
		return check("reference", len(rs.boundLabels))
	default:
		panic(fmt.Sprintf("unknown metric family %q", family))
	}
}

func familySize(family api.MetricFamily, s sample) int {
	switch family {
	case api.FamilyParity:
		return len(s.preds)
	case api.FamilyOpportunity, api.FamilyOdds, api.FamilyCalibration:
		return len(s.boundLabels)
	default:
		panic(fmt.Sprintf("unknown metric family %q", family))
	}
}

// computeFamily returns the metric value and its 95% confidence interval.
func (e *Engine) computeFamily(family api.MetricFamily, cs, rs sample, seed int64) (float64, float64, float64) {
	bins := e.params.CalibrationBins
	resamples := e.params.BootstrapSamples

	switch family {
	case api.FamilyParity:
		value := posRate(cs.preds, nil) - posRate(rs.preds, nil)
		if resamples > 0 {
			lo, hi := stats.BootstrapCI(len(cs.preds), len(rs.preds), resamples, seed,
				func(ia, ib []int) float64 {
					return posRate(cs.preds, ia) - posRate(rs.preds, ib)
				})
			return value, lo, hi
		}
		lo, hi := stats.NormalDiffCI(posRate(cs.preds, nil), len(cs.preds), posRate(rs.preds, nil), len(rs.preds))
		return value, lo, hi

	case api.FamilyOpportunity:
		value := tpr(cs, nil) - tpr(rs, nil)
		if resamples > 0 {
			lo, hi := stats.BootstrapCI(len(cs.boundLabels), len(rs.boundLabels), resamples, seed,
				func(ia, ib []int) float64 {
					return tpr(cs, ia) - tpr(rs, ib)
				})
			return value, lo, hi
		}
		lo, hi := stats.NormalDiffCI(tpr(cs, nil), cs.positives, tpr(rs, nil), rs.positives)
		return value, lo, hi

	case api.FamilyOdds:
		value := dominantGap(cs, rs, nil, nil)
		if resamples > 0 {
			lo, hi := stats.BootstrapCI(len(cs.boundLabels), len(rs.boundLabels), resamples, seed,
				func(ia, ib []int) float64 {
					return dominantGap(cs, rs, ia, ib)
				})
			return value, lo, hi
		}
		// Normal fallback on whichever gap dominates.
		tprGap := tpr(cs, nil) - tpr(rs, nil)
		fprGap := fpr(cs, nil) - fpr(rs, nil)
		if math.Abs(tprGap) >= math.Abs(fprGap) {
			lo, hi := stats.NormalDiffCI(tpr(cs, nil), cs.positives, tpr(rs, nil), rs.positives)
			return value, lo, hi
		}
		lo, hi := stats.NormalDiffCI(fpr(cs, nil), cs.negatives, fpr(rs, nil), rs.negatives)
		return value, lo, hi

	case api.FamilyCalibration:
		value := stats.ECE(cs.boundScores, cs.boundLabels, bins) - stats.ECE(rs.boundScores, rs.boundLabels, bins)
		if resamples > 0 {
			lo, hi := stats.BootstrapCI(len(cs.boundLabels), len(rs.boundLabels), resamples, seed,
				func(ia, ib []int) float64 {
					return eceAt(cs, ia, bins) - eceAt(rs, ib, bins)
				})
			return value, lo, hi
		}
		// Conservative binomial bound on the ECE standard error.
		se := math.Sqrt(1.0/(4.0*float64(len(cs.boundLabels))) + 1.0/(4.0*float64(len(rs.boundLabels))))
		return value, value - 1.96*se, value + 1.96*se

	default:
		panic(fmt.Sprintf("unknown metric family %q", family))
	}
}

// posRate is the predicted-positive rate, optionally over resampled indices.
func posRate(preds []int, idx []int) float64 {
	if idx == nil {
		if len(preds) == 0 {
			return 0
		}
		pos := 0
		for _, p := range preds {
			pos += p
		}
		return float64(pos) / float64(len(preds))
	}
	pos := 0
	for _, i := range idx {
		pos += preds[i]
	}
	return float64(pos) / float64(len(idx))
}

// tpr is the true positive rate over the bound subset.
func tpr(s sample, idx []int) float64 {
	hits, pos := 0, 0
	if idx == nil {
		for i, label := range s.boundLabels {
			if label == 1 {
				pos++
				hits += s.boundPreds[i]
			}
		}
	} else {
		for _, i := range idx {
			if s.boundLabels[i] == 1 {
				pos++
				hits += s.boundPreds[i]
			}
		}
	}
	if pos == 0 {
		return 0
	}
	return float64(hits) / float64(pos)
}

// fpr is the false positive rate over the bound subset.
func fpr(s sample, idx []int) float64 {
	hits, neg := 0, 0
	if idx == nil {
		for i, label := range s.boundLabels {
			if label == 0 {
				neg++
				hits += s.boundPreds[i]
			}
		}
	} else {
		for _, i := range idx {
			if s.boundLabels[i] == 0 {
				neg++
				hits += s.boundPreds[i]
			}
		}
	}
	if neg == 0 {
		return 0
	}
	return float64(hits) / float64(neg)
}

// dominantGap returns the signed TPR or FPR gap with the larger magnitude.
// Its absolute value is the equalized odds difference; keeping the sign lets
// the confidence interval straddle zero under the null.
func dominantGap(cs, rs sample, ia, ib []int) float64 {
	tprGap := tpr(cs, ia) - tpr(rs, ib)
	fprGap := fpr(cs, ia) - fpr(rs, ib)
	if math.Abs(tprGap) >= math.Abs(fprGap) {
		return tprGap
	}
	return fprGap
}

// eceAt computes ECE over resampled indices of the bound subset.
func eceAt(s sample, idx []int, bins int) float64 {
	scores := make([]float64, len(idx))
	labels := make([]int, len(idx))
	for j, i := range idx {
		scores[j] = s.boundScores[i]
		labels[j] = s.boundLabels[i]
	}
	return stats.ECE(scores, labels, bins)
}

// keySeed folds a result key into a deterministic bootstrap seed.
func keySeed(key string) int64 {
	h := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(h[:8]))
}
