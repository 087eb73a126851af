package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MetricFamily is the closed set of group-fairness metrics the engine
// computes. Switches over a MetricFamily must be exhaustive; the set only
// grows by adding a constant here and extending every switch.
type MetricFamily string

const (
	// FamilyParity is the demographic parity difference:
	// P(predicted=1 | cohort) - P(predicted=1 | reference).
	FamilyParity MetricFamily = "parity"
	// FamilyOpportunity is the equal opportunity difference:
	// TPR(cohort) - TPR(reference).
	FamilyOpportunity MetricFamily = "opportunity"
	// FamilyOdds is the equalized odds difference: the larger of the
	// absolute TPR and FPR gaps between cohort and reference.
	FamilyOdds MetricFamily = "odds"
	// FamilyCalibration is the difference in bucketed expected calibration
	// error between cohort and reference.
	FamilyCalibration MetricFamily = "calibration"
)

// Families returns all metric families in evaluation order.
func Families() []MetricFamily {
	return []MetricFamily{FamilyParity, FamilyOpportunity, FamilyOdds, FamilyCalibration}
}

// Valid reports whether f is a member of the closed set.
func (f MetricFamily) Valid() bool {
	switch f {
	case FamilyParity, FamilyOpportunity, FamilyOdds, FamilyCalibration:
		return true
	default:
		return false
	}
}

// OutcomeDependent reports whether the family needs bound ground truth.
// Parity is computed from predicted labels alone.
func (f MetricFamily) OutcomeDependent() bool {
	switch f {
	case FamilyParity:
		return false
	case FamilyOpportunity, FamilyOdds, FamilyCalibration:
		return true
	default:
		panic(fmt.Sprintf("unknown metric family %q", f))
	}
}

// FairnessMetricResult is one computed metric for a cohort against its
// reference inside one evaluation window. Results are immutable: the store
// keeps the first write for a given ResultKey and drops re-computations.
type FairnessMetricResult struct {
	ResultKey               string       `json:"result_key"`
	ModelVersion            string       `json:"model_version"`
	Window                  Window       `json:"window"`
	Family                  MetricFamily `json:"family"`
	Cohort                  string       `json:"cohort"`
	Reference               string       `json:"reference"`
	Value                   float64      `json:"value"`
	CILower                 float64      `json:"ci_lower"`
	CIUpper                 float64      `json:"ci_upper"`
	CohortSize              int          `json:"cohort_size"`
	ReferenceSize           int          `json:"reference_size"`
	Significant             bool         `json:"significant"`
	InsufficientData        bool         `json:"insufficient_data"`
	GroundTruthCompleteness float64      `json:"ground_truth_completeness"`
	Warnings                []string     `json:"warnings,omitempty"`
	ComputedAt              time.Time    `json:"computed_at"`
}

// ComputeResultKey derives the canonical result identifier
// sha256(model_version|window|cohort|family). Concurrent evaluators racing
// on the same key resolve first-write-wins at the store.
func ComputeResultKey(modelVersion string, window Window, cohort string, family MetricFamily) string {
	data := fmt.Sprintf("%s|%s|%s|%s", modelVersion, window.Key(), cohort, family)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Validate performs structural validation on a computed result.
func (r *FairnessMetricResult) Validate() error {
	if r.ResultKey == "" {
		return fmt.Errorf("result_key is required")
	}
	if r.ModelVersion == "" {
		return fmt.Errorf("model_version is required")
	}
	if !r.Window.Valid() {
		return fmt.Errorf("window is invalid")
	}
	if !r.Family.Valid() {
		return fmt.Errorf("unknown metric family %q", r.Family)
	}
	if r.Cohort == "" {
		return fmt.Errorf("cohort is required")
	}
	if r.Cohort == r.Reference {
		return fmt.Errorf("cohort and reference must differ")
	}
	if !r.InsufficientData && r.CILower > r.CIUpper {
		return fmt.Errorf("ci bounds inverted: [%f, %f]", r.CILower, r.CIUpper)
	}
	expected := ComputeResultKey(r.ModelVersion, r.Window, r.Cohort, r.Family)
	if r.ResultKey != expected {
		return fmt.Errorf("result_key mismatch: expected %s, got %s", expected, r.ResultKey)
	}
	return nil
}
