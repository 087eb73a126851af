package api

import "fmt"

// InsufficientDataError marks a metric result whose cohort or reference
// denominator fell below the minimum sample size. Such results never feed
// violation detection.
type InsufficientDataError struct {
	Cohort  string
	Family  MetricFamily
	Size    int
	MinSize int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for cohort %q (%s): %d samples, need %d",
		e.Cohort, e.Family, e.Size, e.MinSize)
}

// UnknownAttributeError is returned when a record or cohort declaration
// names a protected attribute absent from the configured schema.
type UnknownAttributeError struct {
	Attribute string
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("unknown protected attribute %q", e.Attribute)
}

// StaleGroundTruthWarning attaches to outcome-dependent results of a window
// whose ground-truth completeness fell below the configured floor. It is a
// warning, not a failure: results still compute over the bound subset.
type StaleGroundTruthWarning struct {
	ModelVersion string
	Completeness float64
	Floor        float64
}

func (e *StaleGroundTruthWarning) Error() string {
	return fmt.Sprintf("ground truth completeness %.1f%% below floor %.1f%% for model %s",
		e.Completeness*100, e.Floor*100, e.ModelVersion)
}

// MitigationIneffectiveError marks an applied action whose effectiveness
// delta missed the improvement floor. It escalates to an alert rather than
// silently retrying.
type MitigationIneffectiveError struct {
	ActionID string
	Family   MetricFamily
	Before   Severity
	After    Severity
}

func (e *MitigationIneffectiveError) Error() string {
	return fmt.Sprintf("mitigation %s ineffective: %s severity %s -> %s",
		e.ActionID, e.Family, e.Before, e.After)
}

// ConcurrentMitigationConflict is returned when a second apply is attempted
// for a model version whose mitigation lock is held.
type ConcurrentMitigationConflict struct {
	ModelVersion string
	Holder       string
}

func (e *ConcurrentMitigationConflict) Error() string {
	return fmt.Sprintf("mitigation already in progress for model %s (held by %s)",
		e.ModelVersion, e.Holder)
}
