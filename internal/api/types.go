package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// UnknownValue is the reserved cohort value for subjects whose protected
// attribute is missing or unparseable. Such subjects form a real cohort and
// are never dropped from evaluation.
const UnknownValue = "unknown"

// PredictionRecord is one scored subject as consumed from the scoring stream.
// Records are immutable once written; the only permitted update is the single
// late-binding of Outcome by the ground-truth feed. A re-score writes a new
// record whose Supersedes field points at the replaced one.
type PredictionRecord struct {
	RecordID       string            `json:"record_id"`
	ModelVersion   string            `json:"model_version"`
	SubjectID      string            `json:"subject_id"`
	Score          float64           `json:"score"`
	PredictedLabel int               `json:"predicted_label"`
	Attributes     map[string]string `json:"attributes"`
	Outcome        *Outcome          `json:"outcome,omitempty"`
	ScoredAt       time.Time         `json:"scored_at"`
	Supersedes     string            `json:"supersedes,omitempty"`
}

// Outcome is the late-bound ground truth for a prediction.
type Outcome struct {
	Label      int       `json:"label"`
	ObservedAt time.Time `json:"observed_at"`
}

// Window is a half-open evaluation interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Key returns the canonical window identifier used in result keys.
func (w Window) Key() string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}

// Valid reports whether the window is well formed.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.End.After(w.Start)
}

// RollingWindow returns the window of the given length ending at now.
func RollingWindow(now time.Time, length time.Duration) Window {
	return Window{Start: now.Add(-length), End: now}
}

// CohortKey returns the canonical cohort identifier for an attribute-value
// combination: attributes sorted by name, joined as "attr=value,attr=value".
func CohortKey(attrs map[string]string) string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+attrs[name])
	}
	return strings.Join(parts, ",")
}

// ParseCohortKey inverts CohortKey. It returns an error on malformed keys.
func ParseCohortKey(key string) (map[string]string, error) {
	if key == "" {
		return nil, fmt.Errorf("empty cohort key")
	}
	attrs := make(map[string]string)
	for _, part := range strings.Split(key, ",") {
		name, value, ok := strings.Cut(part, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed cohort key segment %q", part)
		}
		attrs[name] = value
	}
	return attrs, nil
}

// Cohort is a resolved attribute-value combination with its member records.
type Cohort struct {
	Key        string             `json:"key"`
	Attributes map[string]string  `json:"attributes"`
	Records    []PredictionRecord `json:"-"`
}

// Arity is the number of attributes the cohort intersects over.
func (c Cohort) Arity() int { return len(c.Attributes) }

// Size is the number of member records.
func (c Cohort) Size() int { return len(c.Records) }

// ComputeRecordID derives the canonical record identifier
// sha256(subject_id|model_version|scored_at) for records that arrive without
// one from the scoring pipeline.
func ComputeRecordID(subjectID, modelVersion string, scoredAt time.Time) string {
	data := fmt.Sprintf("%s|%s|%d", subjectID, modelVersion, scoredAt.UTC().UnixNano())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Validate performs structural validation on an incoming record.
func (r *PredictionRecord) Validate() error {
	if r.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if r.ModelVersion == "" {
		return fmt.Errorf("model_version is required")
	}
	if r.SubjectID == "" {
		return fmt.Errorf("subject_id is required")
	}
	if r.Score < 0 || r.Score > 1 {
		return fmt.Errorf("score must be in [0,1], got %f", r.Score)
	}
	if r.PredictedLabel != 0 && r.PredictedLabel != 1 {
		return fmt.Errorf("predicted_label must be 0 or 1, got %d", r.PredictedLabel)
	}
	if r.ScoredAt.IsZero() {
		return fmt.Errorf("scored_at is required")
	}
	if r.Outcome != nil {
		if r.Outcome.Label != 0 && r.Outcome.Label != 1 {
			return fmt.Errorf("outcome label must be 0 or 1, got %d", r.Outcome.Label)
		}
	}
	return nil
}

// HasOutcome reports whether ground truth has been bound to the record.
func (r *PredictionRecord) HasOutcome() bool { return r.Outcome != nil }
