// Package violation applies the active tolerance policy to metric results
// and raises alerts. Insufficient or non-significant results never violate;
// a run raises at most one alert per cohort pair, with every breaching
// family linked on it.
package violation

import (
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/policy"
)

// Classify maps an observed metric value onto the severity scale under one
// threshold: within limit is none, above limit is warning, above
// limit*factor or the hard ceiling is critical.
func Classify(value float64, th policy.Threshold, factor float64) api.Severity {
	abs := math.Abs(value)
	if abs <= th.Limit {
		return api.SeverityNone
	}
	if abs > th.Limit*factor {
		return api.SeverityCritical
	}
	if th.Ceiling > 0 && abs > th.Ceiling {
		return api.SeverityCritical
	}
	return api.SeverityWarning
}

// Detector turns metric results into violation alerts under the registry's
// active policy.
type Detector struct {
	registry *policy.Registry
	logger   *zap.Logger
}

// NewDetector builds a detector bound to a policy registry.
func NewDetector(registry *policy.Registry, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{registry: registry, logger: logger}
}

// contender is one breaching result competing to name its cohort's alert.
type contender struct {
	result   api.FairnessMetricResult
	limit    float64
	severity api.Severity
	policed  bool
}

// breach is the relative excess used to rank contenders of equal severity.
// Unpoliced families have no limit to normalize by and rank on magnitude.
func (c contender) breach() float64 {
	if c.limit <= 0 {
		return math.Abs(c.result.Value)
	}
	return math.Abs(c.result.Value) / c.limit
}

// outranks reports whether c names the alert ahead of other: policed before
// unpoliced, then severity, then relative breach, then family order.
func (c contender) outranks(other contender) bool {
	if c.policed != other.policed {
		return c.policed
	}
	if c.severity.Rank() != other.severity.Rank() {
		return c.severity.Rank() > other.severity.Rank()
	}
	if c.breach() != other.breach() {
		return c.breach() > other.breach()
	}
	return familyRank(c.result.Family) < familyRank(other.result.Family)
}

func familyRank(f api.MetricFamily) int {
	for i, fam := range api.Families() {
		if fam == f {
			return i
		}
	}
	return len(api.Families())
}

// Detect evaluates results against the active policy and raises at most one
// alert per cohort pair. Results flagged insufficient or not significant are
// skipped. The dominant breach names the alert's family, value and
// threshold; every other family that breached for the same cohort in this
// run is linked through Contributing. Families missing from the policy
// surface informationally, capped at warning, and lead the alert only when
// no policed family breached.
func (d *Detector) Detect(results []api.FairnessMetricResult) ([]api.ViolationAlert, error) {
	pol, err := d.registry.GetActive()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	byCohort := make(map[string][]contender)
	order := make([]string, 0, len(results))

	for _, r := range results {
		if r.InsufficientData || !r.Significant {
			continue
		}

		th, policed := pol.Threshold(r.Family)
		c := contender{result: r, policed: policed}
		if policed {
			c.limit = th.Limit
			c.severity = Classify(r.Value, th, pol.EscalationFactor)
			if c.severity == api.SeverityNone {
				continue
			}
		} else {
			// Unpoliced family: surface the disparity without letting it
			// escalate or feed the monitor.
			c.severity = api.SeverityWarning
		}

		if _, seen := byCohort[r.Cohort]; !seen {
			order = append(order, r.Cohort)
		}
		byCohort[r.Cohort] = append(byCohort[r.Cohort], c)
	}

	alerts := make([]api.ViolationAlert, 0, len(order))
	for _, cohort := range order {
		alerts = append(alerts, mergeAlert(byCohort[cohort], now))
	}
	for _, a := range alerts {
		d.logger.Warn("fairness violation detected",
			zap.String("model_version", a.ModelVersion),
			zap.String("family", string(a.Family)),
			zap.Int("contributing", len(a.Contributing)),
			zap.String("cohort", a.Cohort),
			zap.Float64("observed", a.ObservedValue),
			zap.Float64("threshold", a.Threshold),
			zap.String("severity", string(a.Severity)),
			zap.Bool("informational", a.Informational))
	}
	return alerts, nil
}

// mergeAlert collapses one cohort's breaching results into its single
// alert. The dominant contender supplies family, value, threshold and
// severity; the remaining families link in through Contributing in
// evaluation order.
func mergeAlert(contenders []contender, now time.Time) api.ViolationAlert {
	dominant := contenders[0]
	for _, c := range contenders[1:] {
		if c.outranks(dominant) {
			dominant = c
		}
	}

	var contributing []api.MetricFamily
	for _, fam := range api.Families() {
		if fam == dominant.result.Family {
			continue
		}
		for _, c := range contenders {
			if c.result.Family == fam {
				contributing = append(contributing, fam)
				break
			}
		}
	}

	r := dominant.result
	return api.ViolationAlert{
		AlertID:       uuid.NewString(),
		ModelVersion:  r.ModelVersion,
		Window:        r.Window,
		Family:        r.Family,
		Contributing:  contributing,
		Cohort:        r.Cohort,
		Reference:     r.Reference,
		ObservedValue: r.Value,
		Threshold:     dominant.limit,
		Severity:      dominant.severity,
		Informational: !dominant.policed,
		Status:        api.AlertActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
