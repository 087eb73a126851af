// Package evaluate orchestrates one fairness evaluation run: resolve
// cohorts, fan the metric engine out over cohort units, persist results,
// detect violations, raise alerts, and propose mitigations. Runs are
// idempotent per (model version, window): results land first-write-wins
// on their canonical keys and an alert already standing for a
// (family, cohort, window) is never raised twice.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/audit"
	"github.com/halcyon-health/equilens/internal/auth"
	"github.com/halcyon-health/equilens/internal/cohort"
	"github.com/halcyon-health/equilens/internal/fairness"
	"github.com/halcyon-health/equilens/internal/metrics"
	"github.com/halcyon-health/equilens/internal/mitigation"
	"github.com/halcyon-health/equilens/internal/store"
	"github.com/halcyon-health/equilens/internal/violation"
	"github.com/halcyon-health/equilens/pkg/otel"
)

// Trigger labels for evaluation runs.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// DefaultWorkers bounds the cohort fan-out when no limit is configured.
const DefaultWorkers = 4

const tracerName = "equilens/evaluate"

// Options wires a Runner. Resolver, Engine, Detector, and the record,
// result, and alert stores are required; the rest degrade gracefully
// when nil.
type Options struct {
	Resolver  *cohort.Resolver
	Engine    *fairness.Engine
	Detector  *violation.Detector
	Mitigator *mitigation.Engine

	Records store.RecordStore
	Results store.ResultStore
	Alerts  store.AlertStore
	Actions store.ActionStore

	Audit   *audit.Log
	Metrics *metrics.Metrics
	Workers int
	Logger  *zap.Logger
}

// Runner executes evaluation runs and applies mitigations.
type Runner struct {
	resolver  *cohort.Resolver
	engine    *fairness.Engine
	detector  *violation.Detector
	mitigator *mitigation.Engine

	records store.RecordStore
	results store.ResultStore
	alerts  store.AlertStore
	actions store.ActionStore

	auditLog *audit.Log
	metrics  *metrics.Metrics
	workers  int
	logger   *zap.Logger
}

// NewRunner validates the wiring and builds a Runner.
func NewRunner(opts Options) (*Runner, error) {
	switch {
	case opts.Resolver == nil:
		return nil, errors.New("runner requires a cohort resolver")
	case opts.Engine == nil:
		return nil, errors.New("runner requires a fairness engine")
	case opts.Detector == nil:
		return nil, errors.New("runner requires a violation detector")
	case opts.Records == nil || opts.Results == nil || opts.Alerts == nil:
		return nil, errors.New("runner requires record, result, and alert stores")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		resolver:  opts.Resolver,
		engine:    opts.Engine,
		detector:  opts.Detector,
		mitigator: opts.Mitigator,
		records:   opts.Records,
		results:   opts.Results,
		alerts:    opts.Alerts,
		actions:   opts.Actions,
		auditLog:  opts.Audit,
		metrics:   opts.Metrics,
		workers:   workers,
		logger:    logger,
	}, nil
}

// Report summarizes one evaluation run. Alerts holds every violation
// detected in this run, including ones already standing in the store;
// NewAlerts counts only the freshly raised.
type Report struct {
	ModelVersion string                 `json:"model_version"`
	Window       api.Window             `json:"window"`
	Trigger      string                 `json:"trigger"`
	Records      int                    `json:"records"`
	Units        int                    `json:"units"`
	Results      int                    `json:"results"`
	Insufficient int                    `json:"insufficient"`
	NewAlerts    int                    `json:"new_alerts"`
	Alerts       []api.ViolationAlert   `json:"alerts,omitempty"`
	Proposed     []api.MitigationAction `json:"proposed,omitempty"`
	Duration     time.Duration          `json:"duration"`

	// Scores carries the per-cohort score samples of this window for
	// drift comparison; not part of the serialized report.
	Scores map[string][]float64 `json:"-"`
}

// Run evaluates one model version over one window.
func (r *Runner) Run(ctx context.Context, modelVersion string, window api.Window, trigger string) (_ *Report, err error) {
	ctx, span := otel.StartSpan(ctx, tracerName, "evaluate.run",
		otel.EvaluationAttributes(modelVersion, window.Key(), trigger)...)
	defer func() {
		otel.RecordError(span, err, "")
		span.End()
	}()

	start := time.Now()
	report := &Report{ModelVersion: modelVersion, Window: window, Trigger: trigger}

	recs, err := r.records.Records(ctx, modelVersion, window)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	report.Records = len(recs)
	if len(recs) == 0 {
		r.logger.Info("no records in window, skipping evaluation",
			zap.String("model_version", modelVersion),
			zap.String("window", window.Key()))
		report.Duration = time.Since(start)
		// Quiet windows still leave an audit trace, or a silent scheduler
		// outage would be indistinguishable from an empty stream.
		r.auditAppend(audit.EventEvaluation, modelVersion, window.Key(), map[string]any{
			"trigger": trigger,
			"records": 0,
		})
		r.metrics.ObserveEvaluation(modelVersion, trigger, report.Duration)
		return report, nil
	}

	units, err := r.resolver.Resolve(modelVersion, window, recs)
	if err != nil {
		return nil, fmt.Errorf("resolve cohorts: %w", err)
	}
	report.Units = len(units)
	report.Scores = cohortScores(units)

	all, err := r.evaluateUnits(ctx, modelVersion, window, units)
	if err != nil {
		// Results already written stay valid; each cohort is independent.
		return nil, fmt.Errorf("evaluate cohorts: %w", err)
	}
	report.Results = len(all)
	for _, res := range all {
		if res.InsufficientData {
			report.Insufficient++
		}
	}

	detected, err := r.detector.Detect(all)
	if err != nil {
		return nil, fmt.Errorf("detect violations: %w", err)
	}
	report.Alerts = detected

	for _, alert := range detected {
		raised, err := r.raiseAlert(ctx, alert)
		if err != nil {
			return nil, err
		}
		if !raised {
			continue
		}
		report.NewAlerts++
		otel.AddEvent(span, "alert_raised",
			otel.AlertAttributes(alert.AlertID, string(alert.Family), alert.Cohort, string(alert.Severity))...)

		proposals, err := r.propose(ctx, alert)
		if err != nil {
			return nil, err
		}
		report.Proposed = append(report.Proposed, proposals...)
	}

	report.Duration = time.Since(start)
	r.auditAppend(audit.EventEvaluation, modelVersion, window.Key(), map[string]any{
		"trigger":      trigger,
		"records":      report.Records,
		"units":        report.Units,
		"results":      report.Results,
		"insufficient": report.Insufficient,
		"alerts":       len(report.Alerts),
		"new_alerts":   report.NewAlerts,
	})
	r.metrics.ObserveEvaluation(modelVersion, trigger, report.Duration)
	r.logger.Info("evaluation complete",
		zap.String("model_version", modelVersion),
		zap.String("window", window.Key()),
		zap.String("trigger", trigger),
		zap.Int("records", report.Records),
		zap.Int("units", report.Units),
		zap.Int("new_alerts", report.NewAlerts),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// evaluateUnits fans the metric engine out over cohort units with a
// bounded worker pool. Cancellation is honored between units; finished
// results are already persisted and are not rolled back.
func (r *Runner) evaluateUnits(ctx context.Context, modelVersion string, window api.Window, units []cohort.Unit) ([]api.FairnessMetricResult, error) {
	var mu sync.Mutex
	all := make([]api.FairnessMetricResult, 0, len(units)*len(api.Families()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, unit := range units {
		unit := unit
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			results := r.engine.EvaluateUnit(modelVersion, window, unit)
			for _, res := range results {
				created, err := r.results.Put(gctx, res)
				if err != nil {
					return fmt.Errorf("store result %s/%s: %w", res.Cohort, res.Family, err)
				}
				if !created {
					continue
				}
				if res.InsufficientData {
					r.metrics.IncInsufficientData(modelVersion, string(res.Family))
				} else {
					r.metrics.IncResult(modelVersion, string(res.Family))
				}
			}

			mu.Lock()
			all = append(all, results...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Unit resolution order is map-driven; sort so detection and
	// reporting are deterministic.
	sort.Slice(all, func(i, j int) bool {
		if all[i].Cohort != all[j].Cohort {
			return all[i].Cohort < all[j].Cohort
		}
		return all[i].Family < all[j].Family
	})
	return all, nil
}

// raiseAlert persists a detected alert unless one already stands for the
// same (model version, window, family, cohort). Returns whether this
// call raised it.
func (r *Runner) raiseAlert(ctx context.Context, alert api.ViolationAlert) (bool, error) {
	existing, err := r.alerts.List(ctx, store.AlertQuery{
		ModelVersion: alert.ModelVersion,
		Cohort:       alert.Cohort,
	})
	if err != nil {
		return false, fmt.Errorf("list alerts: %w", err)
	}
	for _, a := range existing {
		if a.Family == alert.Family && a.Window.Key() == alert.Window.Key() {
			return false, nil
		}
	}

	if err := r.alerts.Put(ctx, alert); err != nil {
		return false, fmt.Errorf("store alert: %w", err)
	}
	details := map[string]any{
		"family":        string(alert.Family),
		"cohort":        alert.Cohort,
		"severity":      string(alert.Severity),
		"value":         alert.ObservedValue,
		"threshold":     alert.Threshold,
		"informational": alert.Informational,
	}
	if len(alert.Contributing) > 0 {
		details["contributing"] = alert.Contributing
	}
	r.auditAppend(audit.EventAlertRaised, alert.ModelVersion, alert.AlertID, details)
	r.metrics.IncViolation(alert.ModelVersion, string(alert.Family), string(alert.Severity))
	return true, nil
}

// propose records mitigation proposals for a freshly raised alert.
func (r *Runner) propose(ctx context.Context, alert api.ViolationAlert) ([]api.MitigationAction, error) {
	if alert.Informational || r.mitigator == nil || r.actions == nil {
		return nil, nil
	}
	proposals, err := r.mitigator.Propose(alert)
	if err != nil {
		return nil, fmt.Errorf("propose mitigation for alert %s: %w", alert.AlertID, err)
	}
	for _, action := range proposals {
		if err := r.actions.Put(ctx, action); err != nil {
			return nil, fmt.Errorf("store action %s: %w", action.ActionID, err)
		}
		r.auditAppend(audit.EventMitigationProposed, action.ModelVersion, action.ActionID, map[string]any{
			"alert_id": action.AlertID,
			"strategy": string(action.Strategy),
			"family":   string(action.Family),
			"cohort":   action.Cohort,
		})
		r.metrics.IncMitigation(action.ModelVersion, string(action.Strategy), "proposed")
	}
	return proposals, nil
}

// EvaluateWindow satisfies the monitoring loop's evaluator contract.
func (r *Runner) EvaluateWindow(ctx context.Context, modelVersion string, window api.Window) ([]api.ViolationAlert, map[string][]float64, error) {
	report, err := r.Run(ctx, modelVersion, window, TriggerScheduled)
	if err != nil {
		return nil, nil, err
	}
	return report.Alerts, report.Scores, nil
}

// ApplyMitigation executes a proposed post-processing action on its
// evaluation window, verifies the improvement floor, and persists the
// outcome. An ineffective action is persisted as such and escalates with
// a fresh critical alert; the MitigationIneffectiveError is returned
// alongside the updated action.
func (r *Runner) ApplyMitigation(ctx context.Context, actionID string) (_ *api.MitigationAction, err error) {
	if r.mitigator == nil || r.actions == nil {
		return nil, errors.New("mitigation is not wired")
	}

	ctx, span := otel.StartSpan(ctx, tracerName, "mitigation.apply",
		otel.AttrActionID.String(actionID))
	defer func() {
		otel.RecordError(span, err, "")
		span.End()
	}()

	action, err := r.actions.Get(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("load action: %w", err)
	}
	if action == nil {
		return nil, store.ErrActionNotFound
	}
	span.SetAttributes(otel.MitigationAttributes(action.ActionID, string(action.Strategy), action.Cohort)...)
	if action.Status != api.ActionProposed {
		return action, fmt.Errorf("action %s is %s: %w", actionID, action.Status, store.ErrActionImmutable)
	}

	unit, err := r.resolveUnit(ctx, action.ModelVersion, action.Window, action.Cohort)
	if err != nil {
		return action, err
	}

	applied, err := r.mitigator.Apply(ctx, *action, unit)
	if err != nil {
		var ineffective *api.MitigationIneffectiveError
		if !errors.As(err, &ineffective) {
			return action, err
		}
		if putErr := r.actions.Put(ctx, applied); putErr != nil {
			return &applied, fmt.Errorf("store ineffective action: %w", putErr)
		}
		r.auditAppendAs(actorFrom(ctx), audit.EventMitigationIneffective, applied.ModelVersion, applied.ActionID, map[string]any{
			"family": string(applied.Family),
			"cohort": applied.Cohort,
			"before": applied.Delta.Before,
			"after":  applied.Delta.After,
		})
		r.metrics.IncMitigation(applied.ModelVersion, string(applied.Strategy), "ineffective")
		if escErr := r.escalate(ctx, applied); escErr != nil {
			r.logger.Error("escalation alert failed", zap.String("action_id", applied.ActionID), zap.Error(escErr))
		}
		return &applied, err
	}

	if err := r.actions.Put(ctx, applied); err != nil {
		return &applied, fmt.Errorf("store applied action: %w", err)
	}
	r.auditAppendAs(actorFrom(ctx), audit.EventMitigationApplied, applied.ModelVersion, applied.ActionID, map[string]any{
		"family":     string(applied.Family),
		"cohort":     applied.Cohort,
		"before":     applied.Delta.Before,
		"after":      applied.Delta.After,
		"thresholds": applied.Params.CohortThresholds,
	})
	r.metrics.IncMitigation(applied.ModelVersion, string(applied.Strategy), "applied")
	return &applied, nil
}

// escalate raises a critical alert after an ineffective mitigation.
func (r *Runner) escalate(ctx context.Context, action api.MitigationAction) error {
	now := time.Now().UTC()
	esc := api.ViolationAlert{
		AlertID:      uuid.NewString(),
		ModelVersion: action.ModelVersion,
		Window:       action.Window,
		Family:       action.Family,
		Cohort:       action.Cohort,
		Severity:     api.SeverityCritical,
		Status:       api.AlertActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if action.Delta != nil {
		esc.ObservedValue = action.Delta.After
	}
	if orig, err := r.alerts.Get(ctx, action.AlertID); err == nil && orig != nil {
		esc.Reference = orig.Reference
		esc.Threshold = orig.Threshold
	}

	if err := r.alerts.Put(ctx, esc); err != nil {
		return fmt.Errorf("store escalation alert: %w", err)
	}
	r.auditAppend(audit.EventAlertRaised, esc.ModelVersion, esc.AlertID, map[string]any{
		"family":     string(esc.Family),
		"cohort":     esc.Cohort,
		"severity":   string(esc.Severity),
		"value":      esc.ObservedValue,
		"escalation": true,
		"action_id":  action.ActionID,
	})
	r.metrics.IncViolation(esc.ModelVersion, string(esc.Family), string(esc.Severity))
	return nil
}

// resolveUnit rebuilds the cohort unit an action targets from the
// window's current records.
func (r *Runner) resolveUnit(ctx context.Context, modelVersion string, window api.Window, cohortKey string) (cohort.Unit, error) {
	recs, err := r.records.Records(ctx, modelVersion, window)
	if err != nil {
		return cohort.Unit{}, fmt.Errorf("load records: %w", err)
	}
	units, err := r.resolver.Resolve(modelVersion, window, recs)
	if err != nil {
		return cohort.Unit{}, fmt.Errorf("resolve cohorts: %w", err)
	}
	for _, u := range units {
		if u.Cohort.Key == cohortKey {
			return u, nil
		}
	}
	return cohort.Unit{}, fmt.Errorf("cohort %s not present in window %s", cohortKey, window.Key())
}

// auditAppend records one lifecycle event, logging rather than failing
// on audit errors so a full disk never silently drops an evaluation.
func (r *Runner) auditAppend(event audit.EventType, modelVersion, entityID string, details map[string]any) {
	r.auditAppendAs(audit.ActorSystem, event, modelVersion, entityID, details)
}

func (r *Runner) auditAppendAs(actor string, event audit.EventType, modelVersion, entityID string, details map[string]any) {
	if r.auditLog == nil {
		return
	}
	if _, err := r.auditLog.Append(event, actor, modelVersion, entityID, details); err != nil {
		r.logger.Error("audit append failed",
			zap.String("event", string(event)),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return
	}
	r.metrics.IncAudit(string(event))
}

// actorFrom attributes a mitigation outcome to the gateway-bound
// operator when one triggered it; monitor-driven work stays system.
func actorFrom(ctx context.Context) string {
	if operator, ok := auth.Operator(ctx); ok {
		return operator
	}
	return audit.ActorSystem
}

// cohortScores collects each cohort's score sample once, keyed by cohort
// key, reference cohorts included.
func cohortScores(units []cohort.Unit) map[string][]float64 {
	scores := make(map[string][]float64)
	collect := func(c api.Cohort) {
		if _, ok := scores[c.Key]; ok {
			return
		}
		s := make([]float64, len(c.Records))
		for i, rec := range c.Records {
			s[i] = rec.Score
		}
		scores[c.Key] = s
	}
	for _, u := range units {
		collect(u.Cohort)
		collect(u.Reference)
	}
	return scores
}
