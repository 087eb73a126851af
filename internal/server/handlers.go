package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
	"github.com/halcyon-health/equilens/internal/audit"
	"github.com/halcyon-health/equilens/internal/auth"
	"github.com/halcyon-health/equilens/internal/evaluate"
	"github.com/halcyon-health/equilens/internal/ingest"
	"github.com/halcyon-health/equilens/internal/mitigation"
	"github.com/halcyon-health/equilens/internal/monitor"
	"github.com/halcyon-health/equilens/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleIngestRecords(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read request body failed")
		return
	}
	res, err := s.ingest.IngestRecords(r.Context(), body)
	if err != nil {
		if errors.Is(err, ingest.ErrBadBatch) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("record intake failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "record intake failed")
		return
	}
	s.metrics.AddRecords("accepted", res.Accepted)
	s.metrics.AddRecords("duplicate", res.Duplicates)
	s.metrics.AddRecords("rejected", len(res.Rejected))
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleBindOutcomes(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read request body failed")
		return
	}
	res, err := s.ingest.BindOutcomes(r.Context(), body)
	if err != nil {
		if errors.Is(err, ingest.ErrBadBatch) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("outcome intake failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "outcome intake failed")
		return
	}
	s.metrics.AddOutcomes("bound", res.Accepted)
	s.metrics.AddOutcomes("already_bound", res.Duplicates)
	s.metrics.AddOutcomes("rejected", len(res.Rejected))
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelVersion string      `json:"model_version"`
		Window       *api.Window `json:"window"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ModelVersion == "" {
		respondError(w, http.StatusBadRequest, "model_version is required")
		return
	}
	window := api.RollingWindow(time.Now().UTC(), s.windowSpan)
	if req.Window != nil {
		if !req.Window.Valid() {
			respondError(w, http.StatusBadRequest, "window end must be after window start")
			return
		}
		window = *req.Window
	}

	report, err := s.runner.Run(r.Context(), req.ModelVersion, window, evaluate.TriggerManual)
	if err != nil {
		var unknown *api.UnknownAttributeError
		if errors.As(err, &unknown) {
			respondError(w, http.StatusBadRequest, unknown.Error())
			return
		}
		s.logger.Error("evaluation failed",
			zap.String("model_version", req.ModelVersion),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}
	if s.monitor != nil {
		// First evaluation enrolls the model in the continuous loop.
		s.monitor.Track(req.ModelVersion)
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := store.ResultQuery{
		ModelVersion: qs.Get("model_version"),
		Cohort:       qs.Get("cohort"),
	}
	if fam := qs.Get("family"); fam != "" {
		f := api.MetricFamily(fam)
		if !f.Valid() {
			respondError(w, http.StatusBadRequest, "unknown metric family "+strconv.Quote(fam))
			return
		}
		q.Family = f
	}
	var ok bool
	if q.From, ok = parseTimeParam(w, qs.Get("from"), "from"); !ok {
		return
	}
	if q.To, ok = parseTimeParam(w, qs.Get("to"), "to"); !ok {
		return
	}

	results, err := s.results.List(r.Context(), q)
	if err != nil {
		s.logger.Error("list results failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "list results failed")
		return
	}
	if results == nil {
		results = []api.FairnessMetricResult{}
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := store.AlertQuery{
		ModelVersion: qs.Get("model_version"),
		Cohort:       qs.Get("cohort"),
	}
	if st := qs.Get("status"); st != "" {
		switch status := api.AlertStatus(st); status {
		case api.AlertActive, api.AlertAcknowledged, api.AlertResolved:
			q.Status = status
		default:
			respondError(w, http.StatusBadRequest, "unknown alert status "+strconv.Quote(st))
			return
		}
	}
	if sev := qs.Get("severity"); sev != "" {
		switch severity := api.Severity(sev); severity {
		case api.SeverityWarning, api.SeverityCritical:
			q.Severity = severity
		default:
			respondError(w, http.StatusBadRequest, "unknown severity "+strconv.Quote(sev))
			return
		}
	}
	var ok bool
	if q.Since, ok = parseTimeParam(w, qs.Get("since"), "since"); !ok {
		return
	}

	alerts, err := s.alerts.List(r.Context(), q)
	if err != nil {
		s.logger.Error("list alerts failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "list alerts failed")
		return
	}
	if alerts == nil {
		alerts = []api.ViolationAlert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, api.AlertAcknowledged, audit.EventAlertAcknowledged)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, api.AlertResolved, audit.EventAlertResolved)
}

// transitionAlert moves one alert through its lifecycle. The body is
// optional; the gateway-bound operator outranks the actor the body
// claims, and the note is kept only on resolution.
func (s *Server) transitionAlert(w http.ResponseWriter, r *http.Request, next api.AlertStatus, event audit.EventType) {
	ctx := r.Context()
	if !auth.HasScope(ctx, auth.ScopeAlertsWrite) {
		respondError(w, http.StatusForbidden, "missing scope "+auth.ScopeAlertsWrite)
		return
	}
	id := chi.URLParam(r, "id")

	alert, err := s.alerts.Get(ctx, id)
	if err != nil {
		s.logger.Error("load alert failed", zap.String("alert_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "load alert failed")
		return
	}
	if alert == nil {
		respondError(w, http.StatusNotFound, "alert not found")
		return
	}

	var req struct {
		Actor string `json:"actor"`
		Note  string `json:"note"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBody)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if operator, ok := auth.Operator(ctx); ok {
		req.Actor = operator
	} else if req.Actor == "" {
		req.Actor = "operator"
	}

	if !alert.Status.CanTransition(next) {
		respondError(w, http.StatusConflict,
			"alert is "+string(alert.Status)+" and cannot become "+string(next))
		return
	}
	alert.Status = next
	alert.UpdatedAt = time.Now().UTC()
	if next == api.AlertResolved && req.Note != "" {
		alert.ResolutionNote = req.Note
	}
	if err := s.alerts.Put(ctx, *alert); err != nil {
		s.logger.Error("store alert failed", zap.String("alert_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store alert failed")
		return
	}

	details := map[string]any{"status": string(next)}
	if req.Note != "" {
		details["note"] = req.Note
	}
	s.auditEvent(event, req.Actor, alert.ModelVersion, alert.AlertID, details)
	respondJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListMitigations(w http.ResponseWriter, r *http.Request) {
	actions, err := s.actions.List(r.Context(), r.URL.Query().Get("model_version"))
	if err != nil {
		s.logger.Error("list mitigations failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "list mitigations failed")
		return
	}
	if actions == nil {
		actions = []api.MitigationAction{}
	}
	respondJSON(w, http.StatusOK, actions)
}

func (s *Server) handleApplyMitigation(w http.ResponseWriter, r *http.Request) {
	if !auth.HasScope(r.Context(), auth.ScopeMitigationsApply) {
		respondError(w, http.StatusForbidden, "missing scope "+auth.ScopeMitigationsApply)
		return
	}
	id := chi.URLParam(r, "id")

	action, err := s.runner.ApplyMitigation(r.Context(), id)
	if err != nil {
		var ineffective *api.MitigationIneffectiveError
		var conflict *api.ConcurrentMitigationConflict
		switch {
		case errors.As(err, &ineffective):
			// Recorded, not thrown: the action carries the delta and
			// the escalation alert is already standing.
			respondJSON(w, http.StatusOK, action)
		case errors.Is(err, store.ErrActionNotFound):
			respondError(w, http.StatusNotFound, "mitigation action not found")
		case errors.Is(err, store.ErrActionImmutable):
			respondError(w, http.StatusConflict, err.Error())
		case errors.As(err, &conflict):
			respondError(w, http.StatusConflict, conflict.Error())
		case errors.Is(err, mitigation.ErrStrategyNotAppliable),
			errors.Is(err, mitigation.ErrInformationalAlert):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error("apply mitigation failed", zap.String("action_id", id), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "apply mitigation failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, action)
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "monitoring is disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "monitoring is disabled")
		return
	}
	model := chi.URLParam(r, "model")
	status, ok := s.monitor.ModelStatus(model)
	if !ok {
		respondError(w, http.StatusNotFound, "model is not tracked")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleModelHistory(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "monitoring is disabled")
		return
	}
	history := s.monitor.History(chi.URLParam(r, "model"))
	if history == nil {
		history = []monitor.Transition{}
	}
	respondJSON(w, http.StatusOK, history)
}

// handleReplaceBaseline re-derives the drift baseline for one model
// from a chosen window, for use after a deliberate model change. The
// scores come through the same evaluation path a monitor cycle uses,
// so results and alerts for the window are deduplicated, not doubled.
func (s *Server) handleReplaceBaseline(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "monitoring is disabled")
		return
	}
	ctx := r.Context()
	if !auth.HasScope(ctx, auth.ScopeMonitorWrite) {
		respondError(w, http.StatusForbidden, "missing scope "+auth.ScopeMonitorWrite)
		return
	}
	model := chi.URLParam(r, "model")

	var req struct {
		Window *api.Window `json:"window"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBody)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	window := api.RollingWindow(time.Now().UTC(), s.windowSpan)
	if req.Window != nil {
		if !req.Window.Valid() {
			respondError(w, http.StatusBadRequest, "window end must be after window start")
			return
		}
		window = *req.Window
	}

	_, scores, err := s.runner.EvaluateWindow(ctx, model, window)
	if err != nil {
		s.logger.Error("baseline evaluation failed",
			zap.String("model_version", model),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "baseline evaluation failed")
		return
	}
	if len(scores) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "window holds no records to baseline")
		return
	}
	s.monitor.ReplaceBaseline(model, window, scores)

	actor := "operator"
	if operator, ok := auth.Operator(ctx); ok {
		actor = operator
	}
	s.auditEvent(audit.EventBaselineReplaced, actor, model, "", map[string]any{
		"window":  window.Key(),
		"cohorts": len(scores),
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"model_version": model,
		"window":        window,
		"cohorts":       len(scores),
	})
}

// handleAuditExport streams matching audit entries as NDJSON.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		respondError(w, http.StatusServiceUnavailable, "audit log is disabled")
		return
	}
	qs := r.URL.Query()
	q := audit.Query{
		ModelVersion: qs.Get("model_version"),
		EntityID:     qs.Get("entity_id"),
	}
	if ev := qs.Get("event"); ev != "" {
		q.Event = audit.EventType(ev)
	}
	var ok bool
	if q.From, ok = parseTimeParam(w, qs.Get("from"), "from"); !ok {
		return
	}
	if q.To, ok = parseTimeParam(w, qs.Get("to"), "to"); !ok {
		return
	}
	if lim := qs.Get("limit"); lim != "" {
		n, err := strconv.Atoi(lim)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.auditLog.Export(w, q); err != nil {
		// The stream may be partially written; all we can do is log.
		s.logger.Error("audit export failed", zap.Error(err))
	}
}

func (s *Server) auditEvent(event audit.EventType, actor, modelVersion, entityID string, details map[string]any) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Append(event, actor, modelVersion, entityID, details); err != nil {
		s.logger.Error("audit append failed", zap.String("event", string(event)), zap.Error(err))
		return
	}
	s.metrics.IncAudit(string(event))
}

// parseTimeParam parses an optional RFC 3339 query parameter, writing a
// 400 response itself when the value is malformed.
func parseTimeParam(w http.ResponseWriter, value, name string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		respondError(w, http.StatusBadRequest, name+" must be RFC 3339")
		return time.Time{}, false
	}
	return t, true
}
