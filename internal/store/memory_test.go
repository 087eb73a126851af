package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/halcyon-health/equilens/internal/api"
)

func testWindow(day int) api.Window {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day)
	return api.Window{Start: start, End: start.AddDate(0, 0, 7)}
}

func testResult(model string, window api.Window, cohort string, family api.MetricFamily, value float64) api.FairnessMetricResult {
	return api.FairnessMetricResult{
		ResultKey:     api.ComputeResultKey(model, window, cohort, family),
		ModelVersion:  model,
		Window:        window,
		Family:        family,
		Cohort:        cohort,
		Reference:     "sex=M",
		Value:         value,
		CILower:       value - 0.01,
		CIUpper:       value + 0.01,
		CohortSize:    500,
		ReferenceSize: 500,
		Significant:   true,
		ComputedAt:    window.End,
	}
}

func testRecord(id string, scoredAt time.Time) api.PredictionRecord {
	return api.PredictionRecord{
		RecordID:       id,
		ModelVersion:   "readmit-v3",
		SubjectID:      "subject-" + id,
		Score:          0.42,
		PredictedLabel: 0,
		Attributes:     map[string]string{"sex": "F"},
		ScoredAt:       scoredAt,
	}
}

func TestResultFirstWriteWins(t *testing.T) {
	s := NewMemoryResultStore()
	ctx := context.Background()
	window := testWindow(0)

	first := testResult("readmit-v3", window, "sex=F", api.FamilyParity, 0.10)
	created, err := s.Put(ctx, first)
	if err != nil || !created {
		t.Fatalf("first Put = (%v, %v), want created", created, err)
	}

	second := first
	second.Value = 0.99
	created, err = s.Put(ctx, second)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if created {
		t.Errorf("second Put must lose the race")
	}

	got, err := s.Get(ctx, first.ResultKey)
	if err != nil || got == nil {
		t.Fatalf("Get = (%v, %v)", got, err)
	}
	if got.Value != 0.10 {
		t.Errorf("stored value = %f, want the first write's 0.10", got.Value)
	}
}

func TestResultPutRejectsInvalid(t *testing.T) {
	s := NewMemoryResultStore()

	bad := testResult("readmit-v3", testWindow(0), "sex=F", api.FamilyParity, 0.1)
	bad.ResultKey = "not-the-canonical-key"
	if _, err := s.Put(context.Background(), bad); err == nil {
		t.Errorf("Put must reject a result whose key does not match its identity")
	}
}

func TestResultListFilters(t *testing.T) {
	s := NewMemoryResultStore()
	ctx := context.Background()

	for day := 0; day < 3; day++ {
		window := testWindow(day)
		for _, family := range api.Families() {
			r := testResult("readmit-v3", window, "sex=F", family, 0.05)
			if _, err := s.Put(ctx, r); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
	}
	other := testResult("mortality-v1", testWindow(0), "age_band=75+", api.FamilyParity, 0.2)
	if _, err := s.Put(ctx, other); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	all, err := s.List(ctx, ResultQuery{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 13 {
		t.Errorf("unfiltered list = %d results, want 13", len(all))
	}

	byModel, _ := s.List(ctx, ResultQuery{ModelVersion: "readmit-v3"})
	if len(byModel) != 12 {
		t.Errorf("model filter = %d results, want 12", len(byModel))
	}

	byFamily, _ := s.List(ctx, ResultQuery{ModelVersion: "readmit-v3", Family: api.FamilyOdds})
	if len(byFamily) != 3 {
		t.Errorf("family filter = %d results, want 3", len(byFamily))
	}

	windowed, _ := s.List(ctx, ResultQuery{From: testWindow(1).Start, To: testWindow(2).Start})
	if len(windowed) != 4 {
		t.Errorf("window filter = %d results, want 4", len(windowed))
	}

	for i := 1; i < len(all); i++ {
		if all[i].ComputedAt.Before(all[i-1].ComputedAt) {
			t.Errorf("results out of order at %d", i)
		}
	}
}

func TestResultCleanupBefore(t *testing.T) {
	s := NewMemoryResultStore()
	ctx := context.Background()

	old := testResult("readmit-v3", testWindow(0), "sex=F", api.FamilyParity, 0.1)
	fresh := testResult("readmit-v3", testWindow(10), "sex=F", api.FamilyParity, 0.1)
	s.Put(ctx, old)
	s.Put(ctx, fresh)

	removed, err := s.CleanupBefore(ctx, testWindow(10).Start)
	if err != nil || removed != 1 {
		t.Fatalf("CleanupBefore = (%d, %v), want 1 removed", removed, err)
	}
	if got, _ := s.Get(ctx, old.ResultKey); got != nil {
		t.Errorf("old result must be gone")
	}
	if got, _ := s.Get(ctx, fresh.ResultKey); got == nil {
		t.Errorf("fresh result must survive")
	}
}

func TestRecordAppendAndDuplicate(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()
	scoredAt := testWindow(0).Start.Add(time.Hour)

	if err := s.Append(ctx, testRecord("r1", scoredAt)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	err := s.Append(ctx, testRecord("r1", scoredAt))
	if !errors.Is(err, ErrDuplicateRecord) {
		t.Errorf("duplicate append error = %v, want ErrDuplicateRecord", err)
	}

	invalid := testRecord("r2", scoredAt)
	invalid.Score = 1.5
	if err := s.Append(ctx, invalid); err == nil {
		t.Errorf("Append must reject invalid records")
	}
}

func TestRecordSupersedeChain(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()
	window := testWindow(0)
	scoredAt := window.Start.Add(time.Hour)

	s.Append(ctx, testRecord("r1", scoredAt))

	rescored := testRecord("r2", scoredAt.Add(time.Hour))
	rescored.Supersedes = "r1"
	if err := s.Append(ctx, rescored); err != nil {
		t.Fatalf("superseding append failed: %v", err)
	}

	active, err := s.Records(ctx, "readmit-v3", window)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(active) != 1 || active[0].RecordID != "r2" {
		t.Errorf("active records = %+v, want only r2", active)
	}

	// The superseded record stays readable for audit.
	if got, _ := s.Get(ctx, "r1"); got == nil {
		t.Errorf("superseded record must remain readable")
	}

	orphan := testRecord("r3", scoredAt)
	orphan.Supersedes = "never-existed"
	if err := s.Append(ctx, orphan); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("superseding a missing record error = %v, want ErrRecordNotFound", err)
	}
}

func TestBindOutcomeExactlyOnce(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()
	scoredAt := testWindow(0).Start.Add(time.Hour)
	s.Append(ctx, testRecord("r1", scoredAt))

	outcome := api.Outcome{Label: 1, ObservedAt: scoredAt.Add(48 * time.Hour)}
	if err := s.BindOutcome(ctx, "r1", outcome); err != nil {
		t.Fatalf("BindOutcome failed: %v", err)
	}

	got, _ := s.Get(ctx, "r1")
	if got.Outcome == nil || got.Outcome.Label != 1 {
		t.Fatalf("outcome not attached: %+v", got)
	}

	err := s.BindOutcome(ctx, "r1", api.Outcome{Label: 0, ObservedAt: scoredAt})
	if !errors.Is(err, ErrOutcomeAlreadyBound) {
		t.Errorf("second bind error = %v, want ErrOutcomeAlreadyBound", err)
	}
	if got, _ := s.Get(ctx, "r1"); got.Outcome.Label != 1 {
		t.Errorf("second bind must not overwrite the outcome")
	}

	err = s.BindOutcome(ctx, "missing", outcome)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("bind to missing record error = %v, want ErrRecordNotFound", err)
	}
}

func TestRecordsWindowBoundaries(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()
	window := testWindow(0)

	s.Append(ctx, testRecord("before", window.Start.Add(-time.Second)))
	s.Append(ctx, testRecord("at-start", window.Start))
	s.Append(ctx, testRecord("inside", window.Start.Add(time.Hour)))
	s.Append(ctx, testRecord("at-end", window.End))

	got, err := s.Records(ctx, "readmit-v3", window)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records in window = %d, want 2 (half-open interval)", len(got))
	}
	if got[0].RecordID != "at-start" || got[1].RecordID != "inside" {
		t.Errorf("records = %s, %s", got[0].RecordID, got[1].RecordID)
	}
}

func TestRecordCleanupBefore(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()

	s.Append(ctx, testRecord("old", testWindow(0).Start))
	s.Append(ctx, testRecord("new", testWindow(30).Start))

	removed, err := s.CleanupBefore(ctx, testWindow(30).Start)
	if err != nil || removed != 1 {
		t.Fatalf("CleanupBefore = (%d, %v), want 1", removed, err)
	}
	if got, _ := s.Get(ctx, "old"); got != nil {
		t.Errorf("old record must be gone")
	}
}

func TestAlertStoreLifecycle(t *testing.T) {
	s := NewMemoryAlertStore()
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	alert := api.ViolationAlert{
		AlertID:      "alert-1",
		ModelVersion: "readmit-v3",
		Family:       api.FamilyOpportunity,
		Cohort:       "sex=F",
		Reference:    "sex=M",
		Severity:     api.SeverityCritical,
		Status:       api.AlertActive,
		CreatedAt:    now,
	}
	if err := s.Put(ctx, alert); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	alert.Status = api.AlertAcknowledged
	alert.UpdatedAt = now.Add(time.Hour)
	if err := s.Put(ctx, alert); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, _ := s.Get(ctx, "alert-1")
	if got == nil || got.Status != api.AlertAcknowledged {
		t.Errorf("alert = %+v, want acknowledged", got)
	}
	if got, _ := s.Get(ctx, "missing"); got != nil {
		t.Errorf("missing alert must return nil")
	}
}

func TestAlertListFilters(t *testing.T) {
	s := NewMemoryAlertStore()
	ctx := context.Background()
	base := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		severity := api.SeverityWarning
		if i%2 == 0 {
			severity = api.SeverityCritical
		}
		s.Put(ctx, api.ViolationAlert{
			AlertID:      fmt.Sprintf("alert-%d", i),
			ModelVersion: "readmit-v3",
			Family:       api.FamilyParity,
			Cohort:       "sex=F",
			Severity:     severity,
			Status:       api.AlertActive,
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
		})
	}

	critical, err := s.List(ctx, AlertQuery{Severity: api.SeverityCritical})
	if err != nil || len(critical) != 2 {
		t.Fatalf("severity filter = (%d, %v), want 2", len(critical), err)
	}

	recent, _ := s.List(ctx, AlertQuery{Since: base.Add(2 * time.Hour)})
	if len(recent) != 2 {
		t.Errorf("since filter = %d, want 2", len(recent))
	}

	all, _ := s.List(ctx, AlertQuery{})
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("alerts out of order at %d", i)
		}
	}
}

func TestActionStoreImmutableOnceFinal(t *testing.T) {
	s := NewMemoryActionStore()
	ctx := context.Background()

	action := api.MitigationAction{
		ActionID:     "act-1",
		ModelVersion: "readmit-v3",
		Family:       api.FamilyParity,
		Cohort:       "sex=F",
		Strategy:     api.StrategyPostprocessing,
		Status:       api.ActionProposed,
		CreatedAt:    time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC),
	}
	if err := s.Put(ctx, action); err != nil {
		t.Fatalf("Put proposal failed: %v", err)
	}

	// Lifecycle advance over a proposal is allowed.
	action.Status = api.ActionVerified
	if err := s.Put(ctx, action); err != nil {
		t.Fatalf("Put verified failed: %v", err)
	}

	// Once final, the record is immutable.
	action.Status = api.ActionProposed
	if err := s.Put(ctx, action); !errors.Is(err, ErrActionImmutable) {
		t.Errorf("rewrite after finalization error = %v, want ErrActionImmutable", err)
	}

	got, _ := s.Get(ctx, "act-1")
	if got.Status != api.ActionVerified {
		t.Errorf("status = %s, want verified preserved", got.Status)
	}

	list, _ := s.List(ctx, "readmit-v3")
	if len(list) != 1 {
		t.Errorf("list = %d actions, want 1", len(list))
	}
	if list, _ := s.List(ctx, "other-model"); len(list) != 0 {
		t.Errorf("foreign model filter must exclude the action")
	}
}
