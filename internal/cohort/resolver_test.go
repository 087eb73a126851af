package cohort

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/halcyon-health/equilens/internal/api"
)

func testWindow() api.Window {
	return api.Window{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func makeRecords(counts map[string]int, attr string) []api.PredictionRecord {
	var records []api.PredictionRecord
	i := 0
	for value, n := range counts {
		for j := 0; j < n; j++ {
			attrs := map[string]string{}
			if value != "" {
				attrs[attr] = value
			}
			records = append(records, api.PredictionRecord{
				RecordID:     fmt.Sprintf("r%d-%d", i, j),
				ModelVersion: "triage-v1",
				SubjectID:    fmt.Sprintf("s%d-%d", i, j),
				Score:        0.5,
				Attributes:   attrs,
				ScoredAt:     testWindow().Start.Add(time.Hour),
			})
		}
		i++
	}
	return records
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr bool
	}{
		{
			"valid single attribute",
			Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}},
			false,
		},
		{
			"valid intersection",
			Schema{
				Attributes:    []Attribute{{Name: "sex"}, {Name: "race"}},
				Intersections: [][]string{{"sex", "race"}},
				MaxArity:      2,
			},
			false,
		},
		{"no attributes", Schema{}, true},
		{
			"duplicate attribute",
			Schema{Attributes: []Attribute{{Name: "sex"}, {Name: "sex"}}},
			true,
		},
		{
			"reference outside values",
			Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}, Reference: "X"}}},
			true,
		},
		{
			"intersection over undeclared attribute",
			Schema{
				Attributes:    []Attribute{{Name: "sex"}},
				Intersections: [][]string{{"sex", "ethnicity"}},
			},
			true,
		},
		{
			"intersection exceeds arity",
			Schema{
				Attributes:    []Attribute{{Name: "a"}, {Name: "b"}, {Name: "c"}},
				Intersections: [][]string{{"a", "b", "c"}},
				MaxArity:      2,
			},
			true,
		},
		{
			"intersection repeats attribute",
			Schema{
				Attributes:    []Attribute{{Name: "sex"}},
				Intersections: [][]string{{"sex", "sex"}},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("Validate() should fail")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() failed: %v", err)
			}
		})
	}
}

func TestSchemaValidateUnknownAttributeTyped(t *testing.T) {
	schema := Schema{
		Attributes:    []Attribute{{Name: "sex"}},
		Intersections: [][]string{{"sex", "ethnicity"}},
	}
	err := schema.Validate()
	var unknownErr *api.UnknownAttributeError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownAttributeError, got %v", err)
	}
	if unknownErr.Attribute != "ethnicity" {
		t.Errorf("error names %q, want ethnicity", unknownErr.Attribute)
	}
}

func TestSchemaHashChangesWithDeclarations(t *testing.T) {
	s1 := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}}
	s2 := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}}
	s3 := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F", "X"}}}}

	if s1.Hash() != s2.Hash() {
		t.Errorf("identical schemas must hash identically")
	}
	if s1.Hash() == s3.Hash() {
		t.Errorf("different value sets must hash differently")
	}
}

func TestResolveSingleAttribute(t *testing.T) {
	schema := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}}
	r, err := NewResolver(schema, 16, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	records := makeRecords(map[string]int{"M": 60, "F": 40}, "sex")
	units, err := r.Resolve("triage-v1", testWindow(), records)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	u := units[0]
	if u.Dimension != "sex" {
		t.Errorf("dimension = %q, want sex", u.Dimension)
	}
	if u.Reference.Key != "sex=M" {
		t.Errorf("reference = %q, want the largest cohort sex=M", u.Reference.Key)
	}
	if u.Cohort.Key != "sex=F" || u.Cohort.Size() != 40 {
		t.Errorf("cohort = %q size %d, want sex=F size 40", u.Cohort.Key, u.Cohort.Size())
	}
}

func TestResolvePinnedReference(t *testing.T) {
	schema := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}, Reference: "F"}}}
	r, err := NewResolver(schema, 16, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	records := makeRecords(map[string]int{"M": 60, "F": 40}, "sex")
	units, err := r.Resolve("triage-v1", testWindow(), records)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(units) != 1 || units[0].Reference.Key != "sex=F" {
		t.Fatalf("pinned reference not honored: %+v", units)
	}
}

func TestResolveMissingValuesFormUnknownCohort(t *testing.T) {
	schema := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}}
	r, err := NewResolver(schema, 16, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	records := makeRecords(map[string]int{"M": 50, "F": 30, "": 20}, "sex")
	units, err := r.Resolve("triage-v1", testWindow(), records)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	found := false
	for _, u := range units {
		if u.Cohort.Key == "sex=unknown" {
			found = true
			if u.Cohort.Size() != 20 {
				t.Errorf("unknown cohort size = %d, want 20", u.Cohort.Size())
			}
		}
	}
	if !found {
		t.Errorf("missing values must form an unknown cohort, got %+v", units)
	}
}

func TestResolveUndeclaredValueMapsToUnknown(t *testing.T) {
	schema := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}}
	r, _ := NewResolver(schema, 16, nil)

	records := makeRecords(map[string]int{"M": 40, "banana": 10}, "sex")
	units, err := r.Resolve("triage-v1", testWindow(), records)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(units) != 1 || units[0].Cohort.Key != "sex=unknown" {
		t.Errorf("undeclared value should map to unknown, got %+v", units)
	}
}

func TestResolveUndeclaredAttributeFails(t *testing.T) {
	schema := Schema{Attributes: []Attribute{{Name: "sex"}}}
	r, _ := NewResolver(schema, 16, nil)

	records := makeRecords(map[string]int{"M": 10}, "sex")
	records[0].Attributes["zip_code"] = "02139"

	_, err := r.Resolve("triage-v1", testWindow(), records)
	var unknownErr *api.UnknownAttributeError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownAttributeError, got %v", err)
	}
	if unknownErr.Attribute != "zip_code" {
		t.Errorf("error names %q, want zip_code", unknownErr.Attribute)
	}
}

func TestResolveIntersections(t *testing.T) {
	schema := Schema{
		Attributes: []Attribute{
			{Name: "sex", Values: []string{"M", "F"}},
			{Name: "age_band", Values: []string{"under65", "65plus"}},
		},
		Intersections: [][]string{{"sex", "age_band"}},
		MaxArity:      2,
	}
	r, err := NewResolver(schema, 16, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	var records []api.PredictionRecord
	id := 0
	for _, sex := range []string{"M", "F"} {
		for _, age := range []string{"under65", "65plus"} {
			for j := 0; j < 25; j++ {
				id++
				records = append(records, api.PredictionRecord{
					RecordID:     fmt.Sprintf("r%d", id),
					ModelVersion: "triage-v1",
					SubjectID:    fmt.Sprintf("s%d", id),
					Score:        0.5,
					Attributes:   map[string]string{"sex": sex, "age_band": age},
					ScoredAt:     testWindow().Start.Add(time.Hour),
				})
			}
		}
	}

	units, err := r.Resolve("triage-v1", testWindow(), records)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	dims := map[string]int{}
	for _, u := range units {
		dims[u.Dimension]++
	}
	// Two single-attribute dimensions contribute 1 unit each; the
	// intersection has 4 equal cohorts, one of which is the reference.
	if dims["sex"] != 1 || dims["age_band"] != 1 {
		t.Errorf("single-attribute units = %v", dims)
	}
	if dims["age_band+sex"] != 3 {
		t.Errorf("intersection units = %d, want 3", dims["age_band+sex"])
	}
	for _, u := range units {
		if u.Dimension == "age_band+sex" && u.Cohort.Arity() != 2 {
			t.Errorf("intersection cohort arity = %d, want 2", u.Cohort.Arity())
		}
	}
}

func TestResolveSingleCohortDimensionYieldsNoUnits(t *testing.T) {
	schema := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}}
	r, _ := NewResolver(schema, 16, nil)

	records := makeRecords(map[string]int{"M": 50}, "sex")
	units, err := r.Resolve("triage-v1", testWindow(), records)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(units) != 0 {
		t.Errorf("one cohort has nothing to compare against, got %d units", len(units))
	}
}

func TestResolveSeesLateBoundOutcomes(t *testing.T) {
	schema := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}}
	r, _ := NewResolver(schema, 16, nil)

	records := makeRecords(map[string]int{"M": 30, "F": 30}, "sex")
	units, err := r.Resolve("triage-v1", testWindow(), records)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	for _, u := range units {
		for _, rec := range u.Cohort.Records {
			if rec.Outcome != nil {
				t.Fatalf("no outcomes bound yet, record %s carries one", rec.RecordID)
			}
		}
	}

	// Ground truth arrives late: same records, same count, outcomes bound.
	// The cached pre-bind units must not be served for the rebound batch.
	for i := range records {
		records[i].Outcome = &api.Outcome{Label: i % 2, ObservedAt: testWindow().Start.Add(2 * time.Hour)}
	}
	units, err = r.Resolve("triage-v1", testWindow(), records)
	if err != nil {
		t.Fatalf("Resolve after bind failed: %v", err)
	}
	for _, u := range units {
		for _, rec := range append(u.Cohort.Records, u.Reference.Records...) {
			if rec.Outcome == nil {
				t.Errorf("record %s lost its bound outcome to a stale cache entry", rec.RecordID)
			}
		}
	}

	// An unchanged batch still hits the cache.
	if _, err := r.Resolve("triage-v1", testWindow(), records); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if hits := r.CacheStats().Hits; hits != 1 {
		t.Errorf("identical batch should hit the cache, hits = %d", hits)
	}
}

func TestSwapPurgesMembershipCache(t *testing.T) {
	schema := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F"}}}}
	r, _ := NewResolver(schema, 16, nil)

	records := makeRecords(map[string]int{"M": 30, "F": 30}, "sex")
	if _, err := r.Resolve("triage-v1", testWindow(), records); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := r.Resolve("triage-v1", testWindow(), records); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if hits := r.CacheStats().Hits; hits != 1 {
		t.Errorf("second resolve should hit the cache, hits = %d", hits)
	}

	next := Schema{Attributes: []Attribute{{Name: "sex", Values: []string{"M", "F", "X"}}}}
	if err := r.Swap(next); err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	if r.CacheStats().Size != 0 {
		t.Errorf("swap should purge the cache, size = %d", r.CacheStats().Size)
	}
	if r.SchemaHash() == schema.Hash() {
		t.Errorf("schema hash should change after swap")
	}
}
