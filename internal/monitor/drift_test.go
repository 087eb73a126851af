package monitor

import (
	"testing"
)

func uniformScores(n int, shift float64) []float64 {
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		scores[i] = (float64(i)+0.5)/float64(n) + shift
	}
	return scores
}

func TestNoDriftOnMatchingDistributions(t *testing.T) {
	d, err := NewDriftDetector(DefaultDriftParams(), nil)
	if err != nil {
		t.Fatalf("NewDriftDetector failed: %v", err)
	}

	baseline := map[string][]float64{"sex=F": uniformScores(200, 0)}
	d.SetBaseline("readmit-v3", dayWindow(0), baseline)

	// Slightly jittered draw from the same distribution.
	current := map[string][]float64{"sex=F": uniformScores(200, 0.0005)}
	reports := d.Check("readmit-v3", dayWindow(1), current)

	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].Drifted {
		t.Errorf("matching distributions flagged as drift: %+v", reports[0])
	}
	if reports[0].PValue < 0.1 {
		t.Errorf("p-value = %f, expected well above significance", reports[0].PValue)
	}
}

func TestDriftOnShiftedDistribution(t *testing.T) {
	d, err := NewDriftDetector(DefaultDriftParams(), nil)
	if err != nil {
		t.Fatalf("NewDriftDetector failed: %v", err)
	}

	d.SetBaseline("readmit-v3", dayWindow(0), map[string][]float64{
		"sex=F": uniformScores(200, 0),
		"sex=M": uniformScores(200, 0),
	})

	reports := d.Check("readmit-v3", dayWindow(1), map[string][]float64{
		"sex=F": uniformScores(200, 0.5),
		"sex=M": uniformScores(200, 0),
	})

	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	// Sorted by cohort key: sex=F first.
	if !reports[0].Drifted {
		t.Errorf("shifted cohort must drift: %+v", reports[0])
	}
	if reports[0].PValue >= 0.01 {
		t.Errorf("p-value = %g, want below 0.01", reports[0].PValue)
	}
	if reports[0].Statistic < 0.3 {
		t.Errorf("ks statistic = %f, expected a large separation", reports[0].Statistic)
	}
	if reports[1].Drifted {
		t.Errorf("unshifted cohort must not drift: %+v", reports[1])
	}
}

func TestDriftSkipsSmallCohorts(t *testing.T) {
	d, err := NewDriftDetector(DefaultDriftParams(), nil)
	if err != nil {
		t.Fatalf("NewDriftDetector failed: %v", err)
	}

	d.SetBaseline("readmit-v3", dayWindow(0), map[string][]float64{"sex=F": uniformScores(10, 0)})
	reports := d.Check("readmit-v3", dayWindow(1), map[string][]float64{"sex=F": uniformScores(10, 0.5)})

	if len(reports) != 0 {
		t.Errorf("small cohorts must be skipped, got %d reports", len(reports))
	}
}

func TestDriftRequiresBaseline(t *testing.T) {
	d, err := NewDriftDetector(DefaultDriftParams(), nil)
	if err != nil {
		t.Fatalf("NewDriftDetector failed: %v", err)
	}

	if d.HasBaseline("readmit-v3") {
		t.Errorf("detector must start without a baseline")
	}
	if reports := d.Check("readmit-v3", dayWindow(0), map[string][]float64{"sex=F": uniformScores(100, 0)}); reports != nil {
		t.Errorf("check without baseline = %v, want nil", reports)
	}
}

func TestBaselineReplaceAndClear(t *testing.T) {
	d, err := NewDriftDetector(DefaultDriftParams(), nil)
	if err != nil {
		t.Fatalf("NewDriftDetector failed: %v", err)
	}

	d.SetBaseline("readmit-v3", dayWindow(0), map[string][]float64{"sex=F": uniformScores(100, 0)})
	if w, ok := d.BaselineWindow("readmit-v3"); !ok || !w.Start.Equal(dayWindow(0).Start) {
		t.Fatalf("baseline window = %+v ok=%v", w, ok)
	}

	// Replacing with the shifted distribution makes the shifted draw clean.
	d.SetBaseline("readmit-v3", dayWindow(5), map[string][]float64{"sex=F": uniformScores(100, 0.5)})
	reports := d.Check("readmit-v3", dayWindow(6), map[string][]float64{"sex=F": uniformScores(100, 0.5)})
	if len(reports) != 1 || reports[0].Drifted {
		t.Errorf("replaced baseline should match the new distribution: %+v", reports)
	}

	d.ClearBaseline("readmit-v3")
	if d.HasBaseline("readmit-v3") {
		t.Errorf("baseline must be gone after clear")
	}
}

func TestDriftParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DriftParams)
		wantErr bool
	}{
		{"defaults", func(p *DriftParams) {}, false},
		{"zero p-value", func(p *DriftParams) { p.PValue = 0 }, true},
		{"p-value one", func(p *DriftParams) { p.PValue = 1 }, true},
		{"tiny min samples", func(p *DriftParams) { p.MinSamples = 1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultDriftParams()
			tt.mutate(&params)
			err := params.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
