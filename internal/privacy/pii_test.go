package privacy

import (
	"strings"
	"testing"
	"time"

	"github.com/halcyon-health/equilens/internal/api"
)

func cleanRecord() api.PredictionRecord {
	return api.PredictionRecord{
		RecordID:       "r-20260401-017",
		ModelVersion:   "readmit-v3",
		SubjectID:      "subj-0003456789",
		Score:          0.42,
		PredictedLabel: 0,
		Attributes:     map[string]string{"sex": "F"},
		ScoredAt:       time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestScanValueClasses(t *testing.T) {
	s := NewScanner(ModeDetect, nil)

	cases := []struct {
		name  string
		field string
		value string
		want  []IdentifierClass
	}{
		{"ssn", "subject_id", "123-45-6789", []IdentifierClass{ClassSSN}},
		{"mrn marker", "subject_id", "MRN-0044821", []IdentifierClass{ClassMRN}},
		{"mrn lowercase", "subject_id", "mrn 1234567", []IdentifierClass{ClassMRN}},
		{"email", "attributes.contact", "j.doe@hospital.org", []IdentifierClass{ClassEmail}},
		{"phone dashed", "subject_id", "555-867-5309", []IdentifierClass{ClassPhone}},
		{"phone parens", "subject_id", "(212) 555-0187", []IdentifierClass{ClassPhone}},
		{"dob iso", "subject_id", "pt-1985-03-12", []IdentifierClass{ClassDOB}},
		{"pseudonym digits", "subject_id", "subj-0003456789", nil},
		{"pseudonym compact date", "subject_id", "subj-20260401", nil},
		{"embedded ssn", "subject_id", "pt-123-45-6789-a", []IdentifierClass{ClassSSN}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			findings := s.ScanValue(tc.field, tc.value)
			if len(findings) != len(tc.want) {
				t.Fatalf("findings = %+v, want classes %v", findings, tc.want)
			}
			for i, f := range findings {
				if f.Class != tc.want[i] {
					t.Errorf("finding %d class = %s, want %s", i, f.Class, tc.want[i])
				}
				if f.Field != tc.field {
					t.Errorf("finding %d field = %s, want %s", i, f.Field, tc.field)
				}
			}
		})
	}
}

func TestScanValueRecordIDDateSuppressed(t *testing.T) {
	s := NewScanner(ModeDetect, nil)
	// Intake batches stamp processing dates into record IDs.
	if findings := s.ScanValue("record_id", "batch-2026-04-01-r17"); len(findings) != 0 {
		t.Errorf("record_id date findings = %+v, want none", findings)
	}
	// The same shape inside a subject ID is a birth date.
	findings := s.ScanValue("subject_id", "pt-2026-04-01")
	if len(findings) != 1 || findings[0].Class != ClassDOB {
		t.Errorf("subject_id date findings = %+v, want one dob", findings)
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"detect", ModeDetect, false},
		{"block", ModeBlock, false},
		{"Block", ModeBlock, false},
		{"", ModeDetect, false},
		{"redact", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseMode(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestCheckRecordBlockMode(t *testing.T) {
	s := NewScanner(ModeBlock, nil)

	if err := s.CheckRecord(cleanRecord()); err != nil {
		t.Fatalf("clean record rejected: %v", err)
	}

	dirty := cleanRecord()
	dirty.SubjectID = "123-45-6789"
	err := s.CheckRecord(dirty)
	if err == nil {
		t.Fatal("ssn subject passed in block mode")
	}
	if got := err.Error(); got != "subject_id carries a social security number" {
		t.Errorf("reason = %q", got)
	}
	// The matched text never rides along in the error.
	if strings.Contains(err.Error(), "123-45-6789") {
		t.Errorf("reason leaks the identifier: %q", err)
	}
}

func TestCheckRecordScansAttributeValues(t *testing.T) {
	s := NewScanner(ModeBlock, nil)
	dirty := cleanRecord()
	dirty.Attributes = map[string]string{"contact": "j.doe@hospital.org"}

	err := s.CheckRecord(dirty)
	if err == nil {
		t.Fatal("email attribute passed in block mode")
	}
	if got := err.Error(); got != "attributes.contact carries an email address" {
		t.Errorf("reason = %q", got)
	}
}

func TestCheckRecordDetectModePasses(t *testing.T) {
	s := NewScanner(ModeDetect, nil)
	dirty := cleanRecord()
	dirty.SubjectID = "MRN-0044821"
	if err := s.CheckRecord(dirty); err != nil {
		t.Fatalf("detect mode rejected: %v", err)
	}
}
