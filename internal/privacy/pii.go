// Package privacy screens intake for raw patient identifiers. Records
// reach the engine keyed by pipeline-issued pseudonyms; a social
// security number, medical record number, email, phone number, or
// birth date inside an identifier or attribute value would leak into
// every downstream artifact, from cohort keys to audit entries. The
// scanner reports or refuses such records before they are stored.
//
// There is no redaction mode: a scrubbed identifier can no longer join
// its late-arriving outcome, so a dirty record is either reported or
// refused whole. Findings carry the identifier class and the field it
// appeared in; the matched text itself stays out of errors and logs.
package privacy

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/halcyon-health/equilens/internal/api"
)

// IdentifierClass names a category of raw patient identifier.
type IdentifierClass string

const (
	ClassSSN   IdentifierClass = "ssn"
	ClassMRN   IdentifierClass = "mrn"
	ClassEmail IdentifierClass = "email"
	ClassPhone IdentifierClass = "phone"
	ClassDOB   IdentifierClass = "dob"
)

// classes fixes the scan order so multi-class findings and rejection
// reasons come out deterministic.
var classes = []IdentifierClass{ClassSSN, ClassMRN, ClassEmail, ClassPhone, ClassDOB}

// label is the human form used in rejection reasons.
var label = map[IdentifierClass]string{
	ClassSSN:   "a social security number",
	ClassMRN:   "a medical record number",
	ClassEmail: "an email address",
	ClassPhone: "a phone number",
	ClassDOB:   "a birth date",
}

// Mode sets what the scanner does with a finding.
type Mode int

const (
	// ModeDetect logs findings and lets the record through.
	ModeDetect Mode = iota
	// ModeBlock rejects the record.
	ModeBlock
)

// ParseMode maps the config strings "detect" and "block".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "detect":
		return ModeDetect, nil
	case "block":
		return ModeBlock, nil
	default:
		return 0, fmt.Errorf("unknown privacy mode %q (want detect or block)", s)
	}
}

func (m Mode) String() string {
	if m == ModeBlock {
		return "block"
	}
	return "detect"
}

// Finding is one identifier occurrence. The matched text is not kept.
type Finding struct {
	Class IdentifierClass
	Field string
}

// Scanner screens prediction records for raw identifiers.
type Scanner struct {
	mode     Mode
	patterns map[IdentifierClass]*regexp.Regexp
	logger   *zap.Logger
}

// NewScanner builds a scanner with the identifier classes seen in
// healthcare intake. Patterns are tuned to leave opaque numeric
// pseudonyms alone: phone numbers must carry separators and medical
// record numbers must carry the MRN marker, so a bare digit run never
// matches.
func NewScanner(mode Mode, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		mode:   mode,
		logger: logger,
		patterns: map[IdentifierClass]*regexp.Regexp{
			ClassSSN: regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`),

			ClassMRN: regexp.MustCompile(`(?i)\bMRN[-: ]?[0-9]{6,10}\b`),

			ClassEmail: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),

			// Separators are required so a purely numeric pseudonym
			// does not read as a phone number.
			ClassPhone: regexp.MustCompile(`(?:(?:\+?1[-. ])?\([0-9]{3}\) ?|\b(?:\+?1[-. ])?[0-9]{3}[-. ])[0-9]{3}[-. ][0-9]{4}\b`),

			ClassDOB: regexp.MustCompile(`\b(?:19|20)[0-9]{2}[-/](?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12][0-9]|3[01])\b`),
		},
	}
}

// Mode returns the configured handling mode.
func (s *Scanner) Mode() Mode { return s.mode }

// ScanValue reports every identifier class found in one field value.
func (s *Scanner) ScanValue(field, value string) []Finding {
	var findings []Finding
	for _, class := range classes {
		if !s.patterns[class].MatchString(value) {
			continue
		}
		if falsePositive(class, field) {
			continue
		}
		findings = append(findings, Finding{Class: class, Field: field})
	}
	return findings
}

// CheckRecord screens the identifier fields and attribute values of one
// record. In detect mode findings are logged and the record passes; in
// block mode the first finding rejects it. Attribute values are scanned
// because the schema check constrains names, not values.
func (s *Scanner) CheckRecord(rec api.PredictionRecord) error {
	findings := s.ScanValue("record_id", rec.RecordID)
	findings = append(findings, s.ScanValue("subject_id", rec.SubjectID)...)
	for name, value := range rec.Attributes {
		findings = append(findings, s.ScanValue("attributes."+name, value)...)
	}
	if len(findings) == 0 {
		return nil
	}

	if s.mode == ModeBlock {
		f := findings[0]
		return fmt.Errorf("%s carries %s", f.Field, label[f.Class])
	}
	for _, f := range findings {
		s.logger.Warn("raw identifier in intake",
			zap.String("record_id", rec.RecordID),
			zap.String("field", f.Field),
			zap.String("class", string(f.Class)),
		)
	}
	return nil
}

// falsePositive suppresses known-benign matches. Intake batches commonly
// stamp the processing date into record IDs, which is not a birth date.
func falsePositive(class IdentifierClass, field string) bool {
	return class == ClassDOB && field == "record_id"
}
