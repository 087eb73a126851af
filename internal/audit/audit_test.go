package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func appendEntries(t *testing.T, l *Log, n int) []Entry {
	t.Helper()
	entries := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		entry, err := l.Append(EventEvaluation, ActorSystem, "readmit-v3", fmt.Sprintf("result-%d", i), map[string]any{
			"note": fmt.Sprintf("entry-%d", i),
			"gap":  0.0412,
		})
		if err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*", "*", "*", "*.jsonl"))
	if err != nil {
		t.Fatalf("glob segments: %v", err)
	}
	return paths
}

func TestAppendBuildsChain(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, nil)
	if err != nil {
		t.Fatalf("NewLog error: %v", err)
	}
	defer l.Close()

	entries := appendEntries(t, l, 5)

	prev := genesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			t.Errorf("entry %d: sequence = %d, want %d", i, e.Sequence, i+1)
		}
		if e.PrevHash != prev {
			t.Errorf("entry %d: prev hash not linked to predecessor", i)
		}
		if len(e.EntryHash) != 64 {
			t.Errorf("entry %d: entry hash length = %d, want 64", i, len(e.EntryHash))
		}
		prev = e.EntryHash
	}

	verified, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain error: %v", err)
	}
	if verified != 5 {
		t.Errorf("verified = %d, want 5", verified)
	}
	if got := l.Stats(); got != 5 {
		t.Errorf("Stats() = %d, want 5", got)
	}
}

func TestAppendOnlyUnderRandomEventSequences(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, nil)
	if err != nil {
		t.Fatalf("NewLog error: %v", err)
	}
	defer l.Close()

	events := []EventType{
		EventEvaluation, EventAlertRaised, EventAlertAcknowledged,
		EventMitigationProposed, EventMitigationApplied, EventStateTransition,
	}
	actors := []string{ActorSystem, "reviewer-7", "dr.osei"}

	rng := rand.New(rand.NewSource(20260401))
	seen := make(map[uint64]Entry)
	var lastCount uint64
	for i := 0; i < 200; i++ {
		entry, err := l.Append(events[rng.Intn(len(events))], actors[rng.Intn(len(actors))],
			fmt.Sprintf("model-%d", rng.Intn(3)),
			fmt.Sprintf("entity-%d", rng.Intn(40)),
			map[string]any{"step": i, "value": rng.Float64()})
		if err != nil {
			t.Fatalf("Append(%d) error: %v", i, err)
		}

		count := l.Stats()
		if count < lastCount {
			t.Fatalf("entry count shrank from %d to %d at step %d", lastCount, count, i)
		}
		lastCount = count
		seen[entry.Sequence] = entry
	}
	if lastCount != 200 {
		t.Fatalf("entry count = %d, want 200", lastCount)
	}

	// Two full reads must agree with each other and with what Append
	// returned: nothing rewrites a committed entry.
	for read := 0; read < 2; read++ {
		entries, err := l.Query(Query{})
		if err != nil {
			t.Fatalf("Query error on read %d: %v", read, err)
		}
		if uint64(len(entries)) != lastCount {
			t.Fatalf("read %d returned %d entries, want %d", read, len(entries), lastCount)
		}
		for _, e := range entries {
			want, ok := seen[e.Sequence]
			if !ok {
				t.Fatalf("read %d returned unknown sequence %d", read, e.Sequence)
			}
			if e.EntryHash != want.EntryHash || e.PrevHash != want.PrevHash || e.Event != want.Event {
				t.Fatalf("sequence %d changed between append and read %d", e.Sequence, read)
			}
		}
	}

	verified, err := l.VerifyChain()
	if err != nil || verified != lastCount {
		t.Errorf("VerifyChain = (%d, %v), want (%d, nil)", verified, err, lastCount)
	}
}

func TestTamperBreaksChain(t *testing.T) {
	tests := []struct {
		name         string
		tamper       func(content string) string
		wantVerified uint64
	}{
		{
			name: "mutated detail in entry 3",
			tamper: func(content string) string {
				return strings.Replace(content, "entry-3", "entry-X", 1)
			},
			wantVerified: 2,
		},
		{
			name: "entry 3 deleted",
			tamper: func(content string) string {
				lines := strings.Split(strings.TrimSpace(content), "\n")
				kept := append(lines[:2:2], lines[3:]...)
				return strings.Join(kept, "\n") + "\n"
			},
			wantVerified: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			l, err := NewLog(dir, nil)
			if err != nil {
				t.Fatalf("NewLog error: %v", err)
			}
			appendEntries(t, l, 5)
			if err := l.Close(); err != nil {
				t.Fatalf("Close error: %v", err)
			}

			segments := segmentFiles(t, dir)
			if len(segments) != 1 {
				t.Fatalf("segment count = %d, want 1", len(segments))
			}
			path := segments[0]
			raw, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read segment: %v", err)
			}
			if err := os.Chmod(path, 0644); err != nil {
				t.Fatalf("chmod segment: %v", err)
			}
			if err := os.WriteFile(path, []byte(tt.tamper(string(raw))), 0644); err != nil {
				t.Fatalf("rewrite segment: %v", err)
			}

			verified, err := VerifyDir(dir)
			if err == nil {
				t.Fatal("VerifyDir accepted a tampered chain")
			}
			if !strings.Contains(err.Error(), "chain broken") {
				t.Errorf("error = %q, want mention of broken chain", err)
			}
			if verified != tt.wantVerified {
				t.Errorf("verified = %d, want %d", verified, tt.wantVerified)
			}
		})
	}
}

func TestRestartContinuesChain(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLog(dir, nil)
	if err != nil {
		t.Fatalf("NewLog error: %v", err)
	}
	appendEntries(t, l, 3)
	if err := l.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	reopened, err := NewLog(dir, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	entry, err := reopened.Append(EventConfigChange, "reviewer-7", "", "policy", map[string]any{"field": "warning_ratio"})
	if err != nil {
		t.Fatalf("Append after reopen error: %v", err)
	}
	if entry.Sequence != 4 {
		t.Errorf("sequence after reopen = %d, want 4", entry.Sequence)
	}
	appendEntries(t, reopened, 1)

	verified, err := reopened.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain error: %v", err)
	}
	if verified != 5 {
		t.Errorf("verified = %d, want 5", verified)
	}
	if got := reopened.Stats(); got != 5 {
		t.Errorf("Stats() = %d, want 5", got)
	}
}

func TestQueryFilters(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, nil)
	if err != nil {
		t.Fatalf("NewLog error: %v", err)
	}
	defer l.Close()

	if _, err := l.Append(EventAlertRaised, ActorSystem, "readmit-v3", "alert-1", nil); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	mid, err := l.Append(EventAlertAcknowledged, "reviewer-7", "readmit-v3", "alert-1", nil)
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if _, err := l.Append(EventEvaluation, ActorSystem, "triage-v1", "result-9", nil); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if _, err := l.Append(EventAlertResolved, "reviewer-7", "readmit-v3", "alert-1", nil); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	tests := []struct {
		name     string
		query    Query
		wantSeqs []uint64
	}{
		{"all", Query{}, []uint64{1, 2, 3, 4}},
		{"by model", Query{ModelVersion: "triage-v1"}, []uint64{3}},
		{"by event", Query{Event: EventAlertAcknowledged}, []uint64{2}},
		{"by entity", Query{EntityID: "alert-1"}, []uint64{1, 2, 4}},
		{"since mid entry", Query{From: mid.Timestamp}, []uint64{2, 3, 4}},
		{"before mid entry", Query{To: mid.Timestamp}, []uint64{1}},
		{"limited", Query{EntityID: "alert-1", Limit: 2}, []uint64{1, 2}},
		{"no match", Query{ModelVersion: "absent"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := l.Query(tt.query)
			if err != nil {
				t.Fatalf("Query error: %v", err)
			}
			got := make([]uint64, 0, len(entries))
			for _, e := range entries {
				got = append(got, e.Sequence)
			}
			if len(got) != len(tt.wantSeqs) {
				t.Fatalf("sequences = %v, want %v", got, tt.wantSeqs)
			}
			for i := range got {
				if got[i] != tt.wantSeqs[i] {
					t.Fatalf("sequences = %v, want %v", got, tt.wantSeqs)
				}
			}
		})
	}
}

func TestExportStreamsJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, nil)
	if err != nil {
		t.Fatalf("NewLog error: %v", err)
	}
	defer l.Close()
	appendEntries(t, l, 4)

	var buf bytes.Buffer
	if err := l.Export(&buf, Query{EntityID: "result-2"}); err != nil {
		t.Fatalf("Export error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("exported lines = %d, want 1", len(lines))
	}
	var entry Entry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("exported line is not valid JSON: %v", err)
	}
	if entry.Sequence != 2 || entry.EntityID != "result-2" {
		t.Errorf("exported entry = %+v, want sequence 2 for result-2", entry)
	}
	recomputed, err := entry.computeHash()
	if err != nil {
		t.Fatalf("computeHash error: %v", err)
	}
	if recomputed != entry.EntryHash {
		t.Error("exported entry hash does not survive the JSON round trip")
	}
}

type recordingSink struct {
	mirrored []Entry
	fail     bool
}

func (s *recordingSink) Mirror(entry Entry) error {
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.mirrored = append(s.mirrored, entry)
	return nil
}

func TestSinkMirrorsCommittedEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, nil)
	if err != nil {
		t.Fatalf("NewLog error: %v", err)
	}
	defer l.Close()

	sink := &recordingSink{}
	l.AttachSink(sink)
	appendEntries(t, l, 3)

	if len(sink.mirrored) != 3 {
		t.Fatalf("mirrored = %d entries, want 3", len(sink.mirrored))
	}
	if sink.mirrored[2].Sequence != 3 {
		t.Errorf("last mirrored sequence = %d, want 3", sink.mirrored[2].Sequence)
	}
}

func TestSinkFailureDoesNotFailAppend(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, nil)
	if err != nil {
		t.Fatalf("NewLog error: %v", err)
	}
	defer l.Close()

	l.AttachSink(&recordingSink{fail: true})
	if _, err := l.Append(EventEvaluation, ActorSystem, "readmit-v3", "result-1", nil); err != nil {
		t.Fatalf("Append failed on sink error: %v", err)
	}
	verified, err := l.VerifyChain()
	if err != nil || verified != 1 {
		t.Errorf("VerifyChain = (%d, %v), want (1, nil)", verified, err)
	}
}

func TestVerifyEmptyDir(t *testing.T) {
	verified, err := VerifyDir(t.TempDir())
	if err != nil {
		t.Fatalf("VerifyDir error: %v", err)
	}
	if verified != 0 {
		t.Errorf("verified = %d, want 0", verified)
	}
}
