package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	bodies := []struct {
		kind string
		body string
	}{
		{"records", `[{"record_id":"r-1","score":0.73,"attributes":{"sex":"F|intersex"}}]`},
		{"records", `[{"record_id":"r-2","score":0.12}]`},
		{"outcomes", `[{"record_id":"r-1","outcome":{"label":1}}]`},
	}
	for _, b := range bodies {
		if err := w.Append(b.kind, []byte(b.body)); err != nil {
			t.Fatalf("Append(%s) error: %v", b.kind, err)
		}
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	entries, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("replayed %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Kind != bodies[i].kind {
			t.Errorf("entry %d: kind = %q, want %q", i, e.Kind, bodies[i].kind)
		}
		if string(e.Body) != bodies[i].body {
			t.Errorf("entry %d: body = %q, want %q", i, e.Body, bodies[i].body)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d: zero timestamp", i)
		}
	}
}

func TestReplaySkipsTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := w.Append("records", []byte(`[{"record_id":"r-1"}]`)); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Simulate a crash mid-append: a frame whose declared length exceeds
	// what made it to disk, plus a line that is not a frame at all.
	tail := fmt.Sprintf("%s|records|500|[{\"trunc", time.Now().UTC().Format(time.RFC3339Nano))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("reopen WAL: %v", err)
	}
	if _, err := f.WriteString(tail + "\nnot a frame\n"); err != nil {
		t.Fatalf("write tail: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("replayed %d entries, want 1 intact", len(entries))
	}
	if string(entries[0].Body) != `[{"record_id":"r-1"}]` {
		t.Errorf("intact body = %q", entries[0].Body)
	}
}

func TestReplayMissingFile(t *testing.T) {
	entries, err := Replay(filepath.Join(t.TempDir(), "absent.wal"))
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if entries != nil {
		t.Errorf("entries = %v, want nil", entries)
	}
}

func TestReplayDirOrdersByDay(t *testing.T) {
	dir := t.TempDir()
	frame := func(day, body string) string {
		ts, err := time.Parse("20060102", day)
		if err != nil {
			t.Fatalf("parse day: %v", err)
		}
		return fmt.Sprintf("%s|records|%d|%s\n", ts.UTC().Format(time.RFC3339Nano), len(body), body)
	}
	files := map[string]string{
		"intake-20260102.wal": frame("20260102", `["second"]`),
		"intake-20260101.wal": frame("20260101", `["first"]`),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	entries, err := ReplayDir(dir)
	if err != nil {
		t.Fatalf("ReplayDir error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("replayed %d entries, want 2", len(entries))
	}
	if string(entries[0].Body) != `["first"]` || string(entries[1].Body) != `["second"]` {
		t.Errorf("entries out of day order: %q then %q", entries[0].Body, entries[1].Body)
	}
}

func TestRotateSameDayIsNoop(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer w.Close()

	old, err := w.Rotate()
	if err != nil {
		t.Fatalf("Rotate error: %v", err)
	}
	if old != "" {
		t.Errorf("Rotate returned %q on an unchanged day, want empty", old)
	}
	if err := w.Append("records", []byte("[]")); err != nil {
		t.Errorf("Append after no-op rotate error: %v", err)
	}
}

func TestAppendRejectsUnframeableInput(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer w.Close()

	if err := w.Append("records", []byte("line one\nline two")); err == nil {
		t.Error("Append accepted a body containing a newline")
	}
	if err := w.Append("bad|kind", []byte("[]")); err == nil {
		t.Error("Append accepted a kind containing the frame delimiter")
	}
	if err := w.Append("", []byte("[]")); err == nil {
		t.Error("Append accepted an empty kind")
	}
}
