// Package wal provides the write-ahead log for the intake path. Incoming
// request bodies are appended and fsynced before any parsing or storage,
// so a crash between acknowledgement and store write is recoverable by
// replay.
package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry is one framed WAL record: when it arrived, which intake path it
// came through, and the raw body.
type Entry struct {
	Timestamp time.Time
	Kind      string
	Body      []byte
}

// Log is a day-segmented append-only log. Frames are
// timestamp|kind|length|body on a single line; bodies must not contain
// newlines, which holds for the compacted JSON the intake path writes.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
	dir  string
}

// Open creates or reopens today's log file under dir.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	path := dayPath(dir, time.Now().UTC())
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}
	return &Log{file: file, path: path, dir: dir}, nil
}

func dayPath(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("intake-%s.wal", now.Format("20060102")))
}

// Append frames the body and fsyncs before returning.
func (w *Log) Append(kind string, body []byte) error {
	if kind == "" || strings.ContainsAny(kind, "|\n") {
		return fmt.Errorf("invalid WAL kind %q", kind)
	}
	if bytes.ContainsRune(body, '\n') {
		return errors.New("WAL body must not contain newlines")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	line := fmt.Sprintf("%s|%s|%d|%s\n", time.Now().UTC().Format(time.RFC3339Nano), kind, len(body), body)
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("write WAL entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync WAL: %w", err)
	}
	return nil
}

// Path returns the current segment path.
func (w *Log) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Rotate switches to the current day's file and returns the path of the
// finished segment, or "" when the day has not changed.
func (w *Log) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	newPath := dayPath(w.dir, time.Now().UTC())
	if newPath == w.path {
		return "", nil
	}

	if err := w.file.Sync(); err != nil {
		return "", fmt.Errorf("sync WAL before rotate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", fmt.Errorf("close WAL before rotate: %w", err)
	}

	file, err := os.OpenFile(newPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open rotated WAL file: %w", err)
	}
	oldPath := w.path
	w.file = file
	w.path = newPath
	return oldPath, nil
}

// Close flushes and closes the log.
func (w *Log) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads every intact frame from one segment. Malformed or
// truncated lines (a crash mid-append leaves at most one) are skipped.
// A missing file replays to nothing.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		entry, ok := parseFrame(scanner.Text())
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func parseFrame(line string) (Entry, bool) {
	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 {
		return Entry{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Entry{}, false
	}
	length, err := strconv.Atoi(parts[2])
	if err != nil || length != len(parts[3]) {
		return Entry{}, false
	}
	return Entry{Timestamp: ts, Kind: parts[1], Body: []byte(parts[3])}, true
}

// ReplayDir replays every segment under dir in day order.
func ReplayDir(dir string) ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "intake-*.wal"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var entries []Entry
	for _, path := range paths {
		segment, err := Replay(path)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", filepath.Base(path), err)
		}
		entries = append(entries, segment...)
	}
	return entries, nil
}
