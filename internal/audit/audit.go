package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType tags what an audit entry records.
type EventType string

const (
	EventEvaluation            EventType = "evaluation"
	EventAlertRaised           EventType = "alert_raised"
	EventAlertAcknowledged     EventType = "alert_acknowledged"
	EventAlertResolved         EventType = "alert_resolved"
	EventMitigationProposed    EventType = "mitigation_proposed"
	EventMitigationApplied     EventType = "mitigation_applied"
	EventMitigationIneffective EventType = "mitigation_ineffective"
	EventStateTransition       EventType = "state_transition"
	EventDriftDetected         EventType = "drift_detected"
	EventBaselineReplaced      EventType = "baseline_replaced"
	EventConfigChange          EventType = "config_change"
)

// ActorSystem marks entries produced by the engine itself, as opposed
// to a named human reviewer.
const ActorSystem = "system"

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one immutable audit record. Entries form a hash chain:
// each entry's hash covers its content plus the previous entry's hash,
// so any in-place edit breaks verification from that entry onward.
type Entry struct {
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Event        EventType      `json:"event"`
	Actor        string         `json:"actor"`
	ModelVersion string         `json:"model_version,omitempty"`
	EntityID     string         `json:"entity_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PrevHash     string         `json:"prev_hash"`
	EntryHash    string         `json:"entry_hash"`
}

func (e Entry) computeHash() (string, error) {
	c := e
	c.EntryHash = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Query filters the audit history. Zero fields match everything.
type Query struct {
	ModelVersion string
	Event        EventType
	EntityID     string
	// From/To bound the entry timestamp, half-open [From, To).
	From  time.Time
	To    time.Time
	Limit int
}

func (q Query) matches(e Entry) bool {
	if q.ModelVersion != "" && e.ModelVersion != q.ModelVersion {
		return false
	}
	if q.Event != "" && e.Event != q.Event {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.Timestamp.Before(q.To) {
		return false
	}
	return true
}

// Sink mirrors committed entries to secondary storage. Mirror failures
// must not fail the append; the file chain is the source of truth.
type Sink interface {
	Mirror(entry Entry) error
}

// Log is the append-only, hash-chained audit log. Entries are
// newline-delimited JSON in time-named segments created read-only;
// every append is flushed and fsynced before returning. On startup the
// log recovers the last sequence and hash from existing segments so
// the chain continues across restarts.
type Log struct {
	mu             sync.Mutex
	baseDir        string
	currentFile    *os.File
	writer         *bufio.Writer
	segmentSize    int64
	maxSegmentSize int64
	sequence       uint64
	lastHash       string
	sink           Sink
	logger         *zap.Logger
}

// NewLog opens (or creates) the audit log rooted at baseDir.
func NewLog(baseDir string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Log{
		baseDir:        baseDir,
		maxSegmentSize: 100 * 1024 * 1024,
		lastHash:       genesisHash,
		logger:         logger,
	}
	if err := l.recover(); err != nil {
		return nil, fmt.Errorf("recover audit chain: %w", err)
	}
	if err := l.rotateSegment(); err != nil {
		return nil, fmt.Errorf("open initial segment: %w", err)
	}
	return l, nil
}

// AttachSink registers a secondary sink. Call before the first append.
func (l *Log) AttachSink(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// recover reads the tail of the newest segment to continue the chain.
func (l *Log) recover() error {
	segments, err := listSegments(l.baseDir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	last, err := lastEntry(segments[len(segments)-1])
	if err != nil {
		return err
	}
	if last != nil {
		l.sequence = last.Sequence
		l.lastHash = last.EntryHash
		l.logger.Info("audit chain recovered",
			zap.Uint64("sequence", last.Sequence),
			zap.Int("segments", len(segments)),
		)
	}
	return nil
}

// Append commits one entry to the chain and returns it with sequence
// and hashes filled in.
func (l *Log) Append(event EventType, actor, modelVersion, entityID string, details map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:     l.sequence + 1,
		Timestamp:    time.Now().UTC(),
		Event:        event,
		Actor:        actor,
		ModelVersion: modelVersion,
		EntityID:     entityID,
		Details:      details,
		PrevHash:     l.lastHash,
	}
	hash, err := entry.computeHash()
	if err != nil {
		return Entry{}, err
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.writer.Write(line); err != nil {
		return Entry{}, fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return Entry{}, fmt.Errorf("write newline: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return Entry{}, fmt.Errorf("flush audit log: %w", err)
	}
	if err := l.currentFile.Sync(); err != nil {
		return Entry{}, fmt.Errorf("fsync audit log: %w", err)
	}

	l.sequence = entry.Sequence
	l.lastHash = entry.EntryHash
	l.segmentSize += int64(len(line) + 1)

	if l.segmentSize >= l.maxSegmentSize {
		if err := l.rotateSegment(); err != nil {
			return Entry{}, fmt.Errorf("rotate audit segment: %w", err)
		}
	}

	if l.sink != nil {
		if err := l.sink.Mirror(entry); err != nil {
			l.logger.Error("audit sink mirror failed",
				zap.Uint64("sequence", entry.Sequence),
				zap.Error(err),
			)
		}
	}
	return entry, nil
}

func (l *Log) rotateSegment() error {
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return err
		}
	}
	if l.currentFile != nil {
		if err := l.currentFile.Close(); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	segmentDir := filepath.Join(l.baseDir, now.Format("2006/01/02"))
	if err := os.MkdirAll(segmentDir, 0755); err != nil {
		return fmt.Errorf("create segment directory: %w", err)
	}

	// Segments are created read-only; this process appends through the
	// held descriptor, everyone else can only read.
	segmentPath := filepath.Join(segmentDir, fmt.Sprintf("%s-%06d.jsonl", now.Format("150405"), l.sequence))
	file, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0444)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}

	l.currentFile = file
	l.writer = bufio.NewWriter(file)
	l.segmentSize = 0
	return nil
}

// Close flushes and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return err
		}
	}
	if l.currentFile != nil {
		return l.currentFile.Close()
	}
	return nil
}

// Stats returns the committed entry count.
func (l *Log) Stats() (entries uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// Query returns entries matching the filter in append order.
func (l *Log) Query(q Query) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	err := walkEntries(l.baseDir, func(e Entry) error {
		if !q.matches(e) {
			return nil
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			return errStopWalk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Export streams matching entries to w as newline-delimited JSON, the
// stable serialized form consumed by compliance review.
func (l *Log) Export(w io.Writer, q Query) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	enc := json.NewEncoder(w)
	return walkEntries(l.baseDir, func(e Entry) error {
		if !q.matches(e) {
			return nil
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Sequence, err)
		}
		count++
		if q.Limit > 0 && count >= q.Limit {
			return errStopWalk
		}
		return nil
	})
}

// VerifyChain recomputes the hash chain over every committed entry and
// returns how many entries verified. A non-nil error names the first
// broken link.
func (l *Log) VerifyChain() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return VerifyDir(l.baseDir)
}

// VerifyDir verifies the audit chain rooted at baseDir without an open
// log, for offline compliance checks.
func VerifyDir(baseDir string) (uint64, error) {
	verified := uint64(0)
	prevHash := genesisHash
	prevSeq := uint64(0)

	err := walkEntries(baseDir, func(e Entry) error {
		if e.Sequence != prevSeq+1 {
			return fmt.Errorf("chain broken at sequence %d: expected sequence %d", e.Sequence, prevSeq+1)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("chain broken at sequence %d: prev hash mismatch", e.Sequence)
		}
		recomputed, err := e.computeHash()
		if err != nil {
			return err
		}
		if recomputed != e.EntryHash {
			return fmt.Errorf("chain broken at sequence %d: entry hash mismatch", e.Sequence)
		}
		verified++
		prevSeq = e.Sequence
		prevHash = e.EntryHash
		return nil
	})
	return verified, err
}

var errStopWalk = fmt.Errorf("stop walk")

// walkEntries scans every segment in chain order, invoking fn per
// entry. fn returning errStopWalk ends the walk without error.
func walkEntries(baseDir string, fn func(Entry) error) error {
	segments, err := listSegments(baseDir)
	if err != nil {
		return err
	}
	for _, segment := range segments {
		if err := scanSegment(segment, fn); err != nil {
			if err == errStopWalk {
				return nil
			}
			return err
		}
	}
	return nil
}

func scanSegment(path string, fn func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return fmt.Errorf("parse entry in %s: %w", filepath.Base(path), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// listSegments returns segment paths sorted into chain order. The
// date-directory layout plus zero-padded names make lexicographic
// order chronological.
func listSegments(baseDir string) ([]string, error) {
	var segments []string
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			segments = append(segments, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(segments)
	return segments, nil
}

func lastEntry(path string) (*Entry, error) {
	var last *Entry
	err := scanSegment(path, func(e Entry) error {
		copied := e
		last = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}
