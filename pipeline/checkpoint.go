package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is the lifecycle state of one chunk within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one checkpoint record. The log is append-only: a chunk's
// latest entry is its current state.
type Entry struct {
	RunID             string    `json:"run_id"`
	ChunkIndex        int       `json:"chunk_index"`
	Status            Status    `json:"status"`
	NodeCount         int       `json:"node_count"`
	RelationshipCount int       `json:"relationship_count"`
	Timestamp         time.Time `json:"timestamp"`
	Error             string    `json:"error,omitempty"`
}

// Log is an append-only JSONL checkpoint file. Every append is flushed to
// disk before returning, so a crashed run can resume from its last
// completed chunk.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenLog opens (or creates) a checkpoint log at the given path.
func OpenLog(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating checkpoint directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint log: %w", err)
	}
	return &Log{f: f, path: path}, nil
}

// Append writes one entry and syncs it to disk.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("appending checkpoint: %w", err)
	}
	return l.f.Sync()
}

// Path returns the log's file path.
func (l *Log) Path() string {
	return l.path
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadLog parses every entry in a checkpoint log. A torn final line from
// a crashed run is skipped, not treated as corruption.
func ReadLog(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening checkpoint log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("skipping unparseable checkpoint entry", "path", path, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// ResumeOffset returns the chunk index a resumed run should start from:
// one past the highest completed chunk. A missing or empty log returns 0.
func ResumeOffset(path string) (int, error) {
	entries, err := ReadLog(path)
	if err != nil {
		return 0, err
	}
	offset := 0
	for _, e := range entries {
		if e.Status == StatusCompleted && e.ChunkIndex+1 > offset {
			offset = e.ChunkIndex + 1
		}
	}
	return offset, nil
}
