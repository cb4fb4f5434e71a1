// Package events provides append-only JSONL sinks for the loop's heartbeat
// and trace streams. Entries are never mutated after write.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Default maximum log file size (100MB)
	DefaultMaxLogSize = 100 * 1024 * 1024
	// Log file extension
	LogFileExtension = ".jsonl"
	// Archive directory name
	ArchiveDir = "archive"
)

// HeartbeatEvent records that the loop made progress.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
	TaskID    string    `json:"task_id,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// TraceEvent records the full outcome of one loop iteration for a task.
type TraceEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	TaskID       string    `json:"task_id"`
	Attempts     int       `json:"attempts"`
	GateStatus   string    `json:"gate_status,omitempty"`
	ReportPath   string    `json:"report_path,omitempty"`
	Verdict      string    `json:"verdict,omitempty"`
	ShipOutcome  string    `json:"ship_outcome,omitempty"`
	FinalStatus  string    `json:"final_status"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
}

// Sink is an append-only JSONL writer with size-based rotation.
type Sink struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
	sequence        int64
}

// NewSink creates a sink at logPath, creating parent directories as needed.
func NewSink(logPath string, maxSize int64) (*Sink, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	s := &Sink{
		logPath: logPath,
		maxSize: maxSize,
	}

	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := s.openLogFile(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Sink) openLogFile() error {
	file, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	s.file = file
	s.currentSize = stat.Size()
	return nil
}

// Heartbeat appends a heartbeat record with a monotonically increasing
// sequence number.
func (s *Sink) Heartbeat(taskID, note string) error {
	seq := atomic.AddInt64(&s.sequence, 1)

	return s.Append(HeartbeatEvent{
		Timestamp: time.Now().UTC(),
		Sequence:  seq,
		TaskID:    taskID,
		Note:      note,
	})
}

// Append marshals v and writes it as one JSONL line with fsync.
func (s *Sink) Append(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if s.currentSize+int64(len(data)) > s.maxSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := s.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}

	// Sync to disk for durability
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	s.currentSize += int64(n)
	return nil
}

func (s *Sink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(s.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	s.rotationCounter++
	baseName := filepath.Base(s.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		s.rotationCounter,
		LogFileExtension)
	archivePath := filepath.Join(archiveDir, archiveName)

	if err := os.Rename(s.logPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}

	return s.openLogFile()
}

// ReadTraceEvents reads all trace events from a JSONL file, skipping
// malformed lines.
func ReadTraceEvents(logPath string) ([]TraceEvent, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var out []TraceEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev TraceEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Skip malformed entries
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to scan log file: %w", err)
	}
	return out, nil
}

// Close closes the sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return err
		}
		return s.file.Close()
	}
	return nil
}

// Path returns the current log file path.
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logPath
}

// Size returns the current size of the log file.
func (s *Sink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}
