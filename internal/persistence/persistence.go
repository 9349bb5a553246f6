// Package persistence keeps the durable record of every task: checkpointed
// metadata, an append-only event log, the final result, and the
// session-to-task index. In-memory state stays authoritative while the
// supervisor runs; these files exist for recovery and inspection.
package persistence

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmux/taskmux/internal/fsutil"
	"github.com/taskmux/taskmux/internal/ndjson"
	"github.com/taskmux/taskmux/internal/protocol"
)

const (
	sessionsFileName    = "sessions.json"
	sessionsFileVersion = 1

	metadataSuffix = ".json"
	eventsSuffix   = ".output.jsonl"
	resultSuffix   = ".result.json"
)

// TaskRecord is the checkpointed task metadata written to <taskId>.json.
type TaskRecord struct {
	TaskID        string    `json:"taskId"`
	SessionID     string    `json:"sessionId"`
	Title         string    `json:"title"`
	Model         string    `json:"model"`
	Agent         string    `json:"agent,omitempty"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastEventAt   time.Time `json:"lastEventAt"`
}

// TaskResult is written once when a task reaches a terminal status.
type TaskResult struct {
	TaskID        string    `json:"taskId"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	Output        string    `json:"output"`
	CompletedAt   time.Time `json:"completedAt"`
	DurationMs    int64     `json:"durationMs"`
}

// SessionMapping links a worker session back to the task that owns it.
type SessionMapping struct {
	TaskID    string    `json:"taskId"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionsFile struct {
	Version  int                       `json:"version"`
	Mappings map[string]SessionMapping `json:"mappings"`
}

// Store is the on-disk layout rooted at baseDir:
//
//	<base>/tasks/<taskId>.json          checkpointed metadata
//	<base>/tasks/<taskId>.output.jsonl  append-only event log
//	<base>/tasks/<taskId>.result.json   final result
//	<base>/sessions.json                session index
//
// If Init fails the store disables itself: every operation becomes a no-op
// and the supervisor keeps serving tasks from memory.
type Store struct {
	baseDir  string
	tasksDir string
	logger   *slog.Logger

	// sessions.json is read-modify-write; a single mutex serializes every
	// mutation so concurrent writers cannot lose updates.
	sessionsMu sync.Mutex

	disabled atomic.Bool
}

// DefaultBaseDir returns ~/.taskmux-mcp.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".taskmux-mcp"), nil
}

// NewStore creates a store rooted at baseDir. Call Init before use.
func NewStore(baseDir string, logger *slog.Logger) *Store {
	return &Store{
		baseDir:  baseDir,
		tasksDir: filepath.Join(baseDir, "tasks"),
		logger:   logger,
	}
}

// Init creates the directory layout and an empty sessions.json if absent.
// Idempotent. On failure the store switches to memory-only mode.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.tasksDir, 0700); err != nil {
		s.disable(err)
		return fmt.Errorf("failed to create tasks directory: %w", err)
	}

	sessionsPath := filepath.Join(s.baseDir, sessionsFileName)
	if _, err := os.Stat(sessionsPath); os.IsNotExist(err) {
		fresh := sessionsFile{
			Version:  sessionsFileVersion,
			Mappings: map[string]SessionMapping{},
		}
		if err := fsutil.AtomicWriteJSON(sessionsPath, fresh); err != nil {
			s.disable(err)
			return fmt.Errorf("failed to create sessions file: %w", err)
		}
	} else if err != nil {
		s.disable(err)
		return fmt.Errorf("failed to stat sessions file: %w", err)
	}

	return nil
}

func (s *Store) disable(err error) {
	if s.disabled.CompareAndSwap(false, true) {
		s.logger.Error("persistence disabled, continuing in memory-only mode",
			"base_dir", s.baseDir,
			"error", err)
	}
}

// Disabled reports whether the store is in memory-only mode.
func (s *Store) Disabled() bool {
	return s.disabled.Load()
}

// BaseDir returns the root of the on-disk layout.
func (s *Store) BaseDir() string { return s.baseDir }

// TasksDir returns the per-task artifact directory.
func (s *Store) TasksDir() string { return s.tasksDir }

// SaveTaskMetadata overwrites <taskId>.json with the given record.
func (s *Store) SaveTaskMetadata(rec *TaskRecord) error {
	if s.disabled.Load() {
		return nil
	}
	path := filepath.Join(s.tasksDir, rec.TaskID+metadataSuffix)
	if err := fsutil.AtomicWriteJSON(path, rec); err != nil {
		return fmt.Errorf("failed to save task metadata: %w", err)
	}
	return nil
}

// LoadTaskMetadata returns the checkpointed metadata, or nil when the task
// has never been saved.
func (s *Store) LoadTaskMetadata(taskID string) (*TaskRecord, error) {
	if s.disabled.Load() {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(s.tasksDir, taskID+metadataSuffix))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task metadata: %w", err)
	}

	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse task metadata: %w", err)
	}
	return &rec, nil
}

// AppendEvent appends one event line to <taskId>.output.jsonl. Appends for
// a given task arrive from a single writer, so per-task order is the
// arrival order.
func (s *Store) AppendEvent(taskID string, ev *protocol.Event) error {
	if s.disabled.Load() {
		return nil
	}
	path := filepath.Join(s.tasksDir, taskID+eventsSuffix)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	enc := ndjson.NewEncoder(file, s.logger)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// LoadEvents reads the task's event log, skipping lines that fail to parse.
func (s *Store) LoadEvents(taskID string) ([]*protocol.Event, error) {
	if s.disabled.Load() {
		return nil, nil
	}
	path := filepath.Join(s.tasksDir, taskID+eventsSuffix)
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var events []*protocol.Event
	dec := ndjson.NewDecoder(file)
	for {
		line, err := dec.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return events, fmt.Errorf("failed to read event log: %w", err)
		}

		ev, err := protocol.ParseLine(line)
		if err != nil {
			s.logger.Warn("skipping unparsable event log line",
				"task_id", taskID,
				"line", dec.LineNum(),
				"error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SaveResult writes the task's final result record.
func (s *Store) SaveResult(res *TaskResult) error {
	if s.disabled.Load() {
		return nil
	}
	path := filepath.Join(s.tasksDir, res.TaskID+resultSuffix)
	if err := fsutil.AtomicWriteJSON(path, res); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// LoadResult returns the task's result record, or nil when none exists.
func (s *Store) LoadResult(taskID string) (*TaskResult, error) {
	if s.disabled.Load() {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(s.tasksDir, taskID+resultSuffix))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}

	var res TaskResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &res, nil
}

// ListTasks returns the ids present in the tasks directory. A task with
// several artifact files appears once.
func (s *Store) ListTasks() ([]string, error) {
	if s.disabled.Load() {
		return nil, nil
	}
	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks directory: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id := taskIDFromFilename(entry.Name())
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func taskIDFromFilename(name string) string {
	switch {
	case strings.HasSuffix(name, eventsSuffix):
		return strings.TrimSuffix(name, eventsSuffix)
	case strings.HasSuffix(name, resultSuffix):
		return strings.TrimSuffix(name, resultSuffix)
	case strings.HasSuffix(name, metadataSuffix):
		return strings.TrimSuffix(name, metadataSuffix)
	}
	return ""
}

// DeleteTask removes every artifact of the task, tolerating files that were
// never written.
func (s *Store) DeleteTask(taskID string) error {
	if s.disabled.Load() {
		return nil
	}
	for _, suffix := range []string{metadataSuffix, eventsSuffix, resultSuffix} {
		path := filepath.Join(s.tasksDir, taskID+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// SaveSessionMapping records sessionID -> taskID. Last write wins.
func (s *Store) SaveSessionMapping(sessionID, taskID string) error {
	if s.disabled.Load() {
		return nil
	}
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	sessions, err := s.readSessionsLocked()
	if err != nil {
		return err
	}
	sessions.Mappings[sessionID] = SessionMapping{
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}
	return s.writeSessionsLocked(sessions)
}

// GetTaskIDBySession returns the task owning the session, or "" if unknown.
func (s *Store) GetTaskIDBySession(sessionID string) (string, error) {
	if s.disabled.Load() {
		return "", nil
	}
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	sessions, err := s.readSessionsLocked()
	if err != nil {
		return "", err
	}
	return sessions.Mappings[sessionID].TaskID, nil
}

// RemoveSessionMapping drops the session from the index if present.
func (s *Store) RemoveSessionMapping(sessionID string) error {
	if s.disabled.Load() {
		return nil
	}
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	sessions, err := s.readSessionsLocked()
	if err != nil {
		return err
	}
	if _, ok := sessions.Mappings[sessionID]; !ok {
		return nil
	}
	delete(sessions.Mappings, sessionID)
	return s.writeSessionsLocked(sessions)
}

func (s *Store) readSessionsLocked() (*sessionsFile, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, sessionsFileName))
	if os.IsNotExist(err) {
		return &sessionsFile{
			Version:  sessionsFileVersion,
			Mappings: map[string]SessionMapping{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions file: %w", err)
	}

	var sessions sessionsFile
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("failed to parse sessions file: %w", err)
	}
	if sessions.Mappings == nil {
		sessions.Mappings = map[string]SessionMapping{}
	}
	return &sessions, nil
}

func (s *Store) writeSessionsLocked(sessions *sessionsFile) error {
	path := filepath.Join(s.baseDir, sessionsFileName)
	if err := fsutil.AtomicWriteJSON(path, sessions); err != nil {
		return fmt.Errorf("failed to write sessions file: %w", err)
	}
	return nil
}
