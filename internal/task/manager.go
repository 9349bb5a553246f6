package task

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/taskmux/taskmux/internal/protocol"
)

const inputRequiredMessage = "Waiting for user input"

// questionSuffix is the punctuation that marks the accumulated buffer as a
// question awaiting an answer.
const questionSuffix = '?'

// StatusCallback observes externally-visible status transitions. It is
// invoked once per old!=new transition, after the manager's lock has been
// released, and must not block.
type StatusCallback func(taskID string, status Status, statusMessage string)

type entry struct {
	id            string
	sessionID     string
	title         string
	model         string
	agent         string
	status        Status
	statusMessage string

	createdAt       time.Time
	lastEventAt     time.Time
	lastTextEventAt time.Time
	statusChangedAt time.Time

	text          []byte
	textTruncated bool

	idleTimer *time.Timer
}

// Manager is the canonical registry of tasks. All mutation goes through its
// methods; accessors hand out defensive copies.
type Manager struct {
	mu     sync.Mutex
	tasks  map[string]*entry
	logger *slog.Logger

	onStatusChange StatusCallback
	idleThreshold  time.Duration
	now            func() time.Time
}

// NewManager creates an empty task manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		tasks:         make(map[string]*entry),
		logger:        logger,
		idleThreshold: InputRequiredIdleThreshold,
		now:           time.Now,
	}
}

// SetStatusCallback installs the transition sink. Pass nil to remove it.
func (m *Manager) SetStatusCallback(cb StatusCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusChange = cb
}

// SetIdleThreshold overrides the idle-input detection delay. Used by tests.
func (m *Manager) SetIdleThreshold(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleThreshold = d
}

// CreateTask registers a new task in status working and returns its id.
func (m *Manager) CreateTask(title, model, agent string) string {
	id := NewID()
	now := m.now()

	m.mu.Lock()
	m.tasks[id] = &entry{
		id:              id,
		title:           title,
		model:           model,
		agent:           agent,
		status:          StatusWorking,
		createdAt:       now,
		lastEventAt:     now,
		statusChangedAt: now,
	}
	m.mu.Unlock()

	m.logger.Info("task created", "task_id", id, "title", title, "model", model)
	return id
}

// HandleEvent ingests one worker event for the task. Events for terminal
// tasks are dropped. Returns ErrNotFound for unknown ids.
func (m *Manager) HandleEvent(taskID string, ev *protocol.Event) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if t.status.Terminal() {
		m.mu.Unlock()
		m.logger.Debug("dropping event for terminal task",
			"task_id", taskID,
			"status", t.status,
			"event_type", ev.Type)
		return nil
	}

	if t.sessionID == "" && ev.SessionID != "" {
		t.sessionID = ev.SessionID
	}

	now := m.now()
	if now.After(t.lastEventAt) {
		t.lastEventAt = now
	}
	t.stopIdleTimer()

	var changes []*transition

	// A task waiting on input resumes on the next event from its worker.
	if t.status == StatusInputRequired {
		changes = append(changes, m.transitionLocked(t, StatusWorking, ""))
	}

	switch ev.Type {
	case protocol.EventStepStart, protocol.EventToolUse:
		// No state beyond lastEventAt.

	case protocol.EventText:
		m.appendTextLocked(t, protocol.TextPayload(ev))
		t.lastTextEventAt = now
		if endsWithQuestion(t.text) {
			m.armIdleTimerLocked(t)
		}

	case protocol.EventStepFinish:
		if protocol.FinishReason(ev) == protocol.FinishReasonStop {
			changes = append(changes, m.transitionLocked(t, StatusCompleted, ""))
		}
	}
	m.mu.Unlock()

	for _, change := range changes {
		m.notify(change)
	}
	return nil
}

// FailTask moves a task to failed with the given message. No-op when the
// task is already terminal.
func (m *Manager) FailTask(taskID, message string) error {
	return m.terminate(taskID, StatusFailed, message)
}

// CancelTask moves a task to cancelled. No-op when already terminal.
func (m *Manager) CancelTask(taskID string) error {
	return m.terminate(taskID, StatusCancelled, "Task cancelled")
}

func (m *Manager) terminate(taskID string, status Status, message string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if t.status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	t.stopIdleTimer()
	change := m.transitionLocked(t, status, message)
	m.mu.Unlock()

	m.notify(change)
	return nil
}

// GetTaskStatus returns the current status of the task.
func (m *Manager) GetTaskStatus(taskID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return "", ErrNotFound
	}
	return t.status, nil
}

// GetTaskMetadata returns a copy of the task's metadata.
func (m *Manager) GetTaskMetadata(taskID string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	meta := t.metadata()
	return &meta, nil
}

// GetTaskState returns a copy of the task's full state, including the
// accumulated output buffer.
func (m *Manager) GetTaskState(taskID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &State{
		Metadata:        t.metadata(),
		AccumulatedText: string(t.text),
		LastTextEventAt: t.lastTextEventAt,
		TextTruncated:   t.textTruncated,
	}, nil
}

// ListActiveTasks returns tasks in working or input_required.
func (m *Manager) ListActiveTasks() []*Metadata {
	return m.list(func(t *entry) bool { return !t.status.Terminal() })
}

// ListAllTasks returns every known task.
func (m *Manager) ListAllTasks() []*Metadata {
	return m.list(func(t *entry) bool { return true })
}

func (m *Manager) list(keep func(*entry) bool) []*Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Metadata, 0, len(m.tasks))
	for _, t := range m.tasks {
		if keep(t) {
			meta := t.metadata()
			out = append(out, &meta)
		}
	}
	return out
}

// RemoveTask drops the task from the registry, cancelling any pending
// timer. Returns false for unknown ids.
func (m *Manager) RemoveTask(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	t.stopIdleTimer()
	delete(m.tasks, taskID)
	return true
}

// PurgeTerminal removes terminal tasks whose last transition is older than
// maxAge and returns how many were dropped. On-disk artifacts are untouched.
func (m *Manager) PurgeTerminal(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var purged int
	for id, t := range m.tasks {
		if t.status.Terminal() && t.statusChangedAt.Before(cutoff) {
			t.stopIdleTimer()
			delete(m.tasks, id)
			purged++
		}
	}
	m.mu.Unlock()

	if purged > 0 {
		m.logger.Debug("purged terminal tasks", "count", purged)
	}
	return purged
}

// Cleanup cancels every pending timer and empties the registry. Used at
// shutdown and in tests.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		t.stopIdleTimer()
	}
	m.tasks = make(map[string]*entry)
}

func (t *entry) metadata() Metadata {
	return Metadata{
		TaskID:        t.id,
		SessionID:     t.sessionID,
		Title:         t.title,
		Model:         t.model,
		Agent:         t.agent,
		Status:        t.status,
		StatusMessage: t.statusMessage,
		CreatedAt:     t.createdAt,
		LastEventAt:   t.lastEventAt,
	}
}

func (t *entry) stopIdleTimer() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

// transition records a status change to be delivered after unlock.
type transition struct {
	taskID  string
	status  Status
	message string
}

func (m *Manager) transitionLocked(t *entry, status Status, message string) *transition {
	if t.status == status {
		return nil
	}
	t.status = status
	t.statusMessage = message
	t.statusChangedAt = time.Now()
	return &transition{taskID: t.id, status: status, message: message}
}

func (m *Manager) notify(change *transition) {
	if change == nil {
		return
	}
	m.logger.Info("task status changed",
		"task_id", change.taskID,
		"status", change.status,
		"message", change.message)

	m.mu.Lock()
	cb := m.onStatusChange
	m.mu.Unlock()
	if cb != nil {
		cb(change.taskID, change.status, change.message)
	}
}

func (m *Manager) appendTextLocked(t *entry, text string) {
	if text == "" {
		return
	}
	room := MaxAccumulatedText - len(t.text)
	if room <= 0 {
		m.warnTruncatedLocked(t, len(text))
		return
	}
	if len(text) > room {
		m.warnTruncatedLocked(t, len(text)-room)
		text = text[:room]
	}
	t.text = append(t.text, text...)
}

func (m *Manager) warnTruncatedLocked(t *entry, dropped int) {
	if !t.textTruncated {
		t.textTruncated = true
		m.logger.Warn("accumulated text cap reached, discarding further text",
			"task_id", t.id,
			"cap", MaxAccumulatedText,
			"dropped", dropped)
	}
}

func (m *Manager) armIdleTimerLocked(t *entry) {
	taskID := t.id
	t.idleTimer = time.AfterFunc(m.idleThreshold, func() {
		m.idleTimerFired(taskID)
	})
}

// idleTimerFired transitions a still-idle question to input_required. Any
// event handled since arming has already disarmed the timer; the checks here
// guard the race where the timer fires concurrently with a disarm.
func (m *Manager) idleTimerFired(taskID string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.status != StatusWorking || !endsWithQuestion(t.text) ||
		m.now().Sub(t.lastTextEventAt) < m.idleThreshold {
		m.mu.Unlock()
		return
	}
	change := m.transitionLocked(t, StatusInputRequired, inputRequiredMessage)
	m.mu.Unlock()

	m.notify(change)
}

func endsWithQuestion(text []byte) bool {
	trimmed := bytes.TrimSpace(text)
	return len(trimmed) > 0 && trimmed[len(trimmed)-1] == questionSuffix
}
