package task

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskmux/taskmux/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// statusRecorder collects status-change callback invocations.
type statusRecorder struct {
	mu      sync.Mutex
	changes []recordedChange
}

type recordedChange struct {
	taskID  string
	status  Status
	message string
}

func (r *statusRecorder) record(taskID string, status Status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, recordedChange{taskID, status, message})
}

func (r *statusRecorder) all() []recordedChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedChange, len(r.changes))
	copy(out, r.changes)
	return out
}

func mustParse(t *testing.T, line string) *protocol.Event {
	t.Helper()
	ev, err := protocol.ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("bad test event: %v", err)
	}
	return ev
}

func stepStart(t *testing.T, session string) *protocol.Event {
	return mustParse(t, fmt.Sprintf(
		`{"type":"step_start","timestamp":1,"sessionID":%q,"part":{"id":"p","snapshot":""}}`, session))
}

func textEvent(t *testing.T, session, text string) *protocol.Event {
	return mustParse(t, fmt.Sprintf(
		`{"type":"text","timestamp":2,"sessionID":%q,"part":{"id":"p","text":%q,"time":{"start":1,"end":2}}}`,
		session, text))
}

func toolUse(t *testing.T, session string) *protocol.Event {
	return mustParse(t, fmt.Sprintf(
		`{"type":"tool_use","timestamp":3,"sessionID":%q,"part":{"id":"p","tool":"bash","callID":"c","state":{"status":"completed","input":{},"output":"","metadata":{"truncated":false}}}}`,
		session))
}

func stepFinish(t *testing.T, session, reason string) *protocol.Event {
	return mustParse(t, fmt.Sprintf(
		`{"type":"step_finish","timestamp":4,"sessionID":%q,"part":{"id":"p","reason":%q,"tokens":{"input":1,"output":1,"reasoning":0},"cost":0}}`,
		session, reason))
}

func TestCreateTask(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()

	id := m.CreateTask("Simple", "x/y", "")
	if !strings.HasPrefix(id, "task_") || len(id) != len("task_")+24 {
		t.Errorf("unexpected task id format: %q", id)
	}

	status, err := m.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if status != StatusWorking {
		t.Errorf("new task should be working, got %s", status)
	}

	meta, err := m.GetTaskMetadata(id)
	if err != nil {
		t.Fatalf("GetTaskMetadata: %v", err)
	}
	if meta.SessionID != "" {
		t.Errorf("new task should have empty sessionID, got %q", meta.SessionID)
	}
}

// Scenario: happy path. step_start, text, step_finish(stop) → completed with
// exactly one status-change callback.
func TestHappyPath(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()
	rec := &statusRecorder{}
	m.SetStatusCallback(rec.record)

	id := m.CreateTask("Simple", "x/y", "")

	for _, ev := range []*protocol.Event{
		stepStart(t, "ses_S"),
		textEvent(t, "ses_S", "Done."),
		stepFinish(t, "ses_S", "stop"),
	} {
		if err := m.HandleEvent(id, ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}

	state, err := m.GetTaskState(id)
	if err != nil {
		t.Fatalf("GetTaskState: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", state.Status)
	}
	if state.SessionID != "ses_S" {
		t.Errorf("expected sessionID ses_S, got %q", state.SessionID)
	}
	if state.AccumulatedText != "Done." {
		t.Errorf("expected accumulated text 'Done.', got %q", state.AccumulatedText)
	}

	changes := rec.all()
	if len(changes) != 1 {
		t.Fatalf("expected exactly one status change, got %d: %v", len(changes), changes)
	}
	if changes[0].status != StatusCompleted {
		t.Errorf("expected completed callback, got %s", changes[0].status)
	}
}

// Scenario: tool use then completion across multiple steps.
func TestToolUseThenCompletion(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()

	id := m.CreateTask("Tools", "x/y", "")

	events := []*protocol.Event{
		stepStart(t, "ses_1"),
		textEvent(t, "ses_1", "Analyzing…"),
		stepFinish(t, "ses_1", "tool-calls"),
		stepStart(t, "ses_1"),
		toolUse(t, "ses_1"),
		stepFinish(t, "ses_1", "tool-calls"),
		stepStart(t, "ses_1"),
		textEvent(t, "ses_1", " done"),
		stepFinish(t, "ses_1", "stop"),
	}
	for i, ev := range events {
		if err := m.HandleEvent(id, ev); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}

	state, _ := m.GetTaskState(id)
	if state.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", state.Status)
	}
	if state.AccumulatedText != "Analyzing… done" {
		t.Errorf("unexpected accumulated text %q", state.AccumulatedText)
	}
}

// Scenario: idle input detection. A trailing question left idle past the
// threshold flips the task to input_required; the next events complete it.
func TestIdleInputDetection(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()
	m.SetIdleThreshold(100 * time.Millisecond)
	rec := &statusRecorder{}
	m.SetStatusCallback(rec.record)

	id := m.CreateTask("Question", "x/y", "")
	m.HandleEvent(id, stepStart(t, "ses_q"))
	m.HandleEvent(id, textEvent(t, "ses_q", "Proceed?"))

	waitForStatus(t, m, id, StatusInputRequired, time.Second)

	meta, _ := m.GetTaskMetadata(id)
	if meta.StatusMessage != "Waiting for user input" {
		t.Errorf("unexpected status message %q", meta.StatusMessage)
	}

	// Worker resumes: back to working, then completed.
	m.HandleEvent(id, stepStart(t, "ses_q"))
	m.HandleEvent(id, textEvent(t, "ses_q", "ok."))
	m.HandleEvent(id, stepFinish(t, "ses_q", "stop"))

	status, _ := m.GetTaskStatus(id)
	if status != StatusCompleted {
		t.Errorf("expected completed, got %s", status)
	}

	var sawResume bool
	for _, c := range rec.all() {
		if c.status == StatusWorking {
			sawResume = true
		}
	}
	if !sawResume {
		t.Error("expected a transition back to working on resume")
	}
}

// Scenario: a question followed by more activity never becomes
// input_required once the buffer stops ending with '?'.
func TestQuestionThenActivityAvoidsInputRequired(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()
	m.SetIdleThreshold(200 * time.Millisecond)

	id := m.CreateTask("Question", "x/y", "")
	m.HandleEvent(id, textEvent(t, "ses_q", "Still thinking?"))

	time.Sleep(100 * time.Millisecond)
	m.HandleEvent(id, textEvent(t, "ses_q", " yes"))

	time.Sleep(300 * time.Millisecond)
	status, _ := m.GetTaskStatus(id)
	if status != StatusWorking {
		t.Errorf("expected working, got %s", status)
	}
}

// A text event that leaves the buffer still ending in '?' disarms the
// pending idle timer and arms a fresh one, which still fires.
func TestIdleTimerRearm(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()
	m.SetIdleThreshold(100 * time.Millisecond)

	id := m.CreateTask("Rearm", "x/y", "")
	m.HandleEvent(id, textEvent(t, "s", "First part?"))
	m.HandleEvent(id, textEvent(t, "s", " continue?"))

	waitForStatus(t, m, id, StatusInputRequired, time.Second)
}

func TestSessionIDWriteOnce(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()

	id := m.CreateTask("Session", "x/y", "")
	m.HandleEvent(id, stepStart(t, "ses_first"))
	m.HandleEvent(id, stepStart(t, "ses_second"))

	meta, _ := m.GetTaskMetadata(id)
	if meta.SessionID != "ses_first" {
		t.Errorf("sessionID should be write-once, got %q", meta.SessionID)
	}
}

func TestEventsDroppedWhenTerminal(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()
	rec := &statusRecorder{}
	m.SetStatusCallback(rec.record)

	id := m.CreateTask("Cancel", "x/y", "")
	if err := m.CancelTask(id); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	// Terminal statuses are absorbing: a late completion event is dropped.
	if err := m.HandleEvent(id, stepFinish(t, "s", "stop")); err != nil {
		t.Fatalf("HandleEvent on terminal task should not error: %v", err)
	}
	status, _ := m.GetTaskStatus(id)
	if status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", status)
	}

	changes := rec.all()
	if len(changes) != 1 || changes[0].status != StatusCancelled {
		t.Errorf("expected single cancelled callback, got %v", changes)
	}
}

func TestFailTask(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()

	id := m.CreateTask("Fail", "x/y", "")
	if err := m.FailTask(id, "Process exited with code 1"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	meta, _ := m.GetTaskMetadata(id)
	if meta.Status != StatusFailed {
		t.Errorf("expected failed, got %s", meta.Status)
	}
	if meta.StatusMessage != "Process exited with code 1" {
		t.Errorf("unexpected message %q", meta.StatusMessage)
	}

	// Terminal: a second failure is a no-op.
	if err := m.FailTask(id, "other"); err != nil {
		t.Fatalf("FailTask on terminal task: %v", err)
	}
	meta, _ = m.GetTaskMetadata(id)
	if meta.StatusMessage != "Process exited with code 1" {
		t.Errorf("message overwritten on terminal task: %q", meta.StatusMessage)
	}
}

func TestNotFound(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()

	if err := m.HandleEvent("task_unknown", stepStart(t, "s")); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := m.FailTask("task_unknown", "x"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := m.CancelTask("task_unknown"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetTaskStatus("task_unknown"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if m.RemoveTask("task_unknown") {
		t.Error("RemoveTask on unknown id should return false")
	}
}

func TestAccumulatedTextCap(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()

	id := m.CreateTask("Big", "x/y", "")

	chunk := strings.Repeat("a", 600*1024)
	m.HandleEvent(id, textEvent(t, "s", chunk))
	m.HandleEvent(id, textEvent(t, "s", chunk))
	m.HandleEvent(id, textEvent(t, "s", "after the cap"))

	state, _ := m.GetTaskState(id)
	if len(state.AccumulatedText) != MaxAccumulatedText {
		t.Errorf("expected buffer pinned at cap %d, got %d",
			MaxAccumulatedText, len(state.AccumulatedText))
	}
	if !state.TextTruncated {
		t.Error("expected truncation warning flag")
	}
}

func TestListTasks(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()

	working := m.CreateTask("A", "x/y", "")
	done := m.CreateTask("B", "x/y", "")
	m.HandleEvent(done, stepFinish(t, "s", "stop"))

	active := m.ListActiveTasks()
	all := m.ListAllTasks()

	if len(all) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(all))
	}
	if len(active) != 1 || active[0].TaskID != working {
		t.Errorf("expected only the working task active, got %v", active)
	}

	// Active is a subset of all.
	ids := make(map[string]bool)
	for _, meta := range all {
		ids[meta.TaskID] = true
	}
	for _, meta := range active {
		if !ids[meta.TaskID] {
			t.Errorf("active task %s missing from all", meta.TaskID)
		}
	}
}

func TestPurgeTerminal(t *testing.T) {
	m := NewManager(testLogger())
	defer m.Cleanup()

	done := m.CreateTask("Done", "x/y", "")
	m.HandleEvent(done, stepFinish(t, "s", "stop"))
	live := m.CreateTask("Live", "x/y", "")

	time.Sleep(20 * time.Millisecond)

	if n := m.PurgeTerminal(10 * time.Millisecond); n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, err := m.GetTaskStatus(done); err != ErrNotFound {
		t.Error("terminal task should have been purged")
	}
	if _, err := m.GetTaskStatus(live); err != nil {
		t.Error("live task must survive the purge")
	}
}

func TestCleanup(t *testing.T) {
	m := NewManager(testLogger())

	m.CreateTask("A", "x/y", "")
	m.CreateTask("B", "x/y", "")
	m.Cleanup()

	if len(m.ListAllTasks()) != 0 {
		t.Error("Cleanup should empty the registry")
	}
}

func waitForStatus(t *testing.T, m *Manager, taskID string, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := m.GetTaskStatus(taskID)
		if err != nil {
			t.Fatalf("GetTaskStatus: %v", err)
		}
		if status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	status, _ := m.GetTaskStatus(taskID)
	t.Fatalf("timed out waiting for status %s, still %s", want, status)
}
