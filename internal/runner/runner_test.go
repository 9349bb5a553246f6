package runner

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskmux/taskmux/internal/persistence"
	"github.com/taskmux/taskmux/internal/protocol"
	"github.com/taskmux/taskmux/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildMockWorker(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mockworker")
	cmd := exec.Command("go", "build", "-o", path, "../../cmd/mockworker")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to build mockworker: %v\n%s", err, output)
	}
	return path
}

type fixture struct {
	manager *task.Manager
	store   *persistence.Store
	writer  *persistence.AsyncWriter
	runner  *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := testLogger()
	manager := task.NewManager(logger)
	t.Cleanup(manager.Cleanup)

	store := persistence.NewStore(filepath.Join(t.TempDir(), "base"), logger)
	if err := store.Init(); err != nil {
		t.Fatalf("store init: %v", err)
	}

	writer := persistence.NewAsyncWriter(64, logger)
	t.Cleanup(writer.Close)

	return &fixture{
		manager: manager,
		store:   store,
		writer:  writer,
		runner:  New(manager, store, writer, buildMockWorker(t), logger),
	}
}

func (f *fixture) waitForStatus(t *testing.T, taskID string, want task.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := f.manager.GetTaskStatus(taskID)
		if err != nil {
			t.Fatalf("GetTaskStatus: %v", err)
		}
		if status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	status, _ := f.manager.GetTaskStatus(taskID)
	t.Fatalf("timed out waiting for %s, still %s", want, status)
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)

	taskID := f.manager.CreateTask("Happy", "x/y", "")
	if err := f.runner.Run(taskID, "do the thing", "x/y", "", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state, err := f.manager.GetTaskState(taskID)
	if err != nil {
		t.Fatalf("GetTaskState: %v", err)
	}
	if state.Status != task.StatusCompleted {
		t.Errorf("expected completed, got %s (%s)", state.Status, state.StatusMessage)
	}
	if state.SessionID != "ses_mock0001" {
		t.Errorf("sessionID not adopted from stream: %q", state.SessionID)
	}
	if state.AccumulatedText != "Done." {
		t.Errorf("unexpected accumulated text %q", state.AccumulatedText)
	}
	if f.runner.ActiveCount() != 0 {
		t.Error("runner should have no live children")
	}
}

func TestRunPersistsEventsAndSession(t *testing.T) {
	f := newFixture(t)

	taskID := f.manager.CreateTask("Persist", "x/y", "")
	if err := f.runner.Run(taskID, "persist me", "x/y", "build", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Drain the async writer before inspecting disk.
	f.writer.Close()

	events, err := f.store.LoadEvents(taskID)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 persisted events, got %d", len(events))
	}
	if events[0].Type != protocol.EventStepStart || events[2].Type != protocol.EventStepFinish {
		t.Errorf("events out of order: %s … %s", events[0].Type, events[2].Type)
	}

	mapped, err := f.store.GetTaskIDBySession("ses_mock0001")
	if err != nil {
		t.Fatalf("GetTaskIDBySession: %v", err)
	}
	if mapped != taskID {
		t.Errorf("session mapping not saved: %q", mapped)
	}
}

// Scenario: worker non-zero exit.
func TestRunNonZeroExit(t *testing.T) {
	f := newFixture(t)

	taskID := f.manager.CreateTask("Broken", "x/y", "")
	if err := f.runner.Run(taskID, "scenario=exit2", "x/y", "", ""); err == nil {
		t.Error("expected an exit error from Run")
	}

	meta, _ := f.manager.GetTaskMetadata(taskID)
	if meta.Status != task.StatusFailed {
		t.Errorf("expected failed, got %s", meta.Status)
	}
	if meta.StatusMessage != "Process exited with code 2" {
		t.Errorf("unexpected message %q", meta.StatusMessage)
	}
	if f.runner.ActiveCount() != 0 {
		t.Error("no child should remain in the runner's map")
	}
}

func TestRunCleanExitWithoutCompletionStaysWorking(t *testing.T) {
	f := newFixture(t)

	taskID := f.manager.CreateTask("Silent", "x/y", "")
	if err := f.runner.Run(taskID, "scenario=silent", "x/y", "", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status, _ := f.manager.GetTaskStatus(taskID)
	if status != task.StatusWorking {
		t.Errorf("missing completion is not a failure; expected working, got %s", status)
	}
}

// Scenario: cancel. The child is signalled and a late completion event
// cannot resurrect the task.
func TestStopAndCancel(t *testing.T) {
	f := newFixture(t)

	taskID := f.manager.CreateTask("Hang", "x/y", "")
	done := make(chan error, 1)
	go func() {
		done <- f.runner.Run(taskID, "scenario=hang", "x/y", "", "")
	}()

	waitFor(t, func() bool { return f.runner.ActiveCount() == 1 })

	if err := f.manager.CancelTask(taskID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !f.runner.Stop(taskID) {
		t.Fatal("Stop should find a live child")
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("child did not die after Stop")
	}

	status, _ := f.manager.GetTaskStatus(taskID)
	if status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %s", status)
	}
	if f.runner.Stop(taskID) {
		t.Error("Stop on a dead task should return false")
	}
}

func TestTimeout(t *testing.T) {
	f := newFixture(t)
	f.runner.SetTimeout(300 * time.Millisecond)

	taskID := f.manager.CreateTask("Slow", "x/y", "")
	done := make(chan struct{})
	go func() {
		f.runner.Run(taskID, "scenario=hang", "x/y", "", "")
		close(done)
	}()

	f.waitForStatus(t, taskID, task.StatusFailed, 10*time.Second)

	meta, _ := f.manager.GetTaskMetadata(taskID)
	if !strings.HasPrefix(meta.StatusMessage, "Process timed out after ") {
		t.Errorf("unexpected timeout message %q", meta.StatusMessage)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("child survived the timeout kill")
	}
}

func TestSpawnError(t *testing.T) {
	logger := testLogger()
	manager := task.NewManager(logger)
	defer manager.Cleanup()

	store := persistence.NewStore(filepath.Join(t.TempDir(), "base"), logger)
	if err := store.Init(); err != nil {
		t.Fatalf("store init: %v", err)
	}
	writer := persistence.NewAsyncWriter(16, logger)
	defer writer.Close()

	r := New(manager, store, writer, filepath.Join(t.TempDir(), "does-not-exist"), logger)

	taskID := manager.CreateTask("Spawn", "x/y", "")
	if err := r.Run(taskID, "hello", "x/y", "", ""); err == nil {
		t.Error("expected spawn error")
	}

	meta, _ := manager.GetTaskMetadata(taskID)
	if meta.Status != task.StatusFailed {
		t.Errorf("expected failed, got %s", meta.Status)
	}
	if want := "Process error: "; len(meta.StatusMessage) < len(want) || meta.StatusMessage[:len(want)] != want {
		t.Errorf("unexpected message %q", meta.StatusMessage)
	}
}

func TestContinueRunsSameTask(t *testing.T) {
	f := newFixture(t)

	taskID := f.manager.CreateTask("Respond", "x/y", "")
	if err := f.runner.Run(taskID, "scenario=silent", "x/y", "", ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := f.runner.Continue(taskID, "ses_mock0001", "yes please"); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	state, _ := f.manager.GetTaskState(taskID)
	if state.Status != task.StatusCompleted {
		t.Errorf("expected completed after continuation, got %s", state.Status)
	}
	if state.AccumulatedText != "Continued." {
		t.Errorf("unexpected accumulated text %q", state.AccumulatedText)
	}
}

func TestStopAll(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 2; i++ {
		taskID := f.manager.CreateTask(fmt.Sprintf("Hang %d", i), "x/y", "")
		ids = append(ids, taskID)
		go f.runner.Run(taskID, "scenario=hang", "x/y", "", "")
	}
	waitFor(t, func() bool { return f.runner.ActiveCount() == 2 })

	f.runner.StopAll()
	waitFor(t, func() bool { return f.runner.ActiveCount() == 0 })

	for _, taskID := range ids {
		f.manager.CancelTask(taskID)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
