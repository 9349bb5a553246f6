// Package runner drives worker CLI child processes: it spawns them, streams
// their NDJSON stdout into the task manager, persists events, enforces the
// runtime timeout, and classifies exits.
package runner

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/taskmux/taskmux/internal/ndjson"
	"github.com/taskmux/taskmux/internal/persistence"
	"github.com/taskmux/taskmux/internal/protocol"
	"github.com/taskmux/taskmux/internal/task"
)

const (
	// DefaultTimeout is the hard cap on one worker invocation.
	DefaultTimeout = 15 * time.Minute

	// killGracePeriod is how long a signalled child gets before SIGKILL.
	killGracePeriod = 5 * time.Second
)

// Worker CLI argv vocabulary.
const (
	modelFlag     = "--model"
	formatFlag    = "--output-format"
	formatJSON    = "json"
	agentFlag     = "--agent"
	runSubcommand = "run"
	sessionFlag   = "--session"
)

// Runner owns the registry of live child processes. The task manager stays
// the only writer of task state; the runner is the only component feeding
// it events.
type Runner struct {
	manager *task.Manager
	store   *persistence.Store
	writer  *persistence.AsyncWriter
	logger  *slog.Logger

	workerCmd string
	timeout   time.Duration

	// procs maps each live child to its owning task. A respond
	// continuation can overlap the original invocation on the same task,
	// so the registry is keyed by process, not by task.
	mu    sync.Mutex
	procs map[*workerProc]string
}

type workerProc struct {
	cmd     *exec.Cmd
	respond bool
	timer   *time.Timer
}

// New creates a runner that spawns workerCmd.
func New(manager *task.Manager, store *persistence.Store, writer *persistence.AsyncWriter, workerCmd string, logger *slog.Logger) *Runner {
	return &Runner{
		manager:   manager,
		store:     store,
		writer:    writer,
		logger:    logger,
		workerCmd: workerCmd,
		timeout:   DefaultTimeout,
		procs:     make(map[*workerProc]string),
	}
}

// SetTimeout overrides the runtime cap. Used by tests.
func (r *Runner) SetTimeout(d time.Duration) {
	r.timeout = d
}

// Run spawns the worker for a freshly created task and blocks until the
// child has exited and its output is drained. Spawn and runtime failures
// are attributed to the task; the returned error reports only that the
// invocation ended abnormally.
func (r *Runner) Run(taskID, prompt, model, agent, outputGuidance string) error {
	if outputGuidance != "" {
		prompt = prompt + "\n\nOutput guidance: " + outputGuidance
	}

	args := []string{modelFlag, model, formatFlag, formatJSON}
	if agent != "" {
		args = append(args, agentFlag, agent)
	}
	args = append(args, prompt)

	return r.runProcess(taskID, args, false)
}

// Continue spawns a worker continuation against an existing session,
// reusing the task's event pipeline.
func (r *Runner) Continue(taskID, sessionID, response string) error {
	args := []string{runSubcommand, sessionFlag, sessionID, formatFlag, formatJSON, response}
	return r.runProcess(taskID, args, true)
}

func (r *Runner) runProcess(taskID string, args []string, respond bool) error {
	// argv goes straight to the OS; the worker command is never routed
	// through a shell.
	cmd := exec.Command(r.workerCmd, args...)
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.failSpawn(taskID, err)
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.failSpawn(taskID, err)
		return err
	}

	if err := cmd.Start(); err != nil {
		r.failSpawn(taskID, err)
		return err
	}

	r.logger.Info("worker started",
		"task_id", taskID,
		"pid", cmd.Process.Pid,
		"respond", respond)

	proc := &workerProc{cmd: cmd, respond: respond}
	proc.timer = time.AfterFunc(r.timeout, func() {
		r.onTimeout(taskID, proc)
	})

	r.mu.Lock()
	r.procs[proc] = taskID
	r.mu.Unlock()

	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		r.drainStderr(taskID, stderr)
	}()

	r.streamEvents(taskID, stdout)

	stderrWG.Wait()
	waitErr := cmd.Wait()

	proc.timer.Stop()
	r.mu.Lock()
	delete(r.procs, proc)
	r.mu.Unlock()

	r.classifyExit(taskID, waitErr)
	return waitErr
}

func (r *Runner) failSpawn(taskID string, err error) {
	r.logger.Error("failed to spawn worker", "task_id", taskID, "error", err)
	if ferr := r.manager.FailTask(taskID, fmt.Sprintf("Process error: %v", err)); ferr != nil {
		r.logger.Warn("could not fail task after spawn error", "task_id", taskID, "error", ferr)
	}
}

// streamEvents consumes stdout line by line until the pipe closes. Each
// parsed event goes to the manager synchronously and to the event log
// fire-and-forget.
func (r *Runner) streamEvents(taskID string, stdout io.Reader) {
	dec := ndjson.NewDecoder(stdout)
	sessionSaved := false

	for {
		line, err := dec.ReadLine()
		if err != nil {
			return
		}

		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}

		ev, err := protocol.ParseLine([]byte(trimmed))
		if err != nil {
			r.logger.Warn("dropping unparsable worker output line",
				"task_id", taskID,
				"line", dec.LineNum(),
				"error", err)
			continue
		}

		if err := r.manager.HandleEvent(taskID, ev); err != nil {
			r.logger.Warn("event for unknown task", "task_id", taskID, "error", err)
			continue
		}

		if !sessionSaved && ev.SessionID != "" {
			sessionSaved = true
			sessionID := ev.SessionID
			r.writer.Enqueue(func() {
				if err := r.store.SaveSessionMapping(sessionID, taskID); err != nil {
					r.logger.Warn("failed to save session mapping",
						"task_id", taskID, "error", err)
				}
			})
		}

		event := ev
		r.writer.Enqueue(func() {
			if err := r.store.AppendEvent(taskID, event); err != nil {
				r.logger.Warn("failed to append event",
					"task_id", taskID, "error", err)
			}
		})
	}
}

// drainStderr keeps the pipe empty and surfaces diagnostics. Stderr never
// influences task state, but rate-limit notices are worth loud logs.
func (r *Runner) drainStderr(taskID string, stderr io.Reader) {
	dec := ndjson.NewDecoder(stderr)
	for {
		line, err := dec.ReadLine()
		if err != nil {
			return
		}
		text := string(line)
		if isRateLimitNotice(text) {
			r.logger.Error("worker reported rate limiting",
				"task_id", taskID,
				"line", text)
			continue
		}
		r.logger.Debug("worker stderr", "task_id", taskID, "line", text)
	}
}

func isRateLimitNotice(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate-limit")
}

func (r *Runner) onTimeout(taskID string, proc *workerProc) {
	r.logger.Warn("worker timed out, killing",
		"task_id", taskID,
		"timeout", r.timeout)
	kill(proc.cmd, r.logger)
	if err := r.manager.FailTask(taskID, fmt.Sprintf("Process timed out after %d seconds", int(r.timeout.Seconds()))); err != nil {
		r.logger.Debug("timeout fail skipped", "task_id", taskID, "error", err)
	}
}

// classifyExit reconciles the final task status with how the child died.
// A task already terminal (completed via step_finish, cancelled, timed out)
// is left alone. A clean exit without a completion event stays working;
// non-compliant workers are not failures by themselves.
func (r *Runner) classifyExit(taskID string, waitErr error) {
	status, err := r.manager.GetTaskStatus(taskID)
	if err != nil || status.Terminal() {
		return
	}

	if waitErr == nil {
		return
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		r.failSpawn(taskID, waitErr)
		return
	}

	if sig := exitSignal(exitErr.ProcessState); sig != "" {
		r.manager.FailTask(taskID, fmt.Sprintf("Process killed by signal %s", sig))
		return
	}
	r.manager.FailTask(taskID, fmt.Sprintf("Process exited with code %d", exitErr.ExitCode()))
}

// Stop signals every live child of the task. Returns true iff at least one
// existed.
func (r *Runner) Stop(taskID string) bool {
	r.mu.Lock()
	var targets []*workerProc
	for proc, owner := range r.procs {
		if owner == taskID {
			targets = append(targets, proc)
		}
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return false
	}

	r.logger.Info("stopping worker", "task_id", taskID, "children", len(targets))
	for _, proc := range targets {
		kill(proc.cmd, r.logger)
	}
	return true
}

// StopAll terminates every live child. Used at shutdown.
func (r *Runner) StopAll() {
	r.mu.Lock()
	procs := make([]*workerProc, 0, len(r.procs))
	for proc := range r.procs {
		procs = append(procs, proc)
	}
	r.mu.Unlock()

	for _, proc := range procs {
		kill(proc.cmd, r.logger)
	}
}

// ActiveCount returns the number of live start invocations.
func (r *Runner) ActiveCount() int {
	return r.count(false)
}

// ActiveRespondCount returns the number of live continuation invocations.
func (r *Runner) ActiveRespondCount() int {
	return r.count(true)
}

func (r *Runner) count(respond bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for proc := range r.procs {
		if proc.respond == respond {
			n++
		}
	}
	return n
}
