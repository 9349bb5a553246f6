// Package tools implements the five MCP control tools: start, list,
// respond, cancel, and health. Each tool is a thin adapter that validates
// its input and translates it into task manager / runner calls; all state
// lives in the injected collaborators.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/taskmux/taskmux/internal/config"
	"github.com/taskmux/taskmux/internal/persistence"
	"github.com/taskmux/taskmux/internal/pool"
	"github.com/taskmux/taskmux/internal/runner"
	"github.com/taskmux/taskmux/internal/task"
)

// Input bounds.
const (
	maxTaskLen     = 100000
	maxGuidanceLen = 10000
	maxResponseLen = 50000
	maxTitleLen    = 256
	maxModelLen    = 128

	titlePreviewLen = 50

	cliCheckTimeout = 5 * time.Second
)

var modelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+/[A-Za-z0-9._/-]+$`)

// ValidationError reports a rejected tool input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Toolkit bundles the collaborators the tools operate on.
type Toolkit struct {
	manager *task.Manager
	runner  *runner.Runner
	store   *persistence.Store
	writer  *persistence.AsyncWriter
	pool    *pool.Pool
	cfg     *config.Config
	logger  *slog.Logger
}

// New creates a toolkit around the given collaborators.
func New(manager *task.Manager, run *runner.Runner, store *persistence.Store, writer *persistence.AsyncWriter, p *pool.Pool, cfg *config.Config, logger *slog.Logger) *Toolkit {
	return &Toolkit{
		manager: manager,
		runner:  run,
		store:   store,
		writer:  writer,
		pool:    p,
		cfg:     cfg,
		logger:  logger,
	}
}

// StartArgs is the input for the start tool.
type StartArgs struct {
	Task           string `json:"task" jsonschema:"The task for the worker to perform"`
	Agent          string `json:"agent,omitempty" jsonschema:"Worker agent mode: explore, plan, or build"`
	Model          string `json:"model,omitempty" jsonschema:"Model override in provider/name form"`
	OutputGuidance string `json:"outputGuidance,omitempty" jsonschema:"Extra guidance on the desired output shape"`
	SessionTitle   string `json:"sessionTitle,omitempty" jsonschema:"Short human-readable title for the task"`
}

// StartOutput is returned by the start tool.
type StartOutput struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// Start validates the request, registers the task, and hands the worker
// invocation to the pool. It returns before the worker produces output.
func (t *Toolkit) Start(args StartArgs) (*StartOutput, error) {
	if strings.TrimSpace(args.Task) == "" {
		return nil, &ValidationError{Field: "task", Reason: "must not be empty"}
	}
	if len(args.Task) > maxTaskLen {
		return nil, &ValidationError{Field: "task", Reason: fmt.Sprintf("exceeds %d characters", maxTaskLen)}
	}
	if len(args.OutputGuidance) > maxGuidanceLen {
		return nil, &ValidationError{Field: "outputGuidance", Reason: fmt.Sprintf("exceeds %d characters", maxGuidanceLen)}
	}
	if len(args.SessionTitle) > maxTitleLen {
		return nil, &ValidationError{Field: "sessionTitle", Reason: fmt.Sprintf("exceeds %d characters", maxTitleLen)}
	}

	model := t.cfg.Model
	if args.Model != "" {
		if len(args.Model) > maxModelLen {
			return nil, &ValidationError{Field: "model", Reason: fmt.Sprintf("exceeds %d characters", maxModelLen)}
		}
		if !modelPattern.MatchString(args.Model) {
			return nil, &ValidationError{Field: "model", Reason: "must match provider/name"}
		}
		model = args.Model
	}

	agent := t.cfg.Defaults.Agent
	if args.Agent != "" {
		if !task.ValidAgent(args.Agent) {
			return nil, &ValidationError{Field: "agent", Reason: "must be one of explore, plan, build"}
		}
		agent = args.Agent
	}

	title := args.SessionTitle
	if title == "" {
		title = composeTitle(args.Task)
	}

	taskID := t.manager.CreateTask(title, model, agent)
	t.checkpoint(taskID)

	taskText := args.Task
	guidance := args.OutputGuidance
	go func() {
		err := t.pool.Execute(func() error {
			return t.runner.Run(taskID, taskText, model, agent, guidance)
		})
		if err != nil {
			t.logger.Debug("worker invocation ended abnormally",
				"task_id", taskID, "error", err)
		}
	}()

	return &StartOutput{TaskID: taskID, SessionID: "", Status: string(task.StatusWorking)}, nil
}

func composeTitle(taskText string) string {
	trimmed := strings.TrimSpace(taskText)
	if len(trimmed) > titlePreviewLen {
		return "Task: " + trimmed[:titlePreviewLen] + "…"
	}
	return "Task: " + trimmed
}

// checkpoint persists the task's current metadata, fire-and-forget.
func (t *Toolkit) checkpoint(taskID string) {
	meta, err := t.manager.GetTaskMetadata(taskID)
	if err != nil {
		return
	}
	rec := recordFromMetadata(meta)
	t.writer.Enqueue(func() {
		if err := t.store.SaveTaskMetadata(rec); err != nil {
			t.logger.Warn("failed to checkpoint task metadata",
				"task_id", taskID, "error", err)
		}
	})
}

func recordFromMetadata(meta *task.Metadata) *persistence.TaskRecord {
	return &persistence.TaskRecord{
		TaskID:        meta.TaskID,
		SessionID:     meta.SessionID,
		Title:         meta.Title,
		Model:         meta.Model,
		Agent:         meta.Agent,
		Status:        string(meta.Status),
		StatusMessage: meta.StatusMessage,
		CreatedAt:     meta.CreatedAt.UTC(),
		LastEventAt:   meta.LastEventAt.UTC(),
	}
}

// ListArgs is the input for the list tool.
type ListArgs struct {
	Status string `json:"status,omitempty" jsonschema:"Filter: active (default) or all"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of tasks to return (default 10)"`
}

// TaskSummary is one row of the list output.
type TaskSummary struct {
	TaskID      string `json:"taskId"`
	SessionID   string `json:"sessionId"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Model       string `json:"model"`
	Agent       string `json:"agent,omitempty"`
	CreatedAt   string `json:"createdAt"`
	LastEventAt string `json:"lastEventAt"`
}

// ListOutput is returned by the list tool.
type ListOutput struct {
	Sessions []TaskSummary `json:"sessions"`
	Total    int           `json:"total"`
}

// List returns the most recently active tasks.
func (t *Toolkit) List(args ListArgs) (*ListOutput, error) {
	status := args.Status
	if status == "" {
		status = "active"
	}
	if status != "active" && status != "all" {
		return nil, &ValidationError{Field: "status", Reason: "must be active or all"}
	}

	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}

	var metas []*task.Metadata
	if status == "active" {
		metas = t.manager.ListActiveTasks()
	} else {
		metas = t.manager.ListAllTasks()
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].LastEventAt.After(metas[j].LastEventAt)
	})

	total := len(metas)
	if len(metas) > limit {
		metas = metas[:limit]
	}

	sessions := make([]TaskSummary, 0, len(metas))
	for _, meta := range metas {
		sessions = append(sessions, TaskSummary{
			TaskID:      meta.TaskID,
			SessionID:   meta.SessionID,
			Title:       meta.Title,
			Status:      string(meta.Status),
			Model:       meta.Model,
			Agent:       meta.Agent,
			CreatedAt:   meta.CreatedAt.UTC().Format(time.RFC3339),
			LastEventAt: meta.LastEventAt.UTC().Format(time.RFC3339),
		})
	}

	return &ListOutput{Sessions: sessions, Total: total}, nil
}

// RespondArgs is the input for the respond tool.
type RespondArgs struct {
	TaskID   string `json:"taskId" jsonschema:"The task waiting for input"`
	Response string `json:"response" jsonschema:"The user's answer to forward to the worker"`
}

// RespondOutput is returned by the respond tool.
type RespondOutput struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Respond forwards an answer to a task waiting for input. Precondition
// violations come back as a document describing the state, not an error.
func (t *Toolkit) Respond(args RespondArgs) (*RespondOutput, error) {
	if strings.TrimSpace(args.Response) == "" {
		return nil, &ValidationError{Field: "response", Reason: "must not be empty"}
	}
	if len(args.Response) > maxResponseLen {
		return nil, &ValidationError{Field: "response", Reason: fmt.Sprintf("exceeds %d characters", maxResponseLen)}
	}

	meta, err := t.manager.GetTaskMetadata(args.TaskID)
	if err != nil {
		return &RespondOutput{
			TaskID:  args.TaskID,
			Status:  string(task.StatusFailed),
			Message: fmt.Sprintf("Task not found: %s", args.TaskID),
		}, nil
	}
	if meta.Status != task.StatusInputRequired {
		return &RespondOutput{
			TaskID:  args.TaskID,
			Status:  string(meta.Status),
			Message: fmt.Sprintf("Task is not waiting for input (status: %s)", meta.Status),
		}, nil
	}
	if meta.SessionID == "" {
		return &RespondOutput{
			TaskID:  args.TaskID,
			Status:  string(meta.Status),
			Message: "Task has no session yet; cannot respond",
		}, nil
	}

	taskID := args.TaskID
	sessionID := meta.SessionID
	response := args.Response
	go func() {
		err := t.pool.Execute(func() error {
			return t.runner.Continue(taskID, sessionID, response)
		})
		if err != nil {
			t.logger.Debug("continuation ended abnormally",
				"task_id", taskID, "error", err)
		}
	}()

	return &RespondOutput{
		TaskID:  args.TaskID,
		Status:  string(task.StatusWorking),
		Message: "Response sent to worker session",
	}, nil
}

// CancelArgs is the input for the cancel tool.
type CancelArgs struct {
	TaskID string `json:"taskId" jsonschema:"The task to cancel"`
}

// CancelOutput is returned by the cancel tool.
type CancelOutput struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Cancel marks the task cancelled and kills its worker, if one is live.
// The task is cancelled before the kill so the exit classification cannot
// misattribute the signal to a worker failure.
func (t *Toolkit) Cancel(args CancelArgs) (*CancelOutput, error) {
	status, err := t.manager.GetTaskStatus(args.TaskID)
	if err != nil {
		return &CancelOutput{
			TaskID:  args.TaskID,
			Status:  string(task.StatusFailed),
			Message: fmt.Sprintf("Task not found: %s", args.TaskID),
		}, nil
	}
	if status.Terminal() {
		return &CancelOutput{
			TaskID:  args.TaskID,
			Status:  string(status),
			Message: fmt.Sprintf("Task is already in terminal state: %s", status),
		}, nil
	}

	if err := t.manager.CancelTask(args.TaskID); err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	killed := t.runner.Stop(args.TaskID)

	message := "Task cancelled"
	if killed {
		message = "Task cancelled and worker process terminated"
	}
	return &CancelOutput{
		TaskID:  args.TaskID,
		Status:  string(task.StatusCancelled),
		Message: message,
	}, nil
}

// HealthArgs is the input for the health tool. No arguments needed.
type HealthArgs struct{}

// CLIHealth reports whether the worker CLI is executable.
type CLIHealth struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ConfigHealth echoes the effective configuration.
type ConfigHealth struct {
	PrimaryModel  string `json:"primaryModel"`
	FallbackModel string `json:"fallbackModel,omitempty"`
	DefaultAgent  string `json:"defaultAgent,omitempty"`
}

// TaskGauges reports registry and process counts.
type TaskGauges struct {
	Active                 int `json:"active"`
	Total                  int `json:"total"`
	ActiveProcesses        int `json:"activeProcesses"`
	ActiveRespondProcesses int `json:"activeRespondProcesses"`
}

// HealthOutput is returned by the health tool.
type HealthOutput struct {
	CLI    CLIHealth    `json:"cli"`
	Config ConfigHealth `json:"config"`
	Pool   pool.Status  `json:"pool"`
	Tasks  TaskGauges   `json:"tasks"`
}

// Health reports worker CLI availability, configuration, and gauges.
func (t *Toolkit) Health(ctx context.Context) (*HealthOutput, error) {
	return &HealthOutput{
		CLI: t.checkCLI(ctx),
		Config: ConfigHealth{
			PrimaryModel:  t.cfg.Model,
			FallbackModel: t.cfg.FallbackModel,
			DefaultAgent:  t.cfg.Defaults.Agent,
		},
		Pool: t.pool.GetStatus(),
		Tasks: TaskGauges{
			Active:                 len(t.manager.ListActiveTasks()),
			Total:                  len(t.manager.ListAllTasks()),
			ActiveProcesses:        t.runner.ActiveCount(),
			ActiveRespondProcesses: t.runner.ActiveRespondCount(),
		},
	}, nil
}

func (t *Toolkit) checkCLI(ctx context.Context) CLIHealth {
	ctx, cancel := context.WithTimeout(ctx, cliCheckTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, t.cfg.Worker.Command, "--version").Output()
	if err != nil {
		return CLIHealth{Available: false, Error: err.Error()}
	}

	version := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	return CLIHealth{Available: true, Version: version}
}
