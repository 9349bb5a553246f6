// Package server assembles the supervisor: persistence, task manager,
// process pool, worker runner, and the MCP control surface, plus shutdown
// and the terminal-task purge sweep.
package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/taskmux/taskmux/internal/config"
	"github.com/taskmux/taskmux/internal/persistence"
	"github.com/taskmux/taskmux/internal/pool"
	"github.com/taskmux/taskmux/internal/runner"
	"github.com/taskmux/taskmux/internal/task"
	"github.com/taskmux/taskmux/internal/tools"
)

// Name and Version identify the MCP implementation.
const (
	Name    = "taskmux"
	Version = "0.1.0"
)

// Server owns the collaborators for one supervisor process.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *task.Manager
	store   *persistence.Store
	writer  *persistence.AsyncWriter
	pool    *pool.Pool
	runner  *runner.Runner
	toolkit *tools.Toolkit
}

// New builds a server from configuration. A persistence failure is not
// fatal: the store disables itself and the supervisor serves from memory.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	baseDir := cfg.BaseDir
	if baseDir == "" {
		dir, err := persistence.DefaultBaseDir()
		if err != nil {
			return nil, err
		}
		baseDir = dir
	}

	store := persistence.NewStore(baseDir, logger)
	if err := store.Init(); err != nil {
		// Already logged by the store; tasks keep running in memory.
		logger.Warn("starting without persistence", "error", err)
	}

	manager := task.NewManager(logger)
	writer := persistence.NewAsyncWriter(persistence.DefaultWriterQueueSize, logger)
	p := pool.New(cfg.Pool.MaxConcurrent, logger)
	run := runner.New(manager, store, writer, cfg.Worker.Command, logger)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		store:   store,
		writer:  writer,
		pool:    p,
		runner:  run,
		toolkit: tools.New(manager, run, store, writer, p, cfg, logger),
	}
	manager.SetStatusCallback(s.onStatusChange)
	return s, nil
}

// Toolkit exposes the control tools, mainly for tests.
func (s *Server) Toolkit() *tools.Toolkit {
	return s.toolkit
}

// Run serves MCP on stdio until the context is cancelled or a shutdown
// signal arrives, then tears everything down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: Name, Version: Version}, nil)
	s.toolkit.Register(mcpServer)

	go s.purgeLoop(ctx)

	s.logger.Info("supervisor listening on stdio",
		"base_dir", s.store.BaseDir(),
		"worker", s.cfg.Worker.Command,
		"max_concurrent", s.cfg.Pool.MaxConcurrent)

	err := mcpServer.Run(ctx, &mcp.StdioTransport{})
	s.shutdown()

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// onStatusChange checkpoints metadata on every transition and writes the
// result record when the task turns terminal. Everything is fire-and-forget
// through the async writer; event handling never waits on disk.
func (s *Server) onStatusChange(taskID string, status task.Status, message string) {
	state, err := s.manager.GetTaskState(taskID)
	if err != nil {
		return
	}

	rec := &persistence.TaskRecord{
		TaskID:        state.TaskID,
		SessionID:     state.SessionID,
		Title:         state.Title,
		Model:         state.Model,
		Agent:         state.Agent,
		Status:        string(status),
		StatusMessage: message,
		CreatedAt:     state.CreatedAt.UTC(),
		LastEventAt:   state.LastEventAt.UTC(),
	}
	s.writer.Enqueue(func() {
		if err := s.store.SaveTaskMetadata(rec); err != nil {
			s.logger.Warn("failed to checkpoint task metadata",
				"task_id", taskID, "error", err)
		}
	})

	if !status.Terminal() {
		return
	}

	now := time.Now().UTC()
	result := &persistence.TaskResult{
		TaskID:        state.TaskID,
		Status:        string(status),
		StatusMessage: message,
		Output:        state.AccumulatedText,
		CompletedAt:   now,
		DurationMs:    now.Sub(state.CreatedAt).Milliseconds(),
	}
	s.writer.Enqueue(func() {
		if err := s.store.SaveResult(result); err != nil {
			s.logger.Warn("failed to save task result",
				"task_id", taskID, "error", err)
		}
	})
}

func (s *Server) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(task.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.manager.PurgeTerminal(task.CompletedTaskMaxAge)
		}
	}
}

func (s *Server) shutdown() {
	s.logger.Info("shutting down")
	s.runner.StopAll()
	s.manager.Cleanup()
	s.writer.Close()
}
