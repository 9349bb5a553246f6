package persistence

import (
	"log/slog"
	"sync"
)

// DefaultWriterQueueSize bounds the number of pending persistence
// operations before new ones are dropped.
const DefaultWriterQueueSize = 256

// AsyncWriter decouples persistence I/O from the event hot path. Operations
// are enqueued fire-and-forget and executed by a single background
// goroutine, which also serializes them. When the queue is full the newest
// operation is dropped with a warning; in-memory state stays authoritative,
// so a dropped checkpoint only widens the recovery gap.
type AsyncWriter struct {
	ops    chan func()
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAsyncWriter starts the background writer.
func NewAsyncWriter(queueSize int, logger *slog.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = DefaultWriterQueueSize
	}
	w := &AsyncWriter{
		ops:    make(chan func(), queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for op := range w.ops {
		op()
	}
}

// Enqueue schedules op for execution. Drops the op (drop-newest) when the
// queue is full or the writer is closed.
func (w *AsyncWriter) Enqueue(op func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ops <- op:
	default:
		w.logger.Warn("persistence queue full, dropping write",
			"queue_size", cap(w.ops))
	}
}

// Close drains pending operations and stops the writer. Subsequent
// Enqueue calls are dropped silently.
func (w *AsyncWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()

	<-w.done
}
