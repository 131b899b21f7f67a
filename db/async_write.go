package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"photorestore/restore"
)

// Defaults for the async writer
const (
	DefaultChannelCapacity = 64
	DefaultDrainTimeout    = 10 * time.Second
)

// AsyncWriter queues items on a buffered channel and hands them to a
// handler on one background goroutine. Write never blocks; when the buffer
// is full the item is dropped and Write reports false.
type AsyncWriter[T any] struct {
	items   chan T
	handler func(T) error
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	dropped int
}

// NewAsyncWriter creates a writer with the given buffer capacity.
func NewAsyncWriter[T any](capacity int, handler func(T) error, logger *zap.Logger) *AsyncWriter[T] {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncWriter[T]{
		items:   make(chan T, capacity),
		handler: handler,
		logger:  logger,
	}
}

// Start launches the background goroutine. Extra calls are no-ops.
func (w *AsyncWriter[T]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.process()
}

func (w *AsyncWriter[T]) process() {
	defer w.wg.Done()
	for item := range w.items {
		if err := w.handler(item); err != nil {
			w.logger.Warn("Async write failed", zap.Error(err))
		}
	}
}

// Write queues item. It returns false if the writer is closed or full.
func (w *AsyncWriter[T]) Write(item T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.items <- item:
		return true
	default:
		w.dropped++
		return false
	}
}

// Pending returns the number of queued items.
func (w *AsyncWriter[T]) Pending() int {
	return len(w.items)
}

// Dropped returns how many items were rejected because the buffer was full.
func (w *AsyncWriter[T]) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close stops accepting items and waits for queued ones to be handled or
// for ctx to expire. Close is safe to call multiple times.
func (w *AsyncWriter[T]) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.items)
		if !w.started {
			// drain on a goroutine anyway so queued items are not lost
			w.started = true
			w.wg.Add(1)
			go w.process()
		}
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunRecorder persists restore.RunRecord values through an AsyncWriter.
// It implements restore.Recorder.
type RunRecorder struct {
	writer *AsyncWriter[restore.RunRecord]
	logger *zap.Logger
}

// NewRunRecorder creates and starts a recorder writing to repo.
func NewRunRecorder(repo *Repository, logger *zap.Logger) *RunRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := NewAsyncWriter(DefaultChannelCapacity, func(rec restore.RunRecord) error {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultDrainTimeout)
		defer cancel()
		return repo.InsertRun(ctx, rec)
	}, logger)
	w.Start()
	return &RunRecorder{writer: w, logger: logger}
}

// Record queues rec for insertion.
func (r *RunRecorder) Record(rec restore.RunRecord) {
	if !r.writer.Write(rec) {
		r.logger.Warn("Run history write dropped", zap.String("run_id", rec.ID))
	}
}

// Close flushes queued records.
func (r *RunRecorder) Close(ctx context.Context) error {
	return r.writer.Close(ctx)
}
