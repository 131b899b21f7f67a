package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"photorestore/core"
)

// DefaultTimeout bounds how long Shutdown waits for held restorations.
const DefaultTimeout = 60 * time.Second

// Manager composes the hold tracker, the cleanup registry and signal
// handling.
//
//	mgr := shutdown.NewManager(logger)
//	mgr.Register("history-db", 20, func(ctx context.Context) error {
//	    return db.Close()
//	})
//	mgr.Start()
//	defer mgr.Shutdown()
//
//	release, err := mgr.Hold("restore/" + runID)
//	if err != nil {
//	    return err
//	}
//	defer release()
//
// The first SIGINT/SIGTERM cancels Context(); a second one exits immediately.
type Manager struct {
	logger   *zap.Logger
	timeout  time.Duration
	mu       sync.Mutex
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc

	holds    *HoldTracker
	registry *Registry
	signals  *SignalCounter
	sigChan  chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets how long Shutdown waits for holds.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// withForceExit replaces os.Exit on the second signal. Used in tests.
func withForceExit(fn func()) ManagerOption {
	return func(m *Manager) {
		m.signals = NewSignalCounter(2, fn)
	}
}

// NewManager creates a Manager. Signals are not handled until Start.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger:   logger,
		timeout:  DefaultTimeout,
		ctx:      ctx,
		cancel:   cancel,
		holds:    NewHoldTracker(),
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 1),
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("Received second signal, forcing exit",
			zap.Int("active_holds", m.holds.Count()),
		)
		os.Exit(core.ExitCodeForced)
	})

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is cancelled when the first shutdown signal arrives or
// Shutdown is called.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup function; lower priorities run first.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("Registered shutdown handler",
		zap.String("name", name),
		zap.Int("priority", priority),
	)
}

// Hold keeps the process alive until the returned release func is called.
// Shutdown waits (up to its timeout) for outstanding holds.
func (m *Manager) Hold(name string) (func(), error) {
	release, err := m.holds.Acquire(name)
	if err != nil {
		m.logger.Debug("Hold rejected, shutting down", zap.String("hold", name))
		return nil, err
	}
	m.logger.Debug("Keep-alive hold acquired", zap.String("hold", name))
	return func() {
		release()
		m.logger.Debug("Keep-alive hold released", zap.String("hold", name))
	}, nil
}

// ActiveHolds returns the number of outstanding holds.
func (m *Manager) ActiveHolds() int {
	return m.holds.Count()
}

// Start begins handling SIGINT and SIGTERM. Repeated calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go m.handleSignals()
}

func (m *Manager) handleSignals() {
	for sig := range m.sigChan {
		if m.signals.Increment() == 1 {
			m.logger.Info("Received shutdown signal, cancelling",
				zap.String("signal", sig.String()),
				zap.Int("active_holds", m.holds.Count()),
			)
			m.cancel()
		}
	}
}

// Shutdown stops accepting holds, waits for outstanding holds, then runs
// cleanup functions with the remaining time (at least one second).
// Only the first call does anything.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	start := time.Now()
	m.holds.Close()

	if m.holds.Count() > 0 {
		for _, h := range m.holds.Active() {
			m.logger.Info("Waiting for hold",
				zap.String("hold", h.Name),
				zap.Duration("held_for", time.Since(h.Since)),
			)
		}
	}
	if err := m.holds.Wait(m.timeout); err != nil {
		m.logger.Warn("Timed out waiting for holds",
			zap.Duration("waited", time.Since(start)),
			zap.Int("remaining", m.holds.Count()),
		)
	}
	m.cancel()

	remaining := m.timeout - time.Since(start)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	m.logger.Debug("Running cleanup handlers", zap.Strings("handlers", m.registry.Names()))
	errs := m.registry.Shutdown(ctx)
	for _, err := range errs {
		m.logger.Error("Cleanup failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown had %d errors: %w", len(errs), errors.Join(errs...))
	}
	m.logger.Debug("Shutdown completed", zap.Duration("duration", time.Since(start)))
	return nil
}
