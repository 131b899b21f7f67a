// lifecycle.go implements the Manager that owns the heavy models.
//
// At most one heavy model (encoder or denoiser) is resident at any instant.
// Models are only reachable through scoped acquisition (WithEncoder,
// WithDenoiser), which releases the model and requests memory reclamation on
// every exit path, including panics.
package modelruntime

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Action is a lifecycle transition reported to an Observer.
type Action string

const (
	ActionAcquire Action = "acquire"
	ActionRelease Action = "release"
	ActionReclaim Action = "reclaim"
)

// Event describes one lifecycle transition.
type Event struct {
	Kind   Kind // empty for ActionReclaim
	Action Action
	At     time.Time
}

// Observer receives lifecycle events synchronously.
type Observer func(Event)

// ReclaimFunc performs a best-effort memory reclamation pass.
type ReclaimFunc func()

// handle tracks a single model slot.
type handle[M any] struct {
	kind     Kind
	state    State
	model    M
	loadedAt time.Time
}

// Manager governs load/unload ordering of the encoder and denoiser.
type Manager struct {
	mu       sync.Mutex
	loader   Loader
	logger   *zap.Logger
	observer Observer
	reclaim  ReclaimFunc
	timeout  time.Duration
	budget   *MemoryBudget
	closed   bool

	encoder  handle[EncoderModel]
	denoiser handle[DenoiserModel]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver installs an observer for acquire/release/reclaim events.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithReclaimFunc replaces the default reclamation pass.
func WithReclaimFunc(fn ReclaimFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.reclaim = fn
		}
	}
}

// WithLoadTimeout bounds each model load. Zero disables the bound.
func WithLoadTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithMemoryBudget sets the budget consulted by Reserve.
func WithMemoryBudget(b *MemoryBudget) ManagerOption {
	return func(m *Manager) {
		m.budget = b
	}
}

// NewManager creates a Manager with both models unloaded.
func NewManager(loader Loader, opts ...ManagerOption) *Manager {
	m := &Manager{
		loader:   loader,
		logger:   zap.NewNop(),
		timeout:  DefaultLoadTimeoutSeconds * time.Second,
		budget:   NewMemoryBudget(0),
		encoder:  handle[EncoderModel]{kind: KindEncoder},
		denoiser: handle[DenoiserModel]{kind: KindDenoiser},
	}
	m.reclaim = m.defaultReclaim

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithEncoder loads the encoder, runs fn, then unloads the encoder and
// requests reclamation before returning.
func (m *Manager) WithEncoder(ctx context.Context, fn func(Encoder) error) (err error) {
	enc, err := m.acquireEncoder(ctx)
	if err != nil {
		return err
	}
	defer func() {
		m.release(KindEncoder)
		m.Reclaim()
	}()
	return fn(enc)
}

// WithDenoiser loads the denoiser, runs fn, then unloads the denoiser.
// The denoiser stays loaded for every call fn makes.
func (m *Manager) WithDenoiser(ctx context.Context, fn func(Denoiser) error) (err error) {
	den, err := m.acquireDenoiser(ctx)
	if err != nil {
		return err
	}
	defer func() {
		m.release(KindDenoiser)
		m.Reclaim()
	}()
	return fn(den)
}

func (m *Manager) acquireEncoder(ctx context.Context) (EncoderModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAcquire(KindEncoder, m.encoder.state, m.denoiser.state); err != nil {
		return nil, err
	}

	loadCtx, cancel := m.loadContext(ctx)
	defer cancel()

	start := time.Now()
	model, err := m.loader.LoadEncoder(loadCtx)
	if err != nil {
		return nil, m.loadError(KindEncoder, err)
	}

	m.encoder.state = StateLoaded
	m.encoder.model = model
	m.encoder.loadedAt = time.Now()
	m.logger.Info("Model loaded",
		zap.String("model", string(KindEncoder)),
		zap.Duration("load_time", time.Since(start)),
	)
	m.notify(KindEncoder, ActionAcquire)
	return model, nil
}

func (m *Manager) acquireDenoiser(ctx context.Context) (DenoiserModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkAcquire(KindDenoiser, m.denoiser.state, m.encoder.state); err != nil {
		return nil, err
	}

	loadCtx, cancel := m.loadContext(ctx)
	defer cancel()

	start := time.Now()
	model, err := m.loader.LoadDenoiser(loadCtx)
	if err != nil {
		return nil, m.loadError(KindDenoiser, err)
	}

	m.denoiser.state = StateLoaded
	m.denoiser.model = model
	m.denoiser.loadedAt = time.Now()
	m.logger.Info("Model loaded",
		zap.String("model", string(KindDenoiser)),
		zap.Duration("load_time", time.Since(start)),
	)
	m.notify(KindDenoiser, ActionAcquire)
	return model, nil
}

// checkAcquire must be called with mu held.
func (m *Manager) checkAcquire(kind Kind, own, other State) error {
	if m.closed {
		return ErrManagerClosed
	}
	if own == StateLoaded {
		return fmt.Errorf("%w: %s", ErrAlreadyAcquired, kind)
	}
	if other == StateLoaded {
		return fmt.Errorf("%w: cannot load %s", ErrResidencyViolation, kind)
	}
	return nil
}

func (m *Manager) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) loadError(kind Kind, err error) error {
	m.logger.Error("Model load failed",
		zap.String("model", string(kind)),
		zap.Error(err),
	)
	if IsOutOfMemory(err) || IsModelUnavailable(err) {
		return fmt.Errorf("load %s: %w", kind, err)
	}
	return fmt.Errorf("%w: load %s: %v", ErrModelUnavailable, kind, err)
}

// release unloads the model in the given slot. Close errors are logged:
// by the time a release runs the stage's result is already decided.
func (m *Manager) release(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		closeErr error
		loadedAt time.Time
	)
	switch kind {
	case KindEncoder:
		if m.encoder.state != StateLoaded {
			return
		}
		closeErr = m.encoder.model.Close()
		loadedAt = m.encoder.loadedAt
		m.encoder = handle[EncoderModel]{kind: KindEncoder}
	case KindDenoiser:
		if m.denoiser.state != StateLoaded {
			return
		}
		closeErr = m.denoiser.model.Close()
		loadedAt = m.denoiser.loadedAt
		m.denoiser = handle[DenoiserModel]{kind: KindDenoiser}
	default:
		return
	}

	if closeErr != nil {
		m.logger.Warn("Model unload reported an error",
			zap.String("model", string(kind)),
			zap.Error(closeErr),
		)
	}
	m.logger.Info("Model released",
		zap.String("model", string(kind)),
		zap.Duration("resident_for", time.Since(loadedAt)),
	)
	m.notify(kind, ActionRelease)
}

// Reclaim runs the reclamation pass.
func (m *Manager) Reclaim() {
	m.reclaim()
	m.notify("", ActionReclaim)
}

func (m *Manager) defaultReclaim() {
	runtime.GC()
	debug.FreeOSMemory()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.logger.Debug("Memory reclaimed",
		zap.String("heap_alloc", humanize.IBytes(ms.HeapAlloc)),
		zap.String("heap_sys", humanize.IBytes(ms.HeapSys)),
		zap.String("heap_released", humanize.IBytes(ms.HeapReleased)),
	)
}

func (m *Manager) notify(kind Kind, action Action) {
	if m.observer != nil {
		m.observer(Event{Kind: kind, Action: action, At: time.Now()})
	}
}

// Reserve checks that an allocation of n bytes fits the memory budget.
func (m *Manager) Reserve(what string, n int64) error {
	return m.budget.Reserve(what, n)
}

// State returns the residency state of the given model.
func (m *Manager) State(kind Kind) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case KindEncoder:
		return m.encoder.state
	case KindDenoiser:
		return m.denoiser.state
	default:
		return StateUnloaded
	}
}

// Close rejects further acquisitions and unloads anything still resident.
// Close is safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.release(KindEncoder)
	m.release(KindDenoiser)
	return nil
}
