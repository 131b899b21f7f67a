package modelruntime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"photorestore/tensor"
)

// recorder collects lifecycle events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) observe(e Event) {
	if e.Action == ActionReclaim {
		r.add("reclaim")
		return
	}
	r.add(string(e.Action) + ":" + string(e.Kind))
}

type fakeEncoder struct {
	rec    *recorder
	closed bool
}

func (f *fakeEncoder) Encode(ctx context.Context, img *tensor.Image) (map[string][]float32, error) {
	return map[string][]float32{"embedding": make([]float32, 512)}, nil
}

func (f *fakeEncoder) Close() error {
	f.closed = true
	f.rec.add("close:encoder")
	return nil
}

type fakeDenoiser struct {
	rec    *recorder
	closed bool
}

func (f *fakeDenoiser) Denoise(ctx context.Context, req DenoiseRequest) (*tensor.Image, error) {
	return req.Noisy.Clone(), nil
}

func (f *fakeDenoiser) Close() error {
	f.closed = true
	f.rec.add("close:denoiser")
	return nil
}

type fakeLoader struct {
	rec         *recorder
	encoderErr  error
	denoiserErr error
	encoder     *fakeEncoder
	denoiser    *fakeDenoiser
}

func (l *fakeLoader) LoadEncoder(ctx context.Context) (EncoderModel, error) {
	if l.encoderErr != nil {
		return nil, l.encoderErr
	}
	l.encoder = &fakeEncoder{rec: l.rec}
	return l.encoder, nil
}

func (l *fakeLoader) LoadDenoiser(ctx context.Context) (DenoiserModel, error) {
	if l.denoiserErr != nil {
		return nil, l.denoiserErr
	}
	l.denoiser = &fakeDenoiser{rec: l.rec}
	return l.denoiser, nil
}

func newTestManager(loader *fakeLoader, rec *recorder) *Manager {
	return NewManager(loader,
		WithObserver(rec.observe),
		WithReclaimFunc(func() {}),
	)
}

func TestManager_EncoderReleasedBeforeDenoiserAcquired(t *testing.T) {
	rec := &recorder{}
	loader := &fakeLoader{rec: rec}
	mgr := newTestManager(loader, rec)

	if err := mgr.WithEncoder(context.Background(), func(Encoder) error { return nil }); err != nil {
		t.Fatalf("WithEncoder() error: %v", err)
	}
	if err := mgr.WithDenoiser(context.Background(), func(Denoiser) error { return nil }); err != nil {
		t.Fatalf("WithDenoiser() error: %v", err)
	}

	want := []string{
		"acquire:encoder", "close:encoder", "release:encoder", "reclaim",
		"acquire:denoiser", "close:denoiser", "release:denoiser", "reclaim",
	}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, rec.events[i], want[i])
		}
	}
}

func TestManager_ReleasesOnError(t *testing.T) {
	rec := &recorder{}
	loader := &fakeLoader{rec: rec}
	mgr := newTestManager(loader, rec)

	boom := errors.New("boom")
	err := mgr.WithDenoiser(context.Background(), func(Denoiser) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("WithDenoiser() error = %v, want boom", err)
	}
	if !loader.denoiser.closed {
		t.Error("denoiser was not closed after error")
	}
	if got := mgr.State(KindDenoiser); got != StateUnloaded {
		t.Errorf("State(denoiser) = %v, want unloaded", got)
	}
}

func TestManager_ReleasesOnPanic(t *testing.T) {
	rec := &recorder{}
	loader := &fakeLoader{rec: rec}
	mgr := newTestManager(loader, rec)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = mgr.WithEncoder(context.Background(), func(Encoder) error {
			panic("encoder exploded")
		})
	}()

	if !loader.encoder.closed {
		t.Error("encoder was not closed after panic")
	}
	if got := mgr.State(KindEncoder); got != StateUnloaded {
		t.Errorf("State(encoder) = %v, want unloaded", got)
	}
}

func TestManager_ResidencyViolation(t *testing.T) {
	rec := &recorder{}
	loader := &fakeLoader{rec: rec}
	mgr := newTestManager(loader, rec)

	var inner error
	err := mgr.WithEncoder(context.Background(), func(Encoder) error {
		inner = mgr.WithDenoiser(context.Background(), func(Denoiser) error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("WithEncoder() error: %v", err)
	}
	if !errors.Is(inner, ErrResidencyViolation) {
		t.Errorf("nested WithDenoiser() error = %v, want ErrResidencyViolation", inner)
	}
	if loader.denoiser != nil {
		t.Error("denoiser was loaded while encoder was resident")
	}
}

func TestManager_AlreadyAcquired(t *testing.T) {
	rec := &recorder{}
	mgr := newTestManager(&fakeLoader{rec: rec}, rec)

	var inner error
	_ = mgr.WithEncoder(context.Background(), func(Encoder) error {
		inner = mgr.WithEncoder(context.Background(), func(Encoder) error { return nil })
		return nil
	})
	if !errors.Is(inner, ErrAlreadyAcquired) {
		t.Errorf("nested WithEncoder() error = %v, want ErrAlreadyAcquired", inner)
	}
}

func TestManager_LoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		loadErr error
		want    error
	}{
		{"generic failure maps to unavailable", errors.New("connection refused"), ErrModelUnavailable},
		{"out of memory preserved", ErrOutOfMemory, ErrOutOfMemory},
		{"unavailable preserved", ErrModelUnavailable, ErrModelUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			mgr := newTestManager(&fakeLoader{rec: rec, denoiserErr: tt.loadErr}, rec)

			called := false
			err := mgr.WithDenoiser(context.Background(), func(Denoiser) error {
				called = true
				return nil
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("WithDenoiser() error = %v, want %v", err, tt.want)
			}
			if called {
				t.Error("fn was called despite load failure")
			}
			if len(rec.events) != 0 {
				t.Errorf("events = %v, want none", rec.events)
			}
		})
	}
}

func TestManager_Close(t *testing.T) {
	rec := &recorder{}
	mgr := newTestManager(&fakeLoader{rec: rec}, rec)

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	err := mgr.WithEncoder(context.Background(), func(Encoder) error { return nil })
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("WithEncoder() after Close = %v, want ErrManagerClosed", err)
	}
}

func TestMemoryBudget_Reserve(t *testing.T) {
	tests := []struct {
		name    string
		limit   int64
		used    int64
		request int64
		wantErr bool
	}{
		{"disabled", 0, 1 << 40, 1 << 40, false},
		{"fits", 1000, 400, 500, false},
		{"exactly at limit", 1000, 500, 500, false},
		{"exceeds", 1000, 600, 500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryBudget(tt.limit)
			used := tt.used
			b.usage = func() int64 { return used }

			err := b.Reserve("state", tt.request)
			if tt.wantErr && !errors.Is(err, ErrOutOfMemory) {
				t.Errorf("Reserve() error = %v, want ErrOutOfMemory", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Reserve() unexpected error: %v", err)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	if StateLoaded.String() != "loaded" || StateUnloaded.String() != "unloaded" {
		t.Errorf("State strings = %q/%q", StateLoaded, StateUnloaded)
	}
}
