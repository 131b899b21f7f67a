package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestManager_RegisterOrder(t *testing.T) {
	manager := NewManager(zaptest.NewLogger(t))

	manager.Register("logger", 90, func(ctx context.Context) error { return nil })
	manager.Register("model-host", 10, func(ctx context.Context) error { return nil })
	manager.Register("history-db", 20, func(ctx context.Context) error { return nil })

	want := []string{"model-host", "history-db", "logger"}
	got := manager.registry.Names()
	if len(got) != len(want) {
		t.Fatalf("handlers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("handler %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestManager_ShutdownWaitsForHold(t *testing.T) {
	manager := NewManager(zaptest.NewLogger(t), WithTimeout(5*time.Second))

	release, err := manager.Hold("restore/run-1")
	if err != nil {
		t.Fatalf("Hold() error: %v", err)
	}

	var cleanedAt, releasedAt atomic.Int64
	manager.Register("history-db", 20, func(ctx context.Context) error {
		cleanedAt.Store(time.Now().UnixNano())
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		releasedAt.Store(time.Now().UnixNano())
		release()
	}()

	if err := manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if releasedAt.Load() == 0 || cleanedAt.Load() < releasedAt.Load() {
		t.Error("cleanup ran before the hold was released")
	}
	if manager.ActiveHolds() != 0 {
		t.Errorf("ActiveHolds() = %d, want 0", manager.ActiveHolds())
	}
	if manager.Context().Err() == nil {
		t.Error("Context() not cancelled after Shutdown")
	}
}

func TestManager_HoldRejectedAfterShutdown(t *testing.T) {
	manager := NewManager(zaptest.NewLogger(t))
	if err := manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if _, err := manager.Hold("late"); !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("Hold() after Shutdown error = %v, want ErrTrackerClosed", err)
	}
	if err := manager.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestManager_ShutdownTimeout(t *testing.T) {
	manager := NewManager(zaptest.NewLogger(t), WithTimeout(50*time.Millisecond))

	if _, err := manager.Hold("stuck"); err != nil {
		t.Fatalf("Hold() error: %v", err)
	}

	ran := false
	manager.Register("cleanup", 10, func(ctx context.Context) error {
		ran = true
		return nil
	})

	start := time.Now()
	if err := manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("Shutdown took %v with a stuck hold", time.Since(start))
	}
	if !ran {
		t.Error("cleanup did not run after hold timeout")
	}
}

func TestManager_CleanupErrors(t *testing.T) {
	manager := NewManager(zaptest.NewLogger(t))
	boom := errors.New("close failed")

	second := false
	manager.Register("first", 10, func(ctx context.Context) error { return boom })
	manager.Register("second", 20, func(ctx context.Context) error {
		second = true
		return nil
	})

	err := manager.Shutdown()
	if !errors.Is(err, boom) {
		t.Errorf("Shutdown() error = %v, want wrapped close error", err)
	}
	if !second {
		t.Error("later cleanup skipped after an earlier failure")
	}
}

func TestManager_SignalCancelsContext(t *testing.T) {
	forced := make(chan struct{}, 1)
	manager := NewManager(zaptest.NewLogger(t), withForceExit(func() { forced <- struct{}{} }))
	manager.Start()
	defer manager.Shutdown()

	manager.sigChan <- syscall.SIGTERM
	select {
	case <-manager.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Context() not cancelled after signal")
	}

	manager.sigChan <- os.Interrupt
	select {
	case <-forced:
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force exit")
	}
}

func TestRemovePartialOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.png")
	names := []string{
		"out.png" + PartialSuffix,
		"movie.mkv" + PartialSuffix,
		"other.png" + PartialSuffix,
		"out.png",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile() error: %v", err)
		}
	}

	fn := RemovePartialOutput(zaptest.NewLogger(t), out)
	if err := fn(context.Background()); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}

	if _, err := os.Stat(PartialPath(out)); !os.IsNotExist(err) {
		t.Errorf("partial output still present: %v", err)
	}
	for _, name := range names[1:] {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s removed: %v", name, err)
		}
	}

	// nothing left to remove
	if err := fn(context.Background()); err != nil {
		t.Errorf("second cleanup error: %v", err)
	}
}
