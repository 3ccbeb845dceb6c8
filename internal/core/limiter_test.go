package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCycleLimiter_AcquireRelease(t *testing.T) {
	limiter := NewCycleLimiter(2, time.Second)
	ctx := context.Background()

	if got := limiter.ActiveCount(); got != 0 {
		t.Errorf("initial ActiveCount = %d, want 0", got)
	}

	if err := limiter.Acquire(ctx, "orders"); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := limiter.Acquire(ctx, "todos"); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	status := limiter.Status()
	if status.Active != 2 {
		t.Errorf("Active = %d, want 2", status.Active)
	}
	if status.Available != 0 {
		t.Errorf("Available = %d, want 0", status.Available)
	}
	if len(status.Running) != 2 || status.Running[0] != "orders" || status.Running[1] != "todos" {
		t.Errorf("Running = %v, want [orders todos]", status.Running)
	}

	limiter.Release("orders")
	limiter.Release("todos")

	status = limiter.Status()
	if status.Active != 0 {
		t.Errorf("after Release, Active = %d, want 0", status.Active)
	}
	if len(status.Running) != 0 {
		t.Errorf("after Release, Running = %v, want empty", status.Running)
	}
}

func TestCycleLimiter_BlocksWhenFull(t *testing.T) {
	limiter := NewCycleLimiter(1, 100*time.Millisecond)
	ctx := context.Background()

	if err := limiter.Acquire(ctx, "a"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer limiter.Release("a")

	start := time.Now()
	err := limiter.Acquire(ctx, "b")
	elapsed := time.Since(start)

	if err != ErrTooManyCycles {
		t.Errorf("expected ErrTooManyCycles, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("timeout too fast: %v", elapsed)
	}
}

func TestCycleLimiter_ConcurrentAccess(t *testing.T) {
	const maxConcurrent = 3
	const totalCycles = 10

	limiter := NewCycleLimiter(maxConcurrent, time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := 0

	for i := 0; i < totalCycles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := limiter.Acquire(context.Background(), "m"); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer limiter.Release("m")

			mu.Lock()
			if current := limiter.ActiveCount(); current > maxObserved {
				maxObserved = current
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
		}()
	}

	wg.Wait()

	if maxObserved > maxConcurrent {
		t.Errorf("exceeded max concurrent: observed %d, max %d", maxObserved, maxConcurrent)
	}
	if got := limiter.ActiveCount(); got != 0 {
		t.Errorf("final ActiveCount = %d, want 0", got)
	}
}

func TestCycleLimiter_TryAcquire(t *testing.T) {
	limiter := NewCycleLimiter(1, time.Second)

	if !limiter.TryAcquire("a") {
		t.Fatal("first TryAcquire should succeed")
	}
	if limiter.TryAcquire("b") {
		t.Error("second TryAcquire should fail")
		limiter.Release("b")
	}

	limiter.Release("a")

	if !limiter.TryAcquire("b") {
		t.Error("TryAcquire after Release should succeed")
	}
	limiter.Release("b")
}

func TestCycleLimiter_ContextCancellation(t *testing.T) {
	limiter := NewCycleLimiter(1, 5*time.Second)

	if err := limiter.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer limiter.Release("a")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- limiter.Acquire(ctx, "b")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Acquire did not return after context cancellation")
	}
}

func TestCycleLimiter_WaitForDrain(t *testing.T) {
	limiter := NewCycleLimiter(2, time.Second)
	ctx := context.Background()

	limiter.Acquire(ctx, "a")
	limiter.Acquire(ctx, "b")

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- limiter.WaitForDrain(context.Background())
	}()

	select {
	case <-drainDone:
		t.Fatal("WaitForDrain returned too early")
	case <-time.After(50 * time.Millisecond):
	}

	limiter.Release("a")
	limiter.Release("b")

	select {
	case err := <-drainDone:
		if err != nil {
			t.Errorf("WaitForDrain returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("WaitForDrain did not complete after all released")
	}
}

func TestCycleLimiter_DefaultValues(t *testing.T) {
	limiter := NewCycleLimiter(0, 0)

	if got := limiter.MaxConcurrent(); got != DefaultMaxConcurrentCycles {
		t.Errorf("MaxConcurrent = %d, want %d", got, DefaultMaxConcurrentCycles)
	}
}
