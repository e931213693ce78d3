package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestSafeGo_Success(t *testing.T) {
	done := make(chan struct{})

	SafeGo(context.Background(), nil, "test task", time.Second, func(ctx context.Context) error {
		close(done)
		return nil
	})

	waitFor(t, done)
}

func TestSafeGo_WithError(t *testing.T) {
	done := make(chan struct{})

	SafeGo(context.Background(), nil, "test task", time.Second, func(ctx context.Context) error {
		defer close(done)
		return errors.New("test error")
	})

	// Error should be logged but not crash
	waitFor(t, done)
}

func TestSafeGo_Timeout(t *testing.T) {
	done := make(chan struct{})
	timedOut := atomic.Bool{}

	SafeGo(context.Background(), nil, "test task", 50*time.Millisecond, func(ctx context.Context) error {
		defer close(done)
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			timedOut.Store(true)
			return ctx.Err()
		}
	})

	waitFor(t, done)
	if !timedOut.Load() {
		t.Error("task should have timed out")
	}
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	done := make(chan struct{})

	SafeGo(context.Background(), nil, "panicking task", time.Second, func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})

	waitFor(t, done)
}

func TestSafeGo_OutlivesParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "req-1"))
	done := make(chan struct{})
	var sawCancel atomic.Bool
	var value atomic.Value

	release := make(chan struct{})
	SafeGo(parent, nil, "post-commit task", time.Second, func(ctx context.Context) error {
		defer close(done)
		<-release
		sawCancel.Store(ctx.Err() != nil)
		value.Store(ctx.Value(ctxKey{}))
		return nil
	})

	cancel()
	close(release)
	waitFor(t, done)

	if sawCancel.Load() {
		t.Error("task context should not inherit parent cancellation")
	}
	if value.Load() != "req-1" {
		t.Errorf("expected parent values to propagate, got %v", value.Load())
	}
}

type ctxKey struct{}

func TestSafeGoNoError(t *testing.T) {
	done := make(chan struct{})

	SafeGoNoError(context.Background(), nil, "test task", time.Second, func(ctx context.Context) {
		close(done)
	})

	waitFor(t, done)
}

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Workers: 2, Queue: 10}, "test pool", nil)

	executed := atomic.Int32{}
	for i := 0; i < 10; i++ {
		err := pool.Submit(func(ctx context.Context) error {
			executed.Add(1)
			return nil
		})
		if err != nil {
			t.Errorf("Failed to submit task: %v", err)
		}
	}

	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if executed.Load() != 10 {
		t.Errorf("Expected 10 executions, got %d", executed.Load())
	}
}

func TestWorkerPool_ErrorsAndPanicsDoNotStopWorkers(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Workers: 1, Queue: 3}, "test pool", nil)

	executed := atomic.Int32{}
	tasks := []func(context.Context) error{
		func(ctx context.Context) error { return errors.New("test error") },
		func(ctx context.Context) error { panic("boom") },
		func(ctx context.Context) error { executed.Add(1); return nil },
	}
	for _, task := range tasks {
		if err := pool.Submit(task); err != nil {
			t.Fatalf("Failed to submit task: %v", err)
		}
	}

	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if executed.Load() != 1 {
		t.Errorf("Expected the last task to run, got %d executions", executed.Load())
	}
}

func TestWorkerPool_QueueFull(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Workers: 1, Queue: 1}, "test pool", nil)
	defer pool.Shutdown(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	if err := pool.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Failed to submit task: %v", err)
	}
	<-started

	noop := func(ctx context.Context) error { return nil }
	if err := pool.Submit(noop); err != nil {
		t.Fatalf("Expected queued task to be accepted: %v", err)
	}
	if err := pool.Submit(noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	close(release)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Workers: 2, Queue: 5}, "test pool", nil)

	executed := atomic.Int32{}
	for i := 0; i < 5; i++ {
		err := pool.Submit(func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			executed.Add(1)
			return nil
		})
		if err != nil {
			t.Errorf("Failed to submit task: %v", err)
		}
	}

	if err := pool.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if executed.Load() != 5 {
		t.Errorf("Expected 5 executions, got %d", executed.Load())
	}

	err := pool.Submit(func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed after shutdown, got %v", err)
	}
	if err := pool.Shutdown(time.Second); err != nil {
		t.Errorf("Second shutdown should be a no-op, got %v", err)
	}
}

func TestWorkerPool_TaskTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), PoolConfig{Workers: 1, Queue: 1, Timeout: 50 * time.Millisecond}, "test pool", nil)

	timedOut := atomic.Bool{}
	err := pool.Submit(func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			timedOut.Store(true)
			return ctx.Err()
		}
	})
	if err != nil {
		t.Errorf("Failed to submit task: %v", err)
	}

	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !timedOut.Load() {
		t.Error("Task should have timed out")
	}
}
