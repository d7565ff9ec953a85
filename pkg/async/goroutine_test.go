package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGo_Success(t *testing.T) {
	done := make(chan struct{})

	SafeGo(context.Background(), time.Second, "test task", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}
}

func TestSafeGo_TimeoutCancelsContext(t *testing.T) {
	result := make(chan error, 1)

	SafeGo(context.Background(), 20*time.Millisecond, "slow task", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			result <- nil
		case <-ctx.Done():
			result <- ctx.Err()
		}
		return nil
	})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled")
	}
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	reached := make(chan struct{})

	SafeGo(context.Background(), time.Second, "panicking task", func(ctx context.Context) error {
		close(reached)
		panic("boom")
	})

	<-reached
	// The process is still alive if recovery worked.
	time.Sleep(20 * time.Millisecond)
}

func TestRunGuarded(t *testing.T) {
	err := runGuarded(context.Background(), func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")

	want := errors.New("plain")
	assert.Equal(t, want, runGuarded(context.Background(), func(context.Context) error { return want }))
}

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 3, "test", time.Second)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(10), count.Load())
}

func TestWorkerPool_ReportsErrors(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		return errors.New("task failed")
	}))

	select {
	case err := <-pool.Errors():
		assert.EqualError(t, err, "task failed")
	case <-time.After(time.Second):
		t.Fatal("expected an error")
	}
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Second)
	require.NoError(t, pool.Shutdown(time.Second))

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Second shutdown is a no-op.
	assert.NoError(t, pool.Shutdown(time.Second))
}

func TestWorkerPool_ShutdownTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test", time.Minute)
	started := make(chan struct{})

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	err := pool.Shutdown(20 * time.Millisecond)
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	var sum atomic.Int64
	errs := Batch(context.Background(), []int{1, 2, 3, 4, 5}, 2, "sum", time.Second,
		func(ctx context.Context, n int) error {
			sum.Add(int64(n))
			return nil
		})

	assert.Empty(t, errs)
	assert.Equal(t, int64(15), sum.Load())
}

func TestBatch_CollectsErrors(t *testing.T) {
	errs := Batch(context.Background(), []int{1, 2, 3, 4}, 2, "even", time.Second,
		func(ctx context.Context, n int) error {
			if n%2 == 0 {
				return errors.New("even")
			}
			if n == 3 {
				panic("three")
			}
			return nil
		})

	assert.Len(t, errs, 3)
}
