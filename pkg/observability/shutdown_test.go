package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShutdownManager_Defaults(t *testing.T) {
	sm := NewShutdownManager(nil, 0)
	assert.NotNil(t, sm.logger)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
}

func TestShutdown_RunsFunctionsInOrder(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), time.Second)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"reconciler", "relay", "database"} {
		name := name
		sm.RegisterShutdownFunc(name, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}
	sm.RegisterShutdownFunc("ignored", nil)

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"reconciler", "relay", "database"}, order)
}

func TestShutdown_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), time.Second)
	ran := false
	sm.RegisterShutdownFunc("relay", func(context.Context) error { return errors.New("redis gone") })
	sm.RegisterShutdownFunc("database", func(context.Context) error { ran = true; return nil })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay: redis gone")
	assert.True(t, ran, "later functions still run after a failure")
}

func TestShutdown_TimeoutSkipsRemaining(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), 50*time.Millisecond)
	skipped := true
	sm.RegisterShutdownFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sm.RegisterShutdownFunc("after", func(context.Context) error { skipped = false; return nil })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.True(t, skipped)
}

func TestShutdown_DrainsServers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.NotFoundHandler()}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	sm := NewShutdownManager(quietLogger(), time.Second, srv)
	require.NoError(t, sm.Shutdown())
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}

func TestWaitForShutdown_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(quietLogger(), time.Second)
	called := make(chan struct{})
	sm.RegisterShutdownFunc("cleanup", func(context.Context) error { close(called); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))

	select {
	case <-called:
	default:
		t.Fatal("shutdown function was not called")
	}
}
