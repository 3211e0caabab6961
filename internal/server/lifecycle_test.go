package server

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type mockService struct {
	started atomic.Bool
	stopped atomic.Bool
	startFn func() error
	stopFn  func()
	done    chan struct{}
	once    sync.Once
}

func newMockService() *mockService {
	return &mockService{done: make(chan struct{})}
}

func (m *mockService) Start() error {
	m.started.Store(true)
	if m.startFn != nil {
		return m.startFn()
	}
	<-m.done
	return nil
}

func (m *mockService) Stop(context.Context) error {
	m.stopped.Store(true)
	if m.stopFn != nil {
		m.stopFn()
	}
	m.once.Do(func() { close(m.done) })
	return nil
}

func runLifecycle(lc *Lifecycle, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
		return nil
	}
}

func TestLifecycleStartsAndStopsServices(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)

	svc1 := newMockService()
	svc2 := newMockService()
	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)

	ctx, cancel := context.WithCancel(context.Background())
	done := runLifecycle(lc, ctx)

	require.Eventually(t, func() bool {
		return svc1.started.Load() && svc2.started.Load()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.True(t, svc1.stopped.Load())
	assert.True(t, svc2.stopped.Load())
}

func TestLifecycleStopsInReverseOrder(t *testing.T) {
	lc := NewLifecycle(zap.NewNop(), time.Second)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		svc := newMockService()
		svc.stopFn = func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
		lc.Add(name, svc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runLifecycle(lc, ctx)
	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestLifecycleServiceFailureStopsOthers(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)
	boom := errors.New("bind: address in use")

	healthy := newMockService()
	failing := newMockService()
	failing.startFn = func() error { return boom }
	lc.Add("healthy", healthy)
	lc.Add("failing", failing)

	err := waitDone(t, runLifecycle(lc, context.Background()))
	assert.ErrorIs(t, err, boom)
	assert.True(t, healthy.stopped.Load())
}

func TestLifecycleServiceExitShutsDown(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)
	other := newMockService()
	quitter := newMockService()
	quitter.startFn = func() error { return nil }
	lc.Add("other", other)
	lc.Add("quitter", quitter)

	assert.NoError(t, waitDone(t, runLifecycle(lc, context.Background())))
	assert.True(t, other.stopped.Load())
}

func TestLifecycleSignal(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)
	lc.signals = []os.Signal{syscall.SIGUSR1}
	svc := newMockService()
	lc.Add("svc", svc)

	done := runLifecycle(lc, context.Background())
	require.Eventually(t, svc.started.Load, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	assert.NoError(t, waitDone(t, done))
	assert.True(t, svc.stopped.Load())
}

func TestLifecycleStopTimeout(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	lc := NewLifecycle(zap.New(core), 50*time.Millisecond)
	stuck := &FuncService{
		StartFn: func() error { select {} },
		StopFn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	lc.Add("stuck", stuck)

	ctx, cancel := context.WithCancel(context.Background())
	done := runLifecycle(lc, ctx)
	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, logs.FilterMessage("service stop failed").Len())
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func(context.Context) error {
			stopped = true
			return nil
		},
	}

	assert.NoError(t, svc.Start())
	assert.True(t, started)
	assert.NoError(t, svc.Stop(context.Background()))
	assert.True(t, stopped)

	assert.NoError(t, (&FuncService{StartFn: func() error { return nil }}).Stop(context.Background()))
}

func TestBackground(t *testing.T) {
	calls := 0
	svc := Background(func(context.Context) error {
		calls++
		return nil
	})

	returned := make(chan error, 1)
	go func() { returned <- svc.Start() }()

	select {
	case <-returned:
		t.Fatal("Start returned before Stop")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, 1, calls)
	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
