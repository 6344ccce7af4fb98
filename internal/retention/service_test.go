package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSweeper struct {
	mu     sync.Mutex
	calls  int
	maxAge time.Duration
	n      int
	err    error
}

func (f *fakeSweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.maxAge = maxAge
	return f.n, f.err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSweepOnce(t *testing.T) {
	sweeper := &fakeSweeper{n: 3}
	svc := NewService(sweeper, 90*24*time.Hour, time.Hour)

	assert.Equal(t, 3, svc.SweepOnce(context.Background()))
	assert.Equal(t, 90*24*time.Hour, sweeper.maxAge)
}

func TestSweepOnce_Error(t *testing.T) {
	sweeper := &fakeSweeper{n: 1, err: errors.New("bucket offline")}
	svc := NewService(sweeper, 0, 0)

	assert.Equal(t, 1, svc.SweepOnce(context.Background()))
	assert.Equal(t, DefaultInterval, svc.interval)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	sweeper := &fakeSweeper{}
	svc := NewService(sweeper, 0, 10*time.Millisecond)
	svc.delay = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sweeper.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
