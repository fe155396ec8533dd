package poll

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPollerRunsImmediatelyAndOnTicks(t *testing.T) {
	defer goleak.VerifyNone(t)
	var calls atomic.Int32
	p := Start(context.Background(), 5*time.Millisecond, func(context.Context) { calls.Add(1) })
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	p.Stop()
	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
	p.Stop()
}

func TestPollerStopsWithParent(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := Start(ctx, time.Hour, func(context.Context) {})
	cancel()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not exit")
	}
}

func TestStopWaitsForRunningCall(t *testing.T) {
	defer goleak.VerifyNone(t)
	entered := make(chan struct{})
	var finished atomic.Bool
	p := Start(context.Background(), time.Hour, func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		finished.Store(true)
	})
	<-entered
	p.Stop()
	assert.True(t, finished.Load())
}
