package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeTrigger struct {
	mu       sync.Mutex
	channels map[string]chan struct{}
	stopped  map[string]int
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{channels: map[string]chan struct{}{}, stopped: map[string]int{}}
}

func (f *fakeTrigger) Listen(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.channels[key] = ch
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		f.stopped[key]++
		f.mu.Unlock()
	}
}

func (f *fakeTrigger) fire(key string) {
	f.mu.Lock()
	ch := f.channels[key]
	f.mu.Unlock()
	ch <- struct{}{}
}

func (f *fakeTrigger) stops(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[key]
}

// scripted returns the queued versions in order, then repeats the last one.
type scripted struct {
	mu       sync.Mutex
	versions []int64
	err      error
	calls    int
}

func (s *scripted) fetch(_ context.Context, key string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", 0, s.err
	}
	v := s.versions[0]
	if len(s.versions) > 1 {
		s.versions = s.versions[1:]
	}
	return key, v, nil
}

type recorder struct {
	mu  sync.Mutex
	got []Snapshot[string]
}

func (r *recorder) record(s Snapshot[string]) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) snapshots() []Snapshot[string] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot[string](nil), r.got...)
}

func (r *recorder) count() int { return len(r.snapshots()) }

func TestSubscribeDeliversInitialAndDropsStale(t *testing.T) {
	defer goleak.VerifyNone(t)
	trig := newFakeTrigger()
	src := &scripted{versions: []int64{3, 2, 5}}
	feed := New(src.fetch, trig, nil)
	rec := &recorder{}

	unsubscribe := feed.Subscribe("u1", rec.record)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	trig.fire("u1")
	trig.fire("u1")
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	snaps := rec.snapshots()
	assert.Equal(t, int64(3), snaps[0].Version)
	assert.Equal(t, int64(5), snaps[1].Version)
	assert.Equal(t, "u1", snaps[1].Value)
	assert.Equal(t, 1, trig.stops("u1"))
}

func TestErrorIsTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)
	trig := newFakeTrigger()
	boom := errors.New("index missing")
	src := &scripted{err: boom}
	feed := New(src.fetch, trig, nil)
	rec := &recorder{}

	unsubscribe := feed.Subscribe("u1", rec.record)
	defer unsubscribe()
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.snapshots()[0].Err, boom)

	select {
	case trig.channels["u1"] <- struct{}{}:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	src.mu.Lock()
	assert.Equal(t, 1, src.calls)
	src.mu.Unlock()
}

func TestUnsubscribeWaitsForInflightCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	trig := newFakeTrigger()
	src := &scripted{versions: []int64{1}}
	feed := New(src.fetch, trig, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	unsubscribe := feed.Subscribe("u1", func(Snapshot[string]) {
		close(entered)
		<-release
		finished.Store(true)
	})
	<-entered

	returned := make(chan struct{})
	go func() {
		unsubscribe()
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("unsubscribe returned while callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-returned
	assert.True(t, finished.Load())
}

func TestNoDeliveryAfterUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	trig := newFakeTrigger()
	src := &scripted{versions: []int64{1, 2, 3}}
	feed := New(src.fetch, trig, nil)
	rec := &recorder{}

	unsubscribe := feed.Subscribe("u1", rec.record)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	unsubscribe()
	select {
	case trig.channels["u1"] <- struct{}{}:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}
