// Package live turns a fetch function and a change trigger into ordered
// snapshot subscriptions.
package live

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Snapshot is one delivery of a subscription. Err is terminal: no snapshot
// follows an error on the same subscription.
type Snapshot[T any] struct {
	Value   T
	Version int64
	Err     error
}

// Fetcher reads the current value for key along with a monotonic version.
type Fetcher[T any] func(ctx context.Context, key string) (T, int64, error)

// Trigger signals that the value for key may have changed.
type Trigger interface {
	Listen(key string) (<-chan struct{}, func())
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(key string) (<-chan struct{}, func())

func (f TriggerFunc) Listen(key string) (<-chan struct{}, func()) { return f(key) }

// Subscriber is the subscribe(key) -> unsubscribe contract consumers depend on.
type Subscriber[T any] interface {
	Subscribe(key string, fn func(Snapshot[T])) (unsubscribe func())
}

// Feed hands out subscriptions. Each subscription runs on its own goroutine,
// delivers snapshots serially and drops any snapshot older than one already
// delivered.
type Feed[T any] struct {
	fetch   Fetcher[T]
	trigger Trigger
	log     *zap.Logger
}

func New[T any](fetch Fetcher[T], trigger Trigger, log *zap.Logger) *Feed[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed[T]{fetch: fetch, trigger: trigger, log: log}
}

// Subscribe starts delivering snapshots for key to fn. The returned func
// cancels the subscription exactly once and blocks until any in-flight
// callback has returned, so it must not be called from inside fn.
func (f *Feed[T]) Subscribe(key string, fn func(Snapshot[T])) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	signals, stop := f.trigger.Listen(key)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stop()
		s := subscription[T]{feed: f, key: key, fn: fn, last: -1}
		if !s.deliver(ctx) {
			<-ctx.Done()
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				if !s.deliver(ctx) {
					<-ctx.Done()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

type subscription[T any] struct {
	feed *Feed[T]
	key  string
	fn   func(Snapshot[T])
	last int64
}

// deliver fetches and hands a snapshot to fn. It reports false once the
// subscription has failed.
func (s *subscription[T]) deliver(ctx context.Context) bool {
	value, version, err := s.feed.fetch(ctx, s.key)
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		s.feed.log.Warn("live: subscription failed", zap.String("key", s.key), zap.Error(err))
		s.fn(Snapshot[T]{Version: s.last, Err: err})
		return false
	}
	if version <= s.last {
		s.feed.log.Debug("live: dropped stale snapshot", zap.String("key", s.key), zap.Int64("version", version), zap.Int64("last", s.last))
		return true
	}
	s.last = version
	s.fn(Snapshot[T]{Value: value, Version: version})
	return true
}
