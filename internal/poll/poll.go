// Package poll runs a fetch function on a fixed interval until stopped.
package poll

import (
	"context"
	"sync"
	"time"
)

// Poller calls its function immediately and then on every tick.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches fn in its own goroutine. fn receives a context cancelled by
// Stop or by the parent.
func Start(parent context.Context, interval time.Duration, fn func(context.Context)) *Poller {
	ctx, cancel := context.WithCancel(parent)
	p := &Poller{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			fn(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}

// Stop cancels the poller and waits for the running call to return. It is
// safe to call more than once.
func (p *Poller) Stop() {
	if p == nil {
		return
	}
	p.once.Do(p.cancel)
	<-p.done
}

// Done is closed once the poller has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }
