// Package ledger keeps the signed-in identity's stake ledger in sync. It is
// read only: the backend is the sole writer of ledger documents.
package ledger

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"pact/internal/docstore"
	"pact/internal/domain"
	"pact/internal/identity"
	"pact/internal/live"
)

// Cache is the explicit ledger context. It holds the default ledger whenever
// nobody is signed in or the identity has no ledger document.
type Cache struct {
	feed live.Subscriber[*domain.LedgerSnapshot]
	log  *zap.Logger

	mu          sync.Mutex
	gen         uint64
	state       domain.LedgerSnapshot
	err         error
	unsubscribe func()
	onChange    []func(domain.LedgerSnapshot)
	closed      bool

	stopIdentity func()
}

func New(ids *identity.Context, feed live.Subscriber[*domain.LedgerSnapshot], log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{feed: feed, log: log, state: domain.DefaultLedger()}
	c.stopIdentity = ids.Subscribe(c.identityChanged)
	return c
}

// Current returns the ledger to display.
func (c *Cache) Current() domain.LedgerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the subscription error for the current identity, if any.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnChange registers fn to run after every state replacement.
func (c *Cache) OnChange(fn func(domain.LedgerSnapshot)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// Close stops following identity changes and ends the subscription.
func (c *Cache) Close() {
	c.stopIdentity()
	c.mu.Lock()
	c.closed = true
	c.gen++
	old := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if old != nil {
		old()
	}
}

func (c *Cache) identityChanged(id *identity.Identity) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.state = domain.DefaultLedger()
	c.err = nil
	old := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	// Waits out any callback of the previous identity; it sees a newer
	// generation and discards its snapshot.
	if old != nil {
		old()
	}
	c.emit(domain.DefaultLedger())
	if id == nil {
		return
	}
	unsubscribe := c.feed.Subscribe(id.UID, func(s live.Snapshot[*domain.LedgerSnapshot]) {
		c.apply(gen, s)
	})
	c.mu.Lock()
	if c.gen == gen {
		c.unsubscribe = unsubscribe
		unsubscribe = nil
	}
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Cache) apply(gen uint64, s live.Snapshot[*domain.LedgerSnapshot]) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if s.Err != nil {
		c.err = s.Err
		c.mu.Unlock()
		c.log.Warn("ledger subscription failed", zap.Error(s.Err))
		return
	}
	next := domain.DefaultLedger()
	if s.Value != nil {
		next = *s.Value
	}
	c.state = next
	c.mu.Unlock()
	c.emit(next)
}

func (c *Cache) emit(state domain.LedgerSnapshot) {
	c.mu.Lock()
	fns := slices.Clone(c.onChange)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// Fetcher reads stake_ledgers/<uid>. A missing document yields nil.
func Fetcher(store *docstore.Store) live.Fetcher[*domain.LedgerSnapshot] {
	return func(ctx context.Context, uid string) (*domain.LedgerSnapshot, int64, error) {
		var out *domain.LedgerSnapshot
		version, err := store.ReadSnapshot(ctx, func(tx *docstore.Tx) error {
			doc, err := tx.Get(ctx, docstore.StakeLedgers, uid)
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var l domain.LedgerSnapshot
			if err := doc.Decode(&l); err != nil {
				return err
			}
			out = &l
			return nil
		})
		return out, version, err
	}
}

// Trigger wakes a ledger subscription on writes to its document.
func Trigger(w *docstore.Watcher) live.Trigger {
	return live.TriggerFunc(func(uid string) (<-chan struct{}, func()) {
		return w.Listen(docstore.Filter{Collection: docstore.StakeLedgers, DocID: uid})
	})
}
