package docstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWatchInterval = 500 * time.Millisecond
	defaultWatchBatch    = 200
)

// Filter selects the changes a listener is woken for. Empty fields match
// anything.
type Filter struct {
	Collection string
	OwnerID    string
	DocID      string
}

func (f Filter) match(c Change) bool {
	if f.Collection != "" && f.Collection != c.Collection {
		return false
	}
	if f.OwnerID != "" && f.OwnerID != c.OwnerID {
		return false
	}
	if f.DocID != "" && f.DocID != c.DocID {
		return false
	}
	return true
}

type listener struct {
	filter Filter
	ch     chan struct{}
}

// Watcher tails the change log and wakes listeners whose filter matches a
// new change. Signals coalesce: a listener that has not consumed its last
// signal is not sent another.
type Watcher struct {
	store    *Store
	interval time.Duration
	log      *zap.Logger

	wake      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	listeners map[int]*listener
	nextID    int
	cursor    int64
}

func NewWatcher(store *Store, interval time.Duration, log *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		store:     store,
		interval:  interval,
		log:       log,
		wake:      make(chan struct{}, 1),
		ready:     make(chan struct{}),
		listeners: make(map[int]*listener),
	}
}

// Listen registers a listener. The returned cancel func is idempotent.
func (w *Watcher) Listen(f Filter) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = &listener{filter: f, ch: ch}
	w.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.listeners, id)
			w.mu.Unlock()
		})
	}
}

// Ready is closed once Run has positioned its cursor; changes committed
// after that are delivered to listeners.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Notify wakes the polling loop before its next tick.
func (w *Watcher) Notify(_ context.Context, _ string) error {
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run polls the change log until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	cursor, err := w.store.LatestChangeID(ctx)
	if err != nil {
		w.log.Warn("watch: init cursor failed", zap.Error(err))
	}
	w.setCursor(cursor)
	w.readyOnce.Do(func() { close(w.ready) })
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
		w.poll(ctx)
	}
}

func (w *Watcher) poll(ctx context.Context) {
	for {
		changes, err := w.store.ChangesAfter(ctx, w.cursorValue(), defaultWatchBatch)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("watch: fetch changes failed", zap.Error(err))
			}
			return
		}
		if len(changes) == 0 {
			return
		}
		w.dispatch(changes)
		w.setCursor(changes[len(changes)-1].ID)
		if len(changes) < defaultWatchBatch {
			return
		}
	}
}

func (w *Watcher) dispatch(changes []Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, l := range w.listeners {
		for _, c := range changes {
			if !l.filter.match(c) {
				continue
			}
			select {
			case l.ch <- struct{}{}:
			default:
			}
			break
		}
	}
}

func (w *Watcher) cursorValue() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

func (w *Watcher) setCursor(v int64) {
	w.mu.Lock()
	w.cursor = v
	w.mu.Unlock()
}
