// Package community keeps the public feed, the leaderboard and the agent
// telemetry views fresh by polling the backend.
package community

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pact/internal/domain"
	"pact/internal/poll"
)

const (
	DefaultInterval          = 10 * time.Second
	DefaultTelemetryInterval = 5 * time.Second
)

type Tab int

const (
	TabFeed Tab = iota
	TabLeaderboard
)

func (t Tab) String() string {
	if t == TabLeaderboard {
		return "leaderboard"
	}
	return "feed"
}

type Source interface {
	Feed(ctx context.Context) ([]domain.FeedItem, error)
	Leaderboard(ctx context.Context) ([]domain.LeaderboardUser, error)
}

type View struct {
	Tab         Tab
	Feed        []domain.FeedItem
	Leaderboard []domain.LeaderboardUser
	Loaded      bool
	UpdatedAt   time.Time
}

// Board polls the active tab. Switching tabs restarts the poll.
type Board struct {
	src      Source
	interval time.Duration
	log      *zap.Logger
	update   func()

	ctlMu  sync.Mutex
	parent context.Context
	poller *poll.Poller

	mu   sync.Mutex
	view View
}

type Option func(*options)

type options struct {
	interval time.Duration
	log      *zap.Logger
	update   func()
}

func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithUpdates registers a callback run on the poll goroutine after fresh
// data lands. It must not switch tabs or close the view.
func WithUpdates(fn func()) Option {
	return func(o *options) { o.update = fn }
}

func buildOptions(def time.Duration, opts []Option) options {
	o := options{interval: def, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.interval <= 0 {
		o.interval = def
	}
	return o
}

func NewBoard(src Source, opts ...Option) *Board {
	o := buildOptions(DefaultInterval, opts)
	return &Board{src: src, interval: o.interval, log: o.log, update: o.update}
}

// Start begins polling the current tab until ctx ends or Close is called.
func (b *Board) Start(ctx context.Context) {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()
	b.parent = ctx
	b.restartLocked()
}

// SetTab switches the active tab and restarts the poll for it.
func (b *Board) SetTab(tab Tab) {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()
	b.mu.Lock()
	if b.view.Tab == tab {
		b.mu.Unlock()
		return
	}
	b.view.Tab = tab
	b.view.Loaded = false
	b.mu.Unlock()
	if b.parent != nil {
		b.restartLocked()
	}
}

func (b *Board) restartLocked() {
	b.poller.Stop()
	b.mu.Lock()
	tab := b.view.Tab
	b.mu.Unlock()
	b.poller = poll.Start(b.parent, b.interval, func(ctx context.Context) { b.refresh(ctx, tab) })
}

// Refresh fetches the active tab once.
func (b *Board) Refresh(ctx context.Context) {
	b.mu.Lock()
	tab := b.view.Tab
	b.mu.Unlock()
	b.refresh(ctx, tab)
}

func (b *Board) refresh(ctx context.Context, tab Tab) {
	var (
		feed  []domain.FeedItem
		board []domain.LeaderboardUser
		err   error
	)
	if tab == TabLeaderboard {
		board, err = b.src.Leaderboard(ctx)
	} else {
		feed, err = b.src.Feed(ctx)
	}
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn("community poll failed", zap.Stringer("tab", tab), zap.Error(err))
		}
		return
	}
	b.mu.Lock()
	if b.view.Tab != tab {
		b.mu.Unlock()
		return
	}
	if tab == TabLeaderboard {
		b.view.Leaderboard = board
	} else {
		b.view.Feed = feed
	}
	b.view.Loaded = true
	b.view.UpdatedAt = time.Now()
	b.mu.Unlock()
	if b.update != nil {
		b.update()
	}
}

func (b *Board) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view
	v.Feed = append([]domain.FeedItem(nil), v.Feed...)
	v.Leaderboard = append([]domain.LeaderboardUser(nil), v.Leaderboard...)
	return v
}

// Close stops polling and waits for any fetch in flight.
func (b *Board) Close() {
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()
	b.poller.Stop()
	b.poller = nil
	b.parent = nil
}
