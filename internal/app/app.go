// Package app builds the client's shared contexts once and threads them to
// the front ends.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pact/internal/backend"
	"pact/internal/community"
	"pact/internal/config"
	"pact/internal/contracts"
	"pact/internal/db"
	"pact/internal/docstore"
	"pact/internal/domain"
	"pact/internal/identity"
	"pact/internal/ledger"
	"pact/internal/live"
	"pact/internal/migrate"
	"pact/internal/verify"
	"pact/internal/wizard"
)

const warmupTimeout = 5 * time.Second

// App owns the store connection, the identity context and every component
// that depends on them.
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Store     *docstore.Store
	Watcher   *docstore.Watcher
	Identity  *identity.Context
	Ledger    *ledger.Cache
	Contracts *contracts.List
	Wizard    *wizard.Machine
	Backend   *backend.Client

	conn        *sql.DB
	notifier    *docstore.RedisNotifier
	sessionPath string
}

type Options struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
	// AuthPrompt is called when a flow needs the user to sign in.
	AuthPrompt func()
}

// Open opens the store, restores the persisted session and wires the
// client components. Call Run to start the change watcher and Close to
// release everything.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	storeDir := cfg.StoreWorkspace(opts.Workspace)
	conn, err := db.Open(db.Config{Workspace: storeDir})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &App{
		Config:      cfg,
		Log:         log,
		conn:        conn,
		sessionPath: identity.SessionPath(opts.Workspace),
	}
	a.Store = docstore.New(conn, log.Named("store"))
	a.Watcher = docstore.NewWatcher(a.Store, cfg.Store.PollInterval, log.Named("watch"))
	notifiers := docstore.Notifiers{a.Watcher}
	if cfg.Store.RedisURL != "" {
		n, err := docstore.NewRedisNotifier(cfg.Store.RedisURL, log.Named("redis"))
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.notifier = n
		notifiers = append(notifiers, n)
	}
	a.Store.Notifier = notifiers

	tokens := identity.HMACTokens{
		Secret: []byte(cfg.Identity.JWTSecret),
		Issuer: cfg.Identity.Issuer,
		TTL:    cfg.Identity.TokenTTL,
	}
	a.Identity = identity.NewContext(tokens, log.Named("identity"))
	saved, err := identity.LoadSession(a.sessionPath)
	if err != nil {
		log.Warn("ignoring unreadable session", zap.String("path", a.sessionPath), zap.Error(err))
	}
	if saved != nil {
		if err := a.Identity.SignIn(*saved); err != nil {
			log.Warn("restore session failed", zap.Error(err))
		}
	}

	a.Backend = backend.New(cfg.API.BaseURL, cfg.API.Timeout, log.Named("backend"))
	a.Ledger = ledger.New(a.Identity, live.New(ledger.Fetcher(a.Store), ledger.Trigger(a.Watcher), log.Named("ledger")), log.Named("ledger"))
	a.Contracts = contracts.New(a.Identity,
		live.New(contracts.Fetcher(a.Store, log), contracts.Trigger(a.Watcher), log.Named("contracts")),
		contracts.StoreMutator{Store: a.Store},
		log.Named("contracts"))
	wopts := []wizard.Option{wizard.WithLogger(log.Named("wizard"))}
	if opts.AuthPrompt != nil {
		wopts = append(wopts, wizard.WithAuthPrompt(opts.AuthPrompt))
	}
	a.Wizard = wizard.New(a.Backend, a.Identity, wopts...)
	return a, nil
}

// Run drives the background work until ctx ends: the change watcher, the
// optional Redis relay and a one-off backend warm-up.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(a.Watcher.Run(ctx))
	})
	if a.notifier != nil {
		g.Go(func() error {
			if err := a.notifier.Forward(ctx, a.Watcher); err != nil && ctx.Err() == nil {
				a.Log.Warn("redis relay stopped; falling back to polling", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		a.WarmUp(ctx)
		return nil
	})
	return g.Wait()
}

// WarmUp pings the backend so its first real call is fast. Failures are
// only logged.
func (a *App) WarmUp(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()
	if _, err := a.Backend.Health(ctx); err != nil {
		a.Log.Debug("backend warm-up failed", zap.Error(err))
		return
	}
	a.Log.Debug("backend warm")
}

// SignIn switches the identity and persists it for later invocations.
func (a *App) SignIn(id identity.Identity) error {
	if err := a.Identity.SignIn(id); err != nil {
		return err
	}
	return identity.SaveSession(a.sessionPath, id)
}

// SignOut clears the identity and its persisted session.
func (a *App) SignOut() error {
	a.Identity.SignOut()
	return identity.ClearSession(a.sessionPath)
}

// NewVerification opens a verification session for c.
func (a *App) NewVerification(c domain.Contract, opts ...verify.Option) *verify.Session {
	script := verify.DefaultScript().WithMinimum(a.Config.Verification.MinAnimation)
	all := append([]verify.Option{verify.WithScript(script), verify.WithLogger(a.Log.Named("verify"))}, opts...)
	return verify.New(c, a.Identity, a.Backend, all...)
}

// NewBoard builds a community board polling at the configured interval.
func (a *App) NewBoard(opts ...community.Option) *community.Board {
	all := append([]community.Option{
		community.WithInterval(a.Config.Community.PollInterval),
		community.WithLogger(a.Log.Named("community")),
	}, opts...)
	return community.NewBoard(a.Backend, all...)
}

// NewTelemetry builds a telemetry view polling at the configured interval.
func (a *App) NewTelemetry(opts ...community.Option) *community.Telemetry {
	all := append([]community.Option{
		community.WithInterval(a.Config.Telemetry.PollInterval),
		community.WithLogger(a.Log.Named("telemetry")),
	}, opts...)
	return community.NewTelemetry(a.Backend, all...)
}

// Close tears the components down in dependency order.
func (a *App) Close() error {
	a.Wizard.Close()
	a.Contracts.Close()
	a.Ledger.Close()
	var errs []error
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
	}
	errs = append(errs, a.conn.Close())
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
