package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pact/internal/config"
	"pact/internal/docstore"
	"pact/internal/domain"
	"pact/internal/identity"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.API.BaseURL = baseURL
	cfg.Identity.JWTSecret = "app-test-secret"
	cfg.Store.PollInterval = 20 * time.Millisecond
	return cfg
}

func TestOpenWiresLiveContractsAndSession(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)

	var pings atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			pings.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer api.Close()

	workspace := t.TempDir()
	cfg := testConfig(t, api.URL)
	ctx, cancel := context.WithCancel(context.Background())
	a, err := Open(ctx, Options{Workspace: workspace, Config: cfg})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	<-a.Watcher.Ready()

	require.NoError(t, a.SignIn(identity.Identity{UID: "alice", DisplayName: "Alice"}))
	_, err = a.Store.Create(ctx, docstore.Contracts, "alice", map[string]any{
		"user_id":          "alice",
		"goal_description": "Run 5km",
		"deadline_utc":     time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"status":           "Active",
		"penalty":          map[string]any{"type": "stake_burn", "amount_usd": 10},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(a.Contracts.View().Contracts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(100), a.Ledger.Current().CurrentBalance)
	require.Eventually(t, func() bool { return pings.Load() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, a.Close())

	b, err := Open(context.Background(), Options{Workspace: workspace, Config: cfg})
	require.NoError(t, err)
	id, ok := b.Identity.Current()
	require.True(t, ok)
	assert.Equal(t, "alice", id.UID)

	require.NoError(t, b.SignOut())
	_, ok = b.Identity.Current()
	assert.False(t, ok)
	require.NoError(t, b.Close())

	c, err := Open(context.Background(), Options{Workspace: workspace, Config: cfg})
	require.NoError(t, err)
	_, ok = c.Identity.Current()
	assert.False(t, ok)
	require.NoError(t, c.Close())
}

func TestFactoriesUseConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg})
	require.NoError(t, err)
	defer a.Close()

	s := a.NewVerification(domain.Contract{GoalDescription: "Run 5km"})
	defer s.Close()
	assert.False(t, s.CanSubmit())
	require.NoError(t, s.SetEvidence("ran it"))
	assert.True(t, s.CanSubmit())

	board := a.NewBoard()
	defer board.Close()
	assert.False(t, board.View().Loaded)
}
