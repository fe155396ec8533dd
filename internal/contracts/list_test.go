package contracts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pact/internal/db"
	"pact/internal/docstore"
	"pact/internal/domain"
	"pact/internal/identity"
	"pact/internal/live"
	"pact/internal/migrate"
)

type fakeFeed struct {
	mu     sync.Mutex
	subs   map[string]func(live.Snapshot[[]domain.Contract])
	closed map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: map[string]func(live.Snapshot[[]domain.Contract]){}, closed: map[string]int{}}
}

func (f *fakeFeed) Subscribe(key string, fn func(live.Snapshot[[]domain.Contract])) func() {
	f.mu.Lock()
	f.subs[key] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.closed[key]++
		f.mu.Unlock()
	}
}

func (f *fakeFeed) push(key string, s live.Snapshot[[]domain.Contract]) {
	f.mu.Lock()
	fn := f.subs[key]
	f.mu.Unlock()
	fn(s)
}

type recordingMutator struct {
	updates []map[string]any
	deletes []string
}

func (m *recordingMutator) UpdateContract(_ context.Context, _, _ string, fields map[string]any) error {
	m.updates = append(m.updates, fields)
	return nil
}

func (m *recordingMutator) DeleteContract(_ context.Context, _, id string) error {
	m.deletes = append(m.deletes, id)
	return nil
}

var testNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func active(id string, deadlineIn time.Duration, created int64) domain.Contract {
	c := domain.Contract{
		ID:              id,
		OwnerID:         "u1",
		GoalDescription: "goal " + id,
		Status:          domain.StatusActive,
		Deadline:        domain.NewTimestamp(testNow.Add(deadlineIn)),
	}
	if created > 0 {
		c.CreatedAt = domain.NewTimestamp(time.Unix(created, 0))
	}
	return c
}

func newTestList(t *testing.T) (*List, *identity.Context, *fakeFeed, *recordingMutator) {
	t.Helper()
	ids := identity.NewContext(nil, nil)
	feed := newFakeFeed()
	mut := &recordingMutator{}
	l := New(ids, feed, mut, nil, WithClock(func() time.Time { return testNow }))
	t.Cleanup(l.Close)
	return l, ids, feed, mut
}

func TestListenersAddedDuringEmitFireNextTime(t *testing.T) {
	l, ids, feed, _ := newTestList(t)
	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))

	var first, second []int
	l.OnChange(func(v View) {
		first = append(first, len(v.Contracts))
		if len(first) == 1 {
			l.OnChange(func(v View) { second = append(second, len(v.Contracts)) })
		}
	})
	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 1, Value: []domain.Contract{active("a", 72*time.Hour, 1)}})
	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 2, Value: []domain.Contract{
		active("a", 72*time.Hour, 1), active("b", 96*time.Hour, 2),
	}})

	assert.Equal(t, []int{1, 2}, first)
	assert.Equal(t, []int{2}, second)
}

func TestSnapshotReplacesAndSorts(t *testing.T) {
	l, ids, feed, _ := newTestList(t)
	assert.False(t, l.View().SignedIn)

	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	v := l.View()
	assert.True(t, v.Loading)

	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 1, Value: []domain.Contract{
		active("old", 72*time.Hour, 100),
		active("legacy", 72*time.Hour, 0),
		active("new", 72*time.Hour, 200),
	}})
	v = l.View()
	assert.False(t, v.Loading)
	require.Len(t, v.Contracts, 3)
	assert.Equal(t, []string{"new", "old", "legacy"}, []string{v.Contracts[0].ID, v.Contracts[1].ID, v.Contracts[2].ID})
	assert.Nil(t, v.Reminder)

	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 2, Value: []domain.Contract{active("only", 72*time.Hour, 1)}})
	assert.Len(t, l.View().Contracts, 1)
}

func TestReminderDismissalLastsUntilNextSnapshot(t *testing.T) {
	l, ids, feed, _ := newTestList(t)
	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	snap := []domain.Contract{
		active("later", 72*time.Hour, 300),
		active("soon", 3*time.Hour, 200),
		active("sooner", 1*time.Hour, 100),
	}
	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 1, Value: snap})
	require.NotNil(t, l.View().Reminder)
	assert.Equal(t, "soon", l.View().Reminder.ID)

	l.DismissReminder()
	assert.Nil(t, l.View().Reminder)
	l.DismissReminder()
	assert.Nil(t, l.View().Reminder)

	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 2, Value: snap})
	require.NotNil(t, l.View().Reminder)
	assert.Equal(t, "soon", l.View().Reminder.ID)
}

func TestSignOutClearsList(t *testing.T) {
	l, ids, feed, _ := newTestList(t)
	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 1, Value: []domain.Contract{active("a", time.Hour, 1)}})
	require.Len(t, l.View().Contracts, 1)

	ids.SignOut()
	v := l.View()
	assert.Empty(t, v.Contracts)
	assert.Nil(t, v.Reminder)
	assert.False(t, v.SignedIn)
	assert.Equal(t, 1, feed.closed["u1"])

	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 2, Value: []domain.Contract{active("b", time.Hour, 1)}})
	assert.Empty(t, l.View().Contracts)
}

func TestSubscriptionErrorsAreSticky(t *testing.T) {
	l, ids, feed, _ := newTestList(t)
	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	feed.push("u1", live.Snapshot[[]domain.Contract]{Err: fmt.Errorf("query: %w", docstore.ErrMissingIndex)})
	v := l.View()
	require.NotNil(t, v.Err)
	assert.True(t, v.Err.MissingIndex)
	assert.Equal(t, MissingIndexMessage, v.Err.Message)

	require.NoError(t, ids.SignIn(identity.Identity{UID: "u2"}))
	feed.push("u2", live.Snapshot[[]domain.Contract]{Err: errors.New("disk I/O error at page 7")})
	v = l.View()
	require.NotNil(t, v.Err)
	assert.False(t, v.Err.MissingIndex)
	assert.NotContains(t, v.Err.Message, "disk")
}

func TestEditAndDeleteValidation(t *testing.T) {
	ctx := context.Background()
	l, ids, feed, mut := newTestList(t)
	assert.ErrorIs(t, l.Edit(ctx, "a", "new goal", ""), domain.ErrAuthRequired)

	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	feed.push("u1", live.Snapshot[[]domain.Contract]{Version: 1, Value: []domain.Contract{active("a", time.Hour, 1)}})

	assert.ErrorIs(t, l.Edit(ctx, "a", "   ", ""), domain.ErrInvalidInput)
	assert.ErrorIs(t, l.Edit(ctx, "a", "x", "tomorrow"), domain.ErrInvalidInput)
	assert.ErrorIs(t, l.Edit(ctx, "zzz", "x", ""), ErrUnknownContract)

	require.NoError(t, l.Edit(ctx, "a", " Run 10k ", "2025-06-01"))
	require.Len(t, mut.updates, 1)
	assert.Equal(t, map[string]any{
		"goal_description": "Run 10k",
		"goal":             "Run 10k",
		"deadline_utc":     "2025-06-01T00:00:00Z",
	}, mut.updates[0])
	assert.Equal(t, "goal a", l.View().Contracts[0].GoalDescription)

	pending, err := l.PrepareDelete("a")
	require.NoError(t, err)
	assert.Empty(t, mut.deletes)
	assert.Equal(t, "goal a", pending.Goal)
	require.NoError(t, pending.Confirm(ctx))
	require.NoError(t, pending.Confirm(ctx))
	assert.Equal(t, []string{"a"}, mut.deletes)
}

func TestEditRoundTripThroughStore(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	store := docstore.New(conn, nil)
	w := docstore.NewWatcher(store, 20*time.Millisecond, nil)
	store.Notifier = w
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	<-w.Ready()

	id, err := store.Create(ctx, docstore.Contracts, "u1", map[string]any{
		"user_id":          "u1",
		"goal_description": "Run 5k",
		"status":           "Active",
		"deadline_utc":     map[string]any{"seconds": testNow.Add(48 * time.Hour).Unix()},
		"penalty":          map[string]any{"type": "stake_burn", "amount_usd": 10},
	})
	require.NoError(t, err)
	_, err = store.Create(ctx, docstore.Contracts, "u2", map[string]any{"user_id": "u2", "goal_description": "not mine"})
	require.NoError(t, err)

	ids := identity.NewContext(nil, nil)
	feed := live.New(Fetcher(store, nil), Trigger(w), nil)
	l := New(ids, feed, StoreMutator{Store: store}, nil, WithClock(func() time.Time { return testNow }))
	require.NoError(t, ids.SignIn(identity.Identity{UID: "u1"}))
	require.Eventually(t, func() bool { return len(l.View().Contracts) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.EncodingNative, l.View().Contracts[0].Deadline.Encoding)

	require.NoError(t, l.Edit(ctx, id, "Run 10k", "2025-05-02"))
	require.Eventually(t, func() bool {
		cs := l.View().Contracts
		return len(cs) == 1 && cs[0].GoalDescription == "Run 10k"
	}, 2*time.Second, 10*time.Millisecond)
	got := l.View().Contracts[0]
	assert.Equal(t, time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC), got.Deadline.Time)
	require.NotNil(t, l.View().Reminder)

	// The backend may store the deadline in the native encoding instead.
	require.NoError(t, store.Update(ctx, docstore.Contracts, id, map[string]any{
		"deadline_utc": domain.Native(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)),
	}))
	require.Eventually(t, func() bool {
		cs := l.View().Contracts
		return len(cs) == 1 && cs[0].Deadline.Encoding == domain.EncodingNative
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC), l.View().Contracts[0].Deadline.Time)

	assert.ErrorIs(t, StoreMutator{Store: store}.DeleteContract(ctx, "u2", id), domain.ErrForbidden)
	pending, err := l.PrepareDelete(id)
	require.NoError(t, err)
	require.NoError(t, pending.Confirm(ctx))
	require.Eventually(t, func() bool { return len(l.View().Contracts) == 0 }, 2*time.Second, 10*time.Millisecond)

	l.Close()
	cancel()
	<-done
}
