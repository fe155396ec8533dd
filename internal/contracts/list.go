// Package contracts keeps the signed-in identity's contract list in sync with
// the store and issues the owner-side edits and deletes.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pact/internal/docstore"
	"pact/internal/domain"
	"pact/internal/identity"
	"pact/internal/live"
)

const (
	MissingIndexMessage = "Missing store index for the contracts query. Check console."
	genericErrorMessage = "Could not load your pacts. Try again later."
)

var ErrUnknownContract = errors.New("contract not in the current list")

// SubscriptionError is the sticky error shown in place of the list.
type SubscriptionError struct {
	Message      string
	MissingIndex bool
	Err          error
}

func (e *SubscriptionError) Error() string { return e.Message }
func (e *SubscriptionError) Unwrap() error { return e.Err }

// View is what a front end renders.
type View struct {
	SignedIn  bool
	Loading   bool
	Contracts []domain.Contract
	Reminder  *domain.Contract
	Err       *SubscriptionError
}

// Mutator issues owner-side writes. Completion is not a confirmation: the
// next snapshot is.
type Mutator interface {
	UpdateContract(ctx context.Context, ownerID, id string, fields map[string]any) error
	DeleteContract(ctx context.Context, ownerID, id string) error
}

type List struct {
	ids  *identity.Context
	feed live.Subscriber[[]domain.Contract]
	mut  Mutator
	log  *zap.Logger
	now  func() time.Time

	mu          sync.Mutex
	gen         uint64
	view        View
	dismissed   bool
	unsubscribe func()
	onChange    []func(View)
	closed      bool

	stopIdentity func()
}

type Option func(*List)

// WithClock overrides the clock used for reminders.
func WithClock(now func() time.Time) Option {
	return func(l *List) { l.now = now }
}

func New(ids *identity.Context, feed live.Subscriber[[]domain.Contract], mut Mutator, log *zap.Logger, opts ...Option) *List {
	if log == nil {
		log = zap.NewNop()
	}
	l := &List{ids: ids, feed: feed, mut: mut, log: log, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.stopIdentity = ids.Subscribe(l.identityChanged)
	return l
}

// View returns the current list state.
func (l *List) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.viewLocked()
}

func (l *List) viewLocked() View {
	v := l.view
	v.Contracts = append([]domain.Contract(nil), l.view.Contracts...)
	if l.dismissed {
		v.Reminder = nil
	}
	return v
}

// OnChange registers fn to run after every view change.
func (l *List) OnChange(fn func(View)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// DismissReminder hides the current reminder until the next snapshot.
func (l *List) DismissReminder() {
	l.mu.Lock()
	if l.view.Reminder == nil || l.dismissed {
		l.mu.Unlock()
		return
	}
	l.dismissed = true
	l.mu.Unlock()
	l.emit()
}

// Edit rewrites the goal text and, when date is non-empty, the deadline of
// one contract. The local list is left alone.
func (l *List) Edit(ctx context.Context, id, goal, date string) error {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return fmt.Errorf("goal is empty: %w", domain.ErrInvalidInput)
	}
	fields := map[string]any{
		"goal_description": goal,
		"goal":             goal,
	}
	if strings.TrimSpace(date) != "" {
		deadline, err := domain.DeadlineFromDate(date)
		if err != nil {
			return fmt.Errorf("%v: %w", err, domain.ErrInvalidInput)
		}
		fields["deadline_utc"] = deadline.ISO()
	}
	uid, err := l.target(id)
	if err != nil {
		return err
	}
	if err := l.mut.UpdateContract(ctx, uid, id, fields); err != nil {
		l.log.Warn("edit contract failed", zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

// PendingDelete is a delete awaiting explicit confirmation.
type PendingDelete struct {
	list *List
	uid  string
	ID   string
	Goal string

	once sync.Once
	err  error
}

// PrepareDelete returns the confirmation step for deleting a contract.
// Nothing is written until Confirm.
func (l *List) PrepareDelete(id string) (*PendingDelete, error) {
	uid, err := l.target(id)
	if err != nil {
		return nil, err
	}
	goal := ""
	for _, c := range l.View().Contracts {
		if c.ID == id {
			goal = c.Goal()
		}
	}
	return &PendingDelete{list: l, uid: uid, ID: id, Goal: goal}, nil
}

// Prompt is the confirmation question.
func (p *PendingDelete) Prompt() string {
	return "Are you sure you want to void this pact?"
}

// Confirm issues the delete. Repeated calls return the first result.
func (p *PendingDelete) Confirm(ctx context.Context) error {
	p.once.Do(func() {
		p.err = p.list.mut.DeleteContract(ctx, p.uid, p.ID)
		if p.err != nil {
			p.list.log.Warn("delete contract failed", zap.String("id", p.ID), zap.Error(p.err))
		}
	})
	return p.err
}

func (l *List) target(id string) (string, error) {
	who, ok := l.ids.Current()
	if !ok {
		return "", domain.ErrAuthRequired
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.view.Contracts {
		if c.ID == id {
			return who.UID, nil
		}
	}
	return "", fmt.Errorf("%s: %w", id, ErrUnknownContract)
}

// Close stops following identity changes and ends the subscription.
func (l *List) Close() {
	l.stopIdentity()
	l.mu.Lock()
	l.closed = true
	l.gen++
	old := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()
	if old != nil {
		old()
	}
}

func (l *List) identityChanged(id *identity.Identity) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.gen++
	gen := l.gen
	l.view = View{SignedIn: id != nil, Loading: id != nil}
	l.dismissed = false
	old := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()

	if old != nil {
		old()
	}
	l.emit()
	if id == nil {
		return
	}
	unsubscribe := l.feed.Subscribe(id.UID, func(s live.Snapshot[[]domain.Contract]) {
		l.apply(gen, s)
	})
	l.mu.Lock()
	if l.gen == gen {
		l.unsubscribe = unsubscribe
		unsubscribe = nil
	}
	l.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (l *List) apply(gen uint64, s live.Snapshot[[]domain.Contract]) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	if s.Err != nil {
		l.view.Loading = false
		l.view.Err = subscriptionError(s.Err)
		l.mu.Unlock()
		l.log.Error("contracts subscription failed", zap.Error(s.Err))
		l.emit()
		return
	}
	list := append([]domain.Contract(nil), s.Value...)
	SortByCreated(list)
	l.view.Loading = false
	l.view.Contracts = list
	l.view.Reminder = FindReminder(list, l.now())
	l.dismissed = false
	l.mu.Unlock()
	l.emit()
}

func (l *List) emit() {
	l.mu.Lock()
	v := l.viewLocked()
	fns := slices.Clone(l.onChange)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func subscriptionError(err error) *SubscriptionError {
	if errors.Is(err, docstore.ErrMissingIndex) {
		return &SubscriptionError{Message: MissingIndexMessage, MissingIndex: true, Err: err}
	}
	return &SubscriptionError{Message: genericErrorMessage, Err: err}
}
