// Package wizard drives the pact creation flow: goal, deadline, penalty,
// review, then the dashboard and community screens.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pact/internal/domain"
	"pact/internal/identity"
)

type Step int

const (
	StepGoal Step = iota + 1
	StepDeadline
	StepPenalty
	StepReview
	StepDashboard
	StepCommunity
)

func (s Step) String() string {
	switch s {
	case StepGoal:
		return "goal"
	case StepDeadline:
		return "deadline"
	case StepPenalty:
		return "penalty"
	case StepReview:
		return "review"
	case StepDashboard:
		return "dashboard"
	case StepCommunity:
		return "community"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

var (
	ErrInvalidInput = domain.ErrInvalidInput
	ErrAuthRequired = domain.ErrAuthRequired
	ErrBusy         = errors.New("another request is in flight")
	ErrWrongStep    = errors.New("transition not available from this step")
)

type PenaltyChoice struct {
	Type   domain.PenaltyType
	Amount float64
}

// Draft is the transient input of one creation flow.
type Draft struct {
	Goal     string
	Deadline string
	Penalty  PenaltyChoice
	Contract *domain.Contract
}

type State struct {
	Step        Step
	Draft       Draft
	Loading     bool
	AuthPending bool
}

// Backend is the negotiation and commit collaborator.
type Backend interface {
	Negotiate(ctx context.Context, goalText string) (domain.Contract, error)
	Commit(ctx context.Context, token string, c domain.Contract) (string, error)
}

type Machine struct {
	backend Backend
	ids     *identity.Context
	prompt  func()
	now     func() time.Time
	log     *zap.Logger

	mu          sync.Mutex
	step        Step
	draft       Draft
	loading     bool
	authPending bool
	flow        uint64

	stopIdentity func()
}

type Option func(*Machine)

// WithAuthPrompt sets the hook that asks the user to sign in.
func WithAuthPrompt(fn func()) Option {
	return func(m *Machine) { m.prompt = fn }
}

// WithClock overrides the clock deadlines are checked against.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Machine) { m.log = log }
}

func New(backend Backend, ids *identity.Context, opts ...Option) *Machine {
	m := &Machine{backend: backend, ids: ids, now: time.Now, log: zap.NewNop(), step: StepGoal}
	for _, opt := range opts {
		opt(m)
	}
	m.stopIdentity = ids.Subscribe(func(id *identity.Identity) {
		if id == nil {
			return
		}
		m.mu.Lock()
		m.authPending = false
		m.mu.Unlock()
	})
	return m
}

// Close detaches the machine from the identity context.
func (m *Machine) Close() { m.stopIdentity() }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.draft
	if d.Contract != nil {
		c := *d.Contract
		d.Contract = &c
	}
	return State{Step: m.step, Draft: d, Loading: m.loading, AuthPending: m.authPending}
}

// CanSubmitGoal reports whether text would be accepted by SubmitGoal.
func (m *Machine) CanSubmitGoal(text string) bool {
	return strings.TrimSpace(text) != ""
}

// CanSelectDeadline reports whether date would be accepted by SelectDeadline.
func (m *Machine) CanSelectDeadline(date string) bool {
	return m.validDeadline(date) == nil
}

func (m *Machine) validDeadline(date string) error {
	day, err := time.ParseInLocation(domain.DateOnly, strings.TrimSpace(date), time.Local)
	if err != nil {
		return fmt.Errorf("deadline %q is not a YYYY-MM-DD date: %w", date, ErrInvalidInput)
	}
	now := m.now().In(time.Local)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	if day.Before(today) {
		return fmt.Errorf("deadline %s is in the past: %w", date, ErrInvalidInput)
	}
	return nil
}

// SubmitGoal stores the goal text and moves to the deadline step.
func (m *Machine) SubmitGoal(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("goal is empty: %w", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step != StepGoal {
		return ErrWrongStep
	}
	m.draft.Goal = text
	m.step = StepDeadline
	return nil
}

// SelectDeadline stores the deadline date and moves to the penalty step.
func (m *Machine) SelectDeadline(date string) error {
	if err := m.validDeadline(date); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.step != StepDeadline {
		return ErrWrongStep
	}
	m.draft.Deadline = strings.TrimSpace(date)
	m.step = StepPenalty
	return nil
}

// normalizePenalty applies the product rules for penalty amounts: a stake
// burn is always the ledger burn amount, a public shame carries none and a
// donation needs a positive user amount.
func normalizePenalty(choice PenaltyChoice) (PenaltyChoice, error) {
	switch choice.Type {
	case domain.PenaltyStakeBurn:
		return PenaltyChoice{Type: choice.Type, Amount: domain.StakePenalty}, nil
	case domain.PenaltyPublicShame:
		return PenaltyChoice{Type: choice.Type}, nil
	case domain.PenaltyDonation:
		if choice.Amount <= 0 {
			return PenaltyChoice{}, fmt.Errorf("donation amount must be positive: %w", ErrInvalidInput)
		}
		return choice, nil
	}
	return PenaltyChoice{}, fmt.Errorf("unknown penalty type %q: %w", choice.Type, ErrInvalidInput)
}

// Prompt composes the negotiation prompt for a draft.
func Prompt(goal, deadline string, choice PenaltyChoice) string {
	p := fmt.Sprintf("Goal: %s. Deadline: %s. Penalty preference: %s", goal, deadline, choice.Type)
	if choice.Amount > 0 {
		p += " $" + strconv.FormatFloat(choice.Amount, 'f', -1, 64)
	}
	return strings.TrimSpace(p)
}

// SelectPenalty negotiates a contract for the draft. On failure the machine
// stays at the penalty step with every input kept.
func (m *Machine) SelectPenalty(ctx context.Context, choice PenaltyChoice) error {
	choice, err := normalizePenalty(choice)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.step != StepPenalty {
		m.mu.Unlock()
		return ErrWrongStep
	}
	if m.loading {
		m.mu.Unlock()
		return ErrBusy
	}
	m.loading = true
	m.draft.Penalty = choice
	flow := m.flow
	prompt := Prompt(m.draft.Goal, m.draft.Deadline, choice)
	m.mu.Unlock()

	contract, err := m.backend.Negotiate(ctx, prompt)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading = false
	if err != nil {
		m.log.Warn("negotiate failed", zap.Error(err))
		return fmt.Errorf("negotiate: %w", err)
	}
	if m.flow != flow || m.step != StepPenalty {
		m.log.Debug("negotiation result discarded", zap.Stringer("step", m.step))
		return nil
	}
	m.draft.Contract = &contract
	m.step = StepReview
	return nil
}

// Confirm commits the negotiated contract. Without an identity it issues the
// sign-in prompt, marks the confirmation pending and returns ErrAuthRequired;
// the user confirms again once signed in.
func (m *Machine) Confirm(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.step != StepReview || m.draft.Contract == nil {
		m.mu.Unlock()
		return "", ErrWrongStep
	}
	if m.loading {
		m.mu.Unlock()
		return "", ErrBusy
	}
	if _, ok := m.ids.Current(); !ok {
		m.authPending = true
		m.mu.Unlock()
		m.promptSignIn()
		return "", ErrAuthRequired
	}
	m.loading = true
	flow := m.flow
	contract := *m.draft.Contract
	m.mu.Unlock()

	id, err := m.commit(ctx, contract)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading = false
	if err != nil {
		m.log.Warn("commit failed", zap.Error(err))
		return "", err
	}
	if m.flow == flow {
		m.resetLocked()
		m.step = StepDashboard
	}
	return id, nil
}

func (m *Machine) commit(ctx context.Context, c domain.Contract) (string, error) {
	token, err := m.ids.Token(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrSignedOut) {
			return "", ErrAuthRequired
		}
		return "", fmt.Errorf("identity token: %w", err)
	}
	id, err := m.backend.Commit(ctx, token, c)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Back steps Review→Penalty→Deadline→Goal without touching the draft.
func (m *Machine) Back() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loading {
		return ErrBusy
	}
	switch m.step {
	case StepDeadline, StepPenalty, StepReview:
		m.step--
		return nil
	}
	return ErrWrongStep
}

// Navigate jumps to the dashboard, the community screen or a fresh flow.
// Goal only starts a fresh flow from the dashboard or community screen; inside
// the wizard it leaves the draft alone. Use Cancel to abandon a flow.
func (m *Machine) Navigate(step Step) error {
	switch step {
	case StepDashboard:
		if _, ok := m.ids.Current(); !ok {
			m.promptSignIn()
			return ErrAuthRequired
		}
	case StepCommunity:
	case StepGoal:
		m.mu.Lock()
		if m.step == StepDashboard || m.step == StepCommunity {
			m.resetLocked()
			m.step = StepGoal
		}
		m.mu.Unlock()
		return nil
	default:
		return ErrWrongStep
	}
	m.mu.Lock()
	m.step = step
	m.mu.Unlock()
	return nil
}

// Cancel abandons the current flow.
func (m *Machine) Cancel() {
	m.mu.Lock()
	m.resetLocked()
	m.step = StepGoal
	m.mu.Unlock()
}

func (m *Machine) resetLocked() {
	m.draft = Draft{}
	m.authPending = false
	m.flow++
}

func (m *Machine) promptSignIn() {
	if m.prompt != nil {
		m.prompt()
	}
}
