// Package verify runs one evidence submission against a contract: optional
// upload, the verification call and the scripted agent log shown while the
// call is in flight.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pact/internal/domain"
	"pact/internal/identity"
)

type Phase int

const (
	PhaseCollecting Phase = iota
	PhaseUploading
	PhaseSubmitting
	PhaseAwaitingAgents
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseCollecting:
		return "collecting"
	case PhaseUploading:
		return "uploading"
	case PhaseSubmitting:
		return "submitting"
	case PhaseAwaitingAgents:
		return "awaiting_agents"
	case PhaseComplete:
		return "complete"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var (
	ErrClosed       = errors.New("verification session closed")
	ErrBusy         = errors.New("verification already submitted")
	ErrInvalidInput = domain.ErrInvalidInput
	ErrAuthRequired = domain.ErrAuthRequired
)

// Attachment is an evidence file waiting to be uploaded.
type Attachment struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileAttachment attaches a file from disk.
func FileAttachment(path string) Attachment {
	return Attachment{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

type Uploader interface {
	UploadEvidence(ctx context.Context, name string, r io.Reader) (string, error)
}

type Verifier interface {
	Verify(ctx context.Context, token string, req domain.VerifyRequest) (domain.Verdict, error)
}

// Backend is everything a session needs from the remote side.
type Backend interface {
	Uploader
	Verifier
}

type State struct {
	Phase      Phase
	Contract   domain.Contract
	Evidence   string
	Attachment string
	Lines      []AgentLine
	ImageURL   string
	Verdict    *domain.Verdict
	Err        error
}

type Session struct {
	backend Backend
	ids     *identity.Context
	script  Script
	log     *zap.Logger
	update  func(State)

	root   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	phase      Phase
	contract   domain.Contract
	evidence   string
	attachment *Attachment
	lines      []AgentLine
	imageURL   string
	verdict    *domain.Verdict
	err        error
	closed     bool

	// emitMu serializes update callbacks; Close takes it to wait out the
	// callback in flight.
	emitMu sync.Mutex
}

type Option func(*Session)

func WithScript(s Script) Option {
	return func(v *Session) { v.script = s }
}

func WithLogger(log *zap.Logger) Option {
	return func(v *Session) { v.log = log }
}

// WithUpdates registers a callback run after every state change. It must not
// call Close.
func WithUpdates(fn func(State)) Option {
	return func(v *Session) { v.update = fn }
}

func New(contract domain.Contract, ids *identity.Context, backend Backend, opts ...Option) *Session {
	s := &Session{
		backend:  backend,
		ids:      ids,
		script:   DefaultScript(),
		log:      zap.NewNop(),
		contract: contract,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.root, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := State{
		Phase:    s.phase,
		Contract: s.contract,
		Evidence: s.evidence,
		Lines:    append([]AgentLine(nil), s.lines...),
		ImageURL: s.imageURL,
		Err:      s.err,
	}
	if s.attachment != nil {
		st.Attachment = s.attachment.Name
	}
	if s.verdict != nil {
		v := *s.verdict
		st.Verdict = &v
	}
	return st
}

// CanSubmit reports whether there is any evidence to send.
func (s *Session) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSubmitLocked()
}

func (s *Session) canSubmitLocked() bool {
	return strings.TrimSpace(s.evidence) != "" || s.attachment != nil
}

func (s *Session) SetEvidence(text string) error {
	return s.collect(func() { s.evidence = text })
}

func (s *Session) Attach(a Attachment) error {
	if a.Open == nil {
		return fmt.Errorf("attachment %q has no content: %w", a.Name, ErrInvalidInput)
	}
	return s.collect(func() { s.attachment = &a })
}

func (s *Session) Detach() error {
	return s.collect(func() { s.attachment = nil })
}

func (s *Session) collect(fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseCollecting {
		s.mu.Unlock()
		return ErrBusy
	}
	fn()
	s.mu.Unlock()
	s.emit()
	return nil
}

// Submit uploads the attachment (if any), then runs the verification call and
// the agent script together. The verdict is revealed only once both are done.
// A failed call cancels the script and returns the session to collecting.
func (s *Session) Submit(ctx context.Context) (domain.Verdict, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.root, cancel)
	defer stop()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return domain.Verdict{}, ErrClosed
	case s.phase != PhaseCollecting:
		s.mu.Unlock()
		return domain.Verdict{}, ErrBusy
	case !s.canSubmitLocked():
		s.mu.Unlock()
		return domain.Verdict{}, fmt.Errorf("no evidence provided: %w", ErrInvalidInput)
	}
	id, ok := s.ids.Current()
	if !ok {
		s.mu.Unlock()
		return domain.Verdict{}, ErrAuthRequired
	}
	attachment := s.attachment
	req := domain.VerifyRequest{
		Contract:     s.contract,
		UserID:       id.UID,
		TextEvidence: strings.TrimSpace(s.evidence),
	}
	s.err = nil
	s.lines = nil
	s.imageURL = ""
	if attachment != nil {
		s.phase = PhaseUploading
	} else {
		s.phase = PhaseSubmitting
	}
	s.mu.Unlock()
	s.emit()

	if attachment != nil {
		req.ImageURL = s.upload(ctx, *attachment)
		s.setPhase(PhaseSubmitting, req.ImageURL)
	}

	token, err := s.ids.Token(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrSignedOut) {
			err = ErrAuthRequired
		}
		return domain.Verdict{}, s.fail(fmt.Errorf("identity token: %w", err))
	}

	s.setPhase(PhaseAwaitingAgents, req.ImageURL)
	var verdict domain.Verdict
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.backend.Verify(gctx, token, req)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		verdict = v
		return nil
	})
	g.Go(func() error {
		return s.script.play(gctx, s.reveal)
	})
	if err := g.Wait(); err != nil {
		return domain.Verdict{}, s.fail(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Verdict{}, ErrClosed
	}
	s.phase = PhaseComplete
	s.verdict = &verdict
	s.mu.Unlock()
	s.emit()
	s.log.Info("verification complete",
		zap.String("contract_id", req.Contract.ID),
		zap.String("status", string(verdict.Verification.Status)),
		zap.String("trace_id", verdict.TraceID))
	return verdict, nil
}

// upload returns the evidence URL, or "" when the upload failed and the
// submission continues with text only.
func (s *Session) upload(ctx context.Context, a Attachment) string {
	r, err := a.Open()
	if err != nil {
		s.log.Warn("evidence open failed, submitting text only", zap.String("name", a.Name), zap.Error(err))
		return ""
	}
	defer r.Close()
	url, err := s.backend.UploadEvidence(ctx, a.Name, r)
	if err != nil {
		s.log.Warn("evidence upload failed, submitting text only", zap.String("name", a.Name), zap.Error(err))
		return ""
	}
	return url
}

func (s *Session) setPhase(p Phase, imageURL string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.phase = p
	s.imageURL = imageURL
	s.mu.Unlock()
	s.emit()
}

func (s *Session) reveal(line AgentLine) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	s.emit()
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.phase = PhaseCollecting
	s.lines = nil
	s.err = err
	s.mu.Unlock()
	s.log.Warn("verification failed", zap.String("contract_id", s.contract.ID), zap.Error(err))
	s.emit()
	return err
}

func (s *Session) emit() {
	if s.update == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	st := s.stateLocked()
	s.mu.Unlock()
	s.update(st)
}

// Close discards the session at any phase. An in-flight Submit is cancelled
// and no update is delivered once Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.emitMu.Lock()
	s.emitMu.Unlock()
}
