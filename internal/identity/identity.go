// Package identity holds the signed-in identity and hands out bearer tokens
// bound to it.
package identity

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var ErrSignedOut = errors.New("not signed in")

type Identity struct {
	UID         string `json:"uid" yaml:"uid"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty" yaml:"photo_url,omitempty"`
}

// TokenSource issues bearer tokens for an identity.
type TokenSource interface {
	Token(ctx context.Context, id Identity) (string, error)
}

// Listener observes identity changes. A nil identity means signed out.
type Listener func(id *Identity)

// Context is the explicit identity context shared by the client components.
type Context struct {
	tokens TokenSource
	log    *zap.Logger

	mu        sync.Mutex
	current   *Identity
	listeners map[int]Listener
	nextID    int

	// notifyMu serializes listener runs so every listener sees changes in
	// the order they were made.
	notifyMu sync.Mutex
}

func NewContext(tokens TokenSource, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{tokens: tokens, log: log, listeners: map[int]Listener{}}
}

// Current returns the signed-in identity.
func (c *Context) Current() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Identity{}, false
	}
	return *c.current, true
}

// Token returns a bearer token for the signed-in identity.
func (c *Context) Token(ctx context.Context) (string, error) {
	id, ok := c.Current()
	if !ok {
		return "", ErrSignedOut
	}
	if c.tokens == nil {
		return "", errors.New("no token source configured")
	}
	return c.tokens.Token(ctx, id)
}

// SignIn makes id the current identity. Listeners have run when it returns.
// Signing in as the current identity again is a no-op.
func (c *Context) SignIn(id Identity) error {
	if id.UID == "" {
		return errors.New("identity uid required")
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if c.current != nil && *c.current == id {
		c.mu.Unlock()
		return nil
	}
	next := id
	c.current = &next
	listeners := c.snapshotListeners()
	c.mu.Unlock()
	c.log.Info("signed in", zap.String("uid", id.UID))
	notify(listeners, &id)
	return nil
}

// SignOut clears the identity. Listeners have run when it returns.
func (c *Context) SignOut() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	uid := c.current.UID
	c.current = nil
	listeners := c.snapshotListeners()
	c.mu.Unlock()
	c.log.Info("signed out", zap.String("uid", uid))
	notify(listeners, nil)
}

// Subscribe registers fn and calls it immediately with the current identity.
// Listeners run synchronously on the goroutine that changed the identity and
// must not call SignIn or SignOut themselves.
func (c *Context) Subscribe(fn Listener) (unsubscribe func()) {
	c.notifyMu.Lock()
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	var cur *Identity
	if c.current != nil {
		v := *c.current
		cur = &v
	}
	c.mu.Unlock()
	fn(cur)
	c.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Context) snapshotListeners() []Listener {
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.listeners[id])
	}
	return out
}

func notify(listeners []Listener, id *Identity) {
	for _, fn := range listeners {
		if id == nil {
			fn(nil)
			continue
		}
		v := *id
		fn(&v)
	}
}
