package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeSeesCurrentAndChanges(t *testing.T) {
	c := NewContext(HMACTokens{Secret: []byte("s3cret")}, nil)
	var seen []string
	unsubscribe := c.Subscribe(func(id *Identity) {
		if id == nil {
			seen = append(seen, "-")
			return
		}
		seen = append(seen, id.UID)
	})
	require.NoError(t, c.SignIn(Identity{UID: "u1"}))
	require.NoError(t, c.SignIn(Identity{UID: "u1"}))
	require.NoError(t, c.SignIn(Identity{UID: "u2"}))
	c.SignOut()
	c.SignOut()
	unsubscribe()
	unsubscribe()
	require.NoError(t, c.SignIn(Identity{UID: "u3"}))

	assert.Equal(t, []string{"-", "u1", "u2", "-"}, seen)
	assert.Error(t, c.SignIn(Identity{}))
}

func TestTokenRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	c := NewContext(HMACTokens{Secret: []byte("s3cret"), Issuer: "pact"}, nil)
	_, err := c.Token(ctx)
	assert.ErrorIs(t, err, ErrSignedOut)

	require.NoError(t, c.SignIn(Identity{UID: "u1", Email: "a@b.c", DisplayName: "Ada"}))
	token, err := c.Token(ctx)
	require.NoError(t, err)

	id, err := Verify(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, Identity{UID: "u1", Email: "a@b.c", DisplayName: "Ada"}, id)

	_, err = Verify(token, "other")
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	past := func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := HMACTokens{Secret: []byte("k"), TTL: time.Minute, Now: past}.Token(context.Background(), Identity{UID: "u1"})
	require.NoError(t, err)
	_, err = Verify(token, "k")
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	path := SessionPath(t.TempDir())
	id, err := LoadSession(path)
	require.NoError(t, err)
	assert.Nil(t, id)

	require.NoError(t, SaveSession(path, Identity{UID: "u1", DisplayName: "Ada"}))
	id, err = LoadSession(path)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "Ada", id.DisplayName)

	require.NoError(t, ClearSession(path))
	require.NoError(t, ClearSession(path))
	assert.Equal(t, ".pact", filepath.Base(filepath.Dir(path)))
}
