package server

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/store"
)

func newAuth(t *testing.T, guestMode bool) (*Authenticator, *registry.GuestRegistry) {
	t.Helper()
	creds := store.NewMemoryStore()
	creds.Seed("Bobby", "hunter2")
	guests := registry.NewGuestRegistry(1, nil)
	return NewAuthenticator(zerolog.Nop(), creds, guests, guestMode), guests
}

func TestAuthenticateKnownAccount(t *testing.T) {
	a, _ := newAuth(t, true)

	res, err := a.Authenticate(context.Background(), "bobby", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "Bobby", res.ScreenName, "canonical casing from the store")
	assert.False(t, res.Ephemeral)

	_, err = a.Authenticate(context.Background(), "Bobby", "wrong")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAuthenticateUnknownNameMintsGuest(t *testing.T) {
	a, guests := newAuth(t, true)

	res, err := a.Authenticate(context.Background(), "Stranger", "whatever")
	require.NoError(t, err)
	assert.True(t, res.Ephemeral)
	assert.True(t, registry.IsGuestName(res.ScreenName), "unknown names get a minted guest identity")
	assert.Equal(t, 1, guests.InUse())

	// Empty password is accepted for unknown names; legacy behavior.
	res, err = a.Authenticate(context.Background(), "Stranger", "")
	require.NoError(t, err)
	assert.True(t, res.Ephemeral)
	assert.True(t, registry.IsGuestName(res.ScreenName))
	assert.Equal(t, 2, guests.InUse())

	guests.Release(res.ScreenName)
	assert.Equal(t, 1, guests.InUse())
}

func TestAuthenticateGuestModeOff(t *testing.T) {
	a, guests := newAuth(t, false)
	_, err := a.Authenticate(context.Background(), "Stranger", "pw")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Zero(t, guests.InUse())

	_, err = a.MintGuest()
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAuthenticateRejectsBadInput(t *testing.T) {
	a, _ := newAuth(t, true)

	_, err := a.Authenticate(context.Background(), "", "pw")
	assert.ErrorIs(t, err, ErrAuthFailed, "empty name")

	_, err = a.Authenticate(context.Background(), "WayTooLongName", "pw")
	assert.ErrorIs(t, err, ErrAuthFailed, "name over 10 chars")

	_, err = a.Authenticate(context.Background(), "~Guest1234", "pw")
	assert.ErrorIs(t, err, ErrAuthFailed, "reserved prefix")

	_, err = a.Authenticate(context.Background(), "Bad!Name", "pw")
	assert.ErrorIs(t, err, ErrAuthFailed, "punctuation")

	_, err = a.Authenticate(context.Background(), "Bad Name", "pw")
	assert.ErrorIs(t, err, ErrAuthFailed, "space")

	_, err = a.Authenticate(context.Background(), "Bobby", "waytoolongpassword")
	assert.ErrorIs(t, err, ErrAuthFailed, "password over 8 chars")
}

func TestMintGuest(t *testing.T) {
	a, _ := newAuth(t, true)
	res, err := a.MintGuest()
	require.NoError(t, err)
	assert.True(t, res.Ephemeral)
	assert.True(t, registry.IsGuestName(res.ScreenName))
}
