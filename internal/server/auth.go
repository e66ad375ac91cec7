package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/store"
)

// AuthResult is what a successful login produced.
type AuthResult struct {
	ScreenName string // canonical display casing
	Ephemeral  bool
}

var ErrAuthFailed = errors.New("server: authentication failed")

// Authenticator validates Dd login credentials against the credential
// store, minting ephemeral guests when guest mode allows it.
type Authenticator struct {
	logger    zerolog.Logger
	creds     store.Credentials
	guests    *registry.GuestRegistry
	guestMode bool
}

func NewAuthenticator(logger zerolog.Logger, creds store.Credentials,
	guests *registry.GuestRegistry, guestMode bool) *Authenticator {
	return &Authenticator{
		logger:    logger.With().Str("component", "auth").Logger(),
		creds:     creds,
		guests:    guests,
		guestMode: guestMode,
	}
}

// Authenticate resolves a login attempt. Known accounts must present the
// right password. Unknown names fall back to a minted ~GuestNNNN identity
// when guest mode is on; the empty-password fallback is accepted but
// logged, matching the legacy behavior.
func (a *Authenticator) Authenticate(ctx context.Context, screenName, password string) (AuthResult, error) {
	if err := ValidateScreenName(screenName); err != nil {
		return AuthResult{}, err
	}
	if len(password) > 8 {
		return AuthResult{}, fmt.Errorf("server: password too long: %w", ErrAuthFailed)
	}

	acct, err := a.creds.Lookup(ctx, screenName)
	switch {
	case err == nil:
		if !store.VerifyPassword(acct.PasswordHash, password) {
			a.logger.Warn().Str("screen_name", screenName).Msg("Bad password")
			return AuthResult{}, ErrAuthFailed
		}
		return AuthResult{ScreenName: acct.ScreenName}, nil

	case errors.Is(err, store.ErrNotFound):
		if password == "" {
			a.logger.Warn().
				Str("screen_name", screenName).
				Msg("Guest login with empty password accepted")
		}
		res, mintErr := a.MintGuest()
		if mintErr != nil {
			return AuthResult{}, mintErr
		}
		a.logger.Info().
			Str("requested", screenName).
			Str("screen_name", res.ScreenName).
			Msg("Unknown screen name, guest minted")
		return res, nil

	default:
		return AuthResult{}, fmt.Errorf("server: credential lookup: %w", err)
	}
}

// MintGuest allocates a ~GuestNNNN name for a connection that logged in
// with no name at all.
func (a *Authenticator) MintGuest() (AuthResult, error) {
	if !a.guestMode {
		return AuthResult{}, ErrAuthFailed
	}
	name, err := a.guests.Acquire()
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{ScreenName: name, Ephemeral: true}, nil
}

// ValidateScreenName enforces the client rules: 1-10 characters,
// alphanumeric only, not starting with the reserved guest prefix.
func ValidateScreenName(name string) error {
	if len(name) < 1 || len(name) > 10 {
		return fmt.Errorf("server: screen name length %d: %w", len(name), ErrAuthFailed)
	}
	if name[0] == '~' {
		return fmt.Errorf("server: reserved screen name prefix: %w", ErrAuthFailed)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
		if !ok {
			return fmt.Errorf("server: invalid screen name character %q: %w", c, ErrAuthFailed)
		}
	}
	return nil
}
