package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned when no account exists for a screen name.
var ErrNotFound = errors.New("store: account not found")

// Account is one registered screen name. PasswordHash is the hex sha256 of
// the cleartext password; the cleartext itself is never stored.
type Account struct {
	ScreenName   string
	PasswordHash string
}

// Credentials looks accounts up by screen name, case-insensitively.
type Credentials interface {
	Lookup(ctx context.Context, screenName string) (Account, error)
	Close() error
}

// HashPassword returns the hex sha256 digest of password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword reports whether password matches the stored hash.
func VerifyPassword(hash, password string) bool {
	return hash == HashPassword(password)
}

// MemoryStore keeps accounts in a map. Dev and test driver.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

// Seed adds an account with the given cleartext password.
func (m *MemoryStore) Seed(screenName, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[strings.ToLower(screenName)] = Account{
		ScreenName:   screenName,
		PasswordHash: HashPassword(password),
	}
}

func (m *MemoryStore) Lookup(_ context.Context, screenName string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[strings.ToLower(screenName)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *MemoryStore) Close() error { return nil }
