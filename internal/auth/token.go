// Package auth supplies the API token every remote call needs. How the token
// is obtained (login) is outside this client; it only reads and stores it.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrNoToken means no token has been stored. Every API call requires one.
	ErrNoToken = errors.New("no token found")

	// ErrUnauthorized is matched by API errors for 401/403 responses.
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenSource returns the current token or ErrNoToken.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSink stores a token for later calls.
type TokenSink interface {
	SetToken(ctx context.Context, token string) error
}

// TokenStore is both.
type TokenStore interface {
	TokenSource
	TokenSink
}

// MemoryStore keeps the token for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: strings.TrimSpace(token)}
}

func (m *MemoryStore) Token(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return "", ErrNoToken
	}
	return m.token, nil
}

func (m *MemoryStore) SetToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = strings.TrimSpace(token)
	return nil
}
