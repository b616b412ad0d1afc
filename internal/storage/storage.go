// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when nothing was persisted.
var ErrNotFound = errors.New("no stored credentials")

// Credentials is the persisted part of a session.
type Credentials struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	SavedAt         time.Time
}

// CredentialStore persists the tokens of the single live session so it
// survives a process restart.
type CredentialStore interface {
	Load(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
	Close() error
}

// Memory keeps credentials for the lifetime of the process only.
type Memory struct {
	mu    sync.Mutex
	creds *Credentials
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil, ErrNotFound
	}
	c := *m.creds
	return &c, nil
}

func (m *Memory) Save(_ context.Context, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if creds.SavedAt.IsZero() {
		creds.SavedAt = time.Now().UTC()
	}
	m.creds = &creds
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	return nil
}

func (m *Memory) Close() error { return nil }
