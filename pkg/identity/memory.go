package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Provider for development and tests.
type Memory struct {
	mu    sync.Mutex
	users map[string]*User
	// Err, when set, is returned by every InviteUser call.
	Err error
}

// NewMemory creates an empty in-memory identity provider.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]*User)}
}

// InviteUser implements Provider.
func (m *Memory) InviteUser(_ context.Context, email string, _ map[string]string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	key := strings.ToLower(email)
	if _, ok := m.users[key]; ok {
		return nil, ErrUserExists
	}
	u := &User{ID: uuid.NewString(), Email: email}
	m.users[key] = u
	return u, nil
}

// Count returns the number of invited users.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}
