package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

// StaticUser is a locally-defined account for the static provider.
type StaticUser struct {
	UserID       string
	PasswordHash string // bcrypt
	Roles        []string
	Permissions  []string
}

// StaticProvider authenticates {username, password} credentials against
// an in-memory account table. Intended for small deployments and tests.
type StaticProvider struct {
	mu    sync.RWMutex
	users map[string]StaticUser
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{users: make(map[string]StaticUser)}
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return "static" }

// AddUser registers an account, hashing the password with bcrypt.
func (p *StaticProvider) AddUser(username, password string, roles, perms []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[username] = StaticUser{
		UserID:       username,
		PasswordHash: string(hash),
		Roles:        roles,
		Permissions:  perms,
	}
	return nil
}

// Authenticate implements Provider.
func (p *StaticProvider) Authenticate(_ context.Context, creds Credentials) (*Context, error) {
	username, _ := creds["username"].(string)
	password, _ := creds["password"].(string)
	if username == "" || password == "" {
		return nil, nil // not our credential shape
	}

	p.mu.RLock()
	user, ok := p.users[username]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown user %q", username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("bad password for %q", username)
	}
	return &Context{
		Authenticated: true,
		UserID:        user.UserID,
		Roles:         user.Roles,
		Permissions:   user.Permissions,
		IssuedAt:      time.Now(),
	}, nil
}
