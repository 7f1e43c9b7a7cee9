package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is an issued development credential bound to a user identity.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Nickname  string    `json:"nickname,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer hands out bearer tokens with a fixed lifetime and validates them.
// Refreshing rotates the token but keeps the user identity stable.
type Issuer struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*Session
}

// NewIssuer creates an issuer whose tokens live for ttl.
func NewIssuer(ttl time.Duration) *Issuer {
	return &Issuer{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Issue creates a session for a new user.
func (i *Issuer) Issue(nickname string) *Session {
	now := i.now()
	sess := &Session{
		Token:     generateToken(),
		UserID:    uuid.NewString(),
		Nickname:  nickname,
		CreatedAt: now,
		ExpiresAt: now.Add(i.ttl),
	}
	i.mu.Lock()
	i.sessions[sess.Token] = sess
	i.mu.Unlock()
	return sess
}

// Validate returns the session for token.
func (i *Issuer) Validate(token string) (*Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	sess, ok := i.sessions[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	if !i.now().Before(sess.ExpiresAt) {
		return nil, ErrExpiredToken
	}
	return sess, nil
}

// Refresh rotates token. Expired tokens may still be refreshed; unknown
// ones may not. The old token stops working.
func (i *Issuer) Refresh(token string) (*Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	old, ok := i.sessions[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	delete(i.sessions, token)

	now := i.now()
	sess := &Session{
		Token:     generateToken(),
		UserID:    old.UserID,
		Nickname:  old.Nickname,
		CreatedAt: old.CreatedAt,
		ExpiresAt: now.Add(i.ttl),
	}
	i.sessions[sess.Token] = sess
	return sess, nil
}

// Revoke invalidates token.
func (i *Issuer) Revoke(token string) {
	i.mu.Lock()
	delete(i.sessions, token)
	i.mu.Unlock()
}

// Count returns the number of live sessions.
func (i *Issuer) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.sessions)
}

func generateToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
