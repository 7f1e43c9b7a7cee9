// Package auth supplies bearer credentials to the sync core and issues
// them on the development backend.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoCredential means no token is available; sending cannot proceed.
	ErrNoCredential = errors.New("auth: no credential")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: expired token")
)

// RenewSkew is how close to expiry a token may get before callers renew it.
const RenewSkew = 15 * time.Second

// Token is a bearer credential with its expiry. A zero ExpiresAt means the
// token does not expire.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires within d of now.
func (t Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !t.ExpiresAt.IsZero() && now.Add(d).After(t.ExpiresAt)
}

// Provider is the credential source injected into the sync core.
type Provider interface {
	// Token returns the current credential or ErrNoCredential.
	Token(ctx context.Context) (Token, error)
	// Refresh obtains a new credential and returns it.
	Refresh(ctx context.Context) (Token, error)
}

// RenewFunc exchanges the current token for a fresh one.
type RenewFunc func(ctx context.Context, current Token) (Token, error)

// Store is an in-memory Provider. Concurrent Refresh calls share one
// renewal.
type Store struct {
	mu       sync.Mutex
	token    Token
	renew    RenewFunc
	inflight chan struct{}
	lastErr  error
}

// NewStore creates a store holding initial. renew may be nil, in which case
// Refresh fails with ErrNoCredential.
func NewStore(initial Token, renew RenewFunc) *Store {
	return &Store{token: initial, renew: renew}
}

// Set replaces the stored token.
func (s *Store) Set(t Token) {
	s.mu.Lock()
	s.token = t
	s.mu.Unlock()
}

// Clear forgets the stored token.
func (s *Store) Clear() {
	s.Set(Token{})
}

func (s *Store) Token(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.Value == "" {
		return Token{}, ErrNoCredential
	}
	return s.token, nil
}

func (s *Store) Refresh(ctx context.Context) (Token, error) {
	s.mu.Lock()
	if s.renew == nil || s.token.Value == "" {
		s.mu.Unlock()
		return Token{}, ErrNoCredential
	}
	if wait := s.inflight; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lastErr != nil {
			return Token{}, s.lastErr
		}
		return s.token, nil
	}
	done := make(chan struct{})
	s.inflight = done
	current := s.token
	s.mu.Unlock()

	next, err := s.renew(ctx, current)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = nil
	s.lastErr = err
	close(done)
	if err != nil {
		return Token{}, err
	}
	if next.Value == "" {
		s.lastErr = ErrNoCredential
		return Token{}, ErrNoCredential
	}
	s.token = next
	return next, nil
}

// Fresh returns a token from p, renewing it first when it is within
// RenewSkew of expiry. A failed renewal is only surfaced if the old token
// has already expired.
func Fresh(ctx context.Context, p Provider, now time.Time) (Token, error) {
	tok, err := p.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	if !tok.ExpiresWithin(now, RenewSkew) {
		return tok, nil
	}
	renewed, err := p.Refresh(ctx)
	if err == nil {
		return renewed, nil
	}
	if tok.Expired(now) {
		return Token{}, err
	}
	return tok, nil
}
