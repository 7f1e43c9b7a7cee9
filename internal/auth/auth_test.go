package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStoreTokenEmpty(t *testing.T) {
	s := NewStore(Token{}, nil)
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential from refresh, got %v", err)
	}
}

func TestStoreRefreshReplacesToken(t *testing.T) {
	s := NewStore(Token{Value: "old"}, func(_ context.Context, cur Token) (Token, error) {
		if cur.Value != "old" {
			t.Errorf("expected current token old, got %q", cur.Value)
		}
		return Token{Value: "new"}, nil
	})

	got, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.Value != "new" {
		t.Errorf("expected new token, got %q", got.Value)
	}
	if cur, _ := s.Token(context.Background()); cur.Value != "new" {
		t.Errorf("expected store to hold new token, got %q", cur.Value)
	}
}

func TestStoreRefreshSharesInflightRenewal(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s := NewStore(Token{Value: "old"}, func(context.Context, Token) (Token, error) {
		calls.Add(1)
		<-release
		return Token{Value: "new"}, nil
	})

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := s.Refresh(context.Background())
			if err != nil {
				t.Errorf("refresh %d: %v", i, err)
				return
			}
			results[i] = tok.Value
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("expected a single renewal, got %d", n)
	}
	for i, v := range results {
		if v != "new" {
			t.Errorf("caller %d: expected new token, got %q", i, v)
		}
	}
}

func TestFreshRenewsNearExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(Token{Value: "old", ExpiresAt: now.Add(10 * time.Second)}, func(context.Context, Token) (Token, error) {
		return Token{Value: "new", ExpiresAt: now.Add(time.Hour)}, nil
	})

	tok, err := Fresh(context.Background(), s, now)
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if tok.Value != "new" {
		t.Errorf("expected renewed token, got %q", tok.Value)
	}
}

func TestFreshKeepsValidTokenWhenRenewalFails(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	boom := errors.New("boom")
	renew := func(context.Context, Token) (Token, error) { return Token{}, boom }

	s := NewStore(Token{Value: "old", ExpiresAt: now.Add(5 * time.Second)}, renew)
	tok, err := Fresh(context.Background(), s, now)
	if err != nil || tok.Value != "old" {
		t.Fatalf("expected old token without error, got %q, %v", tok.Value, err)
	}

	s = NewStore(Token{Value: "old", ExpiresAt: now.Add(-time.Second)}, renew)
	if _, err := Fresh(context.Background(), s, now); !errors.Is(err, boom) {
		t.Fatalf("expected renewal error for expired token, got %v", err)
	}
}

func TestFreshLeavesLongLivedTokenAlone(t *testing.T) {
	now := time.Now()
	s := NewStore(Token{Value: "tok", ExpiresAt: now.Add(time.Hour)}, func(context.Context, Token) (Token, error) {
		t.Fatal("unexpected renewal")
		return Token{}, nil
	})
	if tok, err := Fresh(context.Background(), s, now); err != nil || tok.Value != "tok" {
		t.Fatalf("unexpected result %q, %v", tok.Value, err)
	}
}

func TestIssuerIssueAndValidate(t *testing.T) {
	iss := NewIssuer(time.Minute)

	sess := iss.Issue("ana")
	if sess.Token == "" || sess.UserID == "" {
		t.Fatalf("expected token and user id, got %+v", sess)
	}
	got, err := iss.Validate(sess.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.UserID != sess.UserID || got.Nickname != "ana" {
		t.Errorf("unexpected session %+v", got)
	}
	if _, err := iss.Validate("nonexistent"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssuerExpiry(t *testing.T) {
	iss := NewIssuer(time.Minute)
	now := time.Now()
	iss.now = func() time.Time { return now }
	sess := iss.Issue("")

	iss.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := iss.Validate(sess.Token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}

	refreshed, err := iss.Refresh(sess.Token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.UserID != sess.UserID {
		t.Error("expected refresh to keep the user id")
	}
	if _, err := iss.Validate(refreshed.Token); err != nil {
		t.Errorf("expected refreshed token to validate, got %v", err)
	}
	if _, err := iss.Validate(sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected old token to be rotated out, got %v", err)
	}
}

func TestIssuerUniqueTokens(t *testing.T) {
	iss := NewIssuer(time.Minute)

	s1 := iss.Issue("")
	s2 := iss.Issue("")
	if s1.Token == s2.Token {
		t.Error("expected unique tokens")
	}
	if s1.UserID == s2.UserID {
		t.Error("expected unique user IDs")
	}
	if iss.Count() != 2 {
		t.Errorf("expected 2 sessions, got %d", iss.Count())
	}
	iss.Revoke(s1.Token)
	if iss.Count() != 1 {
		t.Errorf("expected 1 session after revoke, got %d", iss.Count())
	}
}
