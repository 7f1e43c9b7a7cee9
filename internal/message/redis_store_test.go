package message

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func newTestRedisStore(t *testing.T, maxSize int) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, maxSize, zaptest.NewLogger(t)), mr
}

func TestRedisStore(t *testing.T) {
	testHistory(t, func(t *testing.T, maxSize int) History {
		s, _ := newTestRedisStore(t, maxSize)
		return s
	})
}

func TestRedisStoreLayout(t *testing.T) {
	s, mr := newTestRedisStore(t, 2)
	fill(t, s, "lobby", 3)

	vals, err := mr.List("room:lobby:messages")
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 2 {
		t.Fatalf("list holds %d entries, want 2", len(vals))
	}
	keys, err := mr.HKeys(redisIndexKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("index holds %v, want the two retained ids", keys)
	}
	if got := mr.HGet(redisIndexKey, "3"); got != "lobby" {
		t.Fatalf("index[3] = %q, want lobby", got)
	}
}

func TestRedisStoreSkipsUndecodable(t *testing.T) {
	s, mr := newTestRedisStore(t, 10)
	fill(t, s, "lobby", 1)
	if _, err := mr.Push("room:lobby:messages", "{not json"); err != nil {
		t.Fatal(err)
	}
	p, err := s.Page(context.Background(), "lobby", PageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if ids(p.Items) != "1" {
		t.Fatalf("items = %s, want 1", ids(p.Items))
	}
}

func TestRedisStoreErrors(t *testing.T) {
	s, mr := newTestRedisStore(t, 10)
	fill(t, s, "lobby", 1)
	mr.SetError("ERR backend unavailable")

	ctx := context.Background()
	if err := s.Append(ctx, msg("2", "lobby", "x")); err == nil {
		t.Fatal("expected Append to fail")
	}
	if _, err := s.Page(ctx, "lobby", PageQuery{}); err == nil {
		t.Fatal("expected Page to fail")
	}
	if _, err := s.Get(ctx, "1"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want a backend error", err)
	}
	if _, err := s.Len(ctx, "lobby"); err == nil {
		t.Fatal("expected Len to fail")
	}
}
