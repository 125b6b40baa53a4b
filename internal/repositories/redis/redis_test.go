package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kroypata/checkout/internal/repositories"
)

type stubGetter struct {
	keys  []string
	value string
	err   error
}

func (s *stubGetter) Get(_ context.Context, key string) *redis.StringCmd {
	s.keys = append(s.keys, key)
	return redis.NewStringResult(s.value, s.err)
}

func TestGuestCartRepositoryLoadCart(t *testing.T) {
	getter := &stubGetter{value: `{"items":[{"product_id":"p1","quantity":2,"color":"red","unit_price":"10.50"},{"product_id":"p2","quantity":1}],"currency":"bdt","updated_at":"2025-03-01T10:00:00Z"}`}
	repo, err := NewGuestCartRepository(getter, "shop:")
	if err != nil {
		t.Fatalf("NewGuestCartRepository: %v", err)
	}

	cart, err := repo.LoadCart(context.Background(), "g-1")
	if err != nil {
		t.Fatalf("LoadCart: %v", err)
	}
	if len(getter.keys) != 1 || getter.keys[0] != "shop:cart:g-1" {
		t.Fatalf("unexpected keys %v", getter.keys)
	}
	if !cart.Guest() || cart.ID != "g-1" || cart.Currency != "BDT" {
		t.Fatalf("unexpected cart %#v", cart)
	}
	if len(cart.Lines) != 2 || cart.Lines[0].ColorVariant != "red" {
		t.Fatalf("unexpected lines %#v", cart.Lines)
	}
	if !cart.Lines[0].UnitPrice.Valid || cart.Lines[0].UnitPrice.Decimal.String() != "10.5" {
		t.Fatalf("unexpected unit price %#v", cart.Lines[0].UnitPrice)
	}
	if cart.Lines[1].UnitPrice.Valid {
		t.Fatalf("expected missing unit price")
	}
}

func TestGuestCartRepositoryMissingCart(t *testing.T) {
	repo, _ := NewGuestCartRepository(&stubGetter{err: redis.Nil}, "")
	_, err := repo.LoadCart(context.Background(), "gone")
	if !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if repositories.IsUnavailable(err) {
		t.Fatalf("missing key must not be unavailable")
	}
}

func TestGuestCartRepositoryRedisDown(t *testing.T) {
	repo, _ := NewGuestCartRepository(&stubGetter{err: errors.New("dial tcp: connection refused")}, "")
	_, err := repo.LoadCart(context.Background(), "g-1")
	if !repositories.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

type stubLocker struct {
	held    map[string]string
	evalErr error
	ttl     time.Duration
}

func (s *stubLocker) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	s.ttl = expiration
	if _, ok := s.held[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	s.held[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (s *stubLocker) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	if s.evalErr != nil {
		return redis.NewCmdResult(nil, s.evalErr)
	}
	if s.held[keys[0]] == args[0].(string) {
		delete(s.held, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestSessionLockExcludesConcurrentHolders(t *testing.T) {
	locker := &stubLocker{held: map[string]string{}}
	lock, err := NewSessionLock(locker, "", 0)
	if err != nil {
		t.Fatalf("NewSessionLock: %v", err)
	}

	release, err := lock.Acquire(context.Background(), "s1", "token-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if locker.ttl != defaultLockTTL {
		t.Fatalf("expected default ttl, got %s", locker.ttl)
	}
	if _, err := lock.Acquire(context.Background(), "s1", "token-b"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected lock held, got %v", err)
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := lock.Acquire(context.Background(), "s1", "token-b"); err != nil {
		t.Fatalf("expected lock to be free after release, got %v", err)
	}
}

func TestSessionLockReleaseKeepsForeignLock(t *testing.T) {
	locker := &stubLocker{held: map[string]string{}}
	lock, _ := NewSessionLock(locker, "", time.Second)
	release, err := lock.Acquire(context.Background(), "s1", "token-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// The TTL expired and another instance took over.
	locker.held["checkout:complete:s1"] = "token-b"
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if locker.held["checkout:complete:s1"] != "token-b" {
		t.Fatalf("release removed a lock it did not own")
	}
}
