//go:build integration
// +build integration

package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/codegate"
	"github.com/MrEthical07/codegate/accounts"
	"github.com/MrEthical07/codegate/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type inbox struct {
	mu    sync.Mutex
	codes map[string][]string
}

func (i *inbox) Deliver(_ context.Context, address string, _ codegate.Purpose, code string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.codes == nil {
		i.codes = make(map[string][]string)
	}
	i.codes[address] = append(i.codes[address], code)
	return nil
}

func (i *inbox) latest(t *testing.T, address string) string {
	t.Helper()
	i.mu.Lock()
	defer i.mu.Unlock()
	codes := i.codes[address]
	if len(codes) == 0 {
		t.Fatalf("no code delivered to %s", address)
	}
	return codes[len(codes)-1]
}

func (i *inbox) count(address string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.codes[address])
}

type stack struct {
	engine   *codegate.Engine
	accounts *accounts.Store
	clock    *manualClock
	inbox    *inbox
	mr       *miniredis.Miniredis
}

func newStack(t *testing.T) *stack {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := accounts.OpenMemory()
	if err != nil {
		t.Fatalf("accounts db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	hasher, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	store := accounts.NewStore(db, hasher)

	cfg := codegate.DefaultConfig()
	cfg.Challenge.HashKey = []byte("integration-hash-key-0123456789ab")
	cfg.Flow.EnumerationDelay = 0

	clock := &manualClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	box := &inbox{}

	engine, err := codegate.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentity(store).
		WithDeliverer(box).
		WithClock(clock).
		Build()
	if err != nil {
		t.Fatalf("engine build: %v", err)
	}
	t.Cleanup(engine.Close)

	return &stack{engine: engine, accounts: store, clock: clock, inbox: box, mr: mr}
}

func (s *stack) createAccount(t *testing.T, email string) string {
	t.Helper()
	id, err := s.accounts.Create(context.Background(), email, "initial-password-1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return id
}

// advance moves both the engine clock and Redis key expiry forward.
func (s *stack) advance(d time.Duration) {
	s.clock.Advance(d)
	s.mr.FastForward(d)
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}
