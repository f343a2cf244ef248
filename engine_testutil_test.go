package codegate

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type performedAction struct {
	subjectID string
	action    Action
}

type memoryIdentity struct {
	mu         sync.Mutex
	subjects   map[string]string
	addresses  map[string]string
	performed  []performedAction
	actionErr  error
	resolveErr error
}

func newMemoryIdentity() *memoryIdentity {
	return &memoryIdentity{
		subjects: map[string]string{
			"alice@example.com": "sub-alice",
			"bob@example.com":   "sub-bob",
		},
		addresses: map[string]string{
			"sub-alice": "alice@example.com",
			"sub-bob":   "bob@example.com",
		},
	}
}

func (m *memoryIdentity) ResolveSubject(_ context.Context, identifier string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	subjectID, ok := m.subjects[identifier]
	if !ok {
		return "", ErrSubjectNotFound
	}
	return subjectID, nil
}

func (m *memoryIdentity) ContactAddress(_ context.Context, subjectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	address, ok := m.addresses[subjectID]
	if !ok {
		return "", ErrSubjectNotFound
	}
	return address, nil
}

func (m *memoryIdentity) PerformGatedAction(_ context.Context, subjectID string, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actionErr != nil {
		return m.actionErr
	}
	m.performed = append(m.performed, performedAction{subjectID: subjectID, action: action})
	return nil
}

func (m *memoryIdentity) Performed() []performedAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]performedAction, len(m.performed))
	copy(out, m.performed)
	return out
}

type delivery struct {
	address string
	purpose Purpose
	code    string
}

// captureDeliverer records every code it is handed, including the ones it
// then reports as failed.
type captureDeliverer struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (d *captureDeliverer) Deliver(_ context.Context, address string, purpose Purpose, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivery{address: address, purpose: purpose, code: code})
	return d.err
}

func (d *captureDeliverer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *captureDeliverer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *captureDeliverer) Last(t testing.TB) delivery {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		t.Fatal("expected at least one delivery")
	}
	return d.sent[len(d.sent)-1]
}

type testHarness struct {
	engine    *Engine
	redis     *redis.Client
	mr        *miniredis.Miniredis
	clock     *fakeClock
	identity  *memoryIdentity
	deliverer *captureDeliverer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Challenge.HashKey = bytes.Repeat([]byte{0x42}, 32)
	cfg.Flow.EnumerationDelay = 0
	return cfg
}

func newTestHarness(t testing.TB, mutate func(*Config), sink AuditSink) *testHarness {
	t.Helper()

	mr, rdb := newTestRedis(t)
	cfg := testConfig()
	cfg.Audit.Enabled = sink != nil
	if mutate != nil {
		mutate(&cfg)
	}

	h := &testHarness{
		redis:     rdb,
		mr:        mr,
		clock:     newFakeClock(),
		identity:  newMemoryIdentity(),
		deliverer: &captureDeliverer{},
	}

	builder := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentity(h.identity).
		WithDeliverer(h.deliverer).
		WithClock(h.clock)
	if sink != nil {
		builder = builder.WithAuditSink(sink)
	}

	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	h.engine = engine

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return h
}

// otherCode returns a well-formed code different from code.
func otherCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}
