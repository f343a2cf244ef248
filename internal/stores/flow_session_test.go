package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	testStepPresent uint8 = 2
	testStepAction  uint8 = 3
)

func createTestFlow(t *testing.T, store *FlowSessionStore, flowID string) {
	t.Helper()
	err := store.Create(context.Background(), flowID, &FlowSession{
		SubjectID:     "user-1",
		ThrottleKey:   "tk-1",
		Purpose:       1,
		Step:          testStepPresent,
		CooldownUntil: testNow.Add(30 * time.Second).UnixMilli(),
		CreatedAt:     testNow.UnixMilli(),
		ExpiresAt:     testNow.Add(30 * time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestFlowSessionCreateGet(t *testing.T) {
	_, rdb := newStoreTestRedis(t)
	store := NewFlowSessionStore(rdb, "t")
	createTestFlow(t, store, "f1")

	got, err := store.Get(context.Background(), "f1", testNow)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SubjectID != "user-1" || got.ThrottleKey != "tk-1" || got.Step != testStepPresent || got.Purpose != 1 {
		t.Fatalf("unexpected session %+v", got)
	}

	if _, err := store.Get(context.Background(), "f1", testNow.Add(30*time.Minute)); !errors.Is(err, ErrFlowSessionNotFound) {
		t.Fatalf("expected expired session to be gone, got %v", err)
	}
	if _, err := store.Get(context.Background(), "missing", testNow); !errors.Is(err, ErrFlowSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFlowSessionCreateRejectsCollision(t *testing.T) {
	_, rdb := newStoreTestRedis(t)
	store := NewFlowSessionStore(rdb, "t")
	createTestFlow(t, store, "f1")

	err := store.Create(context.Background(), "f1", &FlowSession{CreatedAt: 1, ExpiresAt: 2})
	if !errors.Is(err, ErrFlowSessionBackend) {
		t.Fatalf("expected collision error, got %v", err)
	}
}

func TestFlowSessionAdvance(t *testing.T) {
	_, rdb := newStoreTestRedis(t)
	store := NewFlowSessionStore(rdb, "t")
	ctx := context.Background()
	createTestFlow(t, store, "f1")

	got, err := store.Advance(ctx, "f1", testStepPresent, testStepAction, testNow)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Step != testStepAction {
		t.Fatalf("expected action step, got %d", got.Step)
	}
	if _, err := store.Advance(ctx, "f1", testStepPresent, testStepAction, testNow); !errors.Is(err, ErrFlowSessionStep) {
		t.Fatalf("expected step error on repeat, got %v", err)
	}
}

func TestFlowSessionArmCooldown(t *testing.T) {
	_, rdb := newStoreTestRedis(t)
	store := NewFlowSessionStore(rdb, "t")
	ctx := context.Background()
	createTestFlow(t, store, "f1")

	early := testNow.Add(10 * time.Second)
	got, err := store.ArmCooldown(ctx, "f1", testStepPresent, 30*time.Second, early)
	if !errors.Is(err, ErrFlowSessionCooldown) {
		t.Fatalf("expected cooldown error, got %v", err)
	}
	if got == nil || got.CooldownUntil != testNow.Add(30*time.Second).UnixMilli() {
		t.Fatalf("expected unchanged session with cooldown, got %+v", got)
	}

	later := testNow.Add(30 * time.Second)
	got, err = store.ArmCooldown(ctx, "f1", testStepPresent, 30*time.Second, later)
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if got.CooldownUntil != later.Add(30*time.Second).UnixMilli() {
		t.Fatalf("cooldown not re-armed: %d", got.CooldownUntil)
	}

	stored, err := store.Get(ctx, "f1", later)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.CooldownUntil != got.CooldownUntil {
		t.Fatal("re-armed cooldown not persisted")
	}
}

func TestFlowSessionReleaseCooldown(t *testing.T) {
	_, rdb := newStoreTestRedis(t)
	store := NewFlowSessionStore(rdb, "t")
	ctx := context.Background()
	createTestFlow(t, store, "f1")

	at := testNow.Add(31 * time.Second)
	armed, err := store.ArmCooldown(ctx, "f1", testStepPresent, 30*time.Second, at)
	if err != nil {
		t.Fatalf("arm: %v", err)
	}

	released, err := store.ReleaseCooldown(ctx, "f1", testStepPresent, armed.CooldownUntil, at)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.CooldownUntil != at.UnixMilli() {
		t.Fatalf("cooldown not released: %d", released.CooldownUntil)
	}
	if _, err := store.ArmCooldown(ctx, "f1", testStepPresent, 30*time.Second, at); err != nil {
		t.Fatalf("re-arm after release: %v", err)
	}
}

func TestFlowSessionReleaseCooldownKeepsNewerArm(t *testing.T) {
	_, rdb := newStoreTestRedis(t)
	store := NewFlowSessionStore(rdb, "t")
	ctx := context.Background()
	createTestFlow(t, store, "f1")

	first := testNow.Add(31 * time.Second)
	armed, err := store.ArmCooldown(ctx, "f1", testStepPresent, 30*time.Second, first)
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	second := first.Add(31 * time.Second)
	rearmed, err := store.ArmCooldown(ctx, "f1", testStepPresent, 30*time.Second, second)
	if err != nil {
		t.Fatalf("second arm: %v", err)
	}

	got, err := store.ReleaseCooldown(ctx, "f1", testStepPresent, armed.CooldownUntil, second)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.CooldownUntil != rearmed.CooldownUntil {
		t.Fatalf("stale release cleared a newer cooldown: %d", got.CooldownUntil)
	}
}

func TestFlowSessionDecodesV1Record(t *testing.T) {
	encoded, err := encodeFlowSession(&FlowSession{
		SubjectID:     "user-1",
		Purpose:       1,
		Step:          testStepPresent,
		CooldownUntil: 3,
		CreatedAt:     1,
		ExpiresAt:     2,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// v1 has no trailing throttle key field.
	v1 := append([]byte{flowSessionRecordVersionV1}, encoded[1:len(encoded)-2]...)

	got, err := decodeFlowSession(v1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SubjectID != "user-1" || got.ThrottleKey != "" || got.CooldownUntil != 3 {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestFlowSessionClaimOnce(t *testing.T) {
	_, rdb := newStoreTestRedis(t)
	store := NewFlowSessionStore(rdb, "t")
	ctx := context.Background()
	createTestFlow(t, store, "f1")

	if _, err := store.Claim(ctx, "f1", testStepAction, testNow); !errors.Is(err, ErrFlowSessionStep) {
		t.Fatalf("expected step error before advance, got %v", err)
	}
	if _, err := store.Advance(ctx, "f1", testStepPresent, testStepAction, testNow); err != nil {
		t.Fatalf("advance: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Claim(context.Background(), "f1", testStepAction, testNow)
			if err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("expected a single claim, got %d", claimed)
	}
	if _, err := store.Get(ctx, "f1", testNow); !errors.Is(err, ErrFlowSessionNotFound) {
		t.Fatalf("claimed session must be gone, got %v", err)
	}
}
