package password

import (
	"errors"
	"strings"
	"testing"
)

func cheapConfig() Config {
	return Config{
		Memory:      minMemoryKB,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newHasher(t *testing.T, cfg Config) *Hasher {
	t.Helper()
	h, err := NewHasher(cfg)
	if err != nil {
		t.Fatalf("NewHasher error: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newHasher(t, cheapConfig())

	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", encoded)
	}

	ok, err := h.Verify("correct horse battery", encoded)
	if err != nil || !ok {
		t.Fatalf("expected verification to succeed, ok=%v err=%v", ok, err)
	}

	ok, err = h.Verify("wrong horse battery", encoded)
	if err != nil || ok {
		t.Fatalf("expected verification to fail, ok=%v err=%v", ok, err)
	}
}

func TestHashLengthBounds(t *testing.T) {
	h := newHasher(t, cheapConfig())

	if _, err := h.Hash("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if _, err := h.Hash(strings.Repeat("a", MaxPasswordBytes+1)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
	if _, err := h.Hash(strings.Repeat("a", MaxPasswordBytes)); err != nil {
		t.Fatalf("expected max length to be accepted, got %v", err)
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := newHasher(t, cheapConfig())
	encoded, err := weak.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	if needs, err := weak.NeedsRehash(encoded); err != nil || needs {
		t.Fatalf("same parameters should not need rehash, needs=%v err=%v", needs, err)
	}

	stronger := cheapConfig()
	stronger.Time = 2
	if needs, err := newHasher(t, stronger).NeedsRehash(encoded); err != nil || !needs {
		t.Fatalf("stronger parameters should need rehash, needs=%v err=%v", needs, err)
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	h := newHasher(t, cheapConfig())

	for _, encoded := range []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!$aGFzaGhhc2hoYXNoaGFzaA",
	} {
		if _, err := h.Verify("correct horse battery", encoded); !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("Verify(%q) expected ErrMalformedHash, got %v", encoded, err)
		}
	}
}

func TestNewHasherRejectsWeakConfig(t *testing.T) {
	cfg := cheapConfig()
	cfg.Memory = 1024
	if _, err := NewHasher(cfg); err == nil {
		t.Fatal("expected weak memory to be rejected")
	}

	cfg = cheapConfig()
	cfg.SaltLength = 8
	if _, err := NewHasher(cfg); err == nil {
		t.Fatal("expected short salt to be rejected")
	}

	if _, err := NewHasher(DefaultConfig()); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}
