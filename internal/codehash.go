package internal

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// MinHashKeySize is the shortest deployment key accepted for code hashing.
const MinHashKeySize = 32

var errHashKeySize = errors.New("code hash key must be 32..64 bytes")

// CodeHasher computes keyed digests of verification codes. The digest binds
// the code to its salt, purpose and subject so a stored hash is useless for any
// other challenge.
type CodeHasher struct {
	key []byte
}

func NewCodeHasher(key []byte) (*CodeHasher, error) {
	if len(key) < MinHashKeySize || len(key) > blake2b.Size {
		return nil, errHashKeySize
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &CodeHasher{key: k}, nil
}

func (h *CodeHasher) Hash(salt [SaltSize]byte, purpose uint8, subjectID, code string) ([32]byte, error) {
	var out [32]byte

	mac, err := blake2b.New256(h.key)
	if err != nil {
		return out, err
	}
	mac.Write(salt[:])
	mac.Write([]byte{purpose})
	// length prefix keeps (subject, code) pairs unambiguous
	mac.Write([]byte{byte(len(subjectID) >> 8), byte(len(subjectID))})
	mac.Write([]byte(subjectID))
	mac.Write([]byte(code))

	copy(out[:], mac.Sum(nil))
	return out, nil
}

// ThrottleKey derives the rate-limit key for an identifier. Known and unknown
// identifiers map the same way, and case or surrounding space does not change
// the result.
func (h *CodeHasher) ThrottleKey(identifier string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		return ""
	}
	mac.Write([]byte("codegate/throttle\x00"))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewHashKey returns a random key suitable for NewCodeHasher.
func NewHashKey() ([]byte, error) {
	key := make([]byte, MinHashKeySize)
	if _, err := readRandom(key); err != nil {
		return nil, err
	}
	return key, nil
}
