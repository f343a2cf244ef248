package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// MinCodeDigits and MaxCodeDigits bound the verification code length.
	MinCodeDigits = 6
	MaxCodeDigits = 10

	// SaltSize is the per-challenge salt length.
	SaltSize = 16
)

var errInvalidCodeDigits = errors.New("invalid code digits")

// FlowID is the opaque, unguessable identifier handed to clients for a flow session.
type FlowID [16]byte

func NewFlowID() (FlowID, error) {
	var id FlowID
	_, err := readRandom(id[:])
	return id, err
}

func (f FlowID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(f[:])
}

func ParseFlowID(flowID string) (FlowID, error) {
	var id FlowID

	raw, err := base64.RawURLEncoding.DecodeString(flowID)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid flow id size")
	}

	copy(id[:], raw)
	return id, nil
}

// NewSalt returns fresh per-challenge salt bytes.
func NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	_, err := readRandom(salt[:])
	return salt, err
}

func readRandom(b []byte) (int, error) {
	return io.ReadFull(rand.Reader, b)
}

// NewCode returns a numeric verification code of the given length drawn
// uniformly from crypto/rand. Leading zeros are preserved.
func NewCode(digits int) (string, error) {
	return newCodeFrom(rand.Reader, digits)
}

func newCodeFrom(r io.Reader, digits int) (string, error) {
	if digits < MinCodeDigits || digits > MaxCodeDigits {
		return "", errInvalidCodeDigits
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(r, max)
		if err != nil {
			return "", fmt.Errorf("read code entropy: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// IsNumericCode reports whether code is exactly digits ASCII decimal digits.
func IsNumericCode(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
