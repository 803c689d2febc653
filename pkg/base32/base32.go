// Package base32 implements the lowercase, unpadded RFC 3548 base32 form
// used for storage indexes, capabilities, and on-disk share directories.
package base32

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz234567"

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// ErrInvalid is returned for strings that are not canonical base32.
var ErrInvalid = errors.New("base32: invalid encoding")

// Encode returns the lowercase unpadded base32 form of b.
func Encode(b []byte) string {
	return encoding.EncodeToString(b)
}

// Decode accepts either case. Trailing bits that would not survive a
// re-encode are rejected so every value has exactly one string form.
func Decode(s string) ([]byte, error) {
	lower := strings.ToLower(s)
	b, err := encoding.DecodeString(lower)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if encoding.EncodeToString(b) != lower {
		return nil, fmt.Errorf("%w: non-canonical trailing bits", ErrInvalid)
	}
	return b, nil
}

// DecodeFixed decodes s and requires exactly n bytes.
func DecodeFixed(s string, n int) ([]byte, error) {
	b, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalid, n, len(b))
	}
	return b, nil
}

// EncodedLen is the string length for n raw bytes.
func EncodedLen(n int) int {
	return encoding.EncodedLen(n)
}
