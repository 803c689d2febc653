// Package uri parses and formats file capabilities.
//
//	URI:LIT:<base32(data)>
//	URI:CHK:<key>:<uebhash>:<k>:<n>:<size>
//	URI:CHK-Verifier:<storage index>:<uebhash>:<k>:<n>:<size>
package uri

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/i5heu/ouroboros-grid/pkg/base32"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	PrefixLiteral = "URI:LIT:"
	PrefixCHK     = "URI:CHK:"
	PrefixVerify  = "URI:CHK-Verifier:"
)

var (
	ErrUnknownCap   = errors.New("uri: unknown capability type")
	ErrMalformedCap = errors.New("uri: malformed capability")
	ErrBadBase32    = errors.New("uri: bad base32 field")
)

// Kind distinguishes capability types.
type Kind int

const (
	KindLiteral Kind = iota + 1
	KindCHKRead
	KindCHKVerify
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "LIT"
	case KindCHKRead:
		return "CHK"
	case KindCHKVerify:
		return "CHK-Verifier"
	default:
		return "unknown"
	}
}

// Cap is any parsed capability.
type Cap interface {
	Kind() Kind
	String() string
	// FileSize is the plaintext length.
	FileSize() uint64
}

// LiteralCap inlines a small file.
type LiteralCap struct {
	Data []byte
}

func (c LiteralCap) Kind() Kind       { return KindLiteral }
func (c LiteralCap) FileSize() uint64 { return uint64(len(c.Data)) }
func (c LiteralCap) String() string   { return PrefixLiteral + base32.Encode(c.Data) }

// VerifyCap is enough to check integrity but not to decrypt.
type VerifyCap struct {
	StorageIndex model.StorageIndex
	UEBHash      [model.HashSize]byte
	K            int
	N            int
	Size         uint64
}

func (c VerifyCap) Kind() Kind       { return KindCHKVerify }
func (c VerifyCap) FileSize() uint64 { return c.Size }

func (c VerifyCap) String() string {
	return PrefixVerify + base32.Encode(c.StorageIndex[:]) + ":" + tail(c.UEBHash, c.K, c.N, c.Size)
}

// ReadCap adds the encryption key to a verify cap.
type ReadCap struct {
	Key     [model.KeySize]byte
	UEBHash [model.HashSize]byte
	K       int
	N       int
	Size    uint64
}

func (c ReadCap) Kind() Kind       { return KindCHKRead }
func (c ReadCap) FileSize() uint64 { return c.Size }

func (c ReadCap) String() string {
	return PrefixCHK + base32.Encode(c.Key[:]) + ":" + tail(c.UEBHash, c.K, c.N, c.Size)
}

// StorageIndex is derived from the key.
func (c ReadCap) StorageIndex() model.StorageIndex {
	return hashutil.StorageIndexHash(c.Key[:])
}

// Verifier drops the key.
func (c ReadCap) Verifier() VerifyCap {
	return VerifyCap{
		StorageIndex: c.StorageIndex(),
		UEBHash:      c.UEBHash,
		K:            c.K,
		N:            c.N,
		Size:         c.Size,
	}
}

func tail(ueb [model.HashSize]byte, k, n int, size uint64) string {
	return base32.Encode(ueb[:]) + ":" + strconv.Itoa(k) + ":" + strconv.Itoa(n) + ":" + strconv.FormatUint(size, 10)
}

// Parse dispatches on the prefix. Base32 fields may be in either case.
func Parse(s string) (Cap, error) {
	switch {
	case strings.HasPrefix(s, PrefixLiteral):
		data, err := base32.Decode(s[len(PrefixLiteral):])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadBase32, err)
		}
		return LiteralCap{Data: data}, nil
	case strings.HasPrefix(s, PrefixVerify):
		fields, err := splitCHK(s[len(PrefixVerify):])
		if err != nil {
			return nil, err
		}
		si, err := decodeField(fields[0], model.StorageIndexSize, "storage index")
		if err != nil {
			return nil, err
		}
		c := VerifyCap{}
		copy(c.StorageIndex[:], si)
		if err := parseTail(fields[1:], &c.UEBHash, &c.K, &c.N, &c.Size); err != nil {
			return nil, err
		}
		return c, nil
	case strings.HasPrefix(s, PrefixCHK):
		fields, err := splitCHK(s[len(PrefixCHK):])
		if err != nil {
			return nil, err
		}
		key, err := decodeField(fields[0], model.KeySize, "key")
		if err != nil {
			return nil, err
		}
		c := ReadCap{}
		copy(c.Key[:], key)
		if err := parseTail(fields[1:], &c.UEBHash, &c.K, &c.N, &c.Size); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCap, truncate(s, 24))
	}
}

// ParseReadCap accepts only CHK or LIT read caps.
func ParseReadCap(s string) (Cap, error) {
	c, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if c.Kind() == KindCHKVerify {
		return nil, fmt.Errorf("%w: verify cap cannot read", ErrUnknownCap)
	}
	return c, nil
}

func splitCHK(s string) ([]string, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: want 5 fields after prefix, got %d", ErrMalformedCap, len(fields))
	}
	return fields, nil
}

func decodeField(s string, n int, what string) ([]byte, error) {
	b, err := base32.DecodeFixed(s, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadBase32, what, err)
	}
	return b, nil
}

func parseTail(fields []string, ueb *[model.HashSize]byte, k, n *int, size *uint64) error {
	h, err := decodeField(fields[0], model.HashSize, "ueb hash")
	if err != nil {
		return err
	}
	copy(ueb[:], h)
	kk, err := parseDecimal(fields[1], "k")
	if err != nil {
		return err
	}
	nn, err := parseDecimal(fields[2], "n")
	if err != nil {
		return err
	}
	if kk < 1 || nn < kk || nn > model.MaxShares {
		return fmt.Errorf("%w: k=%d n=%d", ErrMalformedCap, kk, nn)
	}
	sz, err := parseDecimal(fields[3], "size")
	if err != nil {
		return err
	}
	*k, *n, *size = int(kk), int(nn), sz
	return nil
}

// parseDecimal rejects signs and leading zeros so the string form is unique.
func parseDecimal(s, what string) (uint64, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') || s[0] == '+' {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedCap, what, s)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedCap, what, s)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
