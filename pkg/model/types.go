package model

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/i5heu/ouroboros-grid/pkg/base32"
)

const (
	StorageIndexSize = 16
	KeySize          = 16
	HashSize         = 32
	LeaseSecretSize  = 32
	ServerIDSize     = 20

	// LiteralThreshold is the largest file that is inlined into its
	// capability instead of being stored on servers.
	LiteralThreshold = 55

	// DefaultLeaseDuration is how far a renewal pushes a lease's expiry.
	DefaultLeaseDuration = 31 * 24 * time.Hour

	// MaxShares bounds n; share numbers and the share hash tree use 8-bit ids.
	MaxShares = 256
)

// StorageIndex identifies one immutable file on every server.
type StorageIndex [StorageIndexSize]byte

func (si StorageIndex) String() string { // A
	return base32.Encode(si[:])
}

// Prefix is the two-character directory fan-out used by the share store.
func (si StorageIndex) Prefix() string { // A
	return si.String()[:2]
}

func (si StorageIndex) IsZero() bool { // A
	return si == StorageIndex{}
}

// ParseStorageIndex accepts the 26-character base32 form.
func ParseStorageIndex(s string) (StorageIndex, error) { // A
	var si StorageIndex
	b, err := base32.DecodeFixed(s, StorageIndexSize)
	if err != nil {
		return si, fmt.Errorf("parse storage index: %w", err)
	}
	copy(si[:], b)
	return si, nil
}

// ShareNum is the erasure-code output index of a share, 0 <= n < N.
type ShareNum uint32

// SortShareNums returns the keys of a share set in ascending order.
func SortShareNums[V any](m map[ShareNum]V) []ShareNum { // A
	out := make([]ShareNum, 0, len(m))
	for sh := range m {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ServerID is the stable identity of a storage server.
type ServerID [ServerIDSize]byte

func (id ServerID) String() string { // A
	return base32.Encode(id[:])
}

// Short is a log-friendly prefix.
func (id ServerID) Short() string { // A
	return id.String()[:8]
}

func (id ServerID) Less(other ServerID) bool { // A
	return bytes.Compare(id[:], other[:]) < 0
}

// ParseServerID accepts the 32-character base32 form.
func ParseServerID(s string) (ServerID, error) { // A
	var id ServerID
	b, err := base32.DecodeFixed(s, ServerIDSize)
	if err != nil {
		return id, fmt.Errorf("parse server id: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// LeaseSecret is a renew or cancel secret presented to a server.
type LeaseSecret [LeaseSecretSize]byte

// EncodingParams are the erasure parameters for one upload. SegmentSize is
// the maximum segment size before it is adjusted to the file.
type EncodingParams struct {
	K           int
	Happy       int
	N           int
	SegmentSize uint64
}

// DefaultEncodingParams mirror the grid-wide defaults: 3-of-10, happy 7,
// 128 KiB segments.
func DefaultEncodingParams() EncodingParams { // A
	return EncodingParams{K: 3, Happy: 7, N: 10, SegmentSize: 128 * 1024}
}

// Validate checks 1 <= k <= n <= 256 and happy <= n.
func (p EncodingParams) Validate() error { // A
	if p.K < 1 || p.N < p.K || p.N > MaxShares {
		return fmt.Errorf("invalid encoding parameters: need 1 <= k(%d) <= n(%d) <= %d", p.K, p.N, MaxShares)
	}
	if p.Happy < 0 || p.Happy > p.N {
		return fmt.Errorf("invalid encoding parameters: happy %d outside [0,%d]", p.Happy, p.N)
	}
	if p.SegmentSize == 0 {
		return fmt.Errorf("invalid encoding parameters: zero segment size")
	}
	return nil
}

// AdjustedFor shrinks the segment size to the file and rounds it up to a
// multiple of k, which is what the codec requires.
func (p EncodingParams) AdjustedFor(size uint64) EncodingParams { // A
	seg := p.SegmentSize
	if size < seg {
		seg = size
	}
	if seg == 0 {
		seg = 1
	}
	seg = NextMultiple(seg, uint64(p.K))
	p.SegmentSize = seg
	return p
}

// NextMultiple rounds n up to a multiple of k.
func NextMultiple(n, k uint64) uint64 {
	if k == 0 {
		return n
	}
	return DivCeil(n, k) * k
}

// DivCeil is ceil(n / d).
func DivCeil(n, d uint64) uint64 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// Lease is a time-bounded claim on one share.
type Lease struct {
	OwnerNum     uint32
	RenewSecret  LeaseSecret
	CancelSecret LeaseSecret
	Expiration   time.Time
	NodeID       ServerID
}

// Expired reports whether the lease ran out at now.
func (l Lease) Expired(now time.Time) bool { // A
	return !now.Before(l.Expiration)
}

// ApplicationVersion is reported by get_version and the CLI.
const ApplicationVersion = "ouroboros-grid/0.3.0"
