// Package ueb packs and validates the URI extension block, the file-wide
// metadata copied into every share and pinned by the capability's hash.
//
// The wire form is the concatenation, in ascending key order, of
// key ":" netstring(value) for every entry. Integers are ASCII decimal.
package ueb

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/i5heu/ouroboros-grid/pkg/codec"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
)

var (
	ErrMalformed = fmt.Errorf("ueb: %w", model.ErrCorruptStoredShare)
	ErrMismatch  = fmt.Errorf("ueb: %w", model.ErrBadHash)
	ErrMissing   = errors.New("ueb: required field missing")
)

const (
	keySize              = "size"
	keySegmentSize       = "segment_size"
	keyNumSegments       = "num_segments"
	keyNeededShares      = "needed_shares"
	keyTotalShares       = "total_shares"
	keyCodecName         = "codec_name"
	keyCodecParams       = "codec_params"
	keyTailCodecParams   = "tail_codec_params"
	keyCrypttextHash     = "crypttext_hash"
	keyCrypttextRootHash = "crypttext_root_hash"
	keyShareRootHash     = "share_root_hash"
)

var requiredKeys = []string{
	keySize, keySegmentSize, keyNumSegments, keyNeededShares, keyTotalShares,
	keyCodecName, keyCodecParams, keyTailCodecParams,
	keyCrypttextHash, keyCrypttextRootHash, keyShareRootHash,
}

// UEB is the decoded block. Unknown keys survive a round trip in Extra.
type UEB struct {
	Size              uint64
	SegmentSize       uint64
	NumSegments       uint64
	NeededShares      int
	TotalShares       int
	CodecName         string
	CodecParams       string
	TailCodecParams   string
	CrypttextHash     [model.HashSize]byte
	CrypttextRootHash [model.HashSize]byte
	ShareRootHash     [model.HashSize]byte

	Extra map[string][]byte
}

// New fills the derived fields (segment count, codec params) from the
// adjusted encoding parameters.
func New(size uint64, p model.EncodingParams) *UEB {
	k := uint64(p.K)
	u := &UEB{
		Size:         size,
		SegmentSize:  p.SegmentSize,
		NumSegments:  model.DivCeil(size, p.SegmentSize),
		NeededShares: p.K,
		TotalShares:  p.N,
		CodecName:    codec.Name,
	}
	u.CodecParams = fmt.Sprintf("%d-%d-%d", p.SegmentSize, p.K, p.N)
	u.TailCodecParams = fmt.Sprintf("%d-%d-%d", model.NextMultiple(u.TailDataSize(), k), p.K, p.N)
	return u
}

// TailDataSize is the unpadded length of the last segment.
func (u *UEB) TailDataSize() uint64 {
	if u.SegmentSize == 0 {
		return 0
	}
	if r := u.Size % u.SegmentSize; r != 0 {
		return r
	}
	return u.SegmentSize
}

// TailSegmentSize is the tail padded to a multiple of k.
func (u *UEB) TailSegmentSize() uint64 {
	return model.NextMultiple(u.TailDataSize(), uint64(u.NeededShares))
}

// BlockSize is the per-share block length for full segments.
func (u *UEB) BlockSize() uint64 {
	return u.SegmentSize / uint64(u.NeededShares)
}

// TailBlockSize is the per-share block length of the last segment.
func (u *UEB) TailBlockSize() uint64 {
	return u.TailSegmentSize() / uint64(u.NeededShares)
}

// ShareDataSize is the number of data bytes one share holds.
func (u *UEB) ShareDataSize() uint64 {
	if u.NumSegments == 0 {
		return 0
	}
	return (u.NumSegments-1)*u.BlockSize() + u.TailBlockSize()
}

// Pack produces the canonical byte form.
func (u *UEB) Pack() []byte {
	fields := map[string][]byte{}
	for k, v := range u.Extra {
		fields[k] = v
	}
	fields[keySize] = []byte(strconv.FormatUint(u.Size, 10))
	fields[keySegmentSize] = []byte(strconv.FormatUint(u.SegmentSize, 10))
	fields[keyNumSegments] = []byte(strconv.FormatUint(u.NumSegments, 10))
	fields[keyNeededShares] = []byte(strconv.Itoa(u.NeededShares))
	fields[keyTotalShares] = []byte(strconv.Itoa(u.TotalShares))
	fields[keyCodecName] = []byte(u.CodecName)
	fields[keyCodecParams] = []byte(u.CodecParams)
	fields[keyTailCodecParams] = []byte(u.TailCodecParams)
	fields[keyCrypttextHash] = append([]byte(nil), u.CrypttextHash[:]...)
	fields[keyCrypttextRootHash] = append([]byte(nil), u.CrypttextRootHash[:]...)
	fields[keyShareRootHash] = append([]byte(nil), u.ShareRootHash[:]...)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.Write(hashutil.Netstring(fields[k]))
	}
	return buf.Bytes()
}

// Hash is the value carried in capabilities.
func (u *UEB) Hash() [model.HashSize]byte {
	return hashutil.UEBHash(u.Pack())
}

// Unpack parses the canonical form. Keys must be strictly ascending.
func Unpack(data []byte) (*UEB, error) {
	fields := map[string][]byte{}
	last := ""
	for len(data) > 0 {
		colon := bytes.IndexByte(data, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: missing key separator", ErrMalformed)
		}
		key := string(data[:colon])
		if len(fields) > 0 && key <= last {
			return nil, fmt.Errorf("%w: key %q out of order", ErrMalformed, key)
		}
		data = data[colon+1:]

		colon = bytes.IndexByte(data, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: bad netstring for %q", ErrMalformed, key)
		}
		n, err := strconv.ParseUint(string(data[:colon]), 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: bad netstring length for %q", ErrMalformed, key)
		}
		data = data[colon+1:]
		if uint64(len(data)) < n+1 || data[n] != ',' {
			return nil, fmt.Errorf("%w: truncated value for %q", ErrMalformed, key)
		}
		fields[key] = append([]byte(nil), data[:n]...)
		data = data[n+1:]
		last = key
	}

	for _, k := range requiredKeys {
		if _, ok := fields[k]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissing, k)
		}
	}

	u := &UEB{}
	var err error
	ints := []struct {
		key string
		dst *uint64
	}{
		{keySize, &u.Size},
		{keySegmentSize, &u.SegmentSize},
		{keyNumSegments, &u.NumSegments},
	}
	for _, f := range ints {
		if *f.dst, err = parseUint(fields[f.key], f.key); err != nil {
			return nil, err
		}
	}
	needed, err := parseUint(fields[keyNeededShares], keyNeededShares)
	if err != nil {
		return nil, err
	}
	total, err := parseUint(fields[keyTotalShares], keyTotalShares)
	if err != nil {
		return nil, err
	}
	if needed < 1 || total < needed || total > model.MaxShares {
		return nil, fmt.Errorf("%w: needed=%d total=%d", ErrMalformed, needed, total)
	}
	u.NeededShares, u.TotalShares = int(needed), int(total)
	u.CodecName = string(fields[keyCodecName])
	u.CodecParams = string(fields[keyCodecParams])
	u.TailCodecParams = string(fields[keyTailCodecParams])

	hashes := []struct {
		key string
		dst *[model.HashSize]byte
	}{
		{keyCrypttextHash, &u.CrypttextHash},
		{keyCrypttextRootHash, &u.CrypttextRootHash},
		{keyShareRootHash, &u.ShareRootHash},
	}
	for _, f := range hashes {
		v := fields[f.key]
		if len(v) != model.HashSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrMalformed, f.key, len(v))
		}
		copy(f.dst[:], v)
	}

	for _, k := range requiredKeys {
		delete(fields, k)
	}
	if len(fields) > 0 {
		u.Extra = fields
	}
	return u, nil
}

// Validate checks internal consistency and agreement with the cap. The
// caller is expected to have compared the UEB hash already.
func (u *UEB) Validate(vc uri.VerifyCap) error {
	if u.NeededShares != vc.K || u.TotalShares != vc.N {
		return fmt.Errorf("%w: k/n %d/%d, cap says %d/%d", ErrMismatch, u.NeededShares, u.TotalShares, vc.K, vc.N)
	}
	if u.Size != vc.Size {
		return fmt.Errorf("%w: size %d, cap says %d", ErrMismatch, u.Size, vc.Size)
	}
	if u.CodecName != codec.Name {
		return fmt.Errorf("%w: codec %q", ErrMalformed, u.CodecName)
	}
	if u.SegmentSize == 0 || u.SegmentSize%uint64(u.NeededShares) != 0 {
		return fmt.Errorf("%w: segment size %d not a multiple of k", ErrMalformed, u.SegmentSize)
	}
	if u.NumSegments != model.DivCeil(u.Size, u.SegmentSize) {
		return fmt.Errorf("%w: %d segments for size %d / %d", ErrMalformed, u.NumSegments, u.Size, u.SegmentSize)
	}
	seg, k, n, err := ParseCodecParams(u.CodecParams)
	if err != nil {
		return err
	}
	if seg != u.SegmentSize || k != u.NeededShares || n != u.TotalShares {
		return fmt.Errorf("%w: codec_params %q disagree", ErrMalformed, u.CodecParams)
	}
	seg, k, n, err = ParseCodecParams(u.TailCodecParams)
	if err != nil {
		return err
	}
	if seg != u.TailSegmentSize() || k != u.NeededShares || n != u.TotalShares {
		return fmt.Errorf("%w: tail_codec_params %q disagree", ErrMalformed, u.TailCodecParams)
	}
	return nil
}

// ParseCodecParams splits "segsize-k-n".
func ParseCodecParams(s string) (segmentSize uint64, k, n int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: codec params %q", ErrMalformed, s)
	}
	segmentSize, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: codec params %q", ErrMalformed, s)
	}
	kk, err1 := strconv.Atoi(parts[1])
	nn, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return 0, 0, 0, fmt.Errorf("%w: codec params %q", ErrMalformed, s)
	}
	return segmentSize, kk, nn, nil
}

func parseUint(v []byte, key string) (uint64, error) {
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformed, key, v)
	}
	return n, nil
}
