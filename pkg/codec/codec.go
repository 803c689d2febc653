// Package codec wraps Reed-Solomon k-of-n coding for fixed-size segments.
package codec

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-grid/pkg/model"
	rs "github.com/klauspost/reedsolomon"
)

// Name is the codec_name recorded in the URI extension block.
const Name = "crs"

var (
	ErrNotEnoughBlocks = errors.New("codec: fewer than k distinct blocks")
	ErrBlockSize       = errors.New("codec: block has wrong size")
	ErrParams          = errors.New("codec: invalid parameters")
)

// Codec encodes segments of exactly SegmentSize bytes into N blocks of
// SegmentSize/K bytes each. Any K of them recover the segment.
type Codec struct {
	segmentSize int
	k           int
	n           int
	blockSize   int
	enc         rs.Encoder
}

// New fixes the parameters. segmentSize must be a multiple of k.
func New(segmentSize, k, n int) (*Codec, error) {
	if k < 1 || n < k || n > model.MaxShares {
		return nil, fmt.Errorf("%w: k=%d n=%d", ErrParams, k, n)
	}
	if segmentSize <= 0 || segmentSize%k != 0 {
		return nil, fmt.Errorf("%w: segment size %d is not a positive multiple of k=%d", ErrParams, segmentSize, k)
	}
	c := &Codec{
		segmentSize: segmentSize,
		k:           k,
		n:           n,
		blockSize:   segmentSize / k,
	}
	if n > k {
		enc, err := rs.New(k, n-k)
		if err != nil {
			return nil, fmt.Errorf("codec: new encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

func (c *Codec) K() int           { return c.k }
func (c *Codec) N() int           { return c.n }
func (c *Codec) BlockSize() int   { return c.blockSize }
func (c *Codec) SegmentSize() int { return c.segmentSize }

// Params is the "segsize-k-n" form used in codec_params.
func (c *Codec) Params() string {
	return fmt.Sprintf("%d-%d-%d", c.segmentSize, c.k, c.n)
}

// Encode splits one segment into k data blocks and adds n-k parity
// blocks. The returned blocks do not alias segment.
func (c *Codec) Encode(segment []byte) ([][]byte, error) {
	if len(segment) != c.segmentSize {
		return nil, fmt.Errorf("%w: segment is %d bytes, want %d", ErrBlockSize, len(segment), c.segmentSize)
	}
	blocks := make([][]byte, c.n)
	for i := 0; i < c.k; i++ {
		b := make([]byte, c.blockSize)
		copy(b, segment[i*c.blockSize:])
		blocks[i] = b
	}
	if c.enc == nil {
		return blocks, nil
	}
	for i := c.k; i < c.n; i++ {
		blocks[i] = make([]byte, c.blockSize)
	}
	if err := c.enc.Encode(blocks); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return blocks, nil
}

// Decode takes blocks with their share numbers and returns the k data
// blocks in order. Duplicate share numbers are ignored.
func (c *Codec) Decode(blocks [][]byte, shnums []int) ([][]byte, error) {
	if len(blocks) != len(shnums) {
		return nil, fmt.Errorf("%w: %d blocks for %d share numbers", ErrParams, len(blocks), len(shnums))
	}
	shards := make([][]byte, c.n)
	distinct := 0
	for i, sh := range shnums {
		if sh < 0 || sh >= c.n {
			return nil, fmt.Errorf("%w: share number %d outside [0,%d)", ErrParams, sh, c.n)
		}
		if len(blocks[i]) != c.blockSize {
			return nil, fmt.Errorf("%w: share %d block is %d bytes, want %d", ErrBlockSize, sh, len(blocks[i]), c.blockSize)
		}
		if shards[sh] != nil {
			continue
		}
		shards[sh] = blocks[i]
		distinct++
	}
	if distinct < c.k {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughBlocks, distinct, c.k)
	}
	if c.enc != nil {
		if err := c.enc.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("codec: reconstruct: %w", err)
		}
	}
	return shards[:c.k], nil
}

// DecodeSegment is Decode followed by concatenation of the data blocks.
func (c *Codec) DecodeSegment(blocks [][]byte, shnums []int) ([]byte, error) {
	data, err := c.Decode(blocks, shnums)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.segmentSize)
	for _, b := range data {
		out = append(out, b...)
	}
	return out, nil
}
