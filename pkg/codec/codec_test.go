package codec

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestEncodeDecodeAllSubsets(t *testing.T) { // A
	t.Parallel()
	c, err := New(30, 3, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	segment := []byte("abcdefghijklmnopqrstuvwxyz0123")
	blocks, err := c.Encode(segment)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(blocks) != 5 || len(blocks[0]) != 10 {
		t.Fatalf("unexpected shape: %d blocks of %d", len(blocks), len(blocks[0]))
	}
	for a := 0; a < 5; a++ {
		for b := a + 1; b < 5; b++ {
			for d := b + 1; d < 5; d++ {
				got, err := c.DecodeSegment(
					[][]byte{blocks[d], blocks[a], blocks[b]},
					[]int{d, a, b},
				)
				if err != nil {
					t.Fatalf("decode %v: %v", []int{a, b, d}, err)
				}
				if !bytes.Equal(got, segment) {
					t.Fatalf("decode %v returned wrong segment", []int{a, b, d})
				}
			}
		}
	}
}

func TestIdentityWhenKEqualsN(t *testing.T) { // A
	t.Parallel()
	c, err := New(9, 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := c.Encode([]byte("AAABBBCCC"))
	if err != nil {
		t.Fatal(err)
	}
	if string(blocks[1]) != "BBB" {
		t.Fatalf("block 1 = %q", blocks[1])
	}
	got, err := c.DecodeSegment([][]byte{blocks[2], blocks[0], blocks[1]}, []int{2, 0, 1})
	if err != nil || string(got) != "AAABBBCCC" {
		t.Fatalf("decode = %q, %v", got, err)
	}
}

func TestDecodeNeedsKDistinct(t *testing.T) { // A
	t.Parallel()
	c, err := New(12, 3, 6)
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := c.Encode(make([]byte, 12))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Decode([][]byte{blocks[1], blocks[1], blocks[4]}, []int{1, 1, 4})
	if !errors.Is(err, ErrNotEnoughBlocks) {
		t.Fatalf("expected ErrNotEnoughBlocks, got %v", err)
	}
	_, err = c.Decode([][]byte{blocks[1][:3]}, []int{1})
	if !errors.Is(err, ErrBlockSize) {
		t.Fatalf("expected ErrBlockSize, got %v", err)
	}
}

func TestNewRejectsBadParams(t *testing.T) { // A
	t.Parallel()
	for _, p := range [][3]int{{10, 3, 5}, {9, 0, 3}, {9, 3, 2}, {0, 1, 1}, {300, 3, 257}} {
		if _, err := New(p[0], p[1], p[2]); !errors.Is(err, ErrParams) {
			t.Errorf("New%v: expected ErrParams, got %v", p, err)
		}
	}
}

func TestAnyKOfNRapid(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 12).Draw(t, "k")
		n := rapid.IntRange(k, 20).Draw(t, "n")
		blockSize := rapid.IntRange(1, 64).Draw(t, "blockSize")
		segment := rapid.SliceOfN(rapid.Byte(), k*blockSize, k*blockSize).Draw(t, "segment")
		pick := rapid.Permutation(seq(n)).Draw(t, "order")[:k]

		c, err := New(k*blockSize, k, n)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		blocks, err := c.Encode(segment)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		in := make([][]byte, 0, k)
		for _, sh := range pick {
			in = append(in, blocks[sh])
		}
		got, err := c.DecodeSegment(in, pick)
		if err != nil {
			t.Fatalf("Decode %v: %v", pick, err)
		}
		if !bytes.Equal(got, segment) {
			t.Fatalf("Decode %v mismatch", pick)
		}
	})
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
