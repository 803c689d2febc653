package ueb

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	"pgregory.net/rapid"
)

func sample() *UEB {
	p := model.EncodingParams{K: 3, Happy: 1, N: 3, SegmentSize: 128 * 1024}.AdjustedFor(56)
	u := New(56, p)
	u.CrypttextHash = [32]byte{}
	for i := range u.CrypttextHash {
		u.CrypttextHash[i] = 1
		u.CrypttextRootHash[i] = 2
		u.ShareRootHash[i] = 3
	}
	return u
}

func TestNewDerivesFields(t *testing.T) { // A
	t.Parallel()
	u := sample()
	if u.SegmentSize != 57 || u.NumSegments != 1 {
		t.Fatalf("segment size %d, segments %d", u.SegmentSize, u.NumSegments)
	}
	if u.CodecParams != "57-3-3" || u.TailCodecParams != "57-3-3" {
		t.Fatalf("codec params %q / %q", u.CodecParams, u.TailCodecParams)
	}
	if u.ShareDataSize() != 19 {
		t.Fatalf("share data size %d", u.ShareDataSize())
	}

	big := New(10000, model.EncodingParams{K: 3, N: 10, SegmentSize: 300})
	if big.NumSegments != 34 || big.TailDataSize() != 100 || big.TailCodecParams != "102-3-10" {
		t.Fatalf("tail: %d segments, tail %d, %q", big.NumSegments, big.TailDataSize(), big.TailCodecParams)
	}
	if big.ShareDataSize() != 33*100+34 {
		t.Fatalf("share data size %d", big.ShareDataSize())
	}
}

func TestPackKnownAnswer(t *testing.T) { // A
	t.Parallel()
	u := sample()
	packed := u.Pack()
	if !bytes.HasPrefix(packed, []byte("codec_name:3:crs,codec_params:6:57-3-3,crypttext_hash:32:")) {
		t.Fatalf("unexpected prefix %q", packed[:60])
	}
	h := u.Hash()
	if got := hex.EncodeToString(h[:]); got != "e80d832735eddf115ec8a099353b2ead5b773f668e5ada5c5345945a618f35fc" {
		t.Fatalf("ueb hash = %s", got)
	}
}

func TestUnpackRoundTrip(t *testing.T) { // A
	t.Parallel()
	u := sample()
	u.Extra = map[string][]byte{"plaintext_hash": []byte("x")}
	packed := u.Pack()
	got, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(got.Pack(), packed) {
		t.Fatal("repack differs")
	}
	vc := uri.VerifyCap{K: 3, N: 3, Size: 56}
	if err := got.Validate(vc); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	vc.Size = 57
	if err := got.Validate(vc); !errors.Is(err, model.ErrBadHash) {
		t.Fatalf("size mismatch not detected: %v", err)
	}
}

func TestUnpackRejects(t *testing.T) { // A
	t.Parallel()
	packed := sample().Pack()
	cases := map[string][]byte{
		"truncated":  packed[:len(packed)-1],
		"no colon":   []byte("size"),
		"bad length": []byte("size:x:1,"),
		"unordered":  append([]byte("size:2:56,"), packed...),
	}
	for name, in := range cases {
		if _, err := Unpack(in); !errors.Is(err, model.ErrCorruptStoredShare) {
			t.Errorf("%s: expected ErrCorruptStoredShare, got %v", name, err)
		}
	}
	if _, err := Unpack([]byte("size:2:56,")); !errors.Is(err, ErrMissing) {
		t.Errorf("expected ErrMissing, got %v", err)
	}
}

func TestValidateCatchesInconsistency(t *testing.T) { // A
	t.Parallel()
	vc := uri.VerifyCap{K: 3, N: 3, Size: 56}
	u := sample()
	u.NumSegments = 2
	if err := u.Validate(vc); !errors.Is(err, model.ErrCorruptStoredShare) {
		t.Errorf("segment count: %v", err)
	}
	u = sample()
	u.TailCodecParams = "56-3-3"
	if err := u.Validate(vc); !errors.Is(err, model.ErrCorruptStoredShare) {
		t.Errorf("tail params: %v", err)
	}
}

func TestPackRapid(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 20).Draw(t, "k")
		n := rapid.IntRange(k, 40).Draw(t, "n")
		size := rapid.Uint64Range(56, 1<<40).Draw(t, "size")
		seg := rapid.Uint64Range(1, 1<<20).Draw(t, "seg")
		p := model.EncodingParams{K: k, N: n, SegmentSize: seg}.AdjustedFor(size)
		u := New(size, p)
		got, err := Unpack(u.Pack())
		if err != nil {
			t.Fatalf("Unpack: %v", err)
		}
		if err := got.Validate(uri.VerifyCap{K: k, N: n, Size: size}); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if got.Hash() != u.Hash() {
			t.Fatal("hash changed across round trip")
		}
	})
}
