package uri

import (
	"errors"
	"strings"
	"testing"

	"github.com/i5heu/ouroboros-grid/pkg/base32"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"pgregory.net/rapid"
)

func TestLiteralHelloWorld(t *testing.T) { // A
	t.Parallel()
	c := LiteralCap{Data: []byte("Hello, world!")}
	s := c.String()
	if s != "URI:LIT:jbswy3dpfqqho33snrscc" {
		t.Fatalf("String() = %q", s)
	}
	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	lit, ok := parsed.(LiteralCap)
	if !ok || string(lit.Data) != "Hello, world!" {
		t.Fatalf("parsed %#v", parsed)
	}
}

func TestCHKRoundTripAndCase(t *testing.T) { // A
	t.Parallel()
	c := ReadCap{K: 3, N: 10, Size: 10000}
	c.Key[0] = 0xaa
	c.UEBHash[31] = 0x55
	s := c.String()
	for _, in := range []string{s, PrefixCHK + strings.ToUpper(s[len(PrefixCHK):])} {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got.(ReadCap) != c {
			t.Fatalf("round trip changed the cap: %#v", got)
		}
		if got.String() != s {
			t.Fatal("output must be lowercase")
		}
	}

	v := c.Verifier()
	if v.StorageIndex != c.StorageIndex() {
		t.Fatal("verifier storage index mismatch")
	}
	got, err := Parse(v.String())
	if err != nil || got.(VerifyCap) != v {
		t.Fatalf("verify cap round trip: %v", err)
	}
	if _, err := ParseReadCap(v.String()); !errors.Is(err, ErrUnknownCap) {
		t.Fatalf("ParseReadCap accepted a verify cap: %v", err)
	}
}

func TestParseErrors(t *testing.T) { // A
	t.Parallel()
	key := base32.Encode(make([]byte, model.KeySize))
	ueb := base32.Encode(make([]byte, model.HashSize))
	cases := []struct {
		in   string
		want error
	}{
		{"URI:SSK:abc", ErrUnknownCap},
		{"hello", ErrUnknownCap},
		{"URI:LIT:1", ErrBadBase32},
		{PrefixCHK + key + ":" + ueb + ":3:10", ErrMalformedCap},
		{PrefixCHK + key + ":" + ueb + ":3:10:5:extra", ErrMalformedCap},
		{PrefixCHK + "zz:" + ueb + ":3:10:5", ErrBadBase32},
		{PrefixCHK + key + ":" + ueb + ":0:10:5", ErrMalformedCap},
		{PrefixCHK + key + ":" + ueb + ":4:3:5", ErrMalformedCap},
		{PrefixCHK + key + ":" + ueb + ":3:10:05", ErrMalformedCap},
		{PrefixCHK + key + ":" + ueb + ":3:10:-5", ErrMalformedCap},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.in); !errors.Is(err, tc.want) {
			t.Errorf("Parse(%q) = %v, want %v", tc.in, err, tc.want)
		}
	}
}

func TestRoundTripRapid(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		var c ReadCap
		copy(c.Key[:], rapid.SliceOfN(rapid.Byte(), model.KeySize, model.KeySize).Draw(t, "key"))
		copy(c.UEBHash[:], rapid.SliceOfN(rapid.Byte(), model.HashSize, model.HashSize).Draw(t, "ueb"))
		c.K = rapid.IntRange(1, model.MaxShares).Draw(t, "k")
		c.N = rapid.IntRange(c.K, model.MaxShares).Draw(t, "n")
		c.Size = rapid.Uint64().Draw(t, "size")

		got, err := Parse(c.String())
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if got.(ReadCap) != c {
			t.Fatalf("mismatch: %v vs %v", got, c)
		}

		data := rapid.SliceOfN(rapid.Byte(), 0, model.LiteralThreshold).Draw(t, "lit")
		lit, err := Parse(LiteralCap{Data: data}.String())
		if err != nil || string(lit.(LiteralCap).Data) != string(data) {
			t.Fatalf("literal round trip: %v", err)
		}
	})
}
