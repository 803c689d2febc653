package hashutil

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/i5heu/ouroboros-grid/pkg/model"
	"pgregory.net/rapid"
)

func TestNetstring(t *testing.T) {
	cases := map[string]string{
		"":      "0:,",
		"a":     "1:a,",
		"hello": "5:hello,",
	}
	for in, want := range cases {
		if got := string(Netstring([]byte(in))); got != want {
			t.Errorf("Netstring(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTaggedHashKnownAnswer(t *testing.T) {
	got := BlockHash([]byte("block"))
	want := "c20647525effa7ca811f884e2f3da2489b09e71b44d0b917c4f188e604ed0f93"
	if hex.EncodeToString(got[:]) != want {
		t.Fatalf("BlockHash = %x, want %s", got, want)
	}

	si := StorageIndexHash(make([]byte, model.KeySize))
	if si.String() != "2k6avpjga3dho3zsjo6nnkt7n4" {
		t.Fatalf("storage index = %s", si)
	}
}

func TestHasherIncrementalMatchesOneShot(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	h := NewHasher(TagCrypttext, model.HashSize)
	for i := 0; i < len(data); i += 7 {
		end := i + 7
		if end > len(data) {
			end = len(data)
		}
		h.Write(data[i:end])
	}
	if !bytes.Equal(h.Digest(), TaggedHash(TagCrypttext, data, model.HashSize)) {
		t.Fatal("incremental digest differs from one-shot digest")
	}
}

func TestPairHashFraming(t *testing.T) {
	a := TaggedPairHash(TagFileRenewal, []byte("ab"), []byte("c"), 32)
	b := TaggedPairHash(TagFileRenewal, []byte("a"), []byte("bc"), 32)
	if bytes.Equal(a, b) {
		t.Fatal("pair hash must frame its inputs")
	}
}

func TestTagsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, tag := range AllTags {
		if seen[tag] {
			t.Fatalf("duplicate tag %q", tag)
		}
		seen[tag] = true
	}
}

func TestTaggedHashRoleSeparation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		digests := map[string]string{}
		for _, tag := range AllTags {
			d := string(TaggedHash(tag, data, model.HashSize))
			if other, ok := digests[d]; ok {
				t.Fatalf("tags %q and %q collide on %x", tag, other, data)
			}
			digests[d] = tag
		}
	})
}

func TestConvergenceHasherBindsParameters(t *testing.T) {
	plain := []byte("the same plaintext")
	key := func(k, n int, seg uint64, secret string) string {
		h := NewConvergenceHasher(k, n, seg, []byte(secret))
		h.Write(plain)
		return string(h.Digest())
	}
	base := key(3, 10, 128*1024, "s")
	if len(base) != model.KeySize {
		t.Fatalf("key length %d", len(base))
	}
	if base != key(3, 10, 128*1024, "s") {
		t.Fatal("convergence key not deterministic")
	}
	for name, other := range map[string]string{
		"k":       key(2, 10, 128*1024, "s"),
		"n":       key(3, 9, 128*1024, "s"),
		"segsize": key(3, 10, 64*1024, "s"),
		"secret":  key(3, 10, 128*1024, "t"),
	} {
		if other == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestLeaseSecretChain(t *testing.T) {
	lease := []byte("node lease secret")
	var si model.StorageIndex
	si[0] = 1
	a := ServerIDFromName("a")
	b := ServerIDFromName("b")

	renew := ClientRenewalSecret(lease)
	cancel := ClientCancelSecret(lease)
	if renew == cancel {
		t.Fatal("renew and cancel secrets must differ")
	}
	fr := FileRenewalSecret(renew, si)
	if BucketRenewalSecret(fr, a) == BucketRenewalSecret(fr, b) {
		t.Fatal("bucket secrets must differ per server")
	}
	if BucketRenewalSecret(fr, a) != BucketRenewalSecret(FileRenewalSecret(renew, si), a) {
		t.Fatal("bucket secret not deterministic")
	}
}
