package testutil

import (
	"flag"
	"math/rand"
	"testing"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

// RequireLong skips t unless the -long flag is set. Multi-megabyte
// round trips use it.
func RequireLong(t testing.TB) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// RandomData returns n reproducible pseudo-random bytes.
func RandomData(n int, seed int64) []byte {
	out := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(out)
	return out
}
