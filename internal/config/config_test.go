package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-grid/pkg/model"
)

func TestDefaults(t *testing.T) {
	c := Default()
	p, err := c.EncodingParams()
	if err != nil {
		t.Fatalf("EncodingParams: %v", err)
	}
	if p != model.DefaultEncodingParams() {
		t.Fatalf("params = %+v", p)
	}
	if c.Storage.Listen != ":3456" || c.Client.RPCTimeout != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.Storage.LeaseDuration != model.DefaultLeaseDuration {
		t.Fatalf("lease duration %v", c.Storage.LeaseDuration)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.yaml")
	yml := `
node:
  basedir: /var/lib/grid
  nickname: alpha
storage:
  enabled: true
  reserved_space: 1GiB
client:
  shares:
    needed: 2
    happy: 3
    total: 4
  max_segment_size: 64KiB
  servers:
    - url: http://127.0.0.1:3456
      swissnum: abc
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ReservedSpace() != 1<<30 {
		t.Fatalf("reserved space %d", c.ReservedSpace())
	}
	p, _ := c.EncodingParams()
	if p.K != 2 || p.Happy != 3 || p.N != 4 || p.SegmentSize != 64*1024 {
		t.Fatalf("params %+v", p)
	}
	if c.Client.Servers[0].Protocol != "http" {
		t.Fatalf("protocol default not applied")
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"k > n":         "client: {shares: {needed: 5, total: 4, happy: 1}}",
		"bad size":      "storage: {reserved_space: lots}",
		"bad protocol":  "client: {servers: [{url: x, protocol: carrier-pigeon}]}",
		"unknown field": "storage: {colour: blue}",
	}
	for name, yml := range cases {
		if _, err := Parse([]byte(yml)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
