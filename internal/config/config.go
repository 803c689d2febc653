package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Client  ClientConfig  `yaml:"client"`
}

type NodeConfig struct {
	BaseDir  string `yaml:"basedir"`
	Nickname string `yaml:"nickname"`
	LogLevel string `yaml:"log_level"`
}

type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// ReservedSpace and MaxShareSize take humanized sizes such as "1G".
	ReservedSpace string        `yaml:"reserved_space"`
	MaxShareSize  string        `yaml:"max_share_size"`
	ReadOnly      bool          `yaml:"readonly"`
	Swissnum      string        `yaml:"swissnum"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	// IdleTimeout aborts uploads that stop writing; zero keeps the server default.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type ClientConfig struct {
	Shares         SharesConfig   `yaml:"shares"`
	MaxSegmentSize string         `yaml:"max_segment_size"`
	RPCTimeout     time.Duration  `yaml:"rpc_timeout"`
	Servers        []ServerConfig `yaml:"servers"`
}

type SharesConfig struct {
	Needed int `yaml:"needed"`
	Happy  int `yaml:"happy"`
	Total  int `yaml:"total"`
}

// ServerConfig names a storage server the client may use. Protocol is
// "http" or "framed".
type ServerConfig struct {
	ID       string `yaml:"id"`
	Nickname string `yaml:"nickname"`
	URL      string `yaml:"url"`
	Protocol string `yaml:"protocol"`
	Swissnum string `yaml:"swissnum"`
}

const (
	DefaultListen         = ":3456"
	DefaultMaxSegmentSize = "128KiB"
	DefaultRPCTimeout     = 30 * time.Second
)

// Default returns a config with every default filled in.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads a YAML file and applies defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Node.BaseDir == "" {
		c.Node.BaseDir = "."
	}
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.Storage.Listen == "" {
		c.Storage.Listen = DefaultListen
	}
	if c.Storage.LeaseDuration == 0 {
		c.Storage.LeaseDuration = model.DefaultLeaseDuration
	}
	def := model.DefaultEncodingParams()
	if c.Client.Shares.Needed == 0 {
		c.Client.Shares.Needed = def.K
	}
	if c.Client.Shares.Happy == 0 {
		c.Client.Shares.Happy = def.Happy
	}
	if c.Client.Shares.Total == 0 {
		c.Client.Shares.Total = def.N
	}
	if c.Client.MaxSegmentSize == "" {
		c.Client.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if c.Client.RPCTimeout == 0 {
		c.Client.RPCTimeout = DefaultRPCTimeout
	}
	for i := range c.Client.Servers {
		if c.Client.Servers[i].Protocol == "" {
			c.Client.Servers[i].Protocol = "http"
		}
	}
}

// Validate checks sizes parse and 1 <= k <= n <= 256, happy <= n.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.EncodingParams(); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]string{
		"storage.reserved_space": c.Storage.ReservedSpace,
		"storage.max_share_size": c.Storage.MaxShareSize,
	} {
		if _, err := parseSize(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for i, s := range c.Client.Servers {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("client.servers[%d]: url is required", i))
		}
		if s.Protocol != "http" && s.Protocol != "framed" {
			errs = append(errs, fmt.Errorf("client.servers[%d]: unknown protocol %q", i, s.Protocol))
		}
		if s.ID != "" {
			if _, err := model.ParseServerID(s.ID); err != nil {
				errs = append(errs, fmt.Errorf("client.servers[%d]: %w", i, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// EncodingParams converts the client section.
func (c Config) EncodingParams() (model.EncodingParams, error) {
	seg, err := parseSize(c.Client.MaxSegmentSize)
	if err != nil {
		return model.EncodingParams{}, fmt.Errorf("client.max_segment_size: %w", err)
	}
	p := model.EncodingParams{
		K:           c.Client.Shares.Needed,
		Happy:       c.Client.Shares.Happy,
		N:           c.Client.Shares.Total,
		SegmentSize: seg,
	}
	return p, p.Validate()
}

// ReservedSpace in bytes; zero when unset.
func (c Config) ReservedSpace() uint64 {
	v, _ := parseSize(c.Storage.ReservedSpace)
	return v
}

// MaxShareSize in bytes; zero means no explicit limit.
func (c Config) MaxShareSize() uint64 {
	v, _ := parseSize(c.Storage.MaxShareSize)
	return v
}

func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return humanize.ParseBytes(s)
}
