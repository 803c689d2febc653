package grid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/i5heu/ouroboros-grid/pkg/base32"
)

const (
	privateDir      = "private"
	convergenceFile = "convergence"
	leaseFile       = "secret"
	secretSize      = 32
)

// Secrets are the node's long-lived keys. Convergence keys the
// content-derived encryption keys; Lease roots the lease secret chain.
type Secrets struct {
	Convergence []byte
	Lease       []byte
}

// LoadSecrets reads basedir/private, creating missing secrets.
func LoadSecrets(baseDir string) (Secrets, error) {
	dir := filepath.Join(baseDir, privateDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Secrets{}, fmt.Errorf("grid: %w", err)
	}
	conv, err := loadOrCreate(filepath.Join(dir, convergenceFile))
	if err != nil {
		return Secrets{}, err
	}
	lease, err := loadOrCreate(filepath.Join(dir, leaseFile))
	if err != nil {
		return Secrets{}, err
	}
	return Secrets{Convergence: conv, Lease: lease}, nil
}

func loadOrCreate(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		b, err := base32.Decode(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("grid: secret %s: %w", path, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("grid: secret %s is empty", path)
		}
		return b, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("grid: %w", err)
	}

	b := make([]byte, secretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(base32.Encode(b)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	return b, nil
}
