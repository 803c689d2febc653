package upload

import (
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
)

// IsLiteral reports whether a file of size bytes is stored inline in its
// capability.
func IsLiteral(size int64) bool {
	return size <= model.LiteralThreshold
}

// literalCap reads the whole (small) uploadable into a LIT capability.
// No server is contacted.
func literalCap(u Uploadable) (uri.LiteralCap, error) {
	if _, err := u.Seek(0, io.SeekStart); err != nil {
		return uri.LiteralCap{}, fmt.Errorf("rewind uploadable: %w", err)
	}
	data := make([]byte, u.Size())
	if _, err := io.ReadFull(u, data); err != nil {
		return uri.LiteralCap{}, fmt.Errorf("read literal file: %w", err)
	}
	return uri.LiteralCap{Data: data}, nil
}
