package storageServer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// advisoryTimeFormat is ISO-8601 UTC without colons so it is a valid
// file name everywhere.
const advisoryTimeFormat = "2006-01-02T150405.000000Z"

// AdviseCorruptShare records a client's report that a share failed
// verification. The share itself is left untouched.
func (s *Server) AdviseCorruptShare(
	ctx context.Context,
	shareType string,
	si model.StorageIndex,
	shnum model.ShareNum,
	reason string,
) error {
	defer s.stats.record("advise_corrupt_share", time.Now())
	now := s.config.Now().UTC()
	base := fmt.Sprintf("%s--%s-%d", now.Format(advisoryTimeFormat), si, shnum)
	body := fmt.Sprintf("report: Share Corruption\ntype: %s\nstorage_index: %s\nshare_number: %d\n\n%s\n\n",
		shareType, si, shnum, reason)

	dir := filepath.Join(s.config.BaseDir, advisoriesDir)
	name := base
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			name = fmt.Sprintf("%s.%d", base, i)
			continue
		}
		if err != nil {
			return fmt.Errorf("advise corrupt share: %w", err)
		}
		_, werr := f.WriteString(body)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return fmt.Errorf("advise corrupt share: %w", err)
		}
		break
	}

	s.log.Warn("client advised corrupt share",
		"type", shareType,
		logKeyStorageIndex, si,
		logKeyShare, shnum,
		logKeyReason, reason)
	return nil
}

// Advisories lists the advisory file names, oldest first.
func (s *Server) Advisories() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.config.BaseDir, advisoriesDir))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out, nil
}
