package storageServer

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// AddLease adds or renews a lease on every share held for si.
func (s *Server) AddLease(
	ctx context.Context,
	si model.StorageIndex,
	renew model.LeaseSecret,
	cancel model.LeaseSecret,
) error {
	defer s.stats.record("add_lease", time.Now())
	shnums, err := s.ShareNums(si)
	if err != nil {
		return fmt.Errorf("add lease %s: %w", si, err)
	}
	if len(shnums) == 0 {
		return fmt.Errorf("add lease %s: %w", si, model.ErrShareNotFound)
	}
	lease := s.newLease(renew, cancel)
	for _, shnum := range shnums {
		if err := s.leases.AddOrRenew(si, shnum, lease); err != nil {
			return fmt.Errorf("add lease %s: %w", si, err)
		}
	}
	return nil
}

// RenewLease pushes the expiry of the lease with this renew secret.
func (s *Server) RenewLease(
	ctx context.Context,
	si model.StorageIndex,
	renew model.LeaseSecret,
) error {
	defer s.stats.record("renew", time.Now())
	shnums, err := s.ShareNums(si)
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", si, err)
	}
	n, err := s.leases.Renew(si, shnums, renew, s.config.Now().Add(s.config.LeaseDuration))
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", si, err)
	}
	if n == 0 {
		return fmt.Errorf("renew lease %s: %w", si, model.ErrLeaseNotFound)
	}
	return nil
}

// CancelLease drops the lease with this cancel secret from every share
// of si. Shares left without a lease are deleted.
func (s *Server) CancelLease(
	ctx context.Context,
	si model.StorageIndex,
	cancel model.LeaseSecret,
) error {
	defer s.stats.record("cancel", time.Now())
	emptied, matched, err := s.leases.Cancel(si, cancel)
	if err != nil {
		return fmt.Errorf("cancel lease %s: %w", si, err)
	}
	if !matched {
		return fmt.Errorf("cancel lease %s: %w", si, model.ErrLeaseNotFound)
	}
	for _, ref := range emptied {
		if err := s.deleteShare(ref.StorageIndex, ref.ShareNum); err != nil {
			return fmt.Errorf("cancel lease %s: %w", si, err)
		}
	}
	s.log.Info("lease cancelled", logKeyStorageIndex, si, "deleted_shares", len(emptied))
	return nil
}

// Leases lists the leases on one share.
func (s *Server) Leases(si model.StorageIndex, shnum model.ShareNum) ([]model.Lease, error) {
	return s.leases.Leases(si, shnum)
}

// ExpireLeases drops leases that ran out before now and deletes shares
// left with none. It returns how many shares were deleted.
func (s *Server) ExpireLeases(now time.Time) (int, error) {
	emptied, err := s.leases.Expire(now)
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	for _, ref := range emptied {
		if err := s.deleteShare(ref.StorageIndex, ref.ShareNum); err != nil {
			return 0, fmt.Errorf("expire leases: %w", err)
		}
	}
	if len(emptied) > 0 {
		s.log.Info("expired shares", "count", len(emptied))
	}
	return len(emptied), nil
}

// RunLeaseCrawler calls ExpireLeases every interval until ctx ends.
func (s *Server) RunLeaseCrawler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireLeases(s.config.Now()); err != nil {
				s.log.Error("lease crawler", logKeyError, err)
			}
		}
	}
}
