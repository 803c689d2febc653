package leaseDB

import (
	"testing"
	"time"

	"github.com/i5heu/ouroboros-grid/pkg/logging"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func openTest(t *testing.T) *LeaseDB {
	t.Helper()
	db, err := Open(Config{InMemory: true, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func secret(b byte) model.LeaseSecret {
	var s model.LeaseSecret
	for i := range s {
		s[i] = b
	}
	return s
}

func TestAddRenewCancel(t *testing.T) {
	db := openTest(t)
	si := model.StorageIndex{1}
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, db.AddOrRenew(si, 0, model.Lease{RenewSecret: secret(1), CancelSecret: secret(2), Expiration: now}))
	require.NoError(t, db.AddOrRenew(si, 1, model.Lease{RenewSecret: secret(1), CancelSecret: secret(2), Expiration: now}))
	require.NoError(t, db.AddOrRenew(si, 1, model.Lease{RenewSecret: secret(3), CancelSecret: secret(4), Expiration: now}))

	leases, err := db.Leases(si, 1)
	require.NoError(t, err)
	require.Len(t, leases, 2)

	later := now.Add(model.DefaultLeaseDuration)
	n, err := db.Renew(si, []model.ShareNum{0, 1, 2}, secret(1), later)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	leases, err = db.Leases(si, 0)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.True(t, leases[0].Expiration.Equal(later))
	require.Equal(t, secret(2), leases[0].CancelSecret)

	emptied, matched, err := db.Cancel(si, secret(2))
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, []ShareRef{{StorageIndex: si, ShareNum: 0}}, emptied)

	leases, err = db.Leases(si, 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, secret(3), leases[0].RenewSecret)

	_, matched, err = db.Cancel(si, secret(9))
	require.NoError(t, err)
	require.False(t, matched)
}

func TestExpire(t *testing.T) {
	db := openTest(t)
	now := time.Unix(1_700_000_000, 0)
	a, b := model.StorageIndex{1}, model.StorageIndex{2}

	require.NoError(t, db.AddOrRenew(a, 0, model.Lease{RenewSecret: secret(1), Expiration: now.Add(-time.Hour)}))
	require.NoError(t, db.AddOrRenew(b, 0, model.Lease{RenewSecret: secret(1), Expiration: now.Add(-time.Hour)}))
	require.NoError(t, db.AddOrRenew(b, 0, model.Lease{RenewSecret: secret(2), Expiration: now.Add(time.Hour)}))

	emptied, err := db.Expire(now)
	require.NoError(t, err)
	require.Equal(t, []ShareRef{{StorageIndex: a, ShareNum: 0}}, emptied)

	shares, err := db.Shares()
	require.NoError(t, err)
	require.Equal(t, []ShareRef{{StorageIndex: b, ShareNum: 0}}, shares)
}

func TestDeleteShare(t *testing.T) {
	db := openTest(t)
	si := model.StorageIndex{7}
	require.NoError(t, db.AddOrRenew(si, 3, model.Lease{RenewSecret: secret(1)}))
	require.NoError(t, db.AddOrRenew(si, 3, model.Lease{RenewSecret: secret(2)}))
	require.NoError(t, db.DeleteShare(si, 3))
	leases, err := db.Leases(si, 3)
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	si := model.StorageIndex{5}
	exp := time.Unix(1_800_000_000, 0)

	db, err := Open(Config{Path: dir, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, db.AddOrRenew(si, 2, model.Lease{OwnerNum: 4, RenewSecret: secret(1), Expiration: exp}))
	require.NoError(t, db.Close())

	db, err = Open(Config{Path: dir, Logger: logging.Discard()})
	require.NoError(t, err)
	defer db.Close()
	leases, err := db.Leases(si, 2)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, uint32(4), leases[0].OwnerNum)
	require.True(t, leases[0].Expiration.Equal(exp))
}

// The set of shares with leases always matches a plain map model.
func TestLeaseSetModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		db, err := Open(Config{InMemory: true, Logger: logging.Discard()})
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()

		si := model.StorageIndex{9}
		// model: share -> renew secret byte -> cancel secret byte
		state := map[model.ShareNum]map[byte]byte{}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			owner := rapid.ByteRange(1, 4).Draw(t, "owner")
			switch rapid.IntRange(0, 1).Draw(t, "op") {
			case 0:
				sh := model.ShareNum(rapid.IntRange(0, 3).Draw(t, "share"))
				if err := db.AddOrRenew(si, sh, model.Lease{RenewSecret: secret(owner), CancelSecret: secret(owner + 10)}); err != nil {
					t.Fatal(err)
				}
				if state[sh] == nil {
					state[sh] = map[byte]byte{}
				}
				state[sh][owner] = owner + 10
			case 1:
				if _, _, err := db.Cancel(si, secret(owner+10)); err != nil {
					t.Fatal(err)
				}
				for sh, owners := range state {
					delete(owners, owner)
					if len(owners) == 0 {
						delete(state, sh)
					}
				}
			}

			shares, err := db.Shares()
			if err != nil {
				t.Fatal(err)
			}
			if len(shares) != len(state) {
				t.Fatalf("db has %d shares, model %d", len(shares), len(state))
			}
			for _, ref := range shares {
				if _, ok := state[ref.ShareNum]; !ok {
					t.Fatalf("share %d should have no leases", ref.ShareNum)
				}
			}
		}
	})
}
