// Package leaseDB keeps immutable-share leases in a badger sidecar
// database next to the share store.
package leaseDB

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	logKeyPath  = "path"
	logKeyError = "error"
)

var keyPrefix = []byte("lease/")

type Config struct {
	// Path is the badger directory. Empty with InMemory set keeps
	// everything in RAM, for tests.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

type LeaseDB struct {
	config Config
	db     *badger.DB
	log    *slog.Logger
}

// ShareRef names one share on this server.
type ShareRef struct {
	StorageIndex model.StorageIndex
	ShareNum     model.ShareNum
}

type record struct {
	OwnerNum     uint32 `cbor:"1,keyasint"`
	RenewSecret  []byte `cbor:"2,keyasint"`
	CancelSecret []byte `cbor:"3,keyasint"`
	Expiration   int64  `cbor:"4,keyasint"`
	NodeID       []byte `cbor:"5,keyasint,omitempty"`
}

func Open(config Config) (*LeaseDB, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, errors.New("leasedb: no path provided in configuration")
		}
		if err := os.MkdirAll(config.Path, 0o700); err != nil {
			return nil, fmt.Errorf("leasedb: create %s: %w", config.Path, err)
		}
		opts = badger.DefaultOptions(config.Path)
	}
	// Lease records are a few hundred bytes; the defaults are sized for
	// bulk data.
	opts = opts.
		WithMemTableSize(4 << 20).
		WithNumMemtables(2).
		WithValueLogFileSize(16 << 20).
		WithBlockCacheSize(4 << 20)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		config.Logger.Error("open lease db", logKeyPath, config.Path, logKeyError, err)
		return nil, fmt.Errorf("leasedb: open: %w", err)
	}

	return &LeaseDB{config: config, db: db, log: config.Logger}, nil
}

func (l *LeaseDB) Close() error {
	return l.db.Close()
}

func sharePrefix(si model.StorageIndex, shnum model.ShareNum) []byte {
	key := make([]byte, 0, len(keyPrefix)+model.StorageIndexSize+4)
	key = append(key, keyPrefix...)
	key = append(key, si[:]...)
	return binary.BigEndian.AppendUint32(key, uint32(shnum))
}

func storagePrefix(si model.StorageIndex) []byte {
	return append(append([]byte(nil), keyPrefix...), si[:]...)
}

func leaseKey(si model.StorageIndex, shnum model.ShareNum, renew model.LeaseSecret) []byte {
	return append(sharePrefix(si, shnum), renew[:]...)
}

func parseKey(key []byte) (ShareRef, bool) {
	rest := bytes.TrimPrefix(key, keyPrefix)
	if len(rest) != model.StorageIndexSize+4+model.LeaseSecretSize {
		return ShareRef{}, false
	}
	var ref ShareRef
	copy(ref.StorageIndex[:], rest)
	ref.ShareNum = model.ShareNum(binary.BigEndian.Uint32(rest[model.StorageIndexSize:]))
	return ref, true
}

func encode(lease model.Lease) ([]byte, error) {
	return cbor.Marshal(record{
		OwnerNum:     lease.OwnerNum,
		RenewSecret:  lease.RenewSecret[:],
		CancelSecret: lease.CancelSecret[:],
		Expiration:   lease.Expiration.Unix(),
		NodeID:       lease.NodeID[:],
	})
}

func decode(val []byte) (model.Lease, error) {
	var r record
	if err := cbor.Unmarshal(val, &r); err != nil {
		return model.Lease{}, fmt.Errorf("leasedb: decode: %w", err)
	}
	var lease model.Lease
	lease.OwnerNum = r.OwnerNum
	copy(lease.RenewSecret[:], r.RenewSecret)
	copy(lease.CancelSecret[:], r.CancelSecret)
	copy(lease.NodeID[:], r.NodeID)
	lease.Expiration = time.Unix(r.Expiration, 0)
	return lease, nil
}

// AddOrRenew stores lease on one share. A lease with the same renew
// secret is replaced, which extends it.
func (l *LeaseDB) AddOrRenew(
	si model.StorageIndex,
	shnum model.ShareNum,
	lease model.Lease,
) error {
	val, err := encode(lease)
	if err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(leaseKey(si, shnum, lease.RenewSecret), val)
	})
}

// Renew moves the expiration of the lease identified by renew on every
// listed share. It reports how many leases matched.
func (l *LeaseDB) Renew(
	si model.StorageIndex,
	shares []model.ShareNum,
	renew model.LeaseSecret,
	expiration time.Time,
) (int, error) {
	matched := 0
	err := l.db.Update(func(txn *badger.Txn) error {
		for _, shnum := range shares {
			key := leaseKey(si, shnum, renew)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var lease model.Lease
			if err := item.Value(func(val []byte) error {
				var derr error
				lease, derr = decode(val)
				return derr
			}); err != nil {
				return err
			}
			lease.Expiration = expiration
			val, err := encode(lease)
			if err != nil {
				return err
			}
			if err := txn.Set(key, val); err != nil {
				return err
			}
			matched++
		}
		return nil
	})
	return matched, err
}

// Cancel removes every lease under si whose cancel secret matches. It
// returns the shares that have no lease left afterwards and whether any
// lease matched at all.
func (l *LeaseDB) Cancel(
	si model.StorageIndex,
	cancel model.LeaseSecret,
) (emptied []ShareRef, matched bool, err error) {
	err = l.db.Update(func(txn *badger.Txn) error {
		remaining := map[ShareRef]int{}
		var doomed [][]byte
		err := l.scan(txn, storagePrefix(si), func(ref ShareRef, key []byte, lease model.Lease) error {
			if subtle.ConstantTimeCompare(lease.CancelSecret[:], cancel[:]) == 1 {
				doomed = append(doomed, key)
				if _, ok := remaining[ref]; !ok {
					remaining[ref] = 0
				}
				return nil
			}
			remaining[ref]++
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		matched = len(doomed) > 0
		for ref, n := range remaining {
			if n == 0 {
				emptied = append(emptied, ref)
			}
		}
		return nil
	})
	return emptied, matched, err
}

// Leases lists the leases on one share.
func (l *LeaseDB) Leases(si model.StorageIndex, shnum model.ShareNum) ([]model.Lease, error) {
	var out []model.Lease
	err := l.db.View(func(txn *badger.Txn) error {
		return l.scan(txn, sharePrefix(si, shnum), func(_ ShareRef, _ []byte, lease model.Lease) error {
			out = append(out, lease)
			return nil
		})
	})
	return out, err
}

// DeleteShare drops every lease on a share.
func (l *LeaseDB) DeleteShare(si model.StorageIndex, shnum model.ShareNum) error {
	return l.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		err := l.scan(txn, sharePrefix(si, shnum), func(_ ShareRef, key []byte, _ model.Lease) error {
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Expire deletes leases that ran out before now and returns the shares
// left with none.
func (l *LeaseDB) Expire(now time.Time) ([]ShareRef, error) {
	var emptied []ShareRef
	err := l.db.Update(func(txn *badger.Txn) error {
		remaining := map[ShareRef]int{}
		var doomed [][]byte
		err := l.scan(txn, keyPrefix, func(ref ShareRef, key []byte, lease model.Lease) error {
			if lease.Expired(now) {
				doomed = append(doomed, key)
				if _, ok := remaining[ref]; !ok {
					remaining[ref] = 0
				}
				return nil
			}
			remaining[ref]++
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for ref, n := range remaining {
			if n == 0 {
				emptied = append(emptied, ref)
			}
		}
		return nil
	})
	return emptied, err
}

// Shares lists every share that has at least one lease.
func (l *LeaseDB) Shares() ([]ShareRef, error) {
	seen := map[ShareRef]bool{}
	var out []ShareRef
	err := l.db.View(func(txn *badger.Txn) error {
		return l.scan(txn, keyPrefix, func(ref ShareRef, _ []byte, _ model.Lease) error {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
			return nil
		})
	})
	return out, err
}

func (l *LeaseDB) scan(
	txn *badger.Txn,
	prefix []byte,
	fn func(ref ShareRef, key []byte, lease model.Lease) error,
) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		ref, ok := parseKey(key)
		if !ok {
			l.log.Warn("skipping malformed lease key", "key", fmt.Sprintf("%x", key))
			continue
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		lease, err := decode(val)
		if err != nil {
			return err
		}
		if err := fn(ref, key, lease); err != nil {
			return err
		}
	}
	return nil
}
