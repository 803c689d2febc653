// Package interfaces defines the storage RPC surface shared by the
// in-process server, the HTTP transport and the framed transport.
package interfaces

import (
	"context"

	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// StorageServer is the per-server RPC surface used by clients.
type StorageServer interface { // A
	GetVersion(ctx context.Context) (VersionInfo, error)
	AllocateBuckets(
		ctx context.Context,
		req AllocateRequest,
	) (AllocateResult, error)
	GetBuckets(
		ctx context.Context,
		si model.StorageIndex,
	) (map[model.ShareNum]BucketReader, error)
	AddLease(
		ctx context.Context,
		si model.StorageIndex,
		renew model.LeaseSecret,
		cancel model.LeaseSecret,
	) error
	RenewLease(
		ctx context.Context,
		si model.StorageIndex,
		renew model.LeaseSecret,
	) error
	CancelLease(
		ctx context.Context,
		si model.StorageIndex,
		cancel model.LeaseSecret,
	) error
	AdviseCorruptShare(
		ctx context.Context,
		shareType string,
		si model.StorageIndex,
		shnum model.ShareNum,
		reason string,
	) error
}

// BucketWriter fills one incoming share. Writes are bounded by the size
// given at allocation; Close publishes the share atomically.
type BucketWriter interface { // A
	Write(ctx context.Context, offset uint64, data []byte) error
	Close(ctx context.Context) error
	Abort(ctx context.Context) error
}

// BucketReader reads one finished share. Reads past the end are truncated.
type BucketReader interface { // A
	Read(ctx context.Context, offset uint64, length uint32) ([]byte, error)
	AdviseCorruptShare(ctx context.Context, reason string) error
}
