package interfaces

import (
	"sync"

	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// ShareTypeImmutable is the share type named in corruption advisories.
const ShareTypeImmutable = "immutable"

// VersionInfo is what get_version reports.
type VersionInfo struct { // A
	MaximumImmutableShareSize               uint64 `cbor:"maximum-immutable-share-size"`
	AvailableSpace                          uint64 `cbor:"available-space"`
	ToleratesImmutableReadOverrun           bool   `cbor:"tolerates-immutable-read-overrun"`
	DeleteMutableSharesWithZeroLengthWritev bool   `cbor:"delete-mutable-shares-with-zero-length-writev"`
	ApplicationVersion                      string `cbor:"application-version"`
}

// AllocateRequest asks a server to create incoming buckets.
type AllocateRequest struct { // A
	StorageIndex  model.StorageIndex
	RenewSecret   model.LeaseSecret
	CancelSecret  model.LeaseSecret
	ShareNums     []model.ShareNum
	AllocatedSize uint64
	// Canary aborts the returned writers when it fires. Nil means the
	// writers live until closed or aborted.
	Canary Canary
}

// AllocateResult lists shares the server already has and writers for the
// shares it accepted. Shares in neither set were refused.
type AllocateResult struct { // A
	AlreadyHave []model.ShareNum
	Writers     map[model.ShareNum]BucketWriter
}

// ServerRef pairs a server's identity with a handle to it.
type ServerRef struct { // A
	ID       model.ServerID
	Nickname string
	Server   StorageServer
}

// Name is the nickname if set, else the short id.
func (r ServerRef) Name() string { // A
	if r.Nickname != "" {
		return r.Nickname
	}
	return r.ID.Short()
}

// Canary is a liveness handle. Done closes when the holder goes away.
type Canary interface { // A
	Done() <-chan struct{}
}

// LiveCanary is a Canary fired explicitly, typically when an upload ends
// or a connection drops.
type LiveCanary struct { // A
	once sync.Once
	ch   chan struct{}
}

func NewCanary() *LiveCanary { // A
	return &LiveCanary{ch: make(chan struct{})}
}

func (c *LiveCanary) Done() <-chan struct{} { // A
	return c.ch
}

// Fire is idempotent.
func (c *LiveCanary) Fire() { // A
	c.once.Do(func() { close(c.ch) })
}
