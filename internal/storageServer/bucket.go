package storageServer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// span is a written byte range [start, end).
type span struct{ start, end uint64 }

// BucketWriter fills one share under incoming/ and renames it into
// shares/ on Close.
type BucketWriter struct {
	server    *Server
	si        model.StorageIndex
	shnum     model.ShareNum
	allocated uint64
	lease     model.Lease
	incoming  string
	final     string

	mu      sync.Mutex
	file    *os.File
	written []span
	done    chan struct{}
	closed  bool
	aborted bool

	idle       *time.Timer
	lastActive time.Time
}

var _ interfaces.BucketWriter = (*BucketWriter)(nil)

func (s *Server) newBucketWriter(
	si model.StorageIndex,
	shnum model.ShareNum,
	allocated uint64,
	lease model.Lease,
	canary interfaces.Canary,
) (*BucketWriter, error) {
	incoming := s.incomingPath(si, shnum)
	if err := os.MkdirAll(filepath.Dir(incoming), 0o700); err != nil {
		return nil, fmt.Errorf("create incoming dir: %w", err)
	}
	f, err := os.OpenFile(incoming, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create incoming share: %w", err)
	}
	w := &BucketWriter{
		server:    s,
		si:        si,
		shnum:     shnum,
		allocated: allocated,
		lease:     lease,
		incoming:  incoming,
		final:     s.finalPath(si, shnum),
		file:      f,
		done:      make(chan struct{}),
	}
	if timeout := s.config.IdleTimeout; timeout > 0 {
		w.mu.Lock()
		w.lastActive = time.Now()
		w.idle = time.AfterFunc(timeout, w.expire)
		w.mu.Unlock()
	}
	s.register(w)
	if canary != nil {
		go w.watch(canary)
	}
	return w, nil
}

func (w *BucketWriter) watch(canary interfaces.Canary) {
	select {
	case <-canary.Done():
		w.server.log.Info("canary lost, aborting bucket",
			logKeyStorageIndex, w.si, logKeyShare, w.shnum)
		_ = w.Abort(context.Background())
	case <-w.done:
	}
}

// expire aborts the writer unless it was written to within the timeout.
func (w *BucketWriter) expire() {
	timeout := w.server.config.IdleTimeout
	w.mu.Lock()
	if w.closed || w.aborted {
		w.mu.Unlock()
		return
	}
	if rest := timeout - time.Since(w.lastActive); rest > 0 {
		w.idle.Reset(rest)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.server.log.Info("bucket idle, aborting",
		logKeyStorageIndex, w.si, logKeyShare, w.shnum, "idle", timeout)
	_ = w.Abort(context.Background())
}

func (w *BucketWriter) stopIdle() {
	if w.idle != nil {
		w.idle.Stop()
	}
}

func (w *BucketWriter) StorageIndex() model.StorageIndex { return w.si }

func (w *BucketWriter) ShareNum() model.ShareNum { return w.shnum }

func (w *BucketWriter) AllocatedSize() uint64 { return w.allocated }

// Write stores data at offset. Rewriting a range with identical bytes is
// allowed; different bytes give ErrConflictingWrite.
func (w *BucketWriter) Write(ctx context.Context, offset uint64, data []byte) error {
	defer w.server.stats.record("write", time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.aborted {
		return model.ErrWriterClosed
	}
	w.lastActive = time.Now()
	end := offset + uint64(len(data))
	if end < offset || end > w.allocated {
		return fmt.Errorf("write [%d,%d) of share %d with %d allocated: %w",
			offset, end, w.shnum, w.allocated, model.ErrDataTooLarge)
	}
	if len(data) == 0 {
		return nil
	}
	if err := w.checkOverlap(offset, data); err != nil {
		return err
	}
	if _, err := w.file.WriteAt(data, int64(offset)); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("write share %d: %w", w.shnum, model.ErrNoSpace)
		}
		return fmt.Errorf("write share %d: %w", w.shnum, err)
	}
	w.addSpan(span{offset, end})
	return nil
}

func (w *BucketWriter) checkOverlap(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	for _, sp := range w.written {
		lo, hi := max(sp.start, offset), min(sp.end, end)
		if lo >= hi {
			continue
		}
		have := make([]byte, hi-lo)
		if _, err := w.file.ReadAt(have, int64(lo)); err != nil {
			return fmt.Errorf("check overlap: %w", err)
		}
		if !bytes.Equal(have, data[lo-offset:hi-offset]) {
			return fmt.Errorf("share %d bytes [%d,%d): %w", w.shnum, lo, hi, model.ErrConflictingWrite)
		}
	}
	return nil
}

// addSpan merges sp into the sorted, non-overlapping span list.
func (w *BucketWriter) addSpan(sp span) {
	spans := append(w.written, sp)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, next := range spans[1:] {
		last := &merged[len(merged)-1]
		if next.start <= last.end {
			last.end = max(last.end, next.end)
			continue
		}
		merged = append(merged, next)
	}
	w.written = merged
}

// Close publishes the share: incoming is renamed into shares/, then the
// lease is recorded and empty incoming directories are removed.
func (w *BucketWriter) Close(ctx context.Context) error {
	defer w.server.stats.record("close", time.Now())
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.aborted {
		return model.ErrWriterClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("close share %d: %w", w.shnum, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close share %d: %w", w.shnum, err)
	}
	if err := os.MkdirAll(filepath.Dir(w.final), 0o700); err != nil {
		return fmt.Errorf("close share %d: %w", w.shnum, err)
	}
	if err := os.Rename(w.incoming, w.final); err != nil {
		return fmt.Errorf("close share %d: %w", w.shnum, err)
	}
	w.closed = true
	w.stopIdle()
	close(w.done)
	w.server.unregister(w)
	removeEmptyParents(filepath.Dir(w.incoming))

	if err := w.server.leases.AddOrRenew(w.si, w.shnum, w.lease); err != nil {
		return fmt.Errorf("close share %d: lease: %w", w.shnum, err)
	}
	w.server.log.Info("share finished",
		logKeyStorageIndex, w.si, logKeyShare, w.shnum, logKeySize, w.extent())
	return nil
}

func (w *BucketWriter) extent() uint64 {
	if len(w.written) == 0 {
		return 0
	}
	return w.written[len(w.written)-1].end
}

// Abort deletes the incoming file. Aborting twice is a no-op.
func (w *BucketWriter) Abort(ctx context.Context) error {
	defer w.server.stats.record("abort", time.Now())
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted {
		return nil
	}
	if w.closed {
		return model.ErrWriterClosed
	}
	w.aborted = true
	w.stopIdle()
	close(w.done)
	w.server.unregister(w)
	_ = w.file.Close()
	if err := os.Remove(w.incoming); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("abort share %d: %w", w.shnum, err)
	}
	removeEmptyParents(filepath.Dir(w.incoming))
	w.server.log.Info("bucket aborted", logKeyStorageIndex, w.si, logKeyShare, w.shnum)
	return nil
}

// BucketReader reads a finished share. The file is opened per read so a
// share deleted in between reports ErrShareNotFound. Reads past the end
// are cut short.
type BucketReader struct {
	server *Server
	si     model.StorageIndex
	shnum  model.ShareNum
	path   string
}

var _ interfaces.BucketReader = (*BucketReader)(nil)

func (r *BucketReader) Read(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	defer r.server.stats.record("read", time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read share %d of %s: %w", r.shnum, r.si, model.ErrShareNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read share %d: %w", r.shnum, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("read share %d: %w", r.shnum, err)
	}
	size := uint64(info.Size())
	if offset >= size {
		return []byte{}, nil
	}
	buf := make([]byte, min(uint64(length), size-offset))
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read share %d: %w", r.shnum, err)
	}
	return buf[:n], nil
}

func (r *BucketReader) AdviseCorruptShare(ctx context.Context, reason string) error {
	return r.server.AdviseCorruptShare(ctx, interfaces.ShareTypeImmutable, r.si, r.shnum, reason)
}

// Path is where the share lives on disk.
func (r *BucketReader) Path() string { return r.path }
