package framedRPC

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Client is a StorageServer reached over one framed connection. Calls
// are multiplexed by request id.
type Client struct {
	conn net.Conn

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan Frame
	err     error
	done    chan struct{}
}

var _ interfaces.StorageServer = (*Client)(nil)

// Dial connects to addr and performs the greeting.
func Dial(ctx context.Context, addr string, swissnum string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", addr, model.ErrDisconnected, err)
	}
	c, err := NewClient(conn, swissnum)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the greeting over an open connection and starts the
// reply loop.
func NewClient(conn net.Conn, swissnum string) (*Client, error) {
	greeting := fmt.Sprintf("%s%s HTTP/1.1\r\nUpgrade: framed-storage/1\r\nConnection: Upgrade\r\n\r\n", greetingPrefix, swissnum)
	if _, err := io.WriteString(conn, greeting); err != nil {
		return nil, fmt.Errorf("greeting: %w: %w", model.ErrDisconnected, err)
	}
	br := bufio.NewReader(conn)
	status, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("greeting: %w: %w", model.ErrDisconnected, err)
	}
	for {
		h, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("greeting: %w: %w", model.ErrDisconnected, err)
		}
		if h == "" {
			break
		}
	}
	if !strings.Contains(status, " 101 ") {
		if strings.Contains(status, " 401 ") {
			return nil, model.ErrUnauthorized
		}
		return nil, fmt.Errorf("greeting refused: %q", status)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop(br)
	return c, nil
}

// Close drops the connection. Pending calls fail with ErrDisconnected and
// the server aborts any uploads still open on it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done closes once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop(br *bufio.Reader) {
	var err error
	for {
		var f Frame
		f, err = ReadFrame(br)
		if err != nil {
			break
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}

	c.mu.Lock()
	c.err = fmt.Errorf("%w: %w", model.ErrDisconnected, err)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()
}

// call sends one request and waits for its reply.
func (c *Client) call(ctx context.Context, t MessageType, args, out any) error { // A
	payload, err := encode(args)
	if err != nil {
		return err
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", t, err)
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err = WriteFrame(c.conn, Frame{Type: t, ID: id, Payload: payload})
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w: %w", t, model.ErrDisconnected, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return fmt.Errorf("%s: %w", t, err)
		}
		if f.Type == MsgError {
			var e errorReply
			if err := decode(f.Payload, &e); err != nil {
				return fmt.Errorf("%s: decoding error reply: %w", t, err)
			}
			return model.ErrorFromCode(model.ErrorCode(e.Code), e.Message)
		}
		if err := decode(f.Payload, out); err != nil {
			return fmt.Errorf("%s: decoding reply: %w", t, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) GetVersion(ctx context.Context) (interfaces.VersionInfo, error) {
	var v interfaces.VersionInfo
	err := c.call(ctx, MsgGetVersion, nil, &v)
	return v, err
}

// AllocateBuckets ignores req.Canary; the server ties the writers to
// this connection instead.
func (c *Client) AllocateBuckets(ctx context.Context, req interfaces.AllocateRequest) (interfaces.AllocateResult, error) {
	args := allocateArgs{
		StorageIndex:  req.StorageIndex,
		RenewSecret:   req.RenewSecret,
		CancelSecret:  req.CancelSecret,
		AllocatedSize: req.AllocatedSize,
	}
	for _, sh := range req.ShareNums {
		args.ShareNums = append(args.ShareNums, uint32(sh))
	}
	var reply allocateReply
	if err := c.call(ctx, MsgAllocateBuckets, args, &reply); err != nil {
		return interfaces.AllocateResult{}, err
	}
	res := interfaces.AllocateResult{Writers: make(map[model.ShareNum]interfaces.BucketWriter, len(reply.Writers))}
	for _, sh := range reply.AlreadyHave {
		res.AlreadyHave = append(res.AlreadyHave, model.ShareNum(sh))
	}
	for sh, h := range reply.Writers {
		res.Writers[model.ShareNum(sh)] = &bucketWriter{c: c, handle: h}
	}
	return res, nil
}

func (c *Client) GetBuckets(ctx context.Context, si model.StorageIndex) (map[model.ShareNum]interfaces.BucketReader, error) {
	var reply bucketsReply
	if err := c.call(ctx, MsgGetBuckets, siArgs{StorageIndex: si}, &reply); err != nil {
		return nil, err
	}
	out := make(map[model.ShareNum]interfaces.BucketReader, len(reply.Readers))
	for sh, h := range reply.Readers {
		out[model.ShareNum(sh)] = &bucketReader{c: c, handle: h}
	}
	return out, nil
}

func (c *Client) AddLease(ctx context.Context, si model.StorageIndex, renew, cancel model.LeaseSecret) error {
	return c.call(ctx, MsgAddLease, leaseArgs{StorageIndex: si, Renew: renew, Cancel: cancel}, nil)
}

func (c *Client) RenewLease(ctx context.Context, si model.StorageIndex, renew model.LeaseSecret) error {
	return c.call(ctx, MsgRenewLease, leaseArgs{StorageIndex: si, Renew: renew}, nil)
}

func (c *Client) CancelLease(ctx context.Context, si model.StorageIndex, cancel model.LeaseSecret) error {
	return c.call(ctx, MsgCancelLease, leaseArgs{StorageIndex: si, Cancel: cancel}, nil)
}

func (c *Client) AdviseCorruptShare(ctx context.Context, shareType string, si model.StorageIndex, sh model.ShareNum, reason string) error {
	return c.call(ctx, MsgAdviseCorruptShare, adviseArgs{
		ShareType:    shareType,
		StorageIndex: si,
		ShareNum:     uint32(sh),
		Reason:       reason,
	}, nil)
}

type bucketWriter struct {
	c      *Client
	handle uuid.UUID
}

func (w *bucketWriter) Write(ctx context.Context, offset uint64, data []byte) error {
	return w.c.call(ctx, MsgWrite, writeArgs{Handle: w.handle, Offset: offset, Data: data}, nil)
}

func (w *bucketWriter) Close(ctx context.Context) error {
	return w.c.call(ctx, MsgClose, handleArgs{Handle: w.handle}, nil)
}

func (w *bucketWriter) Abort(ctx context.Context) error {
	return w.c.call(ctx, MsgAbort, handleArgs{Handle: w.handle}, nil)
}

type bucketReader struct {
	c      *Client
	handle uuid.UUID
}

func (r *bucketReader) Read(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	var reply readReply
	if err := r.c.call(ctx, MsgRead, readArgs{Handle: r.handle, Offset: offset, Length: length}, &reply); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (r *bucketReader) AdviseCorruptShare(ctx context.Context, reason string) error {
	return r.c.call(ctx, MsgReaderAdvise, readerAdviseArgs{Handle: r.handle, Reason: reason}, nil)
}
