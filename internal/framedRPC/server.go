package framedRPC

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	logKeyRemote = "remote"
	logKeyError  = "error"
	logKeyMethod = "method"

	greetingPrefix = "GET /id/"
	greetingReply  = "HTTP/1.1 101 Switching Protocols\r\nUpgrade: framed-storage/1\r\nConnection: Upgrade\r\n\r\n"
	maxGreeting    = 4096
)

// Server answers framed requests against a StorageServer.
type Server struct {
	storage  interfaces.StorageServer
	log      *slog.Logger
	swissnum string
}

func NewServer(storage interfaces.StorageServer, swissnum string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{storage: storage, log: log, swissnum: swissnum}
}

// session is one client connection. Its canary fires when the
// connection ends, aborting every upload the client left open.
type session struct {
	s      *Server
	conn   net.Conn
	log    *slog.Logger
	canary *interfaces.LiveCanary

	wmu sync.Mutex

	mu      sync.Mutex
	writers map[uuid.UUID]interfaces.BucketWriter
	readers map[uuid.UUID]interfaces.BucketReader
}

// ServeConn handles a connection whose greeting has not been read yet.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	return s.serve(ctx, conn, bufio.NewReader(conn))
}

func (s *Server) serve(ctx context.Context, conn net.Conn, br *bufio.Reader) error {
	defer conn.Close()
	log := s.log.With(logKeyRemote, conn.RemoteAddr().String())
	if err := s.handshake(conn, br); err != nil {
		log.Warn("framed handshake failed", logKeyError, err)
		return err
	}

	sess := &session{
		s:       s,
		conn:    conn,
		log:     log,
		canary:  interfaces.NewCanary(),
		writers: make(map[uuid.UUID]interfaces.BucketWriter),
		readers: make(map[uuid.UUID]interfaces.BucketReader),
	}
	defer sess.canary.Fire()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		f, err := ReadFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Debug("framed connection closed")
				return nil
			}
			log.Warn("framed read failed", logKeyError, err)
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.handle(ctx, f)
		}()
	}
}

// handshake reads "GET /id/<swissnum> HTTP/1.1" and the header block.
func (s *Server) handshake(conn net.Conn, br *bufio.Reader) error {
	line, err := readLine(br)
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	rest, ok := strings.CutPrefix(line, greetingPrefix)
	if !ok {
		return fmt.Errorf("unexpected greeting %q", line)
	}
	id, _, _ := strings.Cut(rest, " ")
	for {
		h, err := readLine(br)
		if err != nil {
			return fmt.Errorf("read greeting: %w", err)
		}
		if h == "" {
			break
		}
	}
	if s.swissnum != "" && subtle.ConstantTimeCompare([]byte(id), []byte(s.swissnum)) != 1 {
		_, _ = io.WriteString(conn, "HTTP/1.1 401 Unauthorized\r\nContent-Length: 0\r\n\r\n")
		return model.ErrUnauthorized
	}
	_, err = io.WriteString(conn, greetingReply)
	return err
}

func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > maxGreeting {
			return "", errors.New("greeting too long")
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

func (sess *session) reply(f Frame) {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	if err := WriteFrame(sess.conn, f); err != nil {
		sess.log.Debug("framed write failed", logKeyError, err)
	}
}

func (sess *session) handle(ctx context.Context, req Frame) {
	out, err := sess.dispatch(ctx, req)
	sess.reply(sess.response(req, out, err))
}

// response encodes a result, or the error when there is one or the result
// does not fit in a frame.
func (sess *session) response(req Frame, out any, err error) Frame {
	var payload []byte
	if err == nil {
		payload, err = encode(out)
	}
	if err == nil && len(payload) > maxPayload {
		err = fmt.Errorf("%s reply of %d bytes: %w", req.Type, len(payload), model.ErrDataTooLarge)
	}
	if err != nil {
		if model.CodeOf(err) == model.CodeUnknown {
			sess.log.Warn("framed request failed", logKeyMethod, req.Type, logKeyError, err)
		}
		payload, _ = encode(errorReply{Code: uint16(model.CodeOf(err)), Message: err.Error()})
		return Frame{Type: MsgError, ID: req.ID, Payload: payload}
	}
	return Frame{Type: MsgResult, ID: req.ID, Payload: payload}
}

func (sess *session) writer(h uuid.UUID) (interfaces.BucketWriter, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	w, ok := sess.writers[h]
	if !ok {
		return nil, fmt.Errorf("writer %s: %w", h, model.ErrWriterClosed)
	}
	return w, nil
}

func (sess *session) reader(h uuid.UUID) (interfaces.BucketReader, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	r, ok := sess.readers[h]
	if !ok {
		return nil, fmt.Errorf("reader %s: %w", h, model.ErrShareNotFound)
	}
	return r, nil
}

func (sess *session) dropWriter(h uuid.UUID) {
	sess.mu.Lock()
	delete(sess.writers, h)
	sess.mu.Unlock()
}

func (sess *session) dispatch(ctx context.Context, req Frame) (any, error) { // A
	st := sess.s.storage
	switch req.Type {
	case MsgGetVersion:
		return st.GetVersion(ctx)

	case MsgAllocateBuckets:
		var a allocateArgs
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		ar := interfaces.AllocateRequest{
			StorageIndex:  a.StorageIndex,
			RenewSecret:   a.RenewSecret,
			CancelSecret:  a.CancelSecret,
			AllocatedSize: a.AllocatedSize,
			Canary:        sess.canary,
		}
		for _, sh := range a.ShareNums {
			ar.ShareNums = append(ar.ShareNums, model.ShareNum(sh))
		}
		res, err := st.AllocateBuckets(ctx, ar)
		if err != nil {
			return nil, err
		}
		out := allocateReply{Writers: make(map[uint32]uuid.UUID, len(res.Writers))}
		for _, sh := range res.AlreadyHave {
			out.AlreadyHave = append(out.AlreadyHave, uint32(sh))
		}
		sess.mu.Lock()
		for sh, w := range res.Writers {
			h := uuid.New()
			sess.writers[h] = w
			out.Writers[uint32(sh)] = h
		}
		sess.mu.Unlock()
		return out, nil

	case MsgGetBuckets:
		var a siArgs
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		buckets, err := st.GetBuckets(ctx, a.StorageIndex)
		if err != nil {
			return nil, err
		}
		out := bucketsReply{Readers: make(map[uint32]uuid.UUID, len(buckets))}
		sess.mu.Lock()
		for sh, r := range buckets {
			h := uuid.New()
			sess.readers[h] = r
			out.Readers[uint32(sh)] = h
		}
		sess.mu.Unlock()
		return out, nil

	case MsgAddLease, MsgRenewLease, MsgCancelLease:
		var a leaseArgs
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		switch req.Type {
		case MsgAddLease:
			return nil, st.AddLease(ctx, a.StorageIndex, a.Renew, a.Cancel)
		case MsgRenewLease:
			return nil, st.RenewLease(ctx, a.StorageIndex, a.Renew)
		}
		return nil, st.CancelLease(ctx, a.StorageIndex, a.Cancel)

	case MsgAdviseCorruptShare:
		var a adviseArgs
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		return nil, st.AdviseCorruptShare(ctx, a.ShareType, a.StorageIndex, model.ShareNum(a.ShareNum), a.Reason)

	case MsgWrite:
		var a writeArgs
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		w, err := sess.writer(a.Handle)
		if err != nil {
			return nil, err
		}
		return nil, w.Write(ctx, a.Offset, a.Data)

	case MsgClose, MsgAbort:
		var a handleArgs
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		w, err := sess.writer(a.Handle)
		if err != nil {
			return nil, err
		}
		defer sess.dropWriter(a.Handle)
		if req.Type == MsgClose {
			return nil, w.Close(ctx)
		}
		return nil, w.Abort(ctx)

	case MsgRead:
		var a readArgs
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		r, err := sess.reader(a.Handle)
		if err != nil {
			return nil, err
		}
		data, err := r.Read(ctx, a.Offset, a.Length)
		if err != nil {
			return nil, err
		}
		return readReply{Data: data}, nil

	case MsgReaderAdvise:
		var a readerAdviseArgs
		if err := decode(req.Payload, &a); err != nil {
			return nil, err
		}
		r, err := sess.reader(a.Handle)
		if err != nil {
			return nil, err
		}
		return nil, r.AdviseCorruptShare(ctx, a.Reason)
	}
	return nil, fmt.Errorf("unknown method %s", req.Type)
}
