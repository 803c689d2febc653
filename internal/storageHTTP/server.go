package storageHTTP

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	logKeyStorageIndex = "si"
	logKeyShare        = "shnum"
	logKeyError        = "error"

	// maxBodySize bounds allocate, lease and advisory bodies.
	maxBodySize = 1 << 20
)

type uploadKey struct {
	si    model.StorageIndex
	shnum model.ShareNum
}

type pendingUpload struct {
	writer interfaces.BucketWriter
	secret model.LeaseSecret
}

// Server exposes a StorageServer over HTTP.
type Server struct {
	mux      *http.ServeMux
	storage  interfaces.StorageServer
	log      *slog.Logger
	swissnum []byte

	mu      sync.Mutex
	uploads map[uploadKey]*pendingUpload
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSwissnum requires every request to carry the swissnum. Without it
// the server is open.
func WithSwissnum(swissnum []byte) Option {
	return func(s *Server) { s.swissnum = swissnum }
}

func New(storage interfaces.StorageServer, opts ...Option) *Server { // A
	s := &Server{
		mux:     http.NewServeMux(),
		storage: storage,
		log:     slog.Default(),
		uploads: make(map[uploadKey]*pendingUpload),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() { // A
	s.mux.HandleFunc("GET /v1/version", s.handleVersion)
	s.mux.HandleFunc("POST /v1/immutable/{si}", s.handleAllocate)
	s.mux.HandleFunc("GET /v1/immutable/{si}/shares", s.handleList)
	s.mux.HandleFunc("PATCH /v1/immutable/{si}/{shnum}", s.handleWrite)
	s.mux.HandleFunc("POST /v1/immutable/{si}/{shnum}/close", s.handleClose)
	s.mux.HandleFunc("PUT /v1/immutable/{si}/{shnum}/abort", s.handleAbort)
	s.mux.HandleFunc("GET /v1/immutable/{si}/{shnum}", s.handleRead)
	s.mux.HandleFunc("POST /v1/immutable/{si}/{shnum}/corrupt", s.handleCorrupt)
	s.mux.HandleFunc("PUT /v1/lease/{si}", s.handleLease)
	s.mux.HandleFunc("DELETE /v1/lease/{si}", s.handleCancelLease)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // A
	if err := s.authorize(r); err != nil {
		s.log.Warn("authentication failed", logKeyError, err, "remote", r.RemoteAddr)
		s.writeError(w, err)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorize(r *http.Request) error {
	if len(s.swissnum) == 0 {
		return nil
	}
	scheme, b64, ok := strings.Cut(r.Header.Get(headerAuthorization), " ")
	if !ok || scheme != authScheme {
		return fmt.Errorf("%w: missing %s authorization", model.ErrUnauthorized, authScheme)
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil || subtle.ConstantTimeCompare(got, s.swissnum) != 1 {
		return fmt.Errorf("%w: wrong swissnum", model.ErrUnauthorized)
	}
	return nil
}

// Abort drops every upload still open, for shutdown.
func (s *Server) Abort() {
	s.mu.Lock()
	pending := s.uploads
	s.uploads = make(map[uploadKey]*pendingUpload)
	s.mu.Unlock()
	for _, u := range pending {
		_ = u.writer.Abort(context.Background())
	}
}

func (s *Server) writeCBOR(w http.ResponseWriter, status int, v any) {
	body, err := marshal(v)
	if err != nil {
		s.log.Error("failed to encode response", logKeyError, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logKeyError, err)
	}
	s.writeCBOR(w, status, errorResponse{Code: uint16(model.CodeOf(err)), Message: err.Error()})
}

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func (s *Server) fail(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		s.writeCBOR(w, http.StatusBadRequest, errorResponse{Message: re.msg})
		return
	}
	s.writeError(w, err)
}

func pathSI(r *http.Request) (model.StorageIndex, error) {
	si, err := model.ParseStorageIndex(r.PathValue("si"))
	if err != nil {
		return si, badRequest("bad storage index: %v", err)
	}
	return si, nil
}

func pathShare(r *http.Request) (model.StorageIndex, model.ShareNum, error) {
	si, err := pathSI(r)
	if err != nil {
		return si, 0, err
	}
	n, err := strconv.ParseUint(r.PathValue("shnum"), 10, 32)
	if err != nil || n >= model.MaxShares {
		return si, 0, badRequest("bad share number %q", r.PathValue("shnum"))
	}
	return si, model.ShareNum(n), nil
}

func readBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return badRequest("reading body: %v", err)
	}
	if err := unmarshal(data, v); err != nil {
		return badRequest("decoding body: %v", err)
	}
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.storage.GetVersion(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeCBOR(w, http.StatusOK, v)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	si, err := pathSI(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sec, err := secrets(r.Header)
	if err != nil {
		s.fail(w, badRequest("%v", err))
		return
	}
	renew, okR := sec[secretLeaseRenew]
	cancel, okC := sec[secretLeaseCancel]
	upload, okU := sec[secretUpload]
	if !okR || !okC || !okU {
		s.fail(w, badRequest("allocate needs lease and upload secrets"))
		return
	}
	var body allocateRequest
	if err := readBody(r, &body); err != nil {
		s.fail(w, err)
		return
	}

	req := interfaces.AllocateRequest{
		StorageIndex:  si,
		RenewSecret:   renew,
		CancelSecret:  cancel,
		AllocatedSize: body.AllocatedSize,
	}
	for _, sh := range body.ShareNumbers {
		req.ShareNums = append(req.ShareNums, model.ShareNum(sh))
	}
	res, err := s.storage.AllocateBuckets(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}

	out := allocateResponse{AlreadyHave: []uint32{}, Allocated: []uint32{}}
	for _, sh := range res.AlreadyHave {
		out.AlreadyHave = append(out.AlreadyHave, uint32(sh))
	}
	s.mu.Lock()
	for _, sh := range model.SortShareNums(res.Writers) {
		key := uploadKey{si, sh}
		if prev, ok := s.uploads[key]; ok {
			_ = prev.writer.Abort(r.Context())
		}
		s.uploads[key] = &pendingUpload{writer: res.Writers[sh], secret: upload}
		out.Allocated = append(out.Allocated, uint32(sh))
	}
	s.mu.Unlock()
	s.writeCBOR(w, http.StatusCreated, out)
}

// upload finds the pending upload a request names and checks its secret.
func (s *Server) upload(r *http.Request) (uploadKey, *pendingUpload, error) {
	si, sh, err := pathShare(r)
	if err != nil {
		return uploadKey{}, nil, err
	}
	sec, err := secrets(r.Header)
	if err != nil {
		return uploadKey{}, nil, badRequest("%v", err)
	}
	key := uploadKey{si, sh}
	s.mu.Lock()
	u, ok := s.uploads[key]
	s.mu.Unlock()
	if !ok {
		return key, nil, fmt.Errorf("upload of share %d of %s: %w", sh, si, model.ErrShareNotFound)
	}
	given, ok := sec[secretUpload]
	if !ok || subtle.ConstantTimeCompare(given[:], u.secret[:]) != 1 {
		return key, nil, fmt.Errorf("%w: wrong upload secret", model.ErrUnauthorized)
	}
	return key, u, nil
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	key, u, err := s.upload(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	offset, length, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		s.fail(w, badRequest("%v", err))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, int64(length)+1))
	if err != nil {
		s.fail(w, badRequest("reading body: %v", err))
		return
	}
	if uint64(len(data)) != length {
		s.fail(w, badRequest("body has %d bytes, content range says %d", len(data), length))
		return
	}
	if err := u.writer.Write(r.Context(), offset, data); err != nil {
		if errors.Is(err, model.ErrWriterClosed) {
			s.forget(key, u)
		}
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	key, u, err := s.upload(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	err = u.writer.Close(r.Context())
	s.forget(key, u)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	key, u, err := s.upload(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	err = u.writer.Abort(r.Context())
	s.forget(key, u)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) forget(key uploadKey, u *pendingUpload) {
	s.mu.Lock()
	if s.uploads[key] == u {
		delete(s.uploads, key)
	}
	s.mu.Unlock()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	si, err := pathSI(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	buckets, err := s.storage.GetBuckets(r.Context(), si)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := []uint32{}
	for _, sh := range model.SortShareNums(buckets) {
		out = append(out, uint32(sh))
	}
	s.writeCBOR(w, http.StatusOK, out)
}

func (s *Server) reader(r *http.Request) (model.StorageIndex, model.ShareNum, interfaces.BucketReader, error) {
	si, sh, err := pathShare(r)
	if err != nil {
		return si, sh, nil, err
	}
	buckets, err := s.storage.GetBuckets(r.Context(), si)
	if err != nil {
		return si, sh, nil, err
	}
	br, ok := buckets[sh]
	if !ok {
		return si, sh, nil, fmt.Errorf("share %d of %s: %w", sh, si, model.ErrShareNotFound)
	}
	return si, sh, br, nil
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	_, _, br, err := s.reader(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	rng := r.Header.Get("Range")
	if rng == "" {
		var buf bytes.Buffer
		for off := uint64(0); ; off += readChunk {
			chunk, err := br.Read(r.Context(), off, readChunk)
			if err != nil {
				s.fail(w, err)
				return
			}
			buf.Write(chunk)
			if len(chunk) < readChunk {
				break
			}
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(buf.Bytes())
		return
	}

	offset, length, err := parseRange(rng)
	if err != nil || length > 1<<32-1 {
		s.fail(w, badRequest("bad range %q", rng))
		return
	}
	data, err := br.Read(r.Context(), offset, uint32(length))
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(data) == 0 {
		w.Header().Set("Content-Range", "bytes */*")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", offset, offset+uint64(len(data))-1))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data)
}

func (s *Server) handleCorrupt(w http.ResponseWriter, r *http.Request) {
	si, sh, err := pathShare(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body corruptionRequest
	if err := readBody(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.storage.AdviseCorruptShare(r.Context(), interfaces.ShareTypeImmutable, si, sh, body.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Debug("corruption advisory received", logKeyStorageIndex, si, logKeyShare, sh)
	w.WriteHeader(http.StatusOK)
}

// handleLease adds a lease when a cancel secret is given and renews an
// existing one otherwise.
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	si, err := pathSI(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sec, err := secrets(r.Header)
	if err != nil {
		s.fail(w, badRequest("%v", err))
		return
	}
	renew, ok := sec[secretLeaseRenew]
	if !ok {
		s.fail(w, badRequest("lease needs a renew secret"))
		return
	}
	if cancel, ok := sec[secretLeaseCancel]; ok {
		err = s.storage.AddLease(r.Context(), si, renew, cancel)
	} else {
		err = s.storage.RenewLease(r.Context(), si, renew)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelLease(w http.ResponseWriter, r *http.Request) {
	si, err := pathSI(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sec, err := secrets(r.Header)
	if err != nil {
		s.fail(w, badRequest("%v", err))
		return
	}
	cancel, ok := sec[secretLeaseCancel]
	if !ok {
		s.fail(w, badRequest("cancel needs a cancel secret"))
		return
	}
	if err := s.storage.CancelLease(r.Context(), si, cancel); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
