package storageHTTP

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Client is a StorageServer reached over HTTP.
type Client struct {
	base     string
	swissnum []byte
	http     *http.Client
}

var _ interfaces.StorageServer = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// NewClient talks to the server at baseURL, e.g. "http://host:3456".
func NewClient(baseURL string, swissnum []byte, opts ...ClientOption) *Client {
	c := &Client{
		base:     strings.TrimSuffix(baseURL, "/"),
		swissnum: swissnum,
		http:     &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type call struct {
	method  string
	path    string
	body    []byte
	secrets []string
	header  map[string]string
}

func (c *Client) do(ctx context.Context, cl call) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, cl.method, c.base+cl.path, bytes.NewReader(cl.body))
	if err != nil {
		return nil, err
	}
	if len(c.swissnum) > 0 {
		req.Header.Set(headerAuthorization, authScheme+" "+base64.StdEncoding.EncodeToString(c.swissnum))
	}
	for _, s := range cl.secrets {
		req.Header.Add(headerSecret, s)
	}
	for k, v := range cl.header {
		req.Header.Set(k, v)
	}
	if cl.body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentTypeCBOR)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", cl.method, cl.path, model.ErrDisconnected, err)
	}
	return resp, nil
}

// expect runs a call and decodes a CBOR reply into out when out is
// non-nil. Statuses other than want become errors.
func (c *Client) expect(ctx context.Context, cl call, out any, want ...int) error {
	resp, err := c.do(ctx, cl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", cl.method, cl.path, model.ErrDisconnected, err)
	}
	for _, w := range want {
		if resp.StatusCode == w {
			if out == nil {
				return nil
			}
			if err := unmarshal(body, out); err != nil {
				return fmt.Errorf("%s %s: decoding reply: %w", cl.method, cl.path, err)
			}
			return nil
		}
	}
	return responseError(resp.StatusCode, body)
}

func responseError(status int, body []byte) error {
	var e errorResponse
	if err := unmarshal(body, &e); err == nil && e.Message != "" {
		return model.ErrorFromCode(model.ErrorCode(e.Code), e.Message)
	}
	return model.ErrorFromCode(model.CodeUnknown, fmt.Sprintf("http status %d", status))
}

func immutablePath(si model.StorageIndex) string {
	return "/v1/immutable/" + si.String()
}

func sharePath(si model.StorageIndex, sh model.ShareNum) string {
	return fmt.Sprintf("/v1/immutable/%s/%d", si, sh)
}

func (c *Client) GetVersion(ctx context.Context) (interfaces.VersionInfo, error) {
	var v interfaces.VersionInfo
	err := c.expect(ctx, call{method: http.MethodGet, path: "/v1/version"}, &v, http.StatusOK)
	return v, err
}

// AllocateBuckets ignores the canary: HTTP uploads live until they are
// closed or aborted.
func (c *Client) AllocateBuckets(ctx context.Context, req interfaces.AllocateRequest) (interfaces.AllocateResult, error) {
	var upload model.LeaseSecret
	if _, err := rand.Read(upload[:]); err != nil {
		return interfaces.AllocateResult{}, err
	}
	body := allocateRequest{AllocatedSize: req.AllocatedSize}
	for _, sh := range req.ShareNums {
		body.ShareNumbers = append(body.ShareNumbers, uint32(sh))
	}
	data, err := marshal(body)
	if err != nil {
		return interfaces.AllocateResult{}, err
	}
	var reply allocateResponse
	err = c.expect(ctx, call{
		method: http.MethodPost,
		path:   immutablePath(req.StorageIndex),
		body:   data,
		secrets: []string{
			encodeSecret(secretLeaseRenew, req.RenewSecret),
			encodeSecret(secretLeaseCancel, req.CancelSecret),
			encodeSecret(secretUpload, upload),
		},
	}, &reply, http.StatusCreated)
	if err != nil {
		return interfaces.AllocateResult{}, err
	}

	res := interfaces.AllocateResult{Writers: make(map[model.ShareNum]interfaces.BucketWriter, len(reply.Allocated))}
	for _, sh := range reply.AlreadyHave {
		res.AlreadyHave = append(res.AlreadyHave, model.ShareNum(sh))
	}
	for _, sh := range reply.Allocated {
		res.Writers[model.ShareNum(sh)] = &bucketWriter{
			c:      c,
			path:   sharePath(req.StorageIndex, model.ShareNum(sh)),
			secret: encodeSecret(secretUpload, upload),
		}
	}
	return res, nil
}

func (c *Client) GetBuckets(ctx context.Context, si model.StorageIndex) (map[model.ShareNum]interfaces.BucketReader, error) {
	var shares []uint32
	err := c.expect(ctx, call{method: http.MethodGet, path: immutablePath(si) + "/shares"}, &shares, http.StatusOK)
	if err != nil {
		return nil, err
	}
	out := make(map[model.ShareNum]interfaces.BucketReader, len(shares))
	for _, sh := range shares {
		out[model.ShareNum(sh)] = &bucketReader{c: c, si: si, shnum: model.ShareNum(sh)}
	}
	return out, nil
}

func (c *Client) AddLease(ctx context.Context, si model.StorageIndex, renew, cancel model.LeaseSecret) error {
	return c.expect(ctx, call{
		method:  http.MethodPut,
		path:    "/v1/lease/" + si.String(),
		secrets: []string{encodeSecret(secretLeaseRenew, renew), encodeSecret(secretLeaseCancel, cancel)},
	}, nil, http.StatusNoContent)
}

func (c *Client) RenewLease(ctx context.Context, si model.StorageIndex, renew model.LeaseSecret) error {
	return c.expect(ctx, call{
		method:  http.MethodPut,
		path:    "/v1/lease/" + si.String(),
		secrets: []string{encodeSecret(secretLeaseRenew, renew)},
	}, nil, http.StatusNoContent)
}

func (c *Client) CancelLease(ctx context.Context, si model.StorageIndex, cancel model.LeaseSecret) error {
	return c.expect(ctx, call{
		method:  http.MethodDelete,
		path:    "/v1/lease/" + si.String(),
		secrets: []string{encodeSecret(secretLeaseCancel, cancel)},
	}, nil, http.StatusNoContent)
}

func (c *Client) AdviseCorruptShare(ctx context.Context, _ string, si model.StorageIndex, sh model.ShareNum, reason string) error {
	data, err := marshal(corruptionRequest{Reason: reason})
	if err != nil {
		return err
	}
	return c.expect(ctx, call{
		method: http.MethodPost,
		path:   sharePath(si, sh) + "/corrupt",
		body:   data,
	}, nil, http.StatusOK)
}

type bucketWriter struct {
	c      *Client
	path   string
	secret string
}

func (w *bucketWriter) Write(ctx context.Context, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return w.c.expect(ctx, call{
		method:  http.MethodPatch,
		path:    w.path,
		body:    data,
		secrets: []string{w.secret},
		header: map[string]string{
			"Content-Type":  "application/octet-stream",
			"Content-Range": fmt.Sprintf("bytes %d-%d/*", offset, offset+uint64(len(data))-1),
		},
	}, nil, http.StatusOK)
}

func (w *bucketWriter) Close(ctx context.Context) error {
	return w.c.expect(ctx, call{method: http.MethodPost, path: w.path + "/close", secrets: []string{w.secret}}, nil, http.StatusCreated)
}

func (w *bucketWriter) Abort(ctx context.Context) error {
	return w.c.expect(ctx, call{method: http.MethodPut, path: w.path + "/abort", secrets: []string{w.secret}}, nil, http.StatusOK)
}

type bucketReader struct {
	c     *Client
	si    model.StorageIndex
	shnum model.ShareNum
}

// Read tolerates overruns: a range past the end of the share yields the
// bytes that exist, possibly none.
func (r *bucketReader) Read(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	path := sharePath(r.si, r.shnum)
	resp, err := r.c.do(ctx, call{
		method: http.MethodGet,
		path:   path,
		header: map[string]string{"Range": fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(length)-1)},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(length)+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %w", path, model.ErrDisconnected, err)
	}
	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
		if uint64(len(body)) > uint64(length) {
			body = body[:length]
		}
		return body, nil
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, nil
	}
	return nil, responseError(resp.StatusCode, body)
}

func (r *bucketReader) AdviseCorruptShare(ctx context.Context, reason string) error {
	return r.c.AdviseCorruptShare(ctx, interfaces.ShareTypeImmutable, r.si, r.shnum, reason)
}
