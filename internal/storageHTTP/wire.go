// Package storageHTTP maps the storage RPC surface onto HTTP: CBOR
// bodies, swissnum bearer auth and per-operation secrets in headers.
package storageHTTP

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	headerAuthorization = "Authorization"
	headerSecret        = "X-Tahoe-Authorization"
	authScheme          = "Tahoe-LAFS"
	contentTypeCBOR     = "application/cbor"

	secretLeaseRenew  = "lease-renew-secret"
	secretLeaseCancel = "lease-cancel-secret"
	secretUpload      = "upload-secret"

	// readChunk bounds one backend read when a GET carries no Range.
	readChunk = 1 << 16
)

type allocateRequest struct {
	ShareNumbers  []uint32 `cbor:"share-numbers"`
	AllocatedSize uint64   `cbor:"allocated-size"`
}

type allocateResponse struct {
	AlreadyHave []uint32 `cbor:"already-have"`
	Allocated   []uint32 `cbor:"allocated"`
}

type corruptionRequest struct {
	Reason string `cbor:"reason"`
}

type errorResponse struct {
	Code    uint16 `cbor:"code"`
	Message string `cbor:"message"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func encodeSecret(name string, s model.LeaseSecret) string {
	return name + " " + base64.StdEncoding.EncodeToString(s[:])
}

// secrets collects the X-Tahoe-Authorization values of a request.
func secrets(h http.Header) (map[string]model.LeaseSecret, error) {
	out := make(map[string]model.LeaseSecret)
	for _, v := range h.Values(headerSecret) {
		name, b64, ok := strings.Cut(strings.TrimSpace(v), " ")
		if !ok {
			return nil, fmt.Errorf("malformed %s header", headerSecret)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil || len(raw) != model.LeaseSecretSize {
			return nil, fmt.Errorf("malformed %s secret", name)
		}
		var s model.LeaseSecret
		copy(s[:], raw)
		out[name] = s
	}
	return out, nil
}

// parseRange reads "bytes=FIRST-LAST".
func parseRange(v string) (offset, length uint64, err error) {
	spec, ok := strings.CutPrefix(v, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range %q", v)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", v)
	}
	a, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed range %q", v)
	}
	b, err := strconv.ParseUint(last, 10, 64)
	if err != nil || b < a {
		return 0, 0, fmt.Errorf("malformed range %q", v)
	}
	return a, b - a + 1, nil
}

// parseContentRange reads "bytes FIRST-LAST/TOTAL" and returns the
// offset and length.
func parseContentRange(v string) (offset, length uint64, err error) {
	spec, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported content range %q", v)
	}
	span, _, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed content range %q", v)
	}
	return parseRange("bytes=" + span)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrConflictingWrite):
		return http.StatusConflict
	case errors.Is(err, model.ErrShareNotFound), errors.Is(err, model.ErrLeaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrWriterClosed):
		return http.StatusGone
	case errors.Is(err, model.ErrDataTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrNoSpace):
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}
