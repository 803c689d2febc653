// Package framedRPC carries the storage RPC surface over length-prefixed
// frames on a plain TCP connection. Connections open with a
// "GET /id/<swissnum>" greeting so the same port can also serve HTTP.
package framedRPC

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MessageType names the operation a frame carries.
type MessageType uint32

const (
	MsgResult MessageType = iota + 1
	MsgError
	MsgGetVersion
	MsgAllocateBuckets
	MsgGetBuckets
	MsgAddLease
	MsgRenewLease
	MsgCancelLease
	MsgAdviseCorruptShare
	MsgWrite
	MsgClose
	MsgAbort
	MsgRead
	MsgReaderAdvise
)

func (t MessageType) String() string { // A
	switch t {
	case MsgResult:
		return "result"
	case MsgError:
		return "error"
	case MsgGetVersion:
		return "get_version"
	case MsgAllocateBuckets:
		return "allocate_buckets"
	case MsgGetBuckets:
		return "get_buckets"
	case MsgAddLease:
		return "add_lease"
	case MsgRenewLease:
		return "renew_lease"
	case MsgCancelLease:
		return "cancel_lease"
	case MsgAdviseCorruptShare:
		return "advise_corrupt_share"
	case MsgWrite:
		return "write"
	case MsgClose:
		return "close"
	case MsgAbort:
		return "abort"
	case MsgRead:
		return "read"
	case MsgReaderAdvise:
		return "reader_advise_corrupt_share"
	}
	return fmt.Sprintf("message(%d)", uint32(t))
}

const (
	headerSize   = 12
	maxPayloadMB = 64
	maxPayload   = maxPayloadMB * 1024 * 1024
)

// Frame is one request or response. Responses echo the request's ID.
type Frame struct {
	Type    MessageType
	ID      uint32
	Payload []byte
}

// WriteFrame serializes a frame. Wire format:
// [4B type big-endian uint32]
// [4B request id big-endian uint32]
// [4B payload length big-endian uint32]
// [N bytes payload]
func WriteFrame(w io.Writer, f Frame) error { // A
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("payload exceeds %dMB limit", maxPayloadMB)
	}
	buf := make([]byte, headerSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[4:8], f.ID)
	// #nosec G115 -- bounded by maxPayload above.
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame deserializes a frame.
func ReadFrame(r io.Reader) (Frame, error) { // A
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("read header: %w", err)
	}
	f := Frame{
		Type: MessageType(binary.BigEndian.Uint32(hdr[:4])),
		ID:   binary.BigEndian.Uint32(hdr[4:8]),
	}
	n := binary.BigEndian.Uint32(hdr[8:12])
	if n > maxPayload {
		return Frame{}, fmt.Errorf("payload length %d exceeds %dMB limit", n, maxPayloadMB)
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return f, nil
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return encMode.Marshal(v)
}

func decode(data []byte, v any) error {
	if v == nil {
		return nil
	}
	return cbor.Unmarshal(data, v)
}
