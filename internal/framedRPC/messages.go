package framedRPC

import (
	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Writers and readers live on the server; the client refers to them by
// handle for as long as the connection lasts.

type errorReply struct {
	Code    uint16 `cbor:"code"`
	Message string `cbor:"message"`
}

type allocateArgs struct {
	StorageIndex  model.StorageIndex `cbor:"si"`
	RenewSecret   model.LeaseSecret  `cbor:"renew"`
	CancelSecret  model.LeaseSecret  `cbor:"cancel"`
	ShareNums     []uint32           `cbor:"sharenums"`
	AllocatedSize uint64             `cbor:"allocated-size"`
}

type allocateReply struct {
	AlreadyHave []uint32             `cbor:"already-have"`
	Writers     map[uint32]uuid.UUID `cbor:"writers"`
}

type siArgs struct {
	StorageIndex model.StorageIndex `cbor:"si"`
}

type bucketsReply struct {
	Readers map[uint32]uuid.UUID `cbor:"readers"`
}

type leaseArgs struct {
	StorageIndex model.StorageIndex `cbor:"si"`
	Renew        model.LeaseSecret  `cbor:"renew"`
	Cancel       model.LeaseSecret  `cbor:"cancel"`
}

type adviseArgs struct {
	ShareType    string             `cbor:"sharetype"`
	StorageIndex model.StorageIndex `cbor:"si"`
	ShareNum     uint32             `cbor:"shnum"`
	Reason       string             `cbor:"reason"`
}

type handleArgs struct {
	Handle uuid.UUID `cbor:"handle"`
}

type writeArgs struct {
	Handle uuid.UUID `cbor:"handle"`
	Offset uint64    `cbor:"offset"`
	Data   []byte    `cbor:"data"`
}

type readArgs struct {
	Handle uuid.UUID `cbor:"handle"`
	Offset uint64    `cbor:"offset"`
	Length uint32    `cbor:"length"`
}

type readReply struct {
	Data []byte `cbor:"data"`
}

type readerAdviseArgs struct {
	Handle uuid.UUID `cbor:"handle"`
	Reason string    `cbor:"reason"`
}
