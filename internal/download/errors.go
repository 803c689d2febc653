package download

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Phase names the step of a download that failed.
type Phase string

const (
	PhaseLocate   Phase = "locate shares"
	PhaseUEB      Phase = "ueb fetch"
	PhaseHashTree Phase = "hash tree validation"
	PhaseDecode   Phase = "decode"
	PhaseDecrypt  Phase = "decrypt"
	PhaseConsumer Phase = "deliver"
)

// BadShare is one (server, share) pair that failed during a download.
type BadShare struct {
	Server   interfaces.ServerRef
	ShareNum model.ShareNum
	Reason   string
	// Corrupt is set for integrity failures, which are advised to the
	// server; transport failures only drop the share.
	Corrupt bool
}

func (b BadShare) String() string {
	return fmt.Sprintf("share %d on %s: %s", b.ShareNum, b.Server.Name(), b.Reason)
}

// Error reports a download that could not finish.
type Error struct {
	Phase        Phase
	StorageIndex model.StorageIndex
	Bad          []BadShare
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("download of %s failed during %s: %v", e.StorageIndex, e.Phase, e.Err)
	if len(e.Bad) > 0 {
		msg += fmt.Sprintf(" (%d bad shares)", len(e.Bad))
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsCorruption reports whether err means the share's bytes are wrong, as
// opposed to the server being unreachable.
func IsCorruption(err error) bool {
	return errors.Is(err, model.ErrBadHash) ||
		errors.Is(err, model.ErrCorruptStoredShare) ||
		errors.Is(err, model.ErrUnknownContainerVersion) ||
		errors.Is(err, hashtree.ErrNotEnoughHashes) ||
		errors.Is(err, hashtree.ErrIndexOutOfRange)
}
