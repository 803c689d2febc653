package model

import (
	"errors"
	"fmt"
)

// Capacity
var (
	ErrDataTooLarge = errors.New("grid: write exceeds allocated size")
	ErrNoSpace      = errors.New("grid: server has no space")
	ErrFileTooLarge = errors.New("grid: file too large for container version")
)

// Integrity
var (
	ErrBadHash                 = errors.New("grid: hash verification failed")
	ErrCorruptStoredShare      = errors.New("grid: stored share is corrupt")
	ErrUnknownContainerVersion = errors.New("grid: unknown share container version")
)

// Placement
var (
	ErrNoShares        = errors.New("grid: no shares could be placed or found")
	ErrNotEnoughShares = errors.New("grid: not enough shares")
	ErrNoServers       = errors.New("grid: no storage servers available")
)

// Protocol
var (
	ErrUploadAborted   = errors.New("grid: upload aborted")
	ErrDownloadStopped = errors.New("grid: download stopped")
	ErrUploadUnhappy   = errors.New("grid: upload did not reach servers-of-happiness")
)

// Access
var (
	ErrLeaseNotFound    = errors.New("grid: lease not found")
	ErrConflictingWrite = errors.New("grid: write conflicts with data already written")
	ErrWriterClosed     = errors.New("grid: bucket writer is closed")
	ErrShareNotFound    = errors.New("grid: share not found")
	ErrUnauthorized     = errors.New("grid: unauthorized")
)

// Transport
var (
	ErrDisconnected = errors.New("grid: disconnected")
	ErrTimeout      = errors.New("grid: rpc timed out")
	ErrRemote       = errors.New("grid: remote exception")
)

// ErrorCode is the stable wire form of a sentinel error.
type ErrorCode uint16

const (
	CodeUnknown ErrorCode = iota
	CodeDataTooLarge
	CodeNoSpace
	CodeFileTooLarge
	CodeBadHash
	CodeCorruptStoredShare
	CodeUnknownContainerVersion
	CodeLeaseNotFound
	CodeConflictingWrite
	CodeWriterClosed
	CodeShareNotFound
	CodeUnauthorized
	CodeNotEnoughShares
	CodeNoShares
)

var codeTable = []struct {
	code ErrorCode
	err  error
}{
	{CodeDataTooLarge, ErrDataTooLarge},
	{CodeNoSpace, ErrNoSpace},
	{CodeFileTooLarge, ErrFileTooLarge},
	{CodeBadHash, ErrBadHash},
	{CodeCorruptStoredShare, ErrCorruptStoredShare},
	{CodeUnknownContainerVersion, ErrUnknownContainerVersion},
	{CodeLeaseNotFound, ErrLeaseNotFound},
	{CodeConflictingWrite, ErrConflictingWrite},
	{CodeWriterClosed, ErrWriterClosed},
	{CodeShareNotFound, ErrShareNotFound},
	{CodeUnauthorized, ErrUnauthorized},
	{CodeNotEnoughShares, ErrNotEnoughShares},
	{CodeNoShares, ErrNoShares},
}

// CodeOf maps err to the code of the first sentinel it wraps.
func CodeOf(err error) ErrorCode { // A
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// RemoteError is an error that crossed a transport. It unwraps to the
// matching sentinel when the code is known, and always to ErrRemote.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string { // A
	return fmt.Sprintf("remote: %s", e.Message)
}

func (e *RemoteError) Unwrap() []error { // A
	errs := []error{ErrRemote}
	for _, c := range codeTable {
		if c.code == e.Code {
			errs = append(errs, c.err)
			break
		}
	}
	return errs
}

// ErrorFromCode rebuilds an error received over the wire.
func ErrorFromCode(code ErrorCode, msg string) error { // A
	return &RemoteError{Code: code, Message: msg}
}
