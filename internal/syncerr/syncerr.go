// Package syncerr defines the failure kinds shared by the sync engine, the
// remote agent, and the restore merger, and their wire codes.
package syncerr

import "errors"

var (
	// ErrDeviceUnavailable is returned when a device or file cannot be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrShortRead is returned when a non-final block reads fewer bytes than
	// expected, i.e. the device shrank underneath us.
	ErrShortRead = errors.New("short read")

	// ErrSizeMismatch is returned when source and destination sizes disagree.
	ErrSizeMismatch = errors.New("device size mismatch")

	// ErrTransferFailed is returned when a changed block could not be written.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrMissingIncrement is returned when the image chain has a gap.
	ErrMissingIncrement = errors.New("missing increment")

	// ErrMissingBase is returned when the base copy of a chain is absent.
	ErrMissingBase = errors.New("missing base copy")

	// ErrOutputExists is returned when a restore target exists and overwrite
	// was not requested.
	ErrOutputExists = errors.New("output exists")

	// ErrFormat is returned for malformed or inconsistent image files.
	ErrFormat = errors.New("invalid image")

	// ErrLocked is returned when another run holds the destination lock.
	ErrLocked = errors.New("destination locked by another run")

	// ErrVersionMismatch is returned when the agent speaks another protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Wire codes for ErrorResp. Zero is a generic failure.
const (
	CodeGeneric = iota
	CodeDeviceUnavailable
	CodeShortRead
	CodeSizeMismatch
	CodeTransferFailed
	CodeMissingIncrement
	CodeMissingBase
	CodeOutputExists
	CodeFormat
	CodeLocked
	CodeVersionMismatch
)

var byCode = map[int]error{
	CodeDeviceUnavailable: ErrDeviceUnavailable,
	CodeShortRead:         ErrShortRead,
	CodeSizeMismatch:      ErrSizeMismatch,
	CodeTransferFailed:    ErrTransferFailed,
	CodeMissingIncrement:  ErrMissingIncrement,
	CodeMissingBase:       ErrMissingBase,
	CodeOutputExists:      ErrOutputExists,
	CodeFormat:            ErrFormat,
	CodeLocked:            ErrLocked,
	CodeVersionMismatch:   ErrVersionMismatch,
}

// Code returns the wire code of the first sentinel err wraps.
func Code(err error) int {
	for code, sentinel := range byCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeGeneric
}

// FromCode returns the sentinel for a wire code, or nil for CodeGeneric and
// unknown codes.
func FromCode(code int) error {
	return byCode[code]
}

// RemoteError is an error reported by an agent on the other end of a channel.
// It unwraps to the sentinel named by its wire code.
type RemoteError struct {
	Message string
	Code    int
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return FromCode(e.Code)
}
