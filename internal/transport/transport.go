// Package transport defines the channel the sync engine uses to talk to a
// Remote Checksum Agent, and the plumbing that carries it: location
// parsing, SSH dialing, child-process pipes, and agent installation.
package transport

import (
	"context"

	"github.com/bamsammich/iblocksync/internal/checksum"
)

// Role selects what an agent does with the device it opens.
type Role string

const (
	// RoleSource serves checksums and block reads; the device is read-only.
	RoleSource Role = "source"
	// RoleMirror patches the destination device in place.
	RoleMirror Role = "mirror"
	// RoleIncremental leaves the destination as a base copy and records
	// every written block in the next image of its chain.
	RoleIncremental Role = "incremental"
)

// ParseRole maps a user-supplied destination mode to a Role.
func ParseRole(mode string) (Role, bool) {
	switch Role(mode) {
	case "", RoleIncremental:
		return RoleIncremental, true
	case RoleMirror:
		return RoleMirror, true
	default:
		return "", false
	}
}

// HelloOpts opens a device on an agent.
type HelloOpts struct {
	Role      Role
	Path      string
	Hash      checksum.Algorithm
	BlockSize int

	// Destination roles only.
	Comment     string
	SourcePath  string
	SourceBlkid string
	RunID       string
	SourceSize  int64
}

// DeviceInfo describes the device an agent opened.
type DeviceInfo struct {
	Blkid      string
	Size       int64
	BlockCount int64
	// Sequence is the image number being written, or -1 outside the
	// incremental role.
	Sequence int
}

// FinishInfo reports what a destination committed.
type FinishInfo struct {
	Path     string
	Records  int64
	Sequence int
}

// Channel is a session with one agent. Hello must be called first and
// exactly once. Reads may be issued concurrently; WriteBlock calls must be
// issued one at a time in ascending index order.
type Channel interface {
	Hello(ctx context.Context, opts HelloOpts) (DeviceInfo, error)

	// Checksums returns the digests of blocks [start, start+count). Fewer
	// digests come back only at the end of the device.
	Checksums(ctx context.Context, start int64, count int) ([][]byte, error)

	// ReadBlock returns the current bytes of block index.
	ReadBlock(ctx context.Context, index int64) ([]byte, error)

	// WriteBlock stores data as the new content of block index.
	WriteBlock(ctx context.Context, index int64, digest, data []byte) error

	// Finish makes every write durable and ends the session.
	Finish(ctx context.Context) (FinishInfo, error)

	Close() error
}
