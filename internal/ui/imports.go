package ui

import "github.com/bamsammich/iblocksync/internal/event"

// Event is the engine's progress event.
type Event = event.Event

// Re-export event types for convenience.
const (
	RunStarted       = event.RunStarted
	BatchCompared    = event.BatchCompared
	BlockChanged     = event.BlockChanged
	BlockTransferred = event.BlockTransferred
	BlockFailed      = event.BlockFailed
	ImageCommitted   = event.ImageCommitted
	RunCompleted     = event.RunCompleted
)
