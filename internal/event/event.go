package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	RunStarted Type = iota + 1
	BatchCompared
	BlockChanged
	BlockTransferred
	BlockFailed
	ImageCommitted
	RunCompleted
)

var typeNames = [...]string{
	RunStarted:       "RunStarted",
	BatchCompared:    "BatchCompared",
	BlockChanged:     "BlockChanged",
	BlockTransferred: "BlockTransferred",
	BlockFailed:      "BlockFailed",
	ImageCommitted:   "ImageCommitted",
	RunCompleted:     "RunCompleted",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Path      string // destination path, or the committed image
	Index     int64  // block index, or first index of a compared batch
	Count     int64  // blocks in a compared batch, or records in an image
	Size      int64  // bytes covered by the block or batch
	Total     int64  // total blocks (RunStarted)
	TotalSize int64  // device size (RunStarted)
	Sequence  int    // image sequence (ImageCommitted)
	Error     error
}

// Emit sends e on ch without blocking. A nil channel or a full buffer drops
// the event; counters live in the stats collector, not in events.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}
