// Package stats counts the blocks a sync run compares and transfers.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks sync statistics using lock-free atomic counters.
type Collector struct {
	blocksTotal       atomic.Int64
	bytesTotal        atomic.Int64
	blocksCompared    atomic.Int64
	bytesCompared     atomic.Int64
	blocksSame        atomic.Int64
	blocksChanged     atomic.Int64
	blocksTransferred atomic.Int64
	bytesTransferred  atomic.Int64
	blocksFailed      atomic.Int64
	startTime         time.Time

	// Ring buffer, written only by the presenter's Tick().
	mu           sync.Mutex
	compareRate  [ringSize]int64 // compared bytes per second
	transferRate [ringSize]int64 // transferred bytes per second
	ringIdx      int
	ringCount    int // how many samples have been written (capped at ringSize)
	lastCompared int64
	lastSent     int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records the block count and device size of the run.
func (c *Collector) SetTotals(blocks, bytes int64) {
	c.blocksTotal.Store(blocks)
	c.bytesTotal.Store(bytes)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BlocksTotal       int64
	BytesTotal        int64
	BlocksCompared    int64
	BytesCompared     int64
	BlocksSame        int64
	BlocksChanged     int64
	BlocksTransferred int64
	BytesTransferred  int64
	BlocksFailed      int64
	Elapsed           time.Duration
}

// AddCompared counts a compared batch of blocks spanning bytes.
func (c *Collector) AddCompared(blocks, bytes int64) {
	c.blocksCompared.Add(blocks)
	c.bytesCompared.Add(bytes)
}

func (c *Collector) AddSame(n int64)    { c.blocksSame.Add(n) }
func (c *Collector) AddChanged(n int64) { c.blocksChanged.Add(n) }
func (c *Collector) AddFailed(n int64)  { c.blocksFailed.Add(n) }

// AddTransferred counts one block written to the destination.
func (c *Collector) AddTransferred(bytes int64) {
	c.blocksTransferred.Add(1)
	c.bytesTransferred.Add(bytes)
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BlocksTotal:       c.blocksTotal.Load(),
		BytesTotal:        c.bytesTotal.Load(),
		BlocksCompared:    c.blocksCompared.Load(),
		BytesCompared:     c.bytesCompared.Load(),
		BlocksSame:        c.blocksSame.Load(),
		BlocksChanged:     c.blocksChanged.Load(),
		BlocksTransferred: c.blocksTransferred.Load(),
		BytesTransferred:  c.bytesTransferred.Load(),
		BlocksFailed:      c.blocksFailed.Load(),
		Elapsed:           c.Elapsed(),
	}
}

// Percent returns how much of the device has been compared, 0 to 100.
func (s Snapshot) Percent() float64 {
	if s.BytesTotal <= 0 {
		return 100
	}
	return float64(s.BytesCompared) * 100 / float64(s.BytesTotal)
}

// Tick snapshots byte deltas into the ring buffer. Called 1/sec by the presenter.
func (c *Collector) Tick() {
	compared := c.bytesCompared.Load()
	sent := c.bytesTransferred.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.compareRate[c.ringIdx] = compared - c.lastCompared
	c.transferRate[c.ringIdx] = sent - c.lastSent
	c.lastCompared = compared
	c.lastSent = sent

	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns the average compared bytes/sec over the last n
// seconds of samples. Comparison covers the whole device, so this is the
// rate the run progresses at.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.compareRate[:], seconds)
}

// RollingTransferSpeed returns the average transferred bytes/sec over the
// last n seconds.
func (c *Collector) RollingTransferSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.transferRate[:], seconds)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := min(n, c.ringCount)
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time from the rolling compare speed and the bytes
// not yet compared.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesCompared.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"blocks=%d compared=%d same=%d changed=%d transferred=%d failed=%d bytes=%d",
		s.BlocksTotal, s.BlocksCompared, s.BlocksSame, s.BlocksChanged,
		s.BlocksTransferred, s.BlocksFailed, s.BytesTransferred,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Reader is the read side of a Collector, as used by presenters.
type Reader interface {
	Snapshot() Snapshot
	RollingSpeed(seconds int) float64
	RollingTransferSpeed(seconds int) float64
	ETA() time.Duration
}

// ReadTicker is a Reader that the presenter also ticks once per second.
type ReadTicker interface {
	Reader
	Tick()
}

var _ ReadTicker = (*Collector)(nil)
