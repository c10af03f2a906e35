package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/iblocksync/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim       = "\033[2m"
	ansiReset     = "\033[0m"
	ansiClearLine = "\r\033[K"
)

// hudInterval is the minimum time between redraws.
const hudInterval = time.Second

// hudPresenter keeps a single progress line on the TTY, redrawn in place:
//
//	 45%  #########...........  same 30  diff 2  118.0 MiB/s  ETR 1m 20s
//
// Failed blocks, and transferred blocks when verbose, scroll above it.
type hudPresenter struct {
	w       io.Writer
	stats   stats.ReadTicker
	verbose bool
	width   int // progress bar cells

	drawn    bool
	lastDraw time.Time
}

func (p *hudPresenter) Run(events <-chan Event) error {
	// Fire the first tick quickly to seed the ring buffer, then once a second.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	firstTickDone := false

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clear()
				return nil
			}
			p.handleEvent(ev)

		case <-ticker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				ticker.Reset(time.Second)
			}
			p.maybeDraw()
		}
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case BlockTransferred:
		if p.verbose {
			p.println(fmt.Sprintf("\u2713  block %s  %s", FormatCount(ev.Index), FormatBytes(ev.Size)))
		}
	case BlockFailed:
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		p.println(fmt.Sprintf("\u2717  block %s  %s", FormatCount(ev.Index), errMsg))
	case ImageCommitted:
		p.println(fmt.Sprintf("%simage%s %s  %s records", ansiDim, ansiReset, ev.Path, FormatCount(ev.Count)))
	case BatchCompared:
		p.maybeDraw()
	}
}

// println prints a line above the progress line.
func (p *hudPresenter) println(line string) {
	p.clear()
	fmt.Fprintln(p.w, line)
	p.draw()
}

func (p *hudPresenter) maybeDraw() {
	if time.Since(p.lastDraw) < hudInterval {
		return
	}
	p.draw()
}

func (p *hudPresenter) draw() {
	fmt.Fprint(p.w, ansiClearLine+p.line())
	p.drawn = true
	p.lastDraw = time.Now()
}

func (p *hudPresenter) line() string {
	snap := p.stats.Snapshot()
	pct := snap.Percent()
	return fmt.Sprintf(" %3.0f%%  %s  same %s  diff %s  %s  ETR %s",
		pct, ProgressBar(pct/100, p.width),
		FormatCount(snap.BlocksSame),
		FormatCount(snap.BlocksChanged),
		FormatRate(p.stats.RollingSpeed(10)),
		FormatETA(p.stats.ETA()),
	)
}

func (p *hudPresenter) clear() {
	if !p.drawn {
		return
	}
	fmt.Fprint(p.w, ansiClearLine)
	p.drawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
