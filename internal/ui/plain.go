package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/iblocksync/internal/stats"
)

// plainPresenter prints failed blocks and the committed image to stdout,
// every transferred block when verbose, and periodic progress to stderr.
type plainPresenter struct {
	w       io.Writer
	errW    io.Writer
	stats   stats.ReadTicker
	verbose bool
}

func (p *plainPresenter) Run(events <-chan Event) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var seconds int
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			if seconds++; seconds%5 == 0 {
				p.printProgress()
			}
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	switch ev.Type {
	case RunStarted:
		fmt.Fprintf(p.w, "%s: %s in %s blocks\n",
			ev.Path, FormatBytes(ev.TotalSize), FormatCount(ev.Total))
	case BlockTransferred:
		if p.verbose {
			fmt.Fprintf(p.w, "block %s  %s\n", FormatCount(ev.Index), FormatBytes(ev.Size))
		}
	case BlockFailed:
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "block %s  failed  %s\n", FormatCount(ev.Index), errMsg)
	case ImageCommitted:
		fmt.Fprintf(p.w, "image %s  %s records\n", ev.Path, FormatCount(ev.Count))
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	fmt.Fprintf(p.errW, "progress: %.0f%% same %s diff %s %s eta %s\n",
		snap.Percent(),
		FormatCount(snap.BlocksSame),
		FormatCount(snap.BlocksChanged),
		FormatRate(p.stats.RollingSpeed(10)),
		FormatETA(p.stats.ETA()),
	)
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
