package ui

import (
	"fmt"

	"github.com/bamsammich/iblocksync/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  blocks 69  same 67  diff 2  sent 2.0 MiB  avg 641 MB/s  time 3s  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesCompared) / snap.Elapsed.Seconds()
	}

	icon := "\u2713"
	if snap.BlocksFailed > 0 || snap.BlocksTransferred < snap.BlocksChanged {
		icon = "\u2717"
	}

	return fmt.Sprintf("done %s  blocks %s  same %s  diff %s  sent %s  avg %s  time %s  errors %d",
		icon,
		FormatCount(snap.BlocksTotal),
		FormatCount(snap.BlocksSame),
		FormatCount(snap.BlocksChanged),
		FormatBytes(snap.BytesTransferred),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
		snap.BlocksFailed,
	)
}
