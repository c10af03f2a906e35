package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/stats"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>...",
	Short: "Print image headers and record counts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed error
		for i, path := range args {
			if i > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			if err := printInfo(cmd.OutOrStdout(), path); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
				failed = errors.Join(failed, err)
			}
		}
		if failed != nil {
			return &exitError{code: 2}
		}
		return nil
	},
}

// imageSummary is what info reports about one image.
type imageSummary struct {
	Header  iimg.Header
	Records int64
	Payload int64
}

func summarizeImage(path string) (imageSummary, error) {
	r, err := iimg.Open(path)
	if err != nil {
		return imageSummary{}, err
	}
	defer r.Close()

	sum := imageSummary{Header: r.Header()}
	for {
		rec, err := r.NextMeta()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return imageSummary{}, err
		}
		sum.Records++
		sum.Payload += int64(rec.Length)
	}
}

func printInfo(w io.Writer, path string) error {
	sum, err := summarizeImage(path)
	if err != nil {
		return err
	}
	h := sum.Header

	source := h.SourcePath
	if h.SourceBlkid != "" {
		source = fmt.Sprintf("%s (%s)", source, h.SourceBlkid)
	}

	row := func(k string, v any) { fmt.Fprintf(w, "%-12s %v\n", k+":", v) }
	row("image", path)
	row("sequence", fmt.Sprintf("%03d", h.Sequence))
	row("created", h.Created.Local().Format(time.RFC3339))
	row("comment", h.Comment)
	row("run id", h.RunID)
	row("source", source)
	row("hash", fmt.Sprintf("%s (%d-byte digests)", h.Hash, h.DigestSize))
	row("block size", stats.FormatBytes(int64(h.BlockSize)))
	row("device", fmt.Sprintf("%s in %d blocks", stats.FormatBytes(h.DeviceSize), h.BlockCount))
	row("records", sum.Records)
	row("payload", stats.FormatBytes(sum.Payload))
	return nil
}
