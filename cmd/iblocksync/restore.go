package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/iblocksync/internal/restore"
	"github.com/bamsammich/iblocksync/internal/stats"
	"github.com/bamsammich/iblocksync/internal/syncerr"
	"github.com/bamsammich/iblocksync/internal/ui"
)

func newRestoreCmd(global *globalFlags) *cobra.Command {
	var force, verify bool

	cmd := &cobra.Command{
		Use:   "restore [flags] <destination>.iimgNNN <output>",
		Short: "Rebuild a destination as it was after one sync run",
		Long: `Copies the base copy to <output> and replays images 000 through NNN
onto it. <output> may be a regular file or a block device.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, output := args[0], args[1]

			plan, err := restore.Prepare(image)
			if err != nil {
				return err
			}

			if !force {
				if _, statErr := os.Stat(output); statErr == nil {
					if !ui.IsTTY(os.Stdin) {
						return fmt.Errorf("%s: %w (use -f to overwrite)", output, syncerr.ErrOutputExists)
					}
					if !confirm(os.Stdin, cmd.ErrOrStderr(), fmt.Sprintf("overwrite %s?", output)) {
						return fmt.Errorf("%s: %w", output, syncerr.ErrOutputExists)
					}
					force = true
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := restore.Options{
				Image:  image,
				Output: output,
				Force:  force,
				Verify: verify,
			}
			if !global.quiet && ui.IsTTY(os.Stderr) {
				opts.Progress = restoreProgress(cmd.ErrOrStderr(), plan.Size)
			}

			res, err := restore.Apply(ctx, plan, opts)
			if opts.Progress != nil {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return fmt.Errorf("restore interrupted: %w", err)
				}
				return err
			}

			if !global.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s as of image %03d: %d records, %s replayed onto %s\n",
					output, res.Sequence, res.Records, stats.FormatBytes(res.Bytes), res.Base)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing output without asking")
	cmd.Flags().BoolVar(&verify, "verify", false, "check every record against its digest before applying it")
	return cmd
}

// confirm asks a yes/no question and reports whether the answer was yes.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func restoreProgress(w io.Writer, total int64) func(int64) {
	return func(written int64) {
		pct := 100.0
		if total > 0 {
			pct = float64(written) / float64(total) * 100
		}
		fmt.Fprintf(w, "\r\033[Krestoring: %3.0f%%  %s", pct, stats.FormatBytes(written))
	}
}
