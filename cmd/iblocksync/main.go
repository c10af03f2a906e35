package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/config"
	"github.com/bamsammich/iblocksync/internal/engine"
	"github.com/bamsammich/iblocksync/internal/event"
	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/stats"
	"github.com/bamsammich/iblocksync/internal/transport"
	"github.com/bamsammich/iblocksync/internal/transport/remote"
	"github.com/bamsammich/iblocksync/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	verbose    bool
	quiet      bool
	logFile    string
	configFile string
}

// syncFlags hold the root command's options before config defaults and
// parsing are applied.
type syncFlags struct {
	blockSize    string
	bwLimit      string
	hash         string
	mode         string
	comment      string
	sshKey       string
	srcSSHKey    string
	dstSSHKey    string
	agentPath    string
	pause        time.Duration
	sshPort      int
	window       int
	batch        int
	sudo         bool
	srcSudo      bool
	dstSudo      bool
	installAgent bool
	noProgress   bool
	showVersion  bool
}

func run() int {
	var (
		global  globalFlags
		flags   syncFlags
		closeLg func()
	)

	rootCmd := &cobra.Command{
		Use:   "iblocksync [flags] <source> <destination>",
		Short: "Incremental block-level device sync over SSH",
		Long: `Copies the blocks of <source> that differ from <destination>.

In the default incremental mode the destination is kept as a base copy and
every run records the blocks it changed in <destination>.iimgNNN, so the
state after any run can be rebuilt with "iblocksync restore". In mirror
mode the destination is patched in place.

Either side may be remote, written as [user@]host:/path.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if flags.showVersion {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			var err error
			closeLg, err = setupLogging(global)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.showVersion {
				fmt.Fprintf(os.Stdout, "iblocksync %s\n", version)
				return nil
			}
			return runSync(cmd, global, flags, args[0], args[1])
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&global.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&global.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.StringVar(&global.logFile, "log", "", "write structured JSON log to FILE")
	pf.StringVar(&global.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/iblocksync/config.toml)")

	addSyncFlags(rootCmd.Flags(), &flags)

	rootCmd.AddCommand(newRestoreCmd(&global))
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(docsCmd)

	err := rootCmd.Execute()
	if closeLg != nil {
		closeLg()
	}
	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// addSyncFlags registers the root command's sync options on f.
func addSyncFlags(f *pflag.FlagSet, flags *syncFlags) {
	f.BoolVar(&flags.showVersion, "version", false, "print version and exit")
	f.StringVarP(&flags.blockSize, "block-size", "b", "1M", "block size (e.g. 64K, 1M)")
	f.DurationVar(&flags.pause, "pause", 0, "sleep after every transferred block (e.g. 10ms)")
	f.StringVar(&flags.hash, "hash", string(checksum.Default), "block digest (blake3 or xxh3)")
	f.StringVar(&flags.mode, "mode", string(transport.RoleIncremental), "destination mode (incremental or mirror)")
	f.StringVarP(&flags.comment, "comment", "c", "", "comment stored in the image header")
	f.BoolVar(&flags.sudo, "sudo", false, "run both agents with sudo")
	f.BoolVar(&flags.srcSudo, "src-sudo", false, "run the source agent with sudo")
	f.BoolVar(&flags.dstSudo, "dst-sudo", false, "run the destination agent with sudo")
	f.StringVarP(&flags.sshKey, "ssh-key", "i", "", "SSH private key file for both hosts (default: auto-detect)")
	f.StringVar(&flags.srcSSHKey, "src-ssh-key", "", "SSH private key file for the source host (default: --ssh-key)")
	f.StringVar(&flags.dstSSHKey, "dst-ssh-key", "", "SSH private key file for the destination host (default: --ssh-key)")
	f.IntVar(&flags.sshPort, "ssh-port", 22, "SSH port")
	f.StringVar(&flags.agentPath, "agent-path", "", "agent binary on remote hosts (default: iblocksync on PATH)")
	f.BoolVar(&flags.installAgent, "install-agent", false, "upload this binary to remote hosts before running")
	f.IntVar(&flags.window, "window", 1, "source block reads in flight")
	f.IntVar(&flags.batch, "batch", engine.DefaultBatchSize, "checksums requested per round trip")
	f.StringVar(&flags.bwLimit, "bwlimit", "", "bandwidth limit on transferred blocks (e.g. 100M)")
	f.BoolVar(&flags.noProgress, "no-progress", false, "disable progress display")
}

// setupLogging installs the default slog logger. Logs always go to stderr
// since the agent owns stdout.
func setupLogging(g globalFlags) (func(), error) {
	logLevel := slog.LevelInfo
	switch {
	case g.verbose:
		logLevel = slog.LevelDebug
	case g.quiet:
		logLevel = slog.LevelWarn
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})

	var logHandler slog.Handler = textHandler
	closeFn := func() {}
	if g.logFile != "" {
		lf, err := os.Create(g.logFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
		closeFn = func() { lf.Close() }
	}
	slog.SetDefault(slog.New(logHandler))
	return closeFn, nil
}

func loadConfig(g globalFlags) (config.Config, error) {
	if g.configFile != "" {
		return config.LoadFile(g.configFile)
	}
	return config.Load()
}

//nolint:revive // cognitive-complexity: sync entry point wires flags, channels and presenter
func runSync(cmd *cobra.Command, g globalFlags, flags syncFlags, rawSrc, rawDst string) error {
	cfg, err := loadConfig(g)
	if err != nil {
		if g.configFile != "" {
			return err
		}
		slog.Warn("failed to load config", "error", err)
	}
	applyConfigDefaults(cmd.Flags(), cfg.Defaults, &flags)

	srcLoc := transport.ParseLocation(rawSrc)
	dstLoc := transport.ParseLocation(rawDst)

	role, ok := transport.ParseRole(flags.mode)
	if !ok {
		return fmt.Errorf("invalid --mode %q (use incremental or mirror)", flags.mode)
	}
	if role == transport.RoleIncremental {
		if err := iimg.ValidateComment(flags.comment); err != nil {
			return fmt.Errorf("invalid --comment: %w", err)
		}
	}
	alg, err := checksum.Parse(flags.hash)
	if err != nil {
		return fmt.Errorf("invalid --hash: %w", err)
	}
	blockSize, err := config.ParseSize(flags.blockSize)
	if err != nil {
		return fmt.Errorf("invalid --block-size: %w", err)
	}
	var bwLimit int64
	if flags.bwLimit != "" {
		if bwLimit, err = config.ParseSize(flags.bwLimit); err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srcOpts, dstOpts := endpointOptions(flags, g.verbose)
	src, err := remote.Open(ctx, srcLoc, srcOpts)
	if err != nil {
		return fmt.Errorf("source %s: %w", srcLoc, err)
	}
	defer closeChannel(src)

	dst, err := remote.Open(ctx, dstLoc, dstOpts)
	if err != nil {
		return fmt.Errorf("destination %s: %w", dstLoc, err)
	}
	defer closeChannel(dst)

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)

	// With --log, events are teed into the structured log before reaching
	// the presenter.
	presenterEvents := (<-chan event.Event)(events)
	if g.logFile != "" {
		presenterEvents = teeEvents(events)
	}

	presenter := ui.NewPresenter(ui.Config{
		Writer:     os.Stdout,
		ErrWriter:  os.Stderr,
		Stats:      collector,
		IsTTY:      ui.IsTTY(os.Stderr),
		Width:      ui.Columns(os.Stderr),
		Quiet:      g.quiet,
		Verbose:    g.verbose,
		NoProgress: flags.noProgress,
	})

	engineCfg := engine.Config{
		Src:       src,
		Dst:       dst,
		SrcPath:   srcLoc.Path,
		DstPath:   dstLoc.Path,
		Role:      role,
		BlockSize: int(blockSize),
		Hash:      alg,
		Comment:   flags.comment,
		Pause:     flags.pause,
		Window:    flags.window,
		BatchSize: flags.batch,
		BWLimit:   bwLimit,
		Events:    events,
		Stats:     collector,
	}

	slog.Debug("starting sync",
		"src", srcLoc.String(),
		"dst", dstLoc.String(),
		"mode", role,
		"block_size", engineCfg.BlockSize,
		"hash", alg,
		"window", flags.window,
	)

	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Go(func() {
		presenterErr = presenter.Run(presenterEvents)
	})

	result := engine.Run(ctx, engineCfg)
	stop()
	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}
	slog.Debug("run finished", "stats", result.Stats.String())

	if !g.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(os.Stderr, summary)
		}
	}

	if result.Err != nil {
		slog.Error("sync failed", "error", result.Err, "run_id", result.RunID)
		return &exitError{code: exitCode(result)}
	}
	if result.Image.Sequence >= 0 {
		slog.Debug("image committed",
			"path", result.Image.Path,
			"sequence", result.Image.Sequence,
			"records", result.Image.Records,
			"run_id", result.RunID,
		)
	}
	return nil
}

// exitCode maps a failed run to 1 when it had already changed blocks on
// the destination, 2 otherwise.
func exitCode(res engine.Result) int {
	if res.Stats.BlocksTransferred > 0 {
		return 1
	}
	return 2
}

func closeChannel(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Debug("close channel", "channel", c, "error", err)
	}
}

func teeEvents(events <-chan event.Event) <-chan event.Event {
	teed := make(chan event.Event, 256)
	go func() {
		for ev := range events {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("path", ev.Path),
				slog.Int64("index", ev.Index),
				slog.Int64("size", ev.Size),
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			slog.LogAttrs(context.Background(), slog.LevelDebug, "iblocksync.event", attrs...)
			teed <- ev
		}
		close(teed)
	}()
	return teed
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the CLI.
func applyConfigDefaults(fs *pflag.FlagSet, d config.DefaultsConfig, flags *syncFlags) {
	unset := func(name string) bool { return !fs.Changed(name) }

	if d.BlockSize != nil && unset("block-size") {
		flags.blockSize = *d.BlockSize
	}
	if d.Pause != nil && unset("pause") {
		if p, err := time.ParseDuration(*d.Pause); err == nil {
			flags.pause = p
		}
	}
	if d.Hash != nil && unset("hash") {
		flags.hash = *d.Hash
	}
	if d.Mode != nil && unset("mode") {
		flags.mode = *d.Mode
	}
	if d.Sudo != nil && unset("sudo") {
		flags.sudo = *d.Sudo
	}
	if d.SSHKey != nil && unset("ssh-key") {
		flags.sshKey = *d.SSHKey
	}
	if d.SSHPort != nil && unset("ssh-port") {
		flags.sshPort = *d.SSHPort
	}
	if d.AgentPath != nil && unset("agent-path") {
		flags.agentPath = *d.AgentPath
	}
	if d.Window != nil && unset("window") {
		flags.window = *d.Window
	}
	if d.BWLimit != nil && unset("bwlimit") {
		flags.bwLimit = *d.BWLimit
	}
}

// endpointOptions builds the agent options for each side. Per-side keys
// and sudo flags override the shared ones.
func endpointOptions(flags syncFlags, verbose bool) (src, dst remote.Options) {
	opts := remote.Options{
		SSH:          transport.SSHOpts{KeyFile: flags.sshKey, Port: flags.sshPort},
		AgentPath:    flags.agentPath,
		InstallAgent: flags.installAgent,
		Verbose:      verbose,
	}

	src, dst = opts, opts
	src.Sudo = flags.sudo || flags.srcSudo
	dst.Sudo = flags.sudo || flags.dstSudo
	if flags.srcSSHKey != "" {
		src.SSH.KeyFile = flags.srcSSHKey
	}
	if flags.dstSSHKey != "" {
		dst.SSH.KeyFile = flags.dstSSHKey
	}
	return src, dst
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
