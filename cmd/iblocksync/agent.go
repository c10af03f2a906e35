package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/iblocksync/internal/agent"
	"github.com/bamsammich/iblocksync/internal/transport"
)

// agentCmd is what the controller starts on each endpoint, over SSH or
// under sudo. stdout carries the protocol; logs go to stderr.
var agentCmd = &cobra.Command{
	Use:    "agent",
	Short:  "Serve the block agent protocol on stdin/stdout",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		slog.Debug("agent started", "pid", os.Getpid(), "version", version)
		err := agent.Serve(ctx, transport.Stdio())
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("agent: %w", err)
		}
		return nil
	},
}
