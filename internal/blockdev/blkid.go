package blockdev

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ProbeBlkid returns the output of blkid(8) for path, or "" when blkid is
// missing, fails, or path is not a block device with a known signature.
func ProbeBlkid(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "blkid", path).Output()
	if err != nil {
		slog.Debug("blkid probe failed", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(out))
}
