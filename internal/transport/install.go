package transport

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ssh"

	"github.com/bamsammich/iblocksync/internal/checksum"
)

// DefaultInstallPath is where --install-agent places the binary, relative
// to the remote user's home directory.
const DefaultInstallPath = ".cache/iblocksync/iblocksync"

// InstallAgent uploads the local binary to remotePath over SFTP and returns
// the absolute remote path. The upload is skipped when the remote file
// already has the same BLAKE3 hash. Relative paths resolve against the
// remote home directory.
func InstallAgent(client *ssh.Client, localPath, remotePath string) (string, error) {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sc.Close()

	if remotePath == "" {
		remotePath = DefaultInstallPath
	}
	abs := remotePath
	if !path.IsAbs(abs) {
		home, err := sc.Getwd()
		if err != nil {
			return "", fmt.Errorf("sftp getwd: %w", err)
		}
		abs = path.Join(home, remotePath)
	}

	localHash, err := checksum.HashFile(localPath)
	if err != nil {
		return "", err
	}
	if remoteHash, err := hashRemote(sc, abs); err == nil && remoteHash == localHash {
		slog.Debug("agent already installed", "path", abs, "blake3", localHash)
		return abs, nil
	}

	if err := sc.MkdirAll(path.Dir(abs)); err != nil {
		return "", fmt.Errorf("sftp mkdir %s: %w", path.Dir(abs), err)
	}

	tmp := fmt.Sprintf("%s.tmp-%s", abs, uuid.NewString())
	if err := upload(sc, localPath, tmp); err != nil {
		sc.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return "", err
	}
	if err := sc.PosixRename(tmp, abs); err != nil {
		sc.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return "", fmt.Errorf("sftp rename %s: %w", abs, err)
	}

	slog.Info("installed agent", "path", abs)
	return abs, nil
}

func upload(sc *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", remotePath, err)
	}
	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		return fmt.Errorf("sftp upload %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("sftp close %s: %w", remotePath, err)
	}
	if err := sc.Chmod(remotePath, 0o755); err != nil {
		return fmt.Errorf("sftp chmod %s: %w", remotePath, err)
	}
	return nil
}

func hashRemote(sc *sftp.Client, remotePath string) (string, error) {
	f, err := sc.Open(remotePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
