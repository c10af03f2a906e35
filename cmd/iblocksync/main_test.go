package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/config"
	"github.com/bamsammich/iblocksync/internal/engine"
	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/stats"
)

func ptr[T any](v T) *T { return &v }

func testFlagSet(flags *syncFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addSyncFlags(fs, flags)
	return fs
}

func TestApplyConfigDefaults(t *testing.T) {
	t.Parallel()

	defaults := config.DefaultsConfig{
		BlockSize: ptr("64K"),
		Pause:     ptr("10ms"),
		Hash:      ptr("xxh3"),
		Mode:      ptr("mirror"),
		Sudo:      ptr(true),
		SSHKey:    ptr("/keys/backup"),
		SSHPort:   ptr(2222),
		AgentPath: ptr("/opt/iblocksync"),
		Window:    ptr(8),
		BWLimit:   ptr("50M"),
	}

	t.Run("config fills unset flags", func(t *testing.T) {
		t.Parallel()
		var flags syncFlags
		fs := testFlagSet(&flags)
		require.NoError(t, fs.Parse(nil))

		applyConfigDefaults(fs, defaults, &flags)

		assert.Equal(t, "64K", flags.blockSize)
		assert.Equal(t, 10*time.Millisecond, flags.pause)
		assert.Equal(t, "xxh3", flags.hash)
		assert.Equal(t, "mirror", flags.mode)
		assert.True(t, flags.sudo)
		assert.Equal(t, "/keys/backup", flags.sshKey)
		assert.Equal(t, 2222, flags.sshPort)
		assert.Equal(t, "/opt/iblocksync", flags.agentPath)
		assert.Equal(t, 8, flags.window)
		assert.Equal(t, "50M", flags.bwLimit)
	})

	t.Run("explicit flags win", func(t *testing.T) {
		t.Parallel()
		var flags syncFlags
		fs := testFlagSet(&flags)
		require.NoError(t, fs.Parse([]string{"--block-size=4K", "--window=2", "--mode=incremental"}))

		applyConfigDefaults(fs, defaults, &flags)

		assert.Equal(t, "4K", flags.blockSize)
		assert.Equal(t, 2, flags.window)
		assert.Equal(t, "incremental", flags.mode)
		assert.Equal(t, "xxh3", flags.hash)
	})

	t.Run("empty config keeps flag defaults", func(t *testing.T) {
		t.Parallel()
		var flags syncFlags
		fs := testFlagSet(&flags)
		require.NoError(t, fs.Parse(nil))

		applyConfigDefaults(fs, config.DefaultsConfig{}, &flags)

		assert.Equal(t, "1M", flags.blockSize)
		assert.Equal(t, "blake3", flags.hash)
		assert.Equal(t, 22, flags.sshPort)
		assert.Equal(t, 1, flags.window)
	})
}

func TestEndpointOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		args             []string
		srcKey, dstKey   string
		srcSudo, dstSudo bool
	}{
		{name: "defaults"},
		{
			name:   "shared key",
			args:   []string{"-i", "/keys/shared"},
			srcKey: "/keys/shared",
			dstKey: "/keys/shared",
		},
		{
			name:   "source key overrides shared",
			args:   []string{"--ssh-key=/keys/shared", "--src-ssh-key=/keys/src"},
			srcKey: "/keys/src",
			dstKey: "/keys/shared",
		},
		{
			name:   "destination key without shared",
			args:   []string{"--dst-ssh-key=/keys/dst"},
			dstKey: "/keys/dst",
		},
		{
			name:    "per-side keys and sudo",
			args:    []string{"--src-ssh-key=/keys/src", "--dst-ssh-key=/keys/dst", "--dst-sudo"},
			srcKey:  "/keys/src",
			dstKey:  "/keys/dst",
			dstSudo: true,
		},
		{
			name:    "shared sudo",
			args:    []string{"--sudo"},
			srcSudo: true,
			dstSudo: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var flags syncFlags
			require.NoError(t, testFlagSet(&flags).Parse(tt.args))

			src, dst := endpointOptions(flags, true)

			assert.Equal(t, tt.srcKey, src.SSH.KeyFile)
			assert.Equal(t, tt.dstKey, dst.SSH.KeyFile)
			assert.Equal(t, tt.srcSudo, src.Sudo)
			assert.Equal(t, tt.dstSudo, dst.Sudo)
			assert.Equal(t, 22, src.SSH.Port)
			assert.True(t, dst.Verbose)
		})
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		transferred int64
		want        int
	}{
		{"nothing changed", 0, 2},
		{"blocks already changed", 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := engine.Result{Stats: stats.Snapshot{BlocksTransferred: tt.transferred}}
			assert.Equal(t, tt.want, exitCode(res))
		})
	}
}

func TestConfirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
		{"y", true},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			got := confirm(strings.NewReader(tt.input), &out, "overwrite disk.img?")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "overwrite disk.img? [y/N] ", out.String())
		})
	}
}

func TestPrintInfo(t *testing.T) {
	t.Parallel()

	path := iimg.Path(filepath.Join(t.TempDir(), "disk.img"), 2)
	w, err := iimg.Create(path, iimg.Header{
		Comment:     "nightly",
		Hash:        string(checksum.BLAKE3),
		RunID:       "0b7c6f0e-3f7e-4a36-9d55-5a8f1f3d2c11",
		SourcePath:  "/dev/sdb",
		SourceBlkid: `UUID="1234"`,
		DeviceSize:  10000,
		BlockSize:   4096,
		Sequence:    2,
	})
	require.NoError(t, err)
	for _, i := range []int64{0, 2} {
		data := bytes.Repeat([]byte{byte(i + 1)}, 4096)
		if i == 2 {
			data = data[:10000-2*4096]
		}
		require.NoError(t, w.Append(i, checksum.BLAKE3.Sum(data), data))
	}
	require.NoError(t, w.Commit())

	sum, err := summarizeImage(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Records)
	assert.Equal(t, int64(4096+10000-2*4096), sum.Payload)
	assert.Equal(t, 2, sum.Header.Sequence)

	var out bytes.Buffer
	require.NoError(t, printInfo(&out, path))
	text := out.String()
	assert.Contains(t, text, "sequence:    002")
	assert.Contains(t, text, "comment:     nightly")
	assert.Contains(t, text, `/dev/sdb (UUID="1234")`)
	assert.Contains(t, text, "records:     2")
	assert.Contains(t, text, "in 3 blocks")
}

func TestPrintInfoRejectsNonImage(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := printInfo(&out, filepath.Join(t.TempDir(), "missing.iimg000"))
	require.Error(t, err)
	assert.Empty(t, out.String())
}

func TestDocGenerators(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"man":      "iblocksync-restore.1",
		"markdown": "iblocksync_restore.md",
		"rest":     "iblocksync_restore.rst",
	}
	for format, want := range tests {
		t.Run(format, func(t *testing.T) {
			t.Parallel()
			root := &cobra.Command{Use: "iblocksync", Short: "sync block devices"}
			root.AddCommand(&cobra.Command{Use: "restore", Short: "rebuild a snapshot", Run: func(*cobra.Command, []string) {}})

			dir := t.TempDir()
			gen, ok := docGenerators[format]
			require.True(t, ok)
			require.NoError(t, gen(root, dir))
			assert.FileExists(t, filepath.Join(dir, want))
		})
	}
}
