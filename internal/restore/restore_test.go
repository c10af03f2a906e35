package restore_test

import (
	"crypto/rand"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/iblocksync/internal/checksum"
	"github.com/bamsammich/iblocksync/internal/iimg"
	"github.com/bamsammich/iblocksync/internal/restore"
	"github.com/bamsammich/iblocksync/internal/syncerr"
)

const bs = 4096

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func writeImage(t *testing.T, base string, seq int, size int64, blocks map[int64][]byte) {
	t.Helper()
	w, err := iimg.Create(iimg.Path(base, seq), iimg.Header{
		Hash:       string(checksum.BLAKE3),
		DeviceSize: size,
		BlockSize:  bs,
		Sequence:   seq,
	})
	require.NoError(t, err)
	for _, i := range slices.Sorted(maps.Keys(blocks)) {
		require.NoError(t, w.Append(i, checksum.BLAKE3.Sum(blocks[i]), blocks[i]))
	}
	require.NoError(t, w.Commit())
}

func apply(state []byte, blocks map[int64][]byte) []byte {
	out := slices.Clone(state)
	for i, b := range blocks {
		copy(out[i*bs:], b)
	}
	return out
}

// chain builds a base copy and three images and returns the expected
// state after each image.
func chain(t *testing.T) (string, [][]byte) {
	t.Helper()
	const size = 8*bs + 300
	base := filepath.Join(t.TempDir(), "disk.img")
	state := randomBytes(t, size)
	require.NoError(t, os.WriteFile(base, state, 0o600))

	increments := []map[int64][]byte{
		{1: randomBytes(t, bs), 8: randomBytes(t, 300)},
		{},
		{1: randomBytes(t, bs), 4: randomBytes(t, bs)},
	}
	var states [][]byte
	for seq, blocks := range increments {
		writeImage(t, base, seq, size, blocks)
		state = apply(state, blocks)
		states = append(states, state)
	}
	return base, states
}

func TestRunReplaysChainPrefixes(t *testing.T) {
	t.Parallel()
	base, states := chain(t)
	dir := t.TempDir()

	for seq, want := range states {
		out := filepath.Join(dir, "restored"+iimg.Path("", seq))
		res, err := restore.Run(t.Context(), restore.Options{
			Image:  iimg.Path(base, seq),
			Output: out,
			Verify: true,
		})
		require.NoError(t, err)
		assert.Equal(t, seq, res.Sequence)
		assert.Equal(t, int64(len(want)), res.Size)

		got, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, want, got, "state after image %d", seq)
	}

	// An empty increment restores to the same state as its predecessor.
	assert.Equal(t, states[0], states[1])
}

func TestRunCountsRecords(t *testing.T) {
	t.Parallel()
	base, _ := chain(t)

	res, err := restore.Run(t.Context(), restore.Options{
		Image:  iimg.Path(base, 2),
		Output: filepath.Join(t.TempDir(), "out"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Records)
	assert.Equal(t, int64(3*bs+300), res.Bytes)
	assert.Equal(t, base, res.Base)
}

func TestRunFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mangle  func(t *testing.T, base string) (image, output string)
		wantErr error
	}{
		{
			name: "missing increment",
			mangle: func(t *testing.T, base string) (string, string) {
				require.NoError(t, os.Remove(iimg.Path(base, 1)))
				return iimg.Path(base, 2), filepath.Join(t.TempDir(), "out")
			},
			wantErr: syncerr.ErrMissingIncrement,
		},
		{
			name: "target beyond chain",
			mangle: func(t *testing.T, base string) (string, string) {
				return iimg.Path(base, 5), filepath.Join(t.TempDir(), "out")
			},
			wantErr: syncerr.ErrMissingIncrement,
		},
		{
			name: "missing base",
			mangle: func(t *testing.T, base string) (string, string) {
				require.NoError(t, os.Remove(base))
				return iimg.Path(base, 2), filepath.Join(t.TempDir(), "out")
			},
			wantErr: syncerr.ErrMissingBase,
		},
		{
			name: "output exists",
			mangle: func(t *testing.T, base string) (string, string) {
				out := filepath.Join(t.TempDir(), "out")
				require.NoError(t, os.WriteFile(out, []byte("keep me"), 0o600))
				return iimg.Path(base, 2), out
			},
			wantErr: syncerr.ErrOutputExists,
		},
		{
			name: "base resized",
			mangle: func(t *testing.T, base string) (string, string) {
				require.NoError(t, os.Truncate(base, bs))
				return iimg.Path(base, 0), filepath.Join(t.TempDir(), "out")
			},
			wantErr: syncerr.ErrSizeMismatch,
		},
		{
			name: "not an image name",
			mangle: func(t *testing.T, base string) (string, string) {
				return base, filepath.Join(t.TempDir(), "out")
			},
			wantErr: syncerr.ErrFormat,
		},
		{
			name: "block size changes along the chain",
			mangle: func(t *testing.T, base string) (string, string) {
				require.NoError(t, os.Remove(iimg.Path(base, 2)))
				w, err := iimg.Create(iimg.Path(base, 2), iimg.Header{
					Hash: string(checksum.BLAKE3), DeviceSize: 8*bs + 300, BlockSize: 2 * bs, Sequence: 2,
				})
				require.NoError(t, err)
				require.NoError(t, w.Commit())
				return iimg.Path(base, 2), filepath.Join(t.TempDir(), "out")
			},
			wantErr: syncerr.ErrFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			base, _ := chain(t)
			image, out := tt.mangle(t, base)

			_, err := restore.Run(t.Context(), restore.Options{Image: image, Output: out})
			require.ErrorIs(t, err, tt.wantErr)

			if tt.wantErr == syncerr.ErrOutputExists {
				got, rerr := os.ReadFile(out)
				require.NoError(t, rerr)
				assert.Equal(t, "keep me", string(got))
				return
			}
			_, serr := os.Stat(out)
			assert.True(t, os.IsNotExist(serr), "failed restore must not leave an output")
		})
	}
}

func TestRunMissingIncrementNamesSequence(t *testing.T) {
	t.Parallel()
	base, _ := chain(t)
	require.NoError(t, os.Remove(iimg.Path(base, 1)))

	_, err := restore.Run(t.Context(), restore.Options{
		Image:  iimg.Path(base, 2),
		Output: filepath.Join(t.TempDir(), "out"),
	})
	require.ErrorIs(t, err, syncerr.ErrMissingIncrement)
	assert.Contains(t, err.Error(), "001")
}

func TestRunForceOverwrites(t *testing.T) {
	t.Parallel()
	base, states := chain(t)
	out := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(out, randomBytes(t, 20*bs), 0o600))

	_, err := restore.Run(t.Context(), restore.Options{
		Image:  iimg.Path(base, 2),
		Output: out,
		Force:  true,
	})
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, states[2], got, "a longer existing output must be truncated")
}

func TestRunRefusesToOverwriteChain(t *testing.T) {
	t.Parallel()
	base, _ := chain(t)

	_, err := restore.Run(t.Context(), restore.Options{
		Image:  iimg.Path(base, 2),
		Output: base,
		Force:  true,
	})
	require.Error(t, err)

	_, err = restore.Prepare(iimg.Path(base, 2))
	require.NoError(t, err, "the chain must be intact after the refusal")
}

func TestRunVerifyDetectsCorruptPayload(t *testing.T) {
	t.Parallel()
	base, _ := chain(t)

	// Flip the last payload byte of image 000, which belongs to block 8.
	path := iimg.Path(base, 0)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	out := filepath.Join(t.TempDir(), "out")
	_, err = restore.Run(t.Context(), restore.Options{Image: iimg.Path(base, 0), Output: out, Verify: true})
	require.ErrorIs(t, err, syncerr.ErrFormat)

	// Without verification the record is applied as stored.
	_, err = restore.Run(t.Context(), restore.Options{Image: iimg.Path(base, 0), Output: out})
	require.NoError(t, err)
}

func TestRunReportsProgress(t *testing.T) {
	t.Parallel()
	base, states := chain(t)

	var calls []int64
	_, err := restore.Run(t.Context(), restore.Options{
		Image:    iimg.Path(base, 2),
		Output:   filepath.Join(t.TempDir(), "out"),
		Progress: func(n int64) { calls = append(calls, n) },
	})
	require.NoError(t, err)

	size := int64(len(states[0]))
	assert.Equal(t, []int64{size, size + bs + 300, size + bs + 300, size + 3*bs + 300}, calls)
}
