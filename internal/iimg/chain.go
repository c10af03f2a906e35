package iimg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/bamsammich/iblocksync/internal/syncerr"
)

const (
	imageInfix = ".iimg"
	lockSuffix = ".iimg.lock"
)

// Path returns the name of image seq for the destination base.
func Path(base string, seq int) string {
	return fmt.Sprintf("%s%s%03d", base, imageInfix, seq)
}

// ParsePath splits an image path into its base copy and sequence number.
func ParsePath(path string) (base string, seq int, err error) {
	i := strings.LastIndex(path, imageInfix)
	if i <= 0 {
		return "", 0, fmt.Errorf("%s: not an image name (want <base>%sNNN): %w", path, imageInfix, syncerr.ErrFormat)
	}
	digits := path[i+len(imageInfix):]
	if len(digits) < 3 || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return "", 0, fmt.Errorf("%s: not an image name (want <base>%sNNN): %w", path, imageInfix, syncerr.ErrFormat)
	}
	seq, err = strconv.Atoi(digits)
	if err != nil {
		return "", 0, fmt.Errorf("%s: sequence %q: %w", path, digits, syncerr.ErrFormat)
	}
	return path[:i], seq, nil
}

// Sequences lists the committed image sequence numbers next to base in
// ascending order. Partial files and the lock file are ignored.
func Sequences(base string) ([]int, error) {
	dir, name := filepath.Split(base)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", dir, err)
	}

	prefix := name + imageInfix
	var seqs []int
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) {
			continue
		}
		b, seq, err := ParsePath(n)
		if err != nil || b != name {
			continue
		}
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs, nil
}

// NextSequence returns the number the next image for base should carry:
// one past the highest committed image, or 0 for a fresh chain. It fails
// with ErrMissingIncrement when the existing chain has a gap.
func NextSequence(base string) (int, error) {
	seqs, err := Sequences(base)
	if err != nil {
		return 0, err
	}
	if err := Contiguous(base, seqs); err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	return seqs[len(seqs)-1] + 1, nil
}

// Contiguous verifies that seqs is exactly 0..len(seqs)-1.
func Contiguous(base string, seqs []int) error {
	for want, got := range seqs {
		if got != want {
			return fmt.Errorf("%s: %w", Path(base, want), syncerr.ErrMissingIncrement)
		}
	}
	return nil
}

// Lock holds the per-destination lock that serializes sync runs.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock for base without blocking. It fails with
// ErrLocked when another run holds it.
func AcquireLock(base string) (*Lock, error) {
	fl := flock.New(base + lockSuffix)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", fl.Path(), syncerr.ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. The lock file is left in place.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("unlock %s: %w", l.fl.Path(), err)
	}
	return nil
}
