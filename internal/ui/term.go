package ui

import (
	"os"
	"strconv"

	"golang.org/x/term"
)

// defaultColumns is assumed when neither the terminal nor $COLUMNS gives a
// width.
const defaultColumns = 80

// IsTTY reports whether f is attached to a terminal.
func IsTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // G115: fds fit in int
}

// Columns returns the width of the terminal behind f. Redirected output
// falls back to $COLUMNS, then defaultColumns.
func Columns(f *os.File) int {
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 { //nolint:gosec // G115: fds fit in int
		return w
	}
	return columnsFromEnv(os.Getenv("COLUMNS"))
}

func columnsFromEnv(v string) int {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return defaultColumns
}
