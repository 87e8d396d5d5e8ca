// Package transport holds filesystem helpers for Unix socket endpoints.
package transport

import (
	"errors"
	"fmt"
	"os"
)

// RemoveStaleSocket clears path for a new listener. A socket file left behind by a dead server is
// removed; a missing path is fine; anything else at path is an error.
func RemoveStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}
