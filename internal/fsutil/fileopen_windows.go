//go:build windows

package fsutil

import (
	"os"
)

// openFileNoFollow opens a file for writing.
// On Windows, O_NOFOLLOW is not available. Symlink creation needs privileges
// there, and Commit still refuses to rename over a symlink.
func openFileNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

// OpenNoFollow opens a file for reading. See openFileNoFollow.
func OpenNoFollow(path string) (*os.File, error) {
	return os.Open(path)
}

// syncDir is a no-op: Windows cannot fsync a directory handle.
func syncDir(string) error { return nil }
