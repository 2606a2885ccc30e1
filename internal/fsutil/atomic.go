// Package fsutil holds the crash-safe file primitives shared by every writer:
// temp file + fsync + rename, never a half-written file under its final name.
package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/hpungsan/gtkrypt/internal/errors"
)

// TempSuffix marks in-progress files. Anything ending in it is garbage after a crash.
const TempSuffix = ".tmp"

// AtomicFile is a temp file that replaces path only on Commit.
type AtomicFile struct {
	*os.File
	path     string
	tempPath string
	done     bool
}

// CreateAtomic opens a fresh temp file next to path with the given permissions.
func CreateAtomic(path string, perm os.FileMode) (*AtomicFile, error) {
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := path + "." + hex.EncodeToString(randBytes) + TempSuffix

	f, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return nil, errors.FromFS(path, err)
	}
	// umask may have narrowed perm; make it exact.
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(tempPath)
		return nil, errors.FromFS(path, err)
	}
	return &AtomicFile{File: f, path: path, tempPath: tempPath}, nil
}

// Path returns the final destination.
func (a *AtomicFile) Path() string { return a.path }

// Commit flushes the temp file and renames it over the destination.
func (a *AtomicFile) Commit() error {
	if a.done {
		return errors.NewInternal(fmt.Errorf("atomic file %s already finished", a.path))
	}
	if err := a.File.Sync(); err != nil {
		a.Abort()
		return errors.FromFS(a.path, err)
	}
	// Close before atomic replace (required on Windows; fine elsewhere).
	if err := a.File.Close(); err != nil {
		a.Abort()
		return errors.FromFS(a.path, err)
	}

	// os.Rename would follow a symlink at the destination.
	if info, err := os.Lstat(a.path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		a.Abort()
		return errors.NewInvalidRequest(fmt.Sprintf("destination is a symlink: %s", a.path))
	}

	if err := os.Rename(a.tempPath, a.path); err != nil {
		a.Abort()
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(a.path); statErr == nil {
				return errors.NewInvalidRequest("destination already exists; overwriting is not supported on Windows")
			}
		}
		return errors.FromFS(a.path, err)
	}
	a.done = true
	_ = syncDir(filepath.Dir(a.path))
	return nil
}

// Abort discards the temp file. It is safe to call after Commit and more than once.
func (a *AtomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.File.Close()
	os.Remove(a.tempPath)
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	af, err := CreateAtomic(path, perm)
	if err != nil {
		return err
	}
	defer af.Abort()

	if _, err := af.Write(data); err != nil {
		return errors.FromFS(path, err)
	}
	return af.Commit()
}

// RemoveStaleTemps deletes leftover temp files in dir, returning how many were removed.
func RemoveStaleTemps(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.FromFS(dir, err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), TempSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// SyncDir flushes a directory entry list after renames inside it.
func SyncDir(dir string) error {
	return syncDir(dir)
}
