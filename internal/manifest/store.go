package manifest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/fsutil"
	"github.com/hpungsan/gtkrypt/internal/header"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/stream"
)

// FileName is the manifest container inside a vault directory.
const FileName = "manifest" + stream.Extension

// Store reads and writes one vault's manifest container. It remembers the
// modification time and size seen at the last Load or Save and refuses to
// overwrite a file that changed since.
//
// A Store is not safe for concurrent use.
type Store struct {
	dir string

	seen    bool
	modTime time.Time
	size    int64
}

// NewStore returns a store for the vault directory dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the manifest container path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Header reads the manifest's container header without decrypting. Unlock
// uses it to learn the vault's salt and KDF parameters.
func (s *Store) Header() (header.Header, error) {
	f, err := fsutil.OpenNoFollow(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewVaultCorrupt("manifest is missing")
		}
		return nil, errors.FromFS(s.Path(), err)
	}
	defer f.Close()
	return stream.Inspect(f)
}

// Load decrypts and parses the manifest. Authentication failures surface as
// WRONG_PASSPHRASE; a manifest that decrypts but does not parse is
// VAULT_CORRUPT.
func (s *Store) Load(ctx context.Context, keys stream.KeySource) (*Manifest, error) {
	info, err := os.Lstat(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewVaultCorrupt("manifest is missing")
		}
		return nil, errors.FromFS(s.Path(), err)
	}

	data, _, err := stream.ReadContainer(ctx, s.Path(), keys)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewVaultCorrupt("manifest is missing")
		}
		return nil, err
	}
	defer kdf.Zero(data)

	m, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	s.remember(info)
	return m, nil
}

// Save encrypts m and atomically replaces the manifest container.
//
// If the file on disk is not the one last loaded or saved through this store,
// Save fails with CONCURRENT_MODIFICATION and leaves it untouched.
func (s *Store) Save(ctx context.Context, m *Manifest, keys stream.Keyring) error {
	if err := s.checkUnchanged(); err != nil {
		return err
	}

	data, err := Serialize(m)
	if err != nil {
		return err
	}
	defer kdf.Zero(data)

	h, err := keys.NewHeader()
	if err != nil {
		return err
	}
	key, err := keys.SealKey()
	if err != nil {
		return err
	}
	if err := stream.WriteContainer(ctx, s.Path(), bytes.NewReader(data), int64(len(data)), h, key, stream.Options{}); err != nil {
		return err
	}

	info, err := os.Lstat(s.Path())
	if err != nil {
		return errors.FromFS(s.Path(), err)
	}
	s.remember(info)
	return nil
}

// Check reports CONCURRENT_MODIFICATION if the manifest changed on disk
// since it was last loaded or saved through this store.
func (s *Store) Check() error {
	return s.checkUnchanged()
}

// Refresh accepts the manifest currently on disk as the known version. Used
// after the caller itself moved a freshly written manifest into place.
func (s *Store) Refresh() error {
	info, err := os.Lstat(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			s.seen = false
			return nil
		}
		return errors.FromFS(s.Path(), err)
	}
	s.remember(info)
	return nil
}

func (s *Store) remember(info os.FileInfo) {
	s.seen = true
	s.modTime = info.ModTime()
	s.size = info.Size()
}

func (s *Store) checkUnchanged() error {
	info, err := os.Lstat(s.Path())
	switch {
	case err != nil && !os.IsNotExist(err):
		return errors.FromFS(s.Path(), err)
	case !s.seen:
		return nil
	case err != nil:
		// Removed underneath us.
		return errors.NewConcurrentModification(s.Path())
	case !info.ModTime().Equal(s.modTime), info.Size() != s.size:
		return errors.NewConcurrentModification(s.Path())
	}
	return nil
}
