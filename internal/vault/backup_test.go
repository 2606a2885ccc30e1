package vault

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/registry"
)

func TestBackupRestore(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	s := e.create(t, "orig", pass("pw"))
	file, note := seedItems(t, s)
	s.Lock()

	archive := filepath.Join(t.TempDir(), "orig.tar.gz")
	n, err := e.mgr.Backup(ctx, "orig", archive)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	info, err := os.Stat(archive)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, e.mgr.Restore(ctx, archive, "copy", pass("pw")))

	s2 := e.unlock(t, "copy", pass("pw"))
	m, err := s2.Manifest()
	require.NoError(t, err)
	require.Equal(t, "copy", m.Name)
	require.Len(t, m.Items, 2)
	data, _, err := s2.ReadItem(ctx, file.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg data"), data)
	data, _, err = s2.ReadItem(ctx, note.ID)
	require.NoError(t, err)
	require.Equal(t, "- milk", string(data))

	_, err = registry.GetVault(e.db, "copy")
	require.NoError(t, err)

	err = e.mgr.Restore(ctx, archive, "orig", pass("pw"))
	requireCode(t, err, errors.ErrDuplicateVault)
}

func TestRestore_RequiresSameCredentials(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	both := Credentials{Passphrase: []byte("pw"), KeyfilePath: writeKeyfile(t, "factor")}
	s := e.create(t, "kf", both)
	s.Lock()

	archive := filepath.Join(t.TempDir(), "kf.tar.gz")
	_, err := e.mgr.Backup(ctx, "kf", archive)
	require.NoError(t, err)

	err = e.mgr.Restore(ctx, archive, "kf2", pass("pw"))
	requireCode(t, err, errors.ErrWrongPassphrase)
	_, statErr := os.Stat(e.mgr.Dir("kf2"))
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(hiddenDir(e.mgr.Root(), "kf2", "restoring"))
	require.True(t, os.IsNotExist(statErr))

	require.NoError(t, e.mgr.Restore(ctx, archive, "kf2", both))
	e.unlock(t, "kf2", both)
}

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "crafted.tar.gz")
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0600, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return p
}

func TestRestore_RejectsBadArchives(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		entries map[string]string
		code    errors.ErrorCode
	}{
		{"traversal", map[string]string{"../evil.gtkrypt": "x"}, errors.ErrCorruptFile},
		{"nested traversal", map[string]string{"items/../../evil": "x"}, errors.ErrCorruptFile},
		{"absolute", map[string]string{"/etc/passwd": "x"}, errors.ErrCorruptFile},
		{"not a uuid", map[string]string{"items/readme.gtkrypt": "x"}, errors.ErrCorruptFile},
		{"unexpected file", map[string]string{"notes.txt": "x"}, errors.ErrCorruptFile},
		{"no manifest", map[string]string{"items/0b7c9a3e-1d2f-4e5a-8b6c-7d8e9f0a1b2c.gtkrypt": "x"}, errors.ErrVaultCorrupt},
		{"garbage manifest", map[string]string{manifest.FileName: "not a container"}, errors.ErrCorruptFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeArchive(t, tt.entries)
			err := e.mgr.Restore(ctx, archive, "target", pass("pw"))
			requireCode(t, err, tt.code)

			entries, err := os.ReadDir(e.mgr.Root())
			require.NoError(t, err)
			require.Empty(t, entries)
			_, statErr := os.Stat(filepath.Join(filepath.Dir(e.mgr.Root()), "evil.gtkrypt"))
			require.True(t, os.IsNotExist(statErr))
		})
	}

	notGzip := filepath.Join(t.TempDir(), "plain.tar.gz")
	require.NoError(t, os.WriteFile(notGzip, []byte("plain"), 0600))
	requireCode(t, e.mgr.Restore(ctx, notGzip, "target", pass("pw")), errors.ErrCorruptFile)
	requireCode(t, e.mgr.Restore(ctx, filepath.Join(t.TempDir(), "none"), "target", pass("pw")), errors.ErrInvalidRequest)
}

func TestArchiveEntry(t *testing.T) {
	ok := []string{
		manifest.FileName,
		"./" + manifest.FileName,
		"items/0b7c9a3e-1d2f-4e5a-8b6c-7d8e9f0a1b2c.gtkrypt",
		"thumbs/0b7c9a3e-1d2f-4e5a-8b6c-7d8e9f0a1b2c.gtkrypt",
	}
	for _, name := range ok {
		_, err := archiveEntry(name)
		require.NoError(t, err, name)
	}
	bad := []string{
		"items/0b7c9a3e-1d2f-4e5a-8b6c-7d8e9f0a1b2c",
		"items/sub/0b7c9a3e-1d2f-4e5a-8b6c-7d8e9f0a1b2c.gtkrypt",
		"other/0b7c9a3e-1d2f-4e5a-8b6c-7d8e9f0a1b2c.gtkrypt",
		`items\0b7c9a3e-1d2f-4e5a-8b6c-7d8e9f0a1b2c.gtkrypt`,
		"items/{0b7c9a3e-1d2f-4e5a-8b6c-7d8e9f0a1b2c}.gtkrypt",
		"",
	}
	for _, name := range bad {
		_, err := archiveEntry(name)
		requireCode(t, err, errors.ErrCorruptFile)
	}
}

func TestBackup_MissingVault(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.mgr.Backup(context.Background(), "nope", filepath.Join(t.TempDir(), "x.tar.gz"))
	requireCode(t, err, errors.ErrVaultNotFound)
}
