package vault

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/fsutil"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/registry"
	"github.com/hpungsan/gtkrypt/internal/stream"
)

// Backup writes the vault's containers, still encrypted, to a tar.gz archive
// at dest. No credentials are needed and nothing is decrypted.
func (m *Manager) Backup(ctx context.Context, name, dest string) (int, error) {
	name, err := m.requireExisting(name)
	if err != nil {
		return 0, err
	}
	dir := m.Dir(name)

	files, err := collectContainers(dir)
	if err != nil {
		return 0, err
	}

	af, err := fsutil.CreateAtomic(dest, stream.DefaultPerm)
	if err != nil {
		return 0, err
	}
	defer af.Abort()

	gzWriter := gzip.NewWriter(af)
	tarWriter := tar.NewWriter(gzWriter)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return 0, errors.NewCancelled("backup")
		}
		if err := addFileToTar(tarWriter, dir, rel); err != nil {
			return 0, err
		}
	}
	if err := tarWriter.Close(); err != nil {
		return 0, errors.FromFS(dest, err)
	}
	if err := gzWriter.Close(); err != nil {
		return 0, errors.FromFS(dest, err)
	}
	if err := af.Commit(); err != nil {
		return 0, err
	}
	return len(files), nil
}

// collectContainers lists the container files of a vault, relative to dir
// and slash-separated.
func collectContainers(dir string) ([]string, error) {
	files := []string{manifest.FileName}
	if _, err := os.Lstat(filepath.Join(dir, manifest.FileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewVaultCorrupt("manifest is missing")
		}
		return nil, errors.FromFS(dir, err)
	}
	for _, sub := range []string{ItemsDir, ThumbsDir} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.FromFS(dir, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), stream.Extension) {
				continue
			}
			files = append(files, sub+"/"+e.Name())
		}
	}
	return files, nil
}

// addFileToTar adds one container to the archive under its vault-relative name.
func addFileToTar(tw *tar.Writer, dir, rel string) error {
	p := filepath.Join(dir, filepath.FromSlash(rel))
	file, err := fsutil.OpenNoFollow(p)
	if err != nil {
		return errors.FromFS(p, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errors.FromFS(p, err)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return errors.NewInternal(err)
	}
	header.Name = rel
	header.Mode = int64(stream.DefaultPerm)
	header.Uname, header.Gname = "", ""
	header.Uid, header.Gid = 0, 0

	if err := tw.WriteHeader(header); err != nil {
		return errors.NewInternal(err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return errors.FromFS(p, err)
	}
	return nil
}

// Restore installs the vault in the archive under name. The manifest must
// decrypt with creds, including the keyfile if the vault was created with
// one, before anything becomes visible under name.
func (m *Manager) Restore(ctx context.Context, archive, name string, creds Credentials) error {
	name, err := ValidateName(name)
	if err != nil {
		return err
	}
	if ok, err := m.exists(name); err != nil {
		return err
	} else if ok {
		return errors.NewDuplicateVault(name)
	}

	restoring := hiddenDir(m.root, name, "restoring")
	if err := os.RemoveAll(restoring); err != nil {
		return errors.FromFS(restoring, err)
	}
	if err := os.Mkdir(restoring, 0700); err != nil {
		return errors.FromFS(restoring, err)
	}
	installed := false
	defer func() {
		if !installed {
			_ = os.RemoveAll(restoring)
		}
	}()
	if err := makeVaultDirs(restoring); err != nil {
		return err
	}

	if err := extractArchive(ctx, archive, restoring); err != nil {
		return err
	}

	o, err := m.open(ctx, name, restoring, creds)
	if err != nil {
		return err
	}
	defer o.key.Wipe()

	if o.manifest.Name != name {
		man := o.manifest.Clone()
		man.Name = name
		if err := o.store.Save(ctx, man, o.key); err != nil {
			return err
		}
		o.manifest = man
	}
	for _, it := range o.manifest.Items {
		if _, err := os.Lstat(itemPath(restoring, it.ID)); err != nil {
			m.log.WithField("vault", name).WithField("item_id", it.ID).Warn("restored vault lacks item container")
		}
	}

	if ok, err := m.exists(name); err != nil {
		return err
	} else if ok {
		return errors.NewDuplicateVault(name)
	}
	if err := os.Rename(restoring, m.Dir(name)); err != nil {
		return errors.FromFS(m.Dir(name), err)
	}
	installed = true
	_ = fsutil.SyncDir(m.root)

	if m.db != nil {
		row := &registry.Vault{
			Name:            name,
			CreatedAt:       o.manifest.CreatedAt,
			KDFPreset:       o.manifest.KDFPreset,
			KeyfileRequired: creds.KeyfilePath != "",
		}
		if err := registry.UpsertVault(m.db, row); err != nil {
			m.log.WithField("vault", name).WithError(err).Warn("registry update failed")
		}
	}

	logging.Event(m.log, logging.EventVaultRestored, name).
		WithField("count", len(o.manifest.Items)).
		Info("vault restored")
	return nil
}

func extractArchive(ctx context.Context, archive, dest string) error {
	file, err := os.Open(archive)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewInvalidRequest(fmt.Sprintf("backup not found: %s", archive))
		}
		return errors.FromFS(archive, err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return errors.NewCorruptFile("backup is not a gzip archive")
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	sawManifest := false
	for {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelled("restore")
		}
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewCorruptFile("backup archive is damaged")
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}
		if header.Typeflag != tar.TypeReg {
			return errors.NewCorruptFile(fmt.Sprintf("unexpected entry in backup: %s", header.Name))
		}
		rel, err := archiveEntry(header.Name)
		if err != nil {
			return err
		}

		targetPath := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(filepath.Clean(targetPath), filepath.Clean(dest)+string(os.PathSeparator)) {
			return errors.NewCorruptFile(fmt.Sprintf("invalid file path in backup: %s", header.Name))
		}
		if err := extractFile(tarReader, targetPath); err != nil {
			return err
		}
		if rel == manifest.FileName {
			sawManifest = true
		}
	}
	if !sawManifest {
		return errors.NewVaultCorrupt("backup has no manifest")
	}
	return nil
}

// archiveEntry accepts only the names a vault backup contains: the manifest
// and containers named by item UUID.
func archiveEntry(name string) (string, error) {
	bad := errors.NewCorruptFile(fmt.Sprintf("invalid file path in backup: %s", name))
	if strings.Contains(name, `\`) || path.IsAbs(name) {
		return "", bad
	}
	clean := path.Clean(name)
	if clean != name && clean != strings.TrimPrefix(name, "./") {
		return "", bad
	}
	if clean == manifest.FileName {
		return clean, nil
	}
	dir, file := path.Split(clean)
	if dir != ItemsDir+"/" && dir != ThumbsDir+"/" {
		return "", bad
	}
	id := strings.TrimSuffix(file, stream.Extension)
	if id == file {
		return "", bad
	}
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return "", bad
	}
	return clean, nil
}

// extractFile writes one archive entry. Entries never overwrite each other.
func extractFile(tr *tar.Reader, targetPath string) error {
	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, stream.DefaultPerm)
	if err != nil {
		if os.IsExist(err) {
			return errors.NewCorruptFile(fmt.Sprintf("duplicate entry in backup: %s", filepath.Base(targetPath)))
		}
		return errors.FromFS(targetPath, err)
	}
	if _, err := io.Copy(outFile, tr); err != nil {
		outFile.Close()
		return errors.NewCorruptFile("backup archive is damaged")
	}
	if err := outFile.Sync(); err != nil {
		outFile.Close()
		return errors.FromFS(targetPath, err)
	}
	return outFile.Close()
}
