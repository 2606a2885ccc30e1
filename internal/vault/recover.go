package vault

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/fsutil"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/registry"
)

// RecoveryReport summarizes what Recover did.
type RecoveryReport struct {
	RolledBack   []string
	Completed    []string
	TempsRemoved int
	Adopted      []string
	Pruned       []string
}

// Recover brings the vaults directory back to a consistent state after a
// crash. It finishes or undoes journaled rotations, removes scratch
// directories and temp files, and reconciles the registry with the vault
// directories on disk. It needs no credentials and never decrypts anything.
func (m *Manager) Recover() (*RecoveryReport, error) {
	rep := &RecoveryReport{}

	if m.db != nil {
		pending, err := registry.PendingRotations(m.db)
		if err != nil {
			return nil, err
		}
		for _, r := range pending {
			if err := m.recoverRotation(r, rep); err != nil {
				return rep, err
			}
		}
	}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return rep, errors.FromFS(m.root, err)
	}
	var live []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			m.removeScratch(name)
			continue
		}
		live = append(live, name)
		dir := m.Dir(name)
		for _, d := range []string{dir, filepath.Join(dir, ItemsDir), filepath.Join(dir, ThumbsDir)} {
			n, err := fsutil.RemoveStaleTemps(d)
			if err != nil {
				return rep, err
			}
			rep.TempsRemoved += n
		}
	}

	if m.db != nil {
		if err := m.reconcile(live, rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (m *Manager) recoverRotation(r registry.Rotation, rep *RecoveryReport) error {
	dir := m.Dir(r.Vault)
	liveExists := dirExists(dir)
	backupExists := dirExists(r.BackupDir)
	log := logging.Event(m.log, logging.EventRotationRecovered, r.Vault).WithField("rotation", r.ID)

	status := registry.RotationRolledBack
	switch {
	case r.Status == registry.RotationStaging:
		// The live vault was never touched.
		_ = os.RemoveAll(r.StagingDir)
	case liveExists && backupExists && !dirExists(r.StagingDir):
		// Both renames happened; only the cleanup is missing.
		_ = os.RemoveAll(r.BackupDir)
		status = registry.RotationDone
	case !liveExists && backupExists:
		if err := os.Rename(r.BackupDir, dir); err != nil {
			return errors.FromFS(r.BackupDir, err)
		}
		_ = fsutil.SyncDir(m.root)
		_ = os.RemoveAll(r.StagingDir)
	case liveExists:
		_ = os.RemoveAll(r.StagingDir)
	default:
		log.Error("vault missing after interrupted passphrase change")
	}

	if err := registry.FinishRotation(m.db, r.ID, status, m.now()); err != nil {
		return err
	}
	if status == registry.RotationDone {
		rep.Completed = append(rep.Completed, r.Vault)
	} else {
		rep.RolledBack = append(rep.RolledBack, r.Vault)
	}
	log.WithField("status", status).Warn("interrupted passphrase change recovered")
	return nil
}

// removeScratch deletes a leftover hidden directory. A backup whose vault is
// missing is moved back into place instead.
func (m *Manager) removeScratch(name string) {
	path := filepath.Join(m.root, name)
	switch {
	case strings.HasSuffix(name, ".backup"):
		vault := strings.TrimSuffix(strings.TrimPrefix(name, "."), ".backup")
		if _, err := ValidateName(vault); err != nil {
			return
		}
		if !dirExists(m.Dir(vault)) {
			if err := os.Rename(path, m.Dir(vault)); err != nil {
				m.log.WithField("path", path).WithError(err).Warn("vault backup not restored")
			}
			return
		}
	case strings.HasSuffix(name, ".staging"), strings.HasSuffix(name, ".deleting"), strings.HasSuffix(name, ".restoring"):
	default:
		return
	}
	if err := os.RemoveAll(path); err != nil {
		m.log.WithField("path", path).WithError(err).Warn("scratch directory not removed")
	}
}

// reconcile adds registry rows for vault directories that lack one and drops
// rows whose directory is gone.
func (m *Manager) reconcile(live []string, rep *RecoveryReport) error {
	rows, err := registry.ListVaults(m.db)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(rows))
	for _, v := range rows {
		known[v.Name] = true
	}

	present := make(map[string]bool, len(live))
	for _, name := range live {
		if _, err := ValidateName(name); err != nil {
			continue
		}
		h, err := manifest.NewStore(m.Dir(name)).Header()
		if err != nil {
			continue
		}
		present[name] = true
		if known[name] {
			continue
		}
		preset, _ := kdf.PresetOf(h.Common().KDF)
		info, _ := os.Stat(m.Dir(name))
		created := m.now().Unix()
		if info != nil {
			created = info.ModTime().Unix()
		}
		if err := registry.InsertVault(m.db, &registry.Vault{Name: name, CreatedAt: created, KDFPreset: preset}); err != nil {
			return err
		}
		rep.Adopted = append(rep.Adopted, name)
	}

	for _, v := range rows {
		if present[v.Name] || dirExists(m.Dir(v.Name)) {
			continue
		}
		if err := registry.DeleteVault(m.db, v.Name); err != nil && !errors.Is(err, errors.ErrVaultNotFound) {
			return err
		}
		rep.Pruned = append(rep.Pruned, v.Name)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}
