package vault

import (
	"context"
	"os"
	"path/filepath"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/fsutil"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/registry"
)

// Delete removes a vault after proving creds the same way Unlock does. A
// vault created with a keyfile cannot be deleted with the passphrase alone.
func (m *Manager) Delete(ctx context.Context, name string, creds Credentials) error {
	name, err := m.requireExisting(name)
	if err != nil {
		return err
	}
	dir := m.Dir(name)

	o, err := m.open(ctx, name, dir, creds)
	if err != nil {
		return err
	}
	o.key.Wipe()

	// Move aside first so a partial RemoveAll never leaves a half vault under
	// the real name.
	trash := hiddenDir(m.root, name, "deleting")
	if err := os.RemoveAll(trash); err != nil {
		return errors.FromFS(trash, err)
	}
	if err := os.Rename(dir, trash); err != nil {
		return errors.FromFS(dir, err)
	}
	_ = fsutil.SyncDir(m.root)
	if err := os.RemoveAll(trash); err != nil {
		m.log.WithField("vault", name).WithError(err).Warn("leftover files after delete")
	}

	if m.db != nil {
		if err := registry.DeleteVault(m.db, name); err != nil && !errors.Is(err, errors.ErrVaultNotFound) {
			m.log.WithField("vault", name).WithError(err).Warn("registry update failed")
		}
	}

	logging.Event(m.log, logging.EventVaultDeleted, name).Info("vault deleted")
	return nil
}

// hiddenDir names a scratch directory next to the vault. Vault names never
// start with a dot, so these cannot collide with a vault.
func hiddenDir(root, name, purpose string) string {
	return filepath.Join(root, "."+name+"."+purpose)
}
