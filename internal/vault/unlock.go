package vault

import (
	"context"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/registry"
)

// Unlock derives the vault key from creds and decrypts the manifest. On any
// failure nothing is retained.
func (m *Manager) Unlock(ctx context.Context, name string, creds Credentials) (*Session, error) {
	name, err := m.requireExisting(name)
	if err != nil {
		return nil, err
	}
	dir := m.Dir(name)

	o, err := m.open(ctx, name, dir, creds)
	if err != nil {
		return nil, err
	}
	keyfile := creds.KeyfilePath != ""
	m.recordUnlock(name, o.manifest, keyfile)

	logging.Event(m.log, logging.EventVaultUnlocked, name).
		WithField("count", len(o.manifest.Items)).
		Info("vault unlocked")

	return m.newSession(name, dir, o, keyfile), nil
}

// recordUnlock updates the registry. Failures are logged, not returned: the
// registry is an index and the vault itself is already open.
func (m *Manager) recordUnlock(name string, man *manifest.Manifest, keyfile bool) {
	if m.db == nil {
		return
	}
	now := m.now()
	err := registry.TouchUnlocked(m.db, name, now)
	if errors.Is(err, errors.ErrVaultNotFound) {
		at := now.Unix()
		err = registry.UpsertVault(m.db, &registry.Vault{
			Name:            name,
			CreatedAt:       man.CreatedAt,
			LastUnlockedAt:  &at,
			KDFPreset:       man.KDFPreset,
			KeyfileRequired: keyfile,
		})
	}
	if err != nil {
		m.log.WithField("vault", name).WithError(err).Warn("registry update failed")
	}
}
