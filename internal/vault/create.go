package vault

import (
	"context"
	"os"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/registry"
	"github.com/hpungsan/gtkrypt/internal/stream"
)

// Create makes a new vault and returns it unlocked. An empty preset uses the
// configured default. Fails with DUPLICATE_VAULT if the name is taken.
func (m *Manager) Create(ctx context.Context, name string, creds Credentials, preset kdf.Preset) (_ *Session, err error) {
	name, err = ValidateName(name)
	if err != nil {
		return nil, err
	}
	if len(creds.Passphrase) == 0 {
		return nil, errors.NewInvalidRequest("passphrase must not be empty")
	}
	if preset == "" {
		preset = m.cfg.DefaultPreset
	}
	params, err := m.paramsFor(preset)
	if err != nil {
		return nil, err
	}
	digest, err := kdf.ReadKeyfile(creds.KeyfilePath)
	if err != nil {
		return nil, err
	}
	defer kdf.Zero(digest)

	dir := m.Dir(name)
	if err := os.Mkdir(dir, 0700); err != nil {
		if os.IsExist(err) {
			return nil, errors.NewDuplicateVault(name)
		}
		return nil, errors.FromFS(dir, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()
	if err := makeVaultDirs(dir); err != nil {
		return nil, err
	}

	salt, err := stream.NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(ctx, creds.Passphrase, salt[:], params, digest)
	if err != nil {
		return nil, err
	}
	vk := &stream.VaultKey{Params: params, Salt: salt, Derived: key}
	defer vk.Wipe()

	now := m.now()
	man := manifest.CreateEmpty(name, preset, now)
	if m.cfg.AutoLockMinutes > 0 {
		man.Settings.AutoLockMinutes = m.cfg.AutoLockMinutes
	}
	store := manifest.NewStore(dir)
	if err := store.Save(ctx, man, vk); err != nil {
		return nil, err
	}

	if m.db != nil {
		row := &registry.Vault{Name: name, CreatedAt: now.Unix(), KDFPreset: preset, KeyfileRequired: digest != nil}
		// Reuses a row left behind by a vault whose directory is gone.
		if err := registry.UpsertVault(m.db, row); err != nil {
			return nil, err
		}
	}

	logging.Event(m.log, logging.EventVaultCreated, name).
		WithField("preset", preset).
		WithField("keyfile", digest != nil).
		Info("vault created")

	return m.newSession(name, dir, &opened{manifest: man, store: store, key: vk}, digest != nil), nil
}
