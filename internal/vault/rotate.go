package vault

import (
	"context"
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/fsutil"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/registry"
	"github.com/hpungsan/gtkrypt/internal/stream"
)

// ChangePassphrase re-encrypts the manifest and every item and thumbnail
// container under a key derived from creds, a fresh salt and preset (the
// vault's current preset when empty). progress, if set, receives container
// counts.
//
// The new containers are built in a staging directory next to the vault and
// swapped in with two renames only after all of them succeed. Any failure
// before the swap discards the staging directory and leaves the vault as it
// was; the registry journal lets Recover finish or undo a swap interrupted by
// a crash.
func (s *Session) ChangePassphrase(ctx context.Context, creds Credentials, preset kdf.Preset, progress stream.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if !s.locked {
			s.autolock.Touch()
		}
	}()
	if err := s.begin(); err != nil {
		return err
	}
	m := s.mgr

	if len(creds.Passphrase) == 0 {
		return errors.NewInvalidRequest("passphrase must not be empty")
	}
	if preset == "" {
		preset = s.manifest.KDFPreset
	}
	params, err := m.paramsFor(preset)
	if err != nil {
		return err
	}
	if err := s.store.Check(); err != nil {
		return err
	}
	if err := m.checkNoPendingRotation(s.name); err != nil {
		return err
	}

	digest, err := kdf.ReadKeyfile(creds.KeyfilePath)
	if err != nil {
		return err
	}
	defer kdf.Zero(digest)
	salt, err := stream.NewSalt()
	if err != nil {
		return err
	}
	key, err := deriveKey(ctx, creds.Passphrase, salt[:], params, digest)
	if err != nil {
		return err
	}
	next := &stream.VaultKey{Params: params, Salt: salt, Derived: key}
	defer next.Wipe()

	staging := hiddenDir(m.root, s.name, "staging")
	backup := hiddenDir(m.root, s.name, "backup")
	for _, d := range []string{staging, backup} {
		if err := os.RemoveAll(d); err != nil {
			return errors.FromFS(d, err)
		}
	}

	var rot *registry.Rotation
	if m.db != nil {
		rot, err = registry.StartRotation(m.db, s.name, staging, backup, m.now())
		if err != nil {
			return err
		}
	}

	man, err := s.stage(ctx, staging, next, preset, progress)
	if err == nil {
		err = s.swap(staging, backup, rot)
	}
	if err != nil {
		if _, statErr := os.Lstat(s.dir); os.IsNotExist(statErr) {
			// The swap broke halfway; leave the journal open for Recover.
			m.log.WithField("vault", s.name).WithError(err).Error("passphrase change interrupted during swap")
			return err
		}
		_ = os.RemoveAll(staging)
		if rot != nil {
			if jErr := registry.FinishRotation(m.db, rot.ID, registry.RotationRolledBack, m.now()); jErr != nil {
				m.log.WithField("vault", s.name).WithError(jErr).Warn("rotation journal update failed")
			}
		}
		logging.Event(m.log, logging.EventRotationRolledBack, s.name).
			WithField("code", errors.CodeOf(err)).
			Warn("passphrase change rolled back")
		return err
	}

	if rot != nil {
		if err := registry.FinishRotation(m.db, rot.ID, registry.RotationDone, m.now()); err != nil {
			m.log.WithField("vault", s.name).WithError(err).Warn("rotation journal update failed")
		}
	}
	if err := os.RemoveAll(backup); err != nil {
		m.log.WithField("vault", s.name).WithError(err).Warn("old vault copy not removed")
	}
	if m.db != nil {
		if err := registry.UpdateKDF(m.db, s.name, preset, digest != nil); err != nil {
			m.log.WithField("vault", s.name).WithError(err).Warn("registry update failed")
		}
	}

	s.key.Destroy()
	s.key = memguard.NewBufferFromBytes(next.Derived)
	next.Derived = nil
	s.params = params
	s.salt = salt
	s.keyfileRequired = digest != nil
	s.manifest = man
	s.store = manifest.NewStore(s.dir)
	if err := s.store.Refresh(); err != nil {
		return err
	}

	logging.Event(m.log, logging.EventPassphraseChanged, s.name).
		WithField("preset", preset).
		WithField("count", len(man.Items)).
		Info("passphrase changed")
	return nil
}

// stage writes the complete re-encrypted vault into staging and returns the
// manifest it saved there. Requires mu.
func (s *Session) stage(ctx context.Context, staging string, next *stream.VaultKey, preset kdf.Preset, progress stream.Progress) (*manifest.Manifest, error) {
	if err := s.settlePending(); err != nil {
		return nil, err
	}
	if err := os.Mkdir(staging, 0700); err != nil {
		return nil, errors.FromFS(staging, err)
	}
	if err := makeVaultDirs(staging); err != nil {
		return nil, err
	}

	man := s.manifest.Clone()
	man.KDFPreset = preset
	man.ModifiedAt = s.mgr.now().Unix()

	total := int64(1)
	for _, it := range man.Items {
		total++
		if it.HasThumbnail {
			total++
		}
	}
	var done int64
	step := func() {
		done++
		if progress != nil {
			progress(done, total)
		}
	}

	old := s.keyring()
	newKey, err := next.SealKey()
	if err != nil {
		return nil, err
	}
	reencrypt := func(src, dst string) error {
		h, err := next.NewHeader()
		if err != nil {
			return err
		}
		return stream.Reencrypt(ctx, src, dst, old, h, newKey, nil)
	}

	for i := range man.Items {
		it := &man.Items[i]
		src := itemPath(s.dir, it.ID)
		if _, err := os.Lstat(src); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.NewItemFileMissing(it.ID)
			}
			return nil, errors.FromFS(src, err)
		}
		if err := reencrypt(src, itemPath(staging, it.ID)); err != nil {
			return nil, err
		}
		step()

		if !it.HasThumbnail {
			continue
		}
		src = thumbPath(s.dir, it.ID)
		if _, err := os.Lstat(src); os.IsNotExist(err) {
			// Thumbnails are derived data; a lost one is dropped, not fatal.
			s.mgr.log.WithField("vault", s.name).WithField("item_id", it.ID).Warn("thumbnail missing, dropped")
			it.HasThumbnail = false
			total--
			continue
		}
		if err := reencrypt(src, thumbPath(staging, it.ID)); err != nil {
			return nil, err
		}
		step()
	}

	if err := manifest.NewStore(staging).Save(ctx, man, next); err != nil {
		return nil, err
	}
	step()
	return man, nil
}

// swap replaces the live vault with staging. Requires mu.
func (s *Session) swap(staging, backup string, rot *registry.Rotation) error {
	m := s.mgr
	// Last chance to notice another writer before the old copy goes away.
	if err := s.store.Check(); err != nil {
		return err
	}
	if rot != nil {
		if err := registry.SetRotationStatus(m.db, rot.ID, registry.RotationSwapping); err != nil {
			return err
		}
	}
	if err := os.Rename(s.dir, backup); err != nil {
		return errors.FromFS(s.dir, err)
	}
	if err := os.Rename(staging, s.dir); err != nil {
		if rbErr := os.Rename(backup, s.dir); rbErr != nil {
			return errors.NewVaultCorrupt(fmt.Sprintf("swap failed and the original vault is left at %s", backup))
		}
		return errors.FromFS(s.dir, err)
	}
	_ = fsutil.SyncDir(m.root)
	return nil
}

func (m *Manager) checkNoPendingRotation(name string) error {
	if m.db == nil {
		return nil
	}
	pending, err := registry.PendingRotations(m.db)
	if err != nil {
		return err
	}
	for _, r := range pending {
		if r.Vault == name {
			return errors.NewInvalidRequest("an interrupted passphrase change must be recovered first")
		}
	}
	return nil
}
