package vault

import (
	"context"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/header"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/stream"
)

// Session is an unlocked vault. It holds the decrypted manifest and the
// derived key (in a memguard buffer) until Lock, auto-lock or a failed
// operation that requires it to drop them. The passphrase itself is never
// retained.
//
// All methods are safe for concurrent use. After Lock every operation
// returns VAULT_LOCKED.
type Session struct {
	mu  sync.Mutex
	mgr *Manager

	name string
	dir  string

	manifest        *manifest.Manifest
	store           *manifest.Store
	params          kdf.Params
	salt            [header.SaltSize]byte
	key             *memguard.LockedBuffer
	keyfileRequired bool

	autolock *autoLocker
	locked   bool
}

func (m *Manager) newSession(name, dir string, o *opened, keyfileRequired bool) *Session {
	s := &Session{
		mgr:             m,
		name:            name,
		dir:             dir,
		manifest:        o.manifest,
		store:           o.store,
		params:          o.key.Params,
		salt:            o.key.Salt,
		key:             memguard.NewBufferFromBytes(o.key.Derived),
		keyfileRequired: keyfileRequired,
	}
	o.key.Derived = nil
	if err := s.settlePending(); err != nil {
		m.log.WithField("vault", name).WithError(err).Warn("pending item updates not settled")
	}
	s.autolock = newAutoLocker(m.autoLockTimeout(o.manifest.Settings), s.expire)
	s.autolock.Touch()
	return s
}

// autoLockTimeout resolves the idle timeout for a vault's settings.
func (m *Manager) autoLockTimeout(st manifest.Settings) time.Duration {
	if m.cfg.AutoLockDisabled() || st.AutoLockMinutes <= 0 {
		return 0
	}
	return time.Duration(st.AutoLockMinutes) * m.minute
}

// Name returns the vault name.
func (s *Session) Name() string { return s.name }

// Dir returns the vault directory.
func (s *Session) Dir() string { return s.dir }

// KeyfileRequired reports whether the session was opened with a keyfile.
func (s *Session) KeyfileRequired() bool { return s.keyfileRequired }

// Locked reports whether the session has been locked.
func (s *Session) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Manifest returns a copy of the current manifest.
func (s *Session) Manifest() (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	return s.manifest.Clone(), nil
}

// Touch records user activity and restarts the auto-lock countdown.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		s.autolock.Touch()
	}
}

// Lock wipes the key, drops the manifest and stops the auto-lock timer.
// Locking an already locked session is a no-op.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	s.wipe()
	logging.Event(s.mgr.log, logging.EventVaultLocked, s.name).Info("vault locked")
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	s.wipe()
	logging.Event(s.mgr.log, logging.EventVaultAutoLocked, s.name).Info("vault locked after inactivity")
}

// wipe requires mu.
func (s *Session) wipe() {
	s.autolock.Stop()
	if s.key != nil {
		s.key.Destroy()
		s.key = nil
	}
	s.manifest = nil
	s.locked = true
}

// begin requires mu. It fails on a locked session and counts as activity.
func (s *Session) begin() error {
	if s.locked {
		return errors.NewVaultLocked()
	}
	s.autolock.Touch()
	return nil
}

// keyring exposes the session key to the stream layer. Requires mu; the
// returned value must not outlive it and must not be wiped.
func (s *Session) keyring() *stream.VaultKey {
	return &stream.VaultKey{Params: s.params, Salt: s.salt, Derived: s.key.Bytes()}
}

// mutate applies fn to a copy of the manifest and persists it. The session
// keeps the old manifest if fn or the save fails. Requires mu.
func (s *Session) mutate(ctx context.Context, fn func(m *manifest.Manifest) error) error {
	next := s.manifest.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.ModifiedAt = s.mgr.now().Unix()
	if err := s.store.Save(ctx, next, s.keyring()); err != nil {
		return err
	}
	s.manifest = next
	return nil
}
