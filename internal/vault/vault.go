// Package vault implements the vault lifecycle (create, unlock, lock, delete,
// passphrase rotation, backup and restore) and the item operations that run
// against an unlocked Session.
//
// On disk a vault is a directory holding manifest.gtkrypt plus one container
// per item under items/ and per thumbnail under thumbs/. Every container of a
// vault is sealed under the same key, derived once per unlock from the
// passphrase, the optional keyfile and the salt stored in the manifest header.
package vault

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hpungsan/gtkrypt/internal/config"
	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/stream"
)

// Directory names inside a vault.
const (
	ItemsDir  = "items"
	ThumbsDir = "thumbs"
)

// MaxNameLen bounds vault names.
const MaxNameLen = 64

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]*$`)

// Credentials are what a user presents to open a vault. KeyfilePath is
// optional; when set, its digest becomes part of the key material.
type Credentials struct {
	Passphrase  []byte
	KeyfilePath string
}

// Manager owns the vaults directory and the registry. It is safe for
// concurrent use; Sessions it returns serialize their own operations.
type Manager struct {
	root     string
	db       *sql.DB
	cfg      *config.Config
	log      logrus.FieldLogger
	attempts *attemptLimiter
	now      func() time.Time

	// minute scales auto-lock settings; paramsFor resolves presets.
	minute    time.Duration
	paramsFor func(kdf.Preset) (kdf.Params, error)
}

// NewManager prepares the vaults directory. db may be nil, in which case
// nothing is recorded in the registry and rotations are not journaled.
func NewManager(db *sql.DB, cfg *config.Config, logger logrus.FieldLogger) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.VaultsDir == "" {
		return nil, errors.NewInvalidRequest("vaults directory is not configured")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(cfg.VaultsDir, 0700); err != nil {
		return nil, errors.FromFS(cfg.VaultsDir, err)
	}
	return &Manager{
		root:      cfg.VaultsDir,
		db:        db,
		cfg:       cfg,
		log:       logger,
		attempts:  newAttemptLimiter(cfg),
		now:       time.Now,
		minute:    time.Minute,
		paramsFor: kdf.ParamsFor,
	}, nil
}

// Root returns the vaults directory.
func (m *Manager) Root() string { return m.root }

// Dir returns the directory of the named vault.
func (m *Manager) Dir(name string) string {
	return filepath.Join(m.root, name)
}

// ValidateName checks a vault name and returns it trimmed.
// Names become directory names, so path separators and leading dots are
// rejected.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.NewInvalidRequest("vault name must not be empty")
	}
	if len(name) > MaxNameLen {
		return "", errors.NewInvalidRequest(fmt.Sprintf("vault name exceeds %d characters", MaxNameLen))
	}
	if !nameRegex.MatchString(name) {
		return "", errors.NewInvalidRequest("vault name may only contain letters, digits, spaces, '.', '_' and '-', and must start with a letter or digit")
	}
	return name, nil
}

func (m *Manager) exists(name string) (bool, error) {
	info, err := os.Lstat(m.Dir(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.FromFS(m.Dir(name), err)
	}
	if !info.IsDir() {
		return false, errors.NewVaultCorrupt(fmt.Sprintf("%s is not a directory", m.Dir(name)))
	}
	return true, nil
}

// requireExisting validates name and checks the vault directory exists.
func (m *Manager) requireExisting(name string) (string, error) {
	name, err := ValidateName(name)
	if err != nil {
		return "", err
	}
	ok, err := m.exists(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.NewVaultNotFound(name)
	}
	return name, nil
}

// opened is the result of proving credentials against a vault directory.
type opened struct {
	manifest *manifest.Manifest
	store    *manifest.Store
	key      *stream.VaultKey
}

// open derives the key for the vault in dir and decrypts its manifest.
// Unlock, Delete and Restore all go through here, so every operation that
// decrypts a manifest demands the same two-factor material.
func (m *Manager) open(ctx context.Context, name, dir string, creds Credentials) (*opened, error) {
	if !m.attempts.allow(name) {
		return nil, errors.NewTooManyAttempts(name)
	}

	digest, err := kdf.ReadKeyfile(creds.KeyfilePath)
	if err != nil {
		return nil, err
	}
	defer kdf.Zero(digest)

	store := manifest.NewStore(dir)
	h, err := store.Header()
	if err != nil {
		return nil, err
	}
	f := h.Common()

	key, err := deriveKey(ctx, creds.Passphrase, f.Salt[:], f.KDF, digest)
	if err != nil {
		return nil, err
	}
	vk := &stream.VaultKey{Params: f.KDF, Salt: f.Salt, Derived: key}

	man, err := store.Load(ctx, vk)
	if err != nil {
		vk.Wipe()
		if errors.Is(err, errors.ErrWrongPassphrase) {
			logging.Event(m.log, logging.EventVaultUnlockFailed, name).Warn("passphrase or keyfile rejected")
		}
		return nil, err
	}
	m.attempts.reset(name)
	return &opened{manifest: man, store: store, key: vk}, nil
}

// deriveKey runs the KDF off the caller's goroutine so a cancelled context
// returns promptly. Argon2 itself cannot be interrupted; an abandoned result
// is wiped when it arrives.
func deriveKey(ctx context.Context, passphrase, salt []byte, params kdf.Params, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("key derivation")
	}
	pass := append([]byte(nil), passphrase...)
	dg := append([]byte(nil), digest...)
	if digest == nil {
		dg = nil
	}

	type result struct {
		key []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		key, err := kdf.DeriveKey(pass, salt, params, dg)
		kdf.Zero(pass)
		kdf.Zero(dg)
		ch <- result{key, err}
	}()

	select {
	case r := <-ch:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			r := <-ch
			kdf.Zero(r.key)
		}()
		return nil, errors.NewCancelled("key derivation")
	}
}

func itemPath(dir, id string) string {
	return filepath.Join(dir, ItemsDir, id+stream.Extension)
}

func thumbPath(dir, id string) string {
	return filepath.Join(dir, ThumbsDir, id+stream.Extension)
}

func makeVaultDirs(dir string) error {
	for _, d := range []string{ItemsDir, ThumbsDir} {
		if err := os.Mkdir(filepath.Join(dir, d), 0700); err != nil && !os.IsExist(err) {
			return errors.FromFS(dir, err)
		}
	}
	return nil
}
