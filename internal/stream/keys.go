package stream

import (
	"context"
	"sync"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/header"
	"github.com/hpungsan/gtkrypt/internal/kdf"
)

// KeySource supplies the key for a container once its header is known.
// Implementations may derive, cache or simply hold the key.
type KeySource interface {
	Key(ctx context.Context, h header.Header) ([]byte, error)
}

// StaticKey is a KeySource that always returns the same key, for callers
// that derived it themselves (an unlocked vault).
type StaticKey []byte

func (k StaticKey) Key(context.Context, header.Header) ([]byte, error) {
	if len(k) != kdf.KeySize {
		return nil, errors.NewVaultLocked()
	}
	return k, nil
}

type derivation struct {
	salt   [header.SaltSize]byte
	params kdf.Params
}

// PassphraseKey derives keys from a passphrase and optional keyfile digest
// using the parameters and salt of each header. The last derived key is
// cached, so a run of containers sharing a salt costs one derivation.
type PassphraseKey struct {
	mu         sync.Mutex
	passphrase []byte
	keyfile    []byte
	cached     derivation
	key        []byte
	closed     bool
}

// NewPassphraseKey copies passphrase and keyfileDigest; the caller may wipe
// its own copies afterwards. keyfileDigest may be nil.
func NewPassphraseKey(passphrase, keyfileDigest []byte) *PassphraseKey {
	p := &PassphraseKey{passphrase: append([]byte(nil), passphrase...)}
	if keyfileDigest != nil {
		p.keyfile = append([]byte(nil), keyfileDigest...)
	}
	return p
}

func (p *PassphraseKey) Key(ctx context.Context, h header.Header) ([]byte, error) {
	f := h.Common()
	want := derivation{salt: f.Salt, params: f.KDF}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.NewInvalidRequest("passphrase key source is closed")
	}
	if p.key != nil && p.cached == want {
		return p.key, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("key derivation")
	}

	key, err := kdf.DeriveKey(p.passphrase, f.Salt[:], f.KDF, p.keyfile)
	if err != nil {
		return nil, err
	}
	kdf.Zero(p.key)
	p.key = key
	p.cached = want
	return key, nil
}

// Close wipes the passphrase, keyfile digest and cached key.
func (p *PassphraseKey) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kdf.Zero(p.passphrase)
	kdf.Zero(p.keyfile)
	kdf.Zero(p.key)
	p.passphrase, p.keyfile, p.key = nil, nil, nil
	p.closed = true
}

// Keyring can both open containers and seal new ones for a vault.
type Keyring interface {
	KeySource

	// NewHeader returns a fresh header carrying the vault's salt and KDF
	// parameters and a new random nonce.
	NewHeader() (header.Header, error)

	// SealKey returns the key new containers are encrypted under.
	SealKey() ([]byte, error)
}

// VaultKey is a plain Keyring over an already derived key.
type VaultKey struct {
	Params  kdf.Params
	Salt    [header.SaltSize]byte
	Derived []byte
}

func (k *VaultKey) Key(ctx context.Context, h header.Header) ([]byte, error) {
	return StaticKey(k.Derived).Key(ctx, h)
}

func (k *VaultKey) NewHeader() (header.Header, error) {
	h, err := NewHeader(k.Params, k.Salt)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (k *VaultKey) SealKey() ([]byte, error) {
	if len(k.Derived) != kdf.KeySize {
		return nil, errors.NewVaultLocked()
	}
	return k.Derived, nil
}

// Wipe zeroes the key.
func (k *VaultKey) Wipe() {
	kdf.Zero(k.Derived)
	k.Derived = nil
}
