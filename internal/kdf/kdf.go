// Package kdf turns a passphrase, an optional keyfile and a salt into the
// 32-byte AES-256 key used for every gtkrypt container.
package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/hpungsan/gtkrypt/internal/errors"
)

const (
	// KeySize is the length of the derived key (AES-256).
	KeySize = 32

	// MaxKeyfileBytes bounds how much of a keyfile is read and hashed.
	MaxKeyfileBytes = 64 * 1024
)

// Bounds accepted for parameters read back from a container header.
// Anything outside them is treated as a damaged or hostile file.
const (
	MinTimeCost    = 1
	MaxTimeCost    = 16
	MinMemoryKiB   = 8
	MaxMemoryKiB   = 2 * 1024 * 1024
	MinParallelism = 1
	MaxParallelism = 64
)

// Params are the Argon2id cost parameters stored in a container header.
type Params struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
}

// Validate checks that p is within the accepted bounds.
func (p Params) Validate() error {
	if p.TimeCost < MinTimeCost || p.TimeCost > MaxTimeCost {
		return fmt.Errorf("kdf time cost %d out of range", p.TimeCost)
	}
	if p.MemoryKiB < MinMemoryKiB || p.MemoryKiB > MaxMemoryKiB {
		return fmt.Errorf("kdf memory cost %d KiB out of range", p.MemoryKiB)
	}
	if p.Parallelism < MinParallelism || p.Parallelism > MaxParallelism {
		return fmt.Errorf("kdf parallelism %d out of range", p.Parallelism)
	}
	return nil
}

// Preset names a fixed cost profile. Presets are a closed set so containers
// stay portable and callers cannot request arbitrary costs.
type Preset string

const (
	PresetBalanced   Preset = "balanced"
	PresetStrong     Preset = "strong"
	PresetVeryStrong Preset = "very-strong"
)

// DefaultPreset is used when none is given.
const DefaultPreset = PresetBalanced

var presets = map[Preset]Params{
	PresetBalanced:   {TimeCost: 3, MemoryKiB: 64 * 1024, Parallelism: 4},
	PresetStrong:     {TimeCost: 4, MemoryKiB: 256 * 1024, Parallelism: 4},
	PresetVeryStrong: {TimeCost: 6, MemoryKiB: 512 * 1024, Parallelism: 4},
}

// Presets lists the preset names in increasing cost order.
func Presets() []Preset {
	return []Preset{PresetBalanced, PresetStrong, PresetVeryStrong}
}

// ParsePreset resolves a preset name. An empty string yields DefaultPreset.
func ParsePreset(s string) (Preset, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultPreset, nil
	}
	p := Preset(s)
	if _, ok := presets[p]; !ok {
		return "", errors.NewInvalidRequest(fmt.Sprintf("unknown kdf preset %q (want balanced, strong or very-strong)", s))
	}
	return p, nil
}

// ParamsFor returns the cost parameters of a preset.
func ParamsFor(p Preset) (Params, error) {
	params, ok := presets[p]
	if !ok {
		return Params{}, errors.NewInvalidRequest(fmt.Sprintf("unknown kdf preset %q", p))
	}
	return params, nil
}

// PresetOf reports which preset matches params, if any.
func PresetOf(params Params) (Preset, bool) {
	for name, p := range presets {
		if p == params {
			return name, true
		}
	}
	return "", false
}

// DeriveKey runs Argon2id over the passphrase and returns a KeySize key.
//
// When keyfileDigest is non-nil the passphrase material becomes
// passphrase || keyfileDigest, so both factors are needed to rebuild the key.
// A wrong passphrase and a wrong or missing keyfile therefore look the same to
// the decryptor: the key simply fails authentication.
func DeriveKey(passphrase, salt []byte, params Params, keyfileDigest []byte) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	if len(salt) == 0 {
		return nil, errors.NewInvalidRequest("salt is required")
	}

	material := passphrase
	if keyfileDigest != nil {
		material = make([]byte, 0, len(passphrase)+len(keyfileDigest))
		material = append(material, passphrase...)
		material = append(material, keyfileDigest...)
		defer Zero(material)
	}

	return argon2.IDKey(material, salt, params.TimeCost, params.MemoryKiB, params.Parallelism, KeySize), nil
}

// HashKeyfile returns SHA-256 over at most MaxKeyfileBytes of r.
func HashKeyfile(r io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(r, MaxKeyfileBytes)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// ReadKeyfile hashes the keyfile at path. An empty path returns nil, nil.
func ReadKeyfile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("keyfile not found: %s", path))
		}
		return nil, errors.FromFS(path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.FromFS(path, err)
	}
	if info.IsDir() {
		return nil, errors.NewInvalidRequest("keyfile must be a regular file")
	}
	if info.Size() == 0 {
		return nil, errors.NewInvalidRequest("keyfile is empty")
	}

	digest, err := HashKeyfile(f)
	if err != nil {
		return nil, errors.FromFS(path, err)
	}
	return digest, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
