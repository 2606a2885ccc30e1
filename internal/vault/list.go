package vault

import (
	"os"
	"sort"
	"strings"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/registry"
)

// Info describes a vault without unlocking it.
type Info struct {
	Name            string
	CreatedAt       int64
	LastUnlockedAt  *int64
	Preset          kdf.Preset
	KeyfileRequired bool
}

// List returns the vaults on disk, sorted by name. Registry data fills in
// what the directory alone cannot tell.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, errors.FromFS(m.root, err)
	}

	rows := map[string]registry.Vault{}
	if m.db != nil {
		vs, err := registry.ListVaults(m.db)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			rows[v.Name] = v
		}
	}

	out := []Info{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		h, err := manifest.NewStore(m.Dir(name)).Header()
		if err != nil {
			continue
		}
		info := Info{Name: name}
		if v, ok := rows[name]; ok {
			info.CreatedAt = v.CreatedAt
			info.LastUnlockedAt = v.LastUnlockedAt
			info.Preset = v.KDFPreset
			info.KeyfileRequired = v.KeyfileRequired
		}
		if p, ok := kdf.PresetOf(h.Common().KDF); ok {
			info.Preset = p
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
