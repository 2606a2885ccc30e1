// Package manifest is the vault index: categories, items and settings,
// serialized as JSON and persisted only as an encrypted container.
package manifest

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/kdf"
)

// Version is the only manifest version this build understands.
const Version = 1

// ItemType is the kind of payload an item holds.
type ItemType string

const (
	ItemFile   ItemType = "file"
	ItemRecord ItemType = "record"
	ItemNote   ItemType = "note"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemFile, ItemRecord, ItemNote:
		return true
	}
	return false
}

// SortOrder controls the order of ListItems.
type SortOrder string

const (
	SortModifiedDesc SortOrder = "modified_desc"
	SortModifiedAsc  SortOrder = "modified_asc"
	SortNameAsc      SortOrder = "name_asc"
	SortNameDesc     SortOrder = "name_desc"
	SortCreatedDesc  SortOrder = "created_desc"
	SortCreatedAsc   SortOrder = "created_asc"
)

// ValidSortOrder reports whether s is a known sort order.
func ValidSortOrder(s SortOrder) bool {
	switch s {
	case SortModifiedDesc, SortModifiedAsc, SortNameAsc, SortNameDesc, SortCreatedDesc, SortCreatedAsc:
		return true
	}
	return false
}

// ViewMode is a display preference stored with the vault.
type ViewMode string

const (
	ViewList ViewMode = "list"
	ViewGrid ViewMode = "grid"
)

// Category groups items. Builtin categories cannot be removed.
type Category struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Icon    string `json:"icon"`
	Builtin bool   `json:"builtin"`
}

// Item is one entry of the vault. Its ID also names the item's container on
// disk. Timestamps are Unix seconds.
type Item struct {
	ID         string   `json:"id"`
	Type       ItemType `json:"type"`
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags"`
	CreatedAt  int64    `json:"created_at"`
	ModifiedAt int64    `json:"modified_at"`
	AccessedAt int64    `json:"accessed_at"`
	Favorite   bool     `json:"favorite"`

	// file
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`

	// record
	TemplateID string            `json:"template_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`

	// note
	Text string `json:"text,omitempty"`

	HasThumbnail bool `json:"has_thumbnail,omitempty"`

	// Revision identifies the payload container written by the last update.
	Revision string `json:"revision,omitempty"`
}

// Settings are per-vault preferences.
type Settings struct {
	AutoLockMinutes int       `json:"auto_lock_minutes"`
	DefaultCategory string    `json:"default_category"`
	SortOrder       SortOrder `json:"sort_order"`
	ViewMode        ViewMode  `json:"view_mode"`
}

// Manifest is the decrypted vault index.
type Manifest struct {
	Version    int        `json:"version"`
	Name       string     `json:"name"`
	CreatedAt  int64      `json:"created_at"`
	ModifiedAt int64      `json:"modified_at"`
	KDFPreset  kdf.Preset `json:"kdf_preset"`
	Categories []Category `json:"categories"`
	Items      []Item     `json:"items"`
	Settings   Settings   `json:"settings"`
}

// DefaultCategoryID is the category items fall back to.
const DefaultCategoryID = "general"

// DefaultAutoLockMinutes is the auto-lock timeout of a new vault.
const DefaultAutoLockMinutes = 5

// BuiltinCategories returns the categories every vault starts with.
func BuiltinCategories() []Category {
	return []Category{
		{ID: DefaultCategoryID, Label: "General", Icon: "folder", Builtin: true},
		{ID: "documents", Label: "Documents", Icon: "document", Builtin: true},
		{ID: "photos", Label: "Photos", Icon: "image", Builtin: true},
		{ID: "logins", Label: "Logins", Icon: "key", Builtin: true},
		{ID: "cards", Label: "Cards", Icon: "credit-card", Builtin: true},
		{ID: "identities", Label: "Identities", Icon: "person", Builtin: true},
		{ID: "notes", Label: "Notes", Icon: "note", Builtin: true},
	}
}

// DefaultSettings returns the settings of a new vault.
func DefaultSettings() Settings {
	return Settings{
		AutoLockMinutes: DefaultAutoLockMinutes,
		DefaultCategory: DefaultCategoryID,
		SortOrder:       SortModifiedDesc,
		ViewMode:        ViewList,
	}
}

// CreateEmpty builds the manifest of a new vault.
func CreateEmpty(name string, preset kdf.Preset, now time.Time) *Manifest {
	ts := now.Unix()
	return &Manifest{
		Version:    Version,
		Name:       name,
		CreatedAt:  ts,
		ModifiedAt: ts,
		KDFPreset:  preset,
		Categories: BuiltinCategories(),
		Items:      []Item{},
		Settings:   DefaultSettings(),
	}
}

// Serialize encodes m as JSON.
func Serialize(m *Manifest) ([]byte, error) {
	if m.Version != Version {
		return nil, errors.NewInternal(fmt.Errorf("refusing to write manifest version %d", m.Version))
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return data, nil
}

// Deserialize decodes and validates a manifest. Every failure is reported as
// VAULT_CORRUPT with the cause kept in the internal message.
func Deserialize(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.NewVaultCorrupt("manifest is empty")
	}

	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.NewVaultCorrupt(fmt.Sprintf("manifest is not valid JSON: %v", err))
	}
	if probe.Version == nil {
		return nil, errors.NewVaultCorrupt("manifest has no version")
	}
	if *probe.Version != Version {
		return nil, errors.NewVaultCorrupt(fmt.Sprintf("unsupported manifest version %d", *probe.Version))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewVaultCorrupt(fmt.Sprintf("manifest does not match schema: %v", err))
	}
	if err := m.validate(); err != nil {
		return nil, errors.NewVaultCorrupt(err.Error())
	}
	if m.Items == nil {
		m.Items = []Item{}
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest has no vault name")
	}
	cats := make(map[string]bool, len(m.Categories))
	for _, c := range m.Categories {
		if c.ID == "" {
			return fmt.Errorf("category without id")
		}
		if cats[c.ID] {
			return fmt.Errorf("duplicate category %q", c.ID)
		}
		cats[c.ID] = true
	}
	ids := make(map[string]bool, len(m.Items))
	for _, it := range m.Items {
		if _, err := uuid.Parse(it.ID); err != nil {
			return fmt.Errorf("item id %q is not a UUID", it.ID)
		}
		if ids[it.ID] {
			return fmt.Errorf("duplicate item id %s", it.ID)
		}
		ids[it.ID] = true
		if !it.Type.Valid() {
			return fmt.Errorf("item %s has unknown type %q", it.ID, it.Type)
		}
	}
	return nil
}

// Item returns the item with the given id, or nil.
func (m *Manifest) Item(id string) *Item {
	for i := range m.Items {
		if m.Items[i].ID == id {
			return &m.Items[i]
		}
	}
	return nil
}

// RemoveItem drops the item with the given id and reports whether it existed.
func (m *Manifest) RemoveItem(id string) bool {
	n := len(m.Items)
	m.Items = slices.DeleteFunc(m.Items, func(it Item) bool { return it.ID == id })
	return len(m.Items) != n
}

// Category returns the category with the given id, or nil.
func (m *Manifest) Category(id string) *Category {
	for i := range m.Categories {
		if m.Categories[i].ID == id {
			return &m.Categories[i]
		}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Categories = slices.Clone(m.Categories)
	c.Items = make([]Item, len(m.Items))
	for i, it := range m.Items {
		it.Tags = slices.Clone(it.Tags)
		if it.Fields != nil {
			fields := make(map[string]string, len(it.Fields))
			for k, v := range it.Fields {
				fields[k] = v
			}
			it.Fields = fields
		}
		c.Items[i] = it
	}
	return &c
}

// NormalizeTags trims, lowercases and de-duplicates tags, keeping order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.Join(strings.Fields(t), " "))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
