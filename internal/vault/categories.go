package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/manifest"
)

// SettingsUpdate changes vault settings. Nil fields are left alone.
type SettingsUpdate struct {
	AutoLockMinutes *int
	DefaultCategory *string
	SortOrder       *manifest.SortOrder
	ViewMode        *manifest.ViewMode
}

// AddCategory adds a user category. The id is derived from label.
func (s *Session) AddCategory(ctx context.Context, label, icon string) (*manifest.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	id := slugify(label)
	if id == "" {
		return nil, errors.NewInvalidRequest("category label must contain a letter or digit")
	}
	if s.manifest.Category(id) != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("category %q already exists", id))
	}
	if icon == "" {
		icon = "folder"
	}
	c := manifest.Category{ID: id, Label: label, Icon: icon}
	err := s.mutate(ctx, func(m *manifest.Manifest) error {
		m.Categories = append(m.Categories, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RemoveCategory deletes a user category. Its items move to the default
// category; builtin categories cannot be removed.
func (s *Session) RemoveCategory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	c := s.manifest.Category(id)
	if c == nil {
		return errors.NewInvalidRequest(fmt.Sprintf("unknown category %q", id))
	}
	if c.Builtin {
		return errors.NewInvalidRequest(fmt.Sprintf("category %q is builtin", id))
	}
	return s.mutate(ctx, func(m *manifest.Manifest) error {
		if m.Settings.DefaultCategory == id {
			m.Settings.DefaultCategory = manifest.DefaultCategoryID
		}
		kept := m.Categories[:0]
		for _, c := range m.Categories {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		m.Categories = kept
		for i := range m.Items {
			if m.Items[i].Category == id {
				m.Items[i].Category = m.Settings.DefaultCategory
			}
		}
		return nil
	})
}

// UpdateSettings applies upd and re-arms auto-lock with the new timeout.
func (s *Session) UpdateSettings(ctx context.Context, upd SettingsUpdate) (manifest.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return manifest.Settings{}, err
	}
	next := s.manifest.Settings
	if upd.AutoLockMinutes != nil {
		if *upd.AutoLockMinutes < 0 {
			return manifest.Settings{}, errors.NewInvalidRequest("auto-lock minutes must not be negative")
		}
		next.AutoLockMinutes = *upd.AutoLockMinutes
	}
	if upd.DefaultCategory != nil {
		if s.manifest.Category(*upd.DefaultCategory) == nil {
			return manifest.Settings{}, errors.NewInvalidRequest(fmt.Sprintf("unknown category %q", *upd.DefaultCategory))
		}
		next.DefaultCategory = *upd.DefaultCategory
	}
	if upd.SortOrder != nil {
		if !manifest.ValidSortOrder(*upd.SortOrder) {
			return manifest.Settings{}, errors.NewInvalidRequest(fmt.Sprintf("unknown sort order %q", *upd.SortOrder))
		}
		next.SortOrder = *upd.SortOrder
	}
	if upd.ViewMode != nil {
		switch *upd.ViewMode {
		case manifest.ViewList, manifest.ViewGrid:
		default:
			return manifest.Settings{}, errors.NewInvalidRequest(fmt.Sprintf("unknown view mode %q", *upd.ViewMode))
		}
		next.ViewMode = *upd.ViewMode
	}

	err := s.mutate(ctx, func(m *manifest.Manifest) error {
		m.Settings = next
		return nil
	})
	if err != nil {
		return manifest.Settings{}, err
	}
	s.autolock.SetTimeout(s.mgr.autoLockTimeout(next))
	return next, nil
}

func slugify(label string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
