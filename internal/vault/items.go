package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/fsutil"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/stream"
)

// MaxNameLength bounds item names.
const MaxNameLength = 256

// ItemInput is the metadata of a new item. For records the payload is the
// JSON encoding of Fields; for notes it is Text.
type ItemInput struct {
	Type     manifest.ItemType
	Name     string
	Category string
	Tags     []string
	Favorite bool

	// file
	Filename string
	MimeType string

	// record
	TemplateID string
	Fields     map[string]string

	// note
	Text string
}

// ItemUpdate changes an item. Nil fields are left alone.
type ItemUpdate struct {
	Name     *string
	Category *string
	Tags     *[]string
	Favorite *bool

	// Payload replaces a file item's content; Filename and MimeType its
	// metadata.
	Payload  []byte
	Filename *string
	MimeType *string

	// Fields replaces a record's fields as a whole.
	Fields map[string]string

	Text *string
}

// ItemFilter selects items for ListItems. Zero values match everything.
type ItemFilter struct {
	Type          manifest.ItemType
	Category      string
	Tag           string
	FavoritesOnly bool
	Query         string
	Sort          manifest.SortOrder
}

// AddItem encrypts payload into a new item container and records the item in
// the manifest. Record and note payloads come from in, and payload must be
// nil for them.
func (s *Session) AddItem(ctx context.Context, in ItemInput, payload []byte) (*manifest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}

	it, payload, err := s.newItem(in, payload)
	if err != nil {
		return nil, err
	}
	if in.Type != manifest.ItemFile {
		defer kdf.Zero(payload)
	}
	if err := s.addItem(ctx, it, bytes.NewReader(payload), int64(len(payload))); err != nil {
		return nil, err
	}
	return copyItem(it), nil
}

// ImportFile adds the file at path as a file item, streaming it into the
// vault without reading it whole into memory.
func (s *Session) ImportFile(ctx context.Context, path string, in ItemInput) (*manifest.Item, error) {
	f, err := fsutil.OpenNoFollow(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("file not found: %s", path))
		}
		return nil, errors.FromFS(path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.FromFS(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("not a regular file: %s", path))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}

	in.Type = manifest.ItemFile
	if in.Filename == "" {
		in.Filename = filepath.Base(path)
	}
	it, _, err := s.newItem(in, nil)
	if err != nil {
		return nil, err
	}
	it.Size = info.Size()
	if err := s.addItem(ctx, it, f, info.Size()); err != nil {
		return nil, err
	}
	return copyItem(it), nil
}

// newItem validates in and builds the manifest entry. It returns the payload
// to encrypt. Requires mu.
func (s *Session) newItem(in ItemInput, payload []byte) (*manifest.Item, []byte, error) {
	if !in.Type.Valid() {
		return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("unknown item type %q", in.Type))
	}
	now := s.mgr.now().Unix()
	it := &manifest.Item{
		ID:         uuid.NewString(),
		Type:       in.Type,
		Name:       strings.TrimSpace(in.Name),
		Category:   in.Category,
		Tags:       manifest.NormalizeTags(in.Tags),
		CreatedAt:  now,
		ModifiedAt: now,
		AccessedAt: now,
		Favorite:   in.Favorite,
	}

	switch in.Type {
	case manifest.ItemFile:
		if in.Filename != "" {
			it.Filename = filepath.Base(in.Filename)
		}
		it.Size = int64(len(payload))
		it.MimeType = in.MimeType
		if it.MimeType == "" {
			it.MimeType = mimeFor(it.Filename)
		}
		if it.Name == "" {
			it.Name = it.Filename
		}
	case manifest.ItemRecord:
		if payload != nil {
			return nil, nil, errors.NewInvalidRequest("record items take their content from fields")
		}
		if err := manifest.ValidateRecord(in.TemplateID, in.Fields); err != nil {
			return nil, nil, err
		}
		it.TemplateID = in.TemplateID
		it.Fields = copyFields(in.Fields)
		if it.Category == "" {
			t, _ := manifest.TemplateByID(in.TemplateID)
			it.Category = t.Category
		}
		var err error
		if payload, err = json.Marshal(it.Fields); err != nil {
			return nil, nil, errors.NewInternal(err)
		}
	case manifest.ItemNote:
		if payload != nil {
			return nil, nil, errors.NewInvalidRequest("note items take their content from text")
		}
		it.Text = in.Text
		payload = []byte(in.Text)
	}

	if err := validateItemName(it.Name); err != nil {
		return nil, nil, err
	}
	if it.Category == "" || s.manifest.Category(it.Category) == nil {
		if in.Category != "" {
			return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("unknown category %q", in.Category))
		}
		it.Category = s.manifest.Settings.DefaultCategory
	}
	return it, payload, nil
}

// addItem writes the container first and the manifest second; a failed
// manifest save removes the container again. Requires mu.
func (s *Session) addItem(ctx context.Context, it *manifest.Item, r io.Reader, size int64) error {
	kr := s.keyring()
	h, err := kr.NewHeader()
	if err != nil {
		return err
	}
	h.Common().Filename = it.Filename
	path := itemPath(s.dir, it.ID)
	if err := stream.WriteContainer(ctx, path, r, size, h, kr.Derived, stream.Options{}); err != nil {
		return err
	}

	err = s.mutate(ctx, func(m *manifest.Manifest) error {
		m.Items = append(m.Items, *it)
		return nil
	})
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	logging.Event(s.mgr.log, logging.EventItemAdded, s.name).
		WithField("item_id", it.ID).
		WithField("type", it.Type).
		Info("item added")
	return nil
}

// ReadItem decrypts an item's container into memory. The caller owns the
// returned bytes and should zero them when done.
func (s *Session) ReadItem(ctx context.Context, id string) ([]byte, *manifest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, nil, err
	}
	it := s.manifest.Item(id)
	if it == nil {
		return nil, nil, errors.NewItemNotFound(id)
	}

	data, _, err := stream.ReadContainer(ctx, itemPath(s.dir, id), s.keyring())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.NewItemFileMissing(id)
		}
		return nil, nil, err
	}

	// Access time is informational; a failed save must not fail the read.
	now := s.mgr.now().Unix()
	if err := s.mutate(ctx, func(m *manifest.Manifest) error {
		m.Item(id).AccessedAt = now
		return nil
	}); err != nil {
		s.mgr.log.WithField("vault", s.name).WithField("item_id", id).WithError(err).Debug("access time not saved")
	}

	return data, copyItem(s.manifest.Item(id)), nil
}

// UpdateItem applies upd. A new payload is written beside the old container
// as <id>.<revision>.pending and only moved over it once the manifest naming
// that revision is saved.
func (s *Session) UpdateItem(ctx context.Context, id string, upd ItemUpdate) (*manifest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	cur := s.manifest.Item(id)
	if cur == nil {
		return nil, errors.NewItemNotFound(id)
	}

	next := *cur
	next.Tags = slices.Clone(cur.Tags)
	next.Fields = copyFields(cur.Fields)
	var payload []byte
	hasPayload := false

	if upd.Name != nil {
		next.Name = strings.TrimSpace(*upd.Name)
		if err := validateItemName(next.Name); err != nil {
			return nil, err
		}
	}
	if upd.Category != nil {
		if s.manifest.Category(*upd.Category) == nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown category %q", *upd.Category))
		}
		next.Category = *upd.Category
	}
	if upd.Tags != nil {
		next.Tags = manifest.NormalizeTags(*upd.Tags)
	}
	if upd.Favorite != nil {
		next.Favorite = *upd.Favorite
	}

	switch cur.Type {
	case manifest.ItemFile:
		if upd.Fields != nil || upd.Text != nil {
			return nil, errors.NewInvalidRequest("file items have no fields or text")
		}
		if upd.Filename != nil {
			next.Filename = filepath.Base(*upd.Filename)
		}
		if upd.MimeType != nil {
			next.MimeType = *upd.MimeType
		}
		if upd.Payload != nil {
			payload, hasPayload = upd.Payload, true
			next.Size = int64(len(payload))
			if upd.MimeType == nil && upd.Filename != nil {
				next.MimeType = mimeFor(next.Filename)
			}
		}
	case manifest.ItemRecord:
		if upd.Payload != nil || upd.Text != nil {
			return nil, errors.NewInvalidRequest("record items take their content from fields")
		}
		if upd.Fields != nil {
			if err := manifest.ValidateRecord(cur.TemplateID, upd.Fields); err != nil {
				return nil, err
			}
			next.Fields = copyFields(upd.Fields)
			b, err := json.Marshal(next.Fields)
			if err != nil {
				return nil, errors.NewInternal(err)
			}
			payload, hasPayload = b, true
			defer kdf.Zero(b)
		}
	case manifest.ItemNote:
		if upd.Payload != nil || upd.Fields != nil {
			return nil, errors.NewInvalidRequest("note items take their content from text")
		}
		if upd.Text != nil {
			next.Text = *upd.Text
			payload, hasPayload = []byte(*upd.Text), true
			defer kdf.Zero(payload)
		}
	}
	next.ModifiedAt = s.mgr.now().Unix()

	final := itemPath(s.dir, id)
	var pending string
	if hasPayload {
		next.Revision = uuid.NewString()
		pending = pendingPath(s.dir, id, next.Revision)
		kr := s.keyring()
		h, err := kr.NewHeader()
		if err != nil {
			return nil, err
		}
		h.Common().Filename = next.Filename
		if err := stream.WriteContainer(ctx, pending, bytes.NewReader(payload), int64(len(payload)), h, kr.Derived, stream.Options{}); err != nil {
			return nil, err
		}
	}

	// The manifest save commits the update. A pending container whose
	// revision the saved manifest names is promoted by settlePending if the
	// rename below never happens.
	err := s.mutate(ctx, func(m *manifest.Manifest) error {
		*m.Item(id) = next
		return nil
	})
	if err != nil {
		if hasPayload {
			_ = os.Remove(pending)
		}
		return nil, err
	}
	if hasPayload {
		if err := os.Rename(pending, final); err != nil {
			return nil, errors.FromFS(final, err)
		}
		_ = fsutil.SyncDir(filepath.Join(s.dir, ItemsDir))
	}

	logging.Event(s.mgr.log, logging.EventItemUpdated, s.name).
		WithField("item_id", id).
		WithField("payload", hasPayload).
		Info("item updated")
	return copyItem(&next), nil
}

// RemoveItem drops the item from the manifest, then deletes its containers.
// Containers left behind by a failed delete are orphans, which is harmless;
// the reverse order could leave the manifest pointing at nothing.
func (s *Session) RemoveItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	err := s.mutate(ctx, func(m *manifest.Manifest) error {
		if !m.RemoveItem(id) {
			return errors.NewItemNotFound(id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range []string{itemPath(s.dir, id), thumbPath(s.dir, id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.mgr.log.WithField("vault", s.name).WithField("item_id", id).WithError(err).Warn("container not removed")
		}
	}
	logging.Event(s.mgr.log, logging.EventItemRemoved, s.name).WithField("item_id", id).Info("item removed")
	return nil
}

// ListItems returns the items matching f, sorted by f.Sort or the vault's
// sort setting.
func (s *Session) ListItems(f ItemFilter) ([]manifest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	order := f.Sort
	if order == "" {
		order = s.manifest.Settings.SortOrder
	}
	if !manifest.ValidSortOrder(order) {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown sort order %q", order))
	}

	tag := strings.ToLower(strings.TrimSpace(f.Tag))
	query := strings.ToLower(strings.TrimSpace(f.Query))
	out := []manifest.Item{}
	for _, it := range s.manifest.Clone().Items {
		switch {
		case f.Type != "" && it.Type != f.Type:
			continue
		case f.Category != "" && it.Category != f.Category:
			continue
		case f.FavoritesOnly && !it.Favorite:
			continue
		case tag != "" && !slices.Contains(it.Tags, tag):
			continue
		case query != "" && !matchesQuery(it, query):
			continue
		}
		out = append(out, it)
	}
	sortItems(out, order)
	return out, nil
}

// SetThumbnail stores an encrypted preview image for an item.
func (s *Session) SetThumbnail(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	if s.manifest.Item(id) == nil {
		return errors.NewItemNotFound(id)
	}
	kr := s.keyring()
	h, err := kr.NewHeader()
	if err != nil {
		return err
	}
	path := thumbPath(s.dir, id)
	if err := stream.WriteContainer(ctx, path, bytes.NewReader(data), int64(len(data)), h, kr.Derived, stream.Options{}); err != nil {
		return err
	}
	return s.mutate(ctx, func(m *manifest.Manifest) error {
		m.Item(id).HasThumbnail = true
		return nil
	})
}

// ReadThumbnail decrypts an item's thumbnail.
func (s *Session) ReadThumbnail(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return nil, err
	}
	it := s.manifest.Item(id)
	if it == nil {
		return nil, errors.NewItemNotFound(id)
	}
	if !it.HasThumbnail {
		return nil, errors.NewInvalidRequest("item has no thumbnail")
	}
	data, _, err := stream.ReadContainer(ctx, thumbPath(s.dir, id), s.keyring())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewItemFileMissing(id)
		}
		return nil, err
	}
	return data, nil
}

// ExportItem decrypts an item to out, an explicit user-chosen location. The
// file is created 0600 and appears only once fully written.
func (s *Session) ExportItem(ctx context.Context, id, out string, progress stream.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	if s.manifest.Item(id) == nil {
		return errors.NewItemNotFound(id)
	}
	src := itemPath(s.dir, id)
	if _, err := os.Lstat(src); err != nil {
		if os.IsNotExist(err) {
			return errors.NewItemFileMissing(id)
		}
		return errors.FromFS(src, err)
	}
	_, err := stream.DecryptFile(ctx, src, out, s.keyring(), stream.Options{Progress: progress})
	return err
}

func validateItemName(name string) error {
	if name == "" {
		return errors.NewInvalidRequest("item name must not be empty")
	}
	if len(name) > MaxNameLength {
		return errors.NewInvalidRequest(fmt.Sprintf("item name exceeds %d characters", MaxNameLength))
	}
	return nil
}

func mimeFor(filename string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); t != "" {
		return t
	}
	return "application/octet-stream"
}

func copyItem(it *manifest.Item) *manifest.Item {
	out := *it
	out.Tags = slices.Clone(it.Tags)
	out.Fields = copyFields(it.Fields)
	return &out
}

func copyFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// matchesQuery searches non-secret metadata only.
func matchesQuery(it manifest.Item, q string) bool {
	if strings.Contains(strings.ToLower(it.Name), q) || strings.Contains(strings.ToLower(it.Filename), q) {
		return true
	}
	for _, t := range it.Tags {
		if strings.Contains(t, q) {
			return true
		}
	}
	return false
}

func sortItems(items []manifest.Item, order manifest.SortOrder) {
	less := func(a, b manifest.Item) bool {
		switch order {
		case manifest.SortModifiedAsc:
			return a.ModifiedAt < b.ModifiedAt
		case manifest.SortNameAsc:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		case manifest.SortNameDesc:
			return strings.ToLower(a.Name) > strings.ToLower(b.Name)
		case manifest.SortCreatedDesc:
			return a.CreatedAt > b.CreatedAt
		case manifest.SortCreatedAsc:
			return a.CreatedAt < b.CreatedAt
		default:
			return a.ModifiedAt > b.ModifiedAt
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}

// settlePending resolves payload updates interrupted between the manifest
// save and the final rename. A pending container is promoted when the
// manifest names its revision and discarded otherwise. Requires mu.
func (s *Session) settlePending() error {
	items := filepath.Join(s.dir, ItemsDir)
	entries, err := os.ReadDir(items)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.FromFS(items, err)
	}
	for _, e := range entries {
		id, rev, ok := parsePending(e.Name())
		if !ok || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(items, e.Name())
		log := s.mgr.log.WithField("vault", s.name).WithField("item_id", id)
		if it := s.manifest.Item(id); it != nil && it.Revision == rev {
			if err := os.Rename(path, itemPath(s.dir, id)); err != nil {
				return errors.FromFS(path, err)
			}
			log.Warn("interrupted item update completed")
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.FromFS(path, err)
		}
		log.Debug("uncommitted item update discarded")
	}
	_ = fsutil.SyncDir(items)
	return nil
}

const pendingExt = ".pending"

func pendingPath(dir, id, rev string) string {
	return filepath.Join(dir, ItemsDir, id+"."+rev+pendingExt)
}

func parsePending(name string) (id, rev string, ok bool) {
	base, found := strings.CutSuffix(name, pendingExt)
	if !found {
		return "", "", false
	}
	id, rev, found = strings.Cut(base, ".")
	if !found || uuid.Validate(id) != nil || uuid.Validate(rev) != nil {
		return "", "", false
	}
	return id, rev, true
}
