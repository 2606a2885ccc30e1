package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/stream"
)

func TestAddItem_Validation(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	tests := []struct {
		name string
		in   ItemInput
		data []byte
	}{
		{"unknown type", ItemInput{Type: "video", Name: "x"}, nil},
		{"file without name", ItemInput{Type: manifest.ItemFile}, []byte("x")},
		{"unknown template", ItemInput{Type: manifest.ItemRecord, Name: "r", TemplateID: "nope"}, nil},
		{"missing required field", ItemInput{Type: manifest.ItemRecord, Name: "r", TemplateID: "login", Fields: map[string]string{"username": "u"}}, nil},
		{"record with payload", ItemInput{Type: manifest.ItemRecord, Name: "r", TemplateID: "wifi", Fields: map[string]string{"ssid": "home"}}, []byte("raw")},
		{"note with payload", ItemInput{Type: manifest.ItemNote, Name: "n"}, []byte("raw")},
		{"unknown category", ItemInput{Type: manifest.ItemNote, Name: "n", Category: "nope"}, nil},
		{"name too long", ItemInput{Type: manifest.ItemNote, Name: strings.Repeat("n", MaxNameLength+1)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddItem(ctx, tt.in, tt.data)
			requireCode(t, err, errors.ErrInvalidRequest)
		})
	}

	m, err := s.Manifest()
	require.NoError(t, err)
	require.Empty(t, m.Items)
	entries, err := os.ReadDir(filepath.Join(s.Dir(), ItemsDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestItemContainers_AreStandalone(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	it, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "/tmp/photo.png"}, []byte("png bytes"))
	require.NoError(t, err)
	require.Equal(t, "photo.png", it.Filename)
	require.Equal(t, "image/png", it.MimeType)
	require.Equal(t, int64(9), it.Size)

	// Any container of a vault opens with the passphrase alone.
	keys := stream.NewPassphraseKey([]byte("pw"), nil)
	defer keys.Close()
	data, h, err := stream.ReadContainer(ctx, itemPath(s.Dir(), it.ID), keys)
	require.NoError(t, err)
	require.Equal(t, []byte("png bytes"), data)
	require.Equal(t, "photo.png", h.Common().Filename)
	require.Equal(t, s.salt, h.Common().Salt)
}

func TestImportFile_Streams(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "big.bin")
	payload := make([]byte, 3*stream.ChunkSize+17)
	_, _ = rand.Read(payload)
	require.NoError(t, os.WriteFile(src, payload, 0644))

	it, err := s.ImportFile(ctx, src, ItemInput{Tags: []string{"backup"}})
	require.NoError(t, err)
	require.Equal(t, manifest.ItemFile, it.Type)
	require.Equal(t, "big.bin", it.Name)
	require.Equal(t, int64(len(payload)), it.Size)

	got, _, err := s.ReadItem(ctx, it.ID)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got))

	_, err = s.ImportFile(ctx, filepath.Join(t.TempDir(), "missing"), ItemInput{})
	requireCode(t, err, errors.ErrInvalidRequest)
}

func TestReadItem_Errors(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	_, _, err := s.ReadItem(ctx, "00000000-0000-0000-0000-000000000000")
	requireCode(t, err, errors.ErrItemNotFound)

	it, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemNote, Name: "n", Text: "body"}, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(itemPath(s.Dir(), it.ID)))

	_, _, err = s.ReadItem(ctx, it.ID)
	requireCode(t, err, errors.ErrItemFileMissing)
	err = s.ExportItem(ctx, it.ID, filepath.Join(t.TempDir(), "out"), nil)
	requireCode(t, err, errors.ErrItemFileMissing)
}

func TestReadItem_TamperedContainer(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	it, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "a.txt"}, []byte("hello world"))
	require.NoError(t, err)
	p := itemPath(s.Dir(), it.ID)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, os.WriteFile(p, raw, 0600))

	_, _, err = s.ReadItem(ctx, it.ID)
	requireCode(t, err, errors.ErrWrongPassphrase)
}

func TestUpdateItem(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	file, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "a.txt"}, []byte("v1"))
	require.NoError(t, err)

	name := "renamed"
	fav := true
	tags := []string{"Work", "work", " urgent "}
	upd, err := s.UpdateItem(ctx, file.ID, ItemUpdate{Name: &name, Favorite: &fav, Tags: &tags, Payload: []byte("version two")})
	require.NoError(t, err)
	require.Equal(t, "renamed", upd.Name)
	require.True(t, upd.Favorite)
	require.Equal(t, []string{"work", "urgent"}, upd.Tags)
	require.Equal(t, int64(len("version two")), upd.Size)

	data, _, err := s.ReadItem(ctx, file.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("version two"), data)
	leftovers, err := filepath.Glob(filepath.Join(s.Dir(), ItemsDir, "*.tmp"))
	require.NoError(t, err)
	require.Empty(t, leftovers)

	rec, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemRecord, Name: "wifi", TemplateID: "wifi", Fields: map[string]string{"ssid": "home"}}, nil)
	require.NoError(t, err)
	_, err = s.UpdateItem(ctx, rec.ID, ItemUpdate{Fields: map[string]string{"password": "x"}})
	requireCode(t, err, errors.ErrInvalidRequest)
	_, err = s.UpdateItem(ctx, rec.ID, ItemUpdate{Payload: []byte("raw")})
	requireCode(t, err, errors.ErrInvalidRequest)
	upd, err = s.UpdateItem(ctx, rec.ID, ItemUpdate{Fields: map[string]string{"ssid": "office", "password": "p"}})
	require.NoError(t, err)
	require.Equal(t, "office", upd.Fields["ssid"])

	data, _, err = s.ReadItem(ctx, rec.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"ssid":"office","password":"p"}`, string(data))

	note, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemNote, Name: "n", Text: "old"}, nil)
	require.NoError(t, err)
	text := "new text"
	_, err = s.UpdateItem(ctx, note.ID, ItemUpdate{Text: &text})
	require.NoError(t, err)
	data, got, err := s.ReadItem(ctx, note.ID)
	require.NoError(t, err)
	require.Equal(t, "new text", string(data))
	require.Equal(t, "new text", got.Text)

	_, err = s.UpdateItem(ctx, "00000000-0000-0000-0000-000000000000", ItemUpdate{Name: &name})
	requireCode(t, err, errors.ErrItemNotFound)
	bad := "nope"
	_, err = s.UpdateItem(ctx, note.ID, ItemUpdate{Category: &bad})
	requireCode(t, err, errors.ErrInvalidRequest)
}

func TestUpdateItem_InterruptedRenameCompletesOnUnlock(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	it, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "a.txt"}, []byte("v1"))
	require.NoError(t, err)
	final := itemPath(s.Dir(), it.ID)
	old, err := os.ReadFile(final)
	require.NoError(t, err)

	// A directory in place of the container makes the last rename fail
	// after the manifest has been saved.
	require.NoError(t, os.Remove(final))
	require.NoError(t, os.MkdirAll(filepath.Join(final, "x"), 0700))
	_, err = s.UpdateItem(ctx, it.ID, ItemUpdate{Payload: []byte("version two")})
	require.Error(t, err)
	s.Lock()

	require.NoError(t, os.RemoveAll(final))
	require.NoError(t, os.WriteFile(final, old, 0600))
	pendings, err := filepath.Glob(filepath.Join(e.mgr.Dir("v"), ItemsDir, "*"+pendingExt))
	require.NoError(t, err)
	require.Len(t, pendings, 1)

	_, err = e.mgr.Recover()
	require.NoError(t, err)
	_, err = os.Stat(pendings[0])
	require.NoError(t, err, "recovery must leave committed updates alone")

	s = e.unlock(t, "v", pass("pw"))
	data, got, err := s.ReadItem(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, "version two", string(data))
	require.Equal(t, int64(len("version two")), got.Size)
	_, err = os.Stat(pendings[0])
	require.True(t, os.IsNotExist(err))
}

func TestUnlock_DiscardsUncommittedUpdate(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	it, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "a.txt"}, []byte("v1"))
	require.NoError(t, err)
	other, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "b.txt"}, []byte("other"))
	require.NoError(t, err)
	s.Lock()

	dir := e.mgr.Dir("v")
	otherBytes, err := os.ReadFile(itemPath(dir, other.ID))
	require.NoError(t, err)
	stray := []string{
		pendingPath(dir, it.ID, uuid.NewString()),
		pendingPath(dir, uuid.NewString(), uuid.NewString()),
	}
	for _, p := range stray {
		require.NoError(t, os.WriteFile(p, otherBytes, 0600))
	}

	s = e.unlock(t, "v", pass("pw"))
	data, _, err := s.ReadItem(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
	for _, p := range stray {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), p)
	}
}

func TestParsePending(t *testing.T) {
	id, rev := uuid.NewString(), uuid.NewString()

	gotID, gotRev, ok := parsePending(id + "." + rev + pendingExt)
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.Equal(t, rev, gotRev)

	for _, name := range []string{
		id + stream.Extension,
		id + pendingExt,
		"x." + rev + pendingExt,
		id + "." + rev + pendingExt + ".0a1b.tmp",
	} {
		_, _, ok := parsePending(name)
		require.False(t, ok, name)
	}
}

func TestRemoveItem(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	it, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "a.jpg"}, []byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, s.SetThumbnail(ctx, it.ID, []byte("thumb")))

	thumb, err := s.ReadThumbnail(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("thumb"), thumb)

	require.NoError(t, s.RemoveItem(ctx, it.ID))
	for _, p := range []string{itemPath(s.Dir(), it.ID), thumbPath(s.Dir(), it.ID)} {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), p)
	}
	requireCode(t, s.RemoveItem(ctx, it.ID), errors.ErrItemNotFound)

	m, err := s.Manifest()
	require.NoError(t, err)
	require.Empty(t, m.Items)
}

func TestListItems(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	now := int64(1700000000)
	s.mgr.now = func() time.Time { now += 10; return time.Unix(now, 0) }

	a, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemNote, Name: "Beta note", Tags: []string{"home"}, Favorite: true}, nil)
	require.NoError(t, err)
	b, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Name: "alpha", Filename: "taxes.pdf", Category: "documents"}, []byte("x"))
	require.NoError(t, err)
	c, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemRecord, Name: "Gamma", TemplateID: "login", Fields: map[string]string{"password": "p"}}, nil)
	require.NoError(t, err)

	ids := func(items []manifest.Item) []string {
		out := []string{}
		for _, it := range items {
			out = append(out, it.ID)
		}
		return out
	}

	all, err := s.ListItems(ItemFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{c.ID, b.ID, a.ID}, ids(all), "default order is newest first")

	byName, err := s.ListItems(ItemFilter{Sort: manifest.SortNameAsc})
	require.NoError(t, err)
	require.Equal(t, []string{b.ID, a.ID, c.ID}, ids(byName))

	tests := []struct {
		name   string
		filter ItemFilter
		want   []string
	}{
		{"type", ItemFilter{Type: manifest.ItemRecord}, []string{c.ID}},
		{"category", ItemFilter{Category: "documents"}, []string{b.ID}},
		{"tag", ItemFilter{Tag: "HOME"}, []string{a.ID}},
		{"favorites", ItemFilter{FavoritesOnly: true}, []string{a.ID}},
		{"query name", ItemFilter{Query: "gam"}, []string{c.ID}},
		{"query filename", ItemFilter{Query: "TAXES"}, []string{b.ID}},
		{"no match", ItemFilter{Query: "zzz"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListItems(tt.filter)
			require.NoError(t, err)
			require.Equal(t, tt.want, ids(got))
		})
	}

	_, err = s.ListItems(ItemFilter{Sort: "random"})
	requireCode(t, err, errors.ErrInvalidRequest)
}

func TestExportItem(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	it, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "doc.txt"}, []byte("exported"))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, s.ExportItem(ctx, it.ID, out, nil))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "exported", string(data))
	info, err := os.Stat(out)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRenderNote(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	note, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemNote, Name: "n", Text: "# Title\n\n*hi* <script>x</script>"}, nil)
	require.NoError(t, err)
	html, err := s.RenderNote(note.ID)
	require.NoError(t, err)
	require.Contains(t, html, "<h1>Title</h1>")
	require.Contains(t, html, "<em>hi</em>")
	require.NotContains(t, html, "<script>")

	file, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemFile, Filename: "f"}, []byte("x"))
	require.NoError(t, err)
	_, err = s.RenderNote(file.ID)
	requireCode(t, err, errors.ErrInvalidRequest)
}

func TestCategories(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	c, err := s.AddCategory(ctx, "  Travel Plans! ", "")
	require.NoError(t, err)
	require.Equal(t, "travel-plans", c.ID)
	require.Equal(t, "Travel Plans!", c.Label)
	require.False(t, c.Builtin)

	_, err = s.AddCategory(ctx, "travel plans", "plane")
	requireCode(t, err, errors.ErrInvalidRequest)
	_, err = s.AddCategory(ctx, "!!!", "")
	requireCode(t, err, errors.ErrInvalidRequest)

	it, err := s.AddItem(ctx, ItemInput{Type: manifest.ItemNote, Name: "itinerary", Category: c.ID}, nil)
	require.NoError(t, err)
	def := c.ID
	_, err = s.UpdateSettings(ctx, SettingsUpdate{DefaultCategory: &def})
	require.NoError(t, err)

	requireCode(t, s.RemoveCategory(ctx, "photos"), errors.ErrInvalidRequest)
	requireCode(t, s.RemoveCategory(ctx, "ghost"), errors.ErrInvalidRequest)
	require.NoError(t, s.RemoveCategory(ctx, c.ID))

	m, err := s.Manifest()
	require.NoError(t, err)
	require.Nil(t, m.Category(c.ID))
	require.Equal(t, manifest.DefaultCategoryID, m.Settings.DefaultCategory)
	require.Equal(t, manifest.DefaultCategoryID, m.Item(it.ID).Category)
}

func TestUpdateSettings_Validation(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.create(t, "v", pass("pw"))
	ctx := context.Background()

	neg := -1
	_, err := s.UpdateSettings(ctx, SettingsUpdate{AutoLockMinutes: &neg})
	requireCode(t, err, errors.ErrInvalidRequest)
	sortOrder := manifest.SortOrder("sideways")
	_, err = s.UpdateSettings(ctx, SettingsUpdate{SortOrder: &sortOrder})
	requireCode(t, err, errors.ErrInvalidRequest)
	view := manifest.ViewMode("carousel")
	_, err = s.UpdateSettings(ctx, SettingsUpdate{ViewMode: &view})
	requireCode(t, err, errors.ErrInvalidRequest)

	grid := manifest.ViewGrid
	byName := manifest.SortNameAsc
	st, err := s.UpdateSettings(ctx, SettingsUpdate{ViewMode: &grid, SortOrder: &byName})
	require.NoError(t, err)
	require.Equal(t, manifest.ViewGrid, st.ViewMode)

	s.Lock()
	s2 := e.unlock(t, "v", pass("pw"))
	m, err := s2.Manifest()
	require.NoError(t, err)
	require.Equal(t, manifest.SortNameAsc, m.Settings.SortOrder)
}
