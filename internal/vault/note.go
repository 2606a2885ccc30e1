package vault

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/manifest"
)

// RenderNote converts a note item's markdown to HTML for preview. Raw HTML
// in the note is not passed through.
func (s *Session) RenderNote(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		return "", err
	}
	it := s.manifest.Item(id)
	if it == nil {
		return "", errors.NewItemNotFound(id)
	}
	if it.Type != manifest.ItemNote {
		return "", errors.NewInvalidRequest(fmt.Sprintf("item %s is not a note", id))
	}
	return renderMarkdown(it.Text)
}

// renderMarkdown converts markdown text to HTML using goldmark.
func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", errors.NewInternal(err)
	}
	return buf.String(), nil
}
