package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/vault"
)

const maskedValue = "********"

// itemCmd groups the commands that work on the items of one vault.
func itemCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "item",
		Usage: "Add, read and manage vault items",
		Subcommands: []*cli.Command{
			itemAddCmd(e),
			itemListCmd(e),
			itemShowCmd(e),
			itemEditCmd(e),
			itemExportCmd(e),
			itemRemoveCmd(e),
			itemCopyCmd(e),
			itemRenderCmd(e),
		},
	}
}

func itemFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: "vault", Aliases: []string{"V"}, Required: true, Usage: "Vault name"},
		keyfileFlag(),
	}, extra...)
}

// withVault unlocks --vault for the duration of fn.
func (e *env) withVault(c *cli.Context, fn func(s *vault.Session) error) error {
	return e.withNamedSession(c, c.String("vault"), fn)
}

// itemArg returns the positional item id.
func itemArg(c *cli.Context) (string, error) {
	if c.NArg() == 0 {
		return "", errors.NewInvalidRequest("item id is required")
	}
	return c.Args().First(), nil
}

// itemSummary is an item without its payload. Listings never print secrets.
type itemSummary struct {
	ID         string            `json:"id"`
	Type       manifest.ItemType `json:"type"`
	Name       string            `json:"name"`
	Category   string            `json:"category"`
	Tags       []string          `json:"tags"`
	Favorite   bool              `json:"favorite"`
	CreatedAt  int64             `json:"created_at"`
	ModifiedAt int64             `json:"modified_at"`
	Filename   string            `json:"filename,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Size       int64             `json:"size,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
}

func summarizeItem(it *manifest.Item) itemSummary {
	return itemSummary{
		ID:         it.ID,
		Type:       it.Type,
		Name:       it.Name,
		Category:   it.Category,
		Tags:       it.Tags,
		Favorite:   it.Favorite,
		CreatedAt:  it.CreatedAt,
		ModifiedAt: it.ModifiedAt,
		Filename:   it.Filename,
		MimeType:   it.MimeType,
		Size:       it.Size,
		TemplateID: it.TemplateID,
	}
}

func itemAddCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Add a file, record or note (note text may follow the passphrase on stdin)",
		Flags: itemFlags(
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: string(manifest.ItemFile), Usage: "Item type: file|record|note"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Item name (files default to the file name)"},
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Category id"},
			&cli.StringFlag{Name: "tags", Usage: "Comma-separated tags"},
			&cli.BoolFlag{Name: "favorite", Usage: "Mark as favorite"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "File to import (type file)"},
			&cli.StringFlag{Name: "template", Usage: "Record template: login|credit_card|identity|wifi|secure_note"},
			&cli.StringSliceFlag{Name: "field", Usage: "Record field as key=value (repeatable)"},
			&cli.StringFlag{Name: "text", Usage: "Note text (otherwise read from stdin after the passphrase)"},
		),
		Action: func(c *cli.Context) error {
			in := vault.ItemInput{
				Type:     manifest.ItemType(c.String("type")),
				Name:     c.String("name"),
				Category: c.String("category"),
				Tags:     parseTags(c.String("tags")),
				Favorite: c.Bool("favorite"),
			}
			switch in.Type {
			case manifest.ItemFile:
				if c.String("file") == "" {
					return e.fail(errors.NewInvalidRequest("--file is required for file items"))
				}
			case manifest.ItemRecord:
				fields, err := parseFields(c.StringSlice("field"))
				if err != nil {
					return e.fail(err)
				}
				in.TemplateID = c.String("template")
				in.Fields = fields
			case manifest.ItemNote:
			default:
				return e.fail(errors.NewInvalidRequest(fmt.Sprintf("unknown item type %q", in.Type)))
			}

			return e.withVault(c, func(s *vault.Session) error {
				var (
					it  *manifest.Item
					err error
				)
				switch in.Type {
				case manifest.ItemFile:
					it, err = s.ImportFile(c.Context, c.String("file"), in)
				case manifest.ItemNote:
					in.Text = c.String("text")
					if !c.IsSet("text") {
						if in.Text, err = e.readRest(); err != nil {
							return err
						}
					}
					it, err = s.AddItem(c.Context, in, nil)
				default:
					it, err = s.AddItem(c.Context, in, nil)
				}
				if err != nil {
					return err
				}
				e.ok(fmt.Sprintf("Added %s %q", it.Type, it.Name))
				return e.outputJSON(summarizeItem(it))
			})
		},
	}
}

func itemListCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List items (no payloads)",
		Flags: itemFlags(
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Only this type"},
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Only this category"},
			&cli.StringFlag{Name: "tag", Usage: "Only items with this tag"},
			&cli.BoolFlag{Name: "favorites", Usage: "Only favorites"},
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Match name, file name or tags"},
			&cli.StringFlag{Name: "sort", Usage: "Sort order (default: the vault setting)"},
		),
		Action: func(c *cli.Context) error {
			f := vault.ItemFilter{
				Type:          manifest.ItemType(c.String("type")),
				Category:      c.String("category"),
				Tag:           c.String("tag"),
				FavoritesOnly: c.Bool("favorites"),
				Query:         c.String("query"),
				Sort:          manifest.SortOrder(c.String("sort")),
			}
			return e.withVault(c, func(s *vault.Session) error {
				items, err := s.ListItems(f)
				if err != nil {
					return err
				}
				out := make([]itemSummary, 0, len(items))
				for i := range items {
					out = append(out, summarizeItem(&items[i]))
				}
				return e.outputJSON(out)
			})
		},
	}
}

func itemShowCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print an item; record secrets stay masked unless --reveal",
		ArgsUsage: "<id>",
		Flags: itemFlags(
			&cli.BoolFlag{Name: "reveal", Usage: "Print secret record fields in clear"},
		),
		Action: func(c *cli.Context) error {
			id, err := itemArg(c)
			if err != nil {
				return e.fail(err)
			}
			return e.withVault(c, func(s *vault.Session) error {
				data, it, err := s.ReadItem(c.Context, id)
				if err != nil {
					return err
				}
				out := struct {
					itemSummary
					Fields map[string]string `json:"fields,omitempty"`
					Text   string            `json:"text,omitempty"`
				}{itemSummary: summarizeItem(it)}

				switch it.Type {
				case manifest.ItemRecord:
					if err := json.Unmarshal(data, &out.Fields); err != nil {
						return errors.NewVaultCorrupt("record payload is not valid JSON")
					}
					if !c.Bool("reveal") {
						maskSecrets(it.TemplateID, out.Fields)
					}
				case manifest.ItemNote:
					out.Text = string(data)
				}
				return e.outputJSON(out)
			})
		},
	}
}

// maskSecrets hides the values of secret template fields.
func maskSecrets(templateID string, fields map[string]string) {
	tpl, ok := manifest.TemplateByID(templateID)
	if !ok {
		return
	}
	for _, f := range tpl.Fields {
		if _, present := fields[f.ID]; present && f.Secret {
			fields[f.ID] = maskedValue
		}
	}
}

func itemEditCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Change an item's metadata or content",
		ArgsUsage: "<id>",
		Flags: itemFlags(
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "New name"},
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "New category id"},
			&cli.StringFlag{Name: "tags", Usage: "New comma-separated tags"},
			&cli.BoolFlag{Name: "favorite", Usage: "Favorite flag"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Replace a file item's content"},
			&cli.StringSliceFlag{Name: "field", Usage: "Replace all record fields, key=value (repeatable)"},
			&cli.StringFlag{Name: "text", Usage: "Replace a note's text"},
		),
		Action: func(c *cli.Context) error {
			id, err := itemArg(c)
			if err != nil {
				return e.fail(err)
			}
			var upd vault.ItemUpdate
			if c.IsSet("name") {
				v := c.String("name")
				upd.Name = &v
			}
			if c.IsSet("category") {
				v := c.String("category")
				upd.Category = &v
			}
			if c.IsSet("tags") {
				v := parseTags(c.String("tags"))
				upd.Tags = &v
			}
			if c.IsSet("favorite") {
				v := c.Bool("favorite")
				upd.Favorite = &v
			}
			if c.IsSet("field") {
				fields, err := parseFields(c.StringSlice("field"))
				if err != nil {
					return e.fail(err)
				}
				upd.Fields = fields
			}
			if c.IsSet("text") {
				v := c.String("text")
				upd.Text = &v
			}
			if path := c.String("file"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					if os.IsNotExist(err) {
						return e.fail(errors.NewInvalidRequest(fmt.Sprintf("file not found: %s", path)))
					}
					return e.fail(errors.FromFS(path, err))
				}
				upd.Payload = data
			}
			return e.withVault(c, func(s *vault.Session) error {
				it, err := s.UpdateItem(c.Context, id, upd)
				if err != nil {
					return err
				}
				e.ok(fmt.Sprintf("Updated %q", it.Name))
				return e.outputJSON(summarizeItem(it))
			})
		},
	}
}

func itemExportCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Write an item's plaintext to a file (0600)",
		ArgsUsage: "<id>",
		Flags: itemFlags(
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Required: true, Usage: "Output path"},
		),
		Action: func(c *cli.Context) error {
			id, err := itemArg(c)
			if err != nil {
				return e.fail(err)
			}
			return e.withVault(c, func(s *vault.Session) error {
				p := e.spin("Exporting")
				err := s.ExportItem(c.Context, id, c.String("out"), p.update)
				p.stop()
				if err != nil {
					return err
				}
				e.ok("Exported to " + c.String("out"))
				return nil
			})
		},
	}
}

func itemRemoveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Remove an item and its containers",
		ArgsUsage: "<id>",
		Flags:     itemFlags(),
		Action: func(c *cli.Context) error {
			id, err := itemArg(c)
			if err != nil {
				return e.fail(err)
			}
			return e.withVault(c, func(s *vault.Session) error {
				if err := s.RemoveItem(c.Context, id); err != nil {
					return err
				}
				e.ok("Removed " + id)
				return nil
			})
		},
	}
}

func itemCopyCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "copy",
		Usage:     "Copy a record field or note text to the clipboard",
		ArgsUsage: "<id>",
		Flags: itemFlags(
			&cli.StringFlag{Name: "field", Usage: "Record field (default: the template's first secret field)"},
			&cli.DurationFlag{Name: "clear-after", Usage: "Clear the clipboard after this long if it still holds the value"},
		),
		Action: func(c *cli.Context) error {
			id, err := itemArg(c)
			if err != nil {
				return e.fail(err)
			}
			var value string
			err = e.withVault(c, func(s *vault.Session) error {
				data, it, err := s.ReadItem(c.Context, id)
				if err != nil {
					return err
				}
				switch it.Type {
				case manifest.ItemRecord:
					value, err = recordField(it.TemplateID, data, c.String("field"))
					return err
				case manifest.ItemNote:
					value = string(data)
					return nil
				default:
					return errors.NewInvalidRequest("file items cannot be copied; use item export")
				}
			})
			if err != nil {
				return err
			}

			if err := clipboard.WriteAll(value); err != nil {
				return e.fail(errors.NewInternal(fmt.Errorf("clipboard: %w", err)))
			}
			e.ok("Copied to clipboard")
			if d := c.Duration("clear-after"); d > 0 {
				select {
				case <-time.After(d):
				case <-c.Context.Done():
				}
				if current, err := clipboard.ReadAll(); err == nil && current == value {
					_ = clipboard.WriteAll("")
					e.ok("Clipboard cleared")
				}
			}
			return nil
		},
	}
}

// recordField picks field from a record payload. An empty field selects the
// template's first secret field that has a value.
func recordField(templateID string, data []byte, field string) (string, error) {
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", errors.NewVaultCorrupt("record payload is not valid JSON")
	}
	if field == "" {
		if tpl, ok := manifest.TemplateByID(templateID); ok {
			for _, f := range tpl.Fields {
				if f.Secret && fields[f.ID] != "" {
					field = f.ID
					break
				}
			}
		}
	}
	if field == "" {
		return "", errors.NewInvalidRequest("--field is required for this record")
	}
	v, ok := fields[field]
	if !ok {
		known := slices.Sorted(maps.Keys(fields))
		return "", errors.NewInvalidRequest(fmt.Sprintf("record has no field %q (have %s)", field, strings.Join(known, ", ")))
	}
	return v, nil
}

func itemRenderCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Render a note's Markdown to HTML",
		ArgsUsage: "<id>",
		Flags:     itemFlags(),
		Action: func(c *cli.Context) error {
			id, err := itemArg(c)
			if err != nil {
				return e.fail(err)
			}
			return e.withVault(c, func(s *vault.Session) error {
				html, err := s.RenderNote(id)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(e.stdout, html)
				return err
			})
		},
	}
}
