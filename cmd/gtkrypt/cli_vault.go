package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/manifest"
	"github.com/hpungsan/gtkrypt/internal/vault"
)

// vaultCmd groups the vault lifecycle commands.
func vaultCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "vault",
		Usage: "Create, inspect and maintain vaults",
		Subcommands: []*cli.Command{
			vaultCreateCmd(e),
			vaultListCmd(e),
			vaultInfoCmd(e),
			vaultDeleteCmd(e),
			vaultPasswdCmd(e),
			vaultSettingsCmd(e),
			vaultCategoryCmd(e),
			vaultBackupCmd(e),
			vaultRestoreCmd(e),
			vaultRecoverCmd(e),
		},
	}
}

func keyfileFlag() cli.Flag {
	return &cli.StringFlag{Name: "keyfile", Aliases: []string{"k"}, Usage: "Keyfile required alongside the passphrase"}
}

// vaultArg returns the positional vault name.
func vaultArg(c *cli.Context) (string, error) {
	if c.NArg() == 0 {
		return "", errors.NewInvalidRequest("vault name is required")
	}
	return c.Args().First(), nil
}

// credentials reads the passphrase and pairs it with --keyfile. Callers wipe
// the passphrase with kdf.Zero.
func (e *env) credentials(c *cli.Context, prompt string, confirm bool) (vault.Credentials, error) {
	pw, err := e.readSecret(prompt, confirm)
	if err != nil {
		return vault.Credentials{}, err
	}
	return vault.Credentials{Passphrase: pw, KeyfilePath: c.String("keyfile")}, nil
}

// withSession unlocks the named vault, runs fn and locks it again.
func (e *env) withSession(c *cli.Context, fn func(s *vault.Session) error) error {
	name, err := vaultArg(c)
	if err != nil {
		return e.fail(err)
	}
	return e.withNamedSession(c, name, fn)
}

func (e *env) withNamedSession(c *cli.Context, name string, fn func(s *vault.Session) error) error {
	mgr, err := e.manager()
	if err != nil {
		return e.fail(err)
	}
	creds, err := e.credentials(c, "Passphrase: ", false)
	if err != nil {
		return e.fail(err)
	}
	p := e.spin("Unlocking " + name)
	s, err := mgr.Unlock(c.Context, name, creds)
	p.stop()
	kdf.Zero(creds.Passphrase)
	if err != nil {
		return e.fail(err)
	}
	defer s.Lock()
	if err := fn(s); err != nil {
		return e.fail(err)
	}
	return nil
}

// vaultSummary is printed by vault create and vault info.
type vaultSummary struct {
	Name            string            `json:"name"`
	CreatedAt       int64             `json:"created_at"`
	ModifiedAt      int64             `json:"modified_at"`
	Preset          kdf.Preset        `json:"kdf_preset"`
	KeyfileRequired bool              `json:"keyfile_required"`
	Items           int               `json:"items"`
	Categories      []string          `json:"categories"`
	Settings        manifest.Settings `json:"settings"`
}

func summarize(s *vault.Session) (*vaultSummary, error) {
	m, err := s.Manifest()
	if err != nil {
		return nil, err
	}
	cats := make([]string, 0, len(m.Categories))
	for _, c := range m.Categories {
		cats = append(cats, c.ID)
	}
	return &vaultSummary{
		Name:            m.Name,
		CreatedAt:       m.CreatedAt,
		ModifiedAt:      m.ModifiedAt,
		Preset:          m.KDFPreset,
		KeyfileRequired: s.KeyfileRequired(),
		Items:           len(m.Items),
		Categories:      cats,
		Settings:        m.Settings,
	}, nil
}

func vaultCreateCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a new vault",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			keyfileFlag(),
			&cli.StringFlag{Name: "preset", Aliases: []string{"p"}, Usage: "KDF preset: balanced|strong|very-strong"},
		},
		Action: func(c *cli.Context) error {
			name, err := vaultArg(c)
			if err != nil {
				return e.fail(err)
			}
			var preset kdf.Preset
			if c.IsSet("preset") {
				if preset, err = kdf.ParsePreset(c.String("preset")); err != nil {
					return e.fail(err)
				}
			}
			mgr, err := e.manager()
			if err != nil {
				return e.fail(err)
			}
			creds, err := e.credentials(c, "New passphrase: ", true)
			if err != nil {
				return e.fail(err)
			}
			defer kdf.Zero(creds.Passphrase)

			p := e.spin("Creating " + name)
			s, err := mgr.Create(c.Context, name, creds, preset)
			p.stop()
			if err != nil {
				return e.fail(err)
			}
			defer s.Lock()
			sum, err := summarize(s)
			if err != nil {
				return e.fail(err)
			}
			e.ok(fmt.Sprintf("Created vault %q", s.Name()))
			return e.outputJSON(sum)
		},
	}
}

func vaultListCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List vaults without unlocking them",
		Action: func(c *cli.Context) error {
			mgr, err := e.manager()
			if err != nil {
				return e.fail(err)
			}
			infos, err := mgr.List()
			if err != nil {
				return e.fail(err)
			}
			type row struct {
				Name            string     `json:"name"`
				CreatedAt       int64      `json:"created_at"`
				LastUnlockedAt  *int64     `json:"last_unlocked_at"`
				Preset          kdf.Preset `json:"kdf_preset"`
				KeyfileRequired bool       `json:"keyfile_required"`
			}
			rows := make([]row, 0, len(infos))
			for _, in := range infos {
				rows = append(rows, row(in))
			}
			return e.outputJSON(rows)
		},
	}
}

func vaultInfoCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Unlock a vault and print its summary",
		ArgsUsage: "<name>",
		Flags:     []cli.Flag{keyfileFlag()},
		Action: func(c *cli.Context) error {
			return e.withSession(c, func(s *vault.Session) error {
				sum, err := summarize(s)
				if err != nil {
					return err
				}
				return e.outputJSON(sum)
			})
		},
	}
}

func vaultDeleteCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a vault and everything in it (requires its credentials)",
		ArgsUsage: "<name>",
		Flags:     []cli.Flag{keyfileFlag()},
		Action: func(c *cli.Context) error {
			name, err := vaultArg(c)
			if err != nil {
				return e.fail(err)
			}
			mgr, err := e.manager()
			if err != nil {
				return e.fail(err)
			}
			creds, err := e.credentials(c, "Passphrase: ", false)
			if err != nil {
				return e.fail(err)
			}
			defer kdf.Zero(creds.Passphrase)

			p := e.spin("Deleting " + name)
			err = mgr.Delete(c.Context, name, creds)
			p.stop()
			if err != nil {
				return e.fail(err)
			}
			e.ok(fmt.Sprintf("Deleted vault %q", name))
			return nil
		},
	}
}

func vaultPasswdCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "passwd",
		Usage:     "Change a vault's passphrase, keyfile or KDF preset (re-encrypts every item)",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			keyfileFlag(),
			&cli.StringFlag{Name: "new-keyfile", Usage: "Keyfile for the new credentials (default: keep --keyfile)"},
			&cli.BoolFlag{Name: "drop-keyfile", Usage: "Stop requiring a keyfile"},
			&cli.StringFlag{Name: "preset", Aliases: []string{"p"}, Usage: "New KDF preset (default: keep the current one)"},
		},
		Action: func(c *cli.Context) error {
			var preset kdf.Preset
			if c.IsSet("preset") {
				p, err := kdf.ParsePreset(c.String("preset"))
				if err != nil {
					return e.fail(err)
				}
				preset = p
			}
			if c.Bool("drop-keyfile") && c.String("new-keyfile") != "" {
				return e.fail(errors.NewInvalidRequest("--drop-keyfile and --new-keyfile are mutually exclusive"))
			}
			return e.withSession(c, func(s *vault.Session) error {
				next, err := e.readSecret("New passphrase: ", true)
				if err != nil {
					return err
				}
				defer kdf.Zero(next)
				creds := vault.Credentials{Passphrase: next, KeyfilePath: c.String("keyfile")}
				if k := c.String("new-keyfile"); k != "" {
					creds.KeyfilePath = k
				}
				if c.Bool("drop-keyfile") {
					creds.KeyfilePath = ""
				}

				p := e.spin("Re-encrypting")
				err = s.ChangePassphrase(c.Context, creds, preset, p.update)
				p.stop()
				if err != nil {
					return err
				}
				e.ok(fmt.Sprintf("Changed credentials of vault %q", s.Name()))
				return nil
			})
		},
	}
}

func vaultSettingsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "settings",
		Usage:     "Show or change vault settings",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			keyfileFlag(),
			&cli.IntFlag{Name: "auto-lock", Usage: "Idle minutes before auto-lock (0 disables)"},
			&cli.StringFlag{Name: "default-category", Usage: "Category for new items"},
			&cli.StringFlag{Name: "sort", Usage: "Item order: modified_desc|modified_asc|name_asc|name_desc|created_desc|created_asc"},
			&cli.StringFlag{Name: "view", Usage: "View mode: list|grid"},
		},
		Action: func(c *cli.Context) error {
			var upd vault.SettingsUpdate
			if c.IsSet("auto-lock") {
				v := c.Int("auto-lock")
				upd.AutoLockMinutes = &v
			}
			if c.IsSet("default-category") {
				v := c.String("default-category")
				upd.DefaultCategory = &v
			}
			if c.IsSet("sort") {
				v := manifest.SortOrder(c.String("sort"))
				upd.SortOrder = &v
			}
			if c.IsSet("view") {
				v := manifest.ViewMode(c.String("view"))
				upd.ViewMode = &v
			}
			return e.withSession(c, func(s *vault.Session) error {
				settings, err := s.UpdateSettings(c.Context, upd)
				if err != nil {
					return err
				}
				return e.outputJSON(settings)
			})
		},
	}
}

func vaultCategoryCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "category",
		Usage: "Manage a vault's categories",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add a category",
				ArgsUsage: "<vault> <label>",
				Flags: []cli.Flag{
					keyfileFlag(),
					&cli.StringFlag{Name: "icon", Usage: "Icon name"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return e.fail(errors.NewInvalidRequest("vault name and label are required"))
					}
					return e.withSession(c, func(s *vault.Session) error {
						cat, err := s.AddCategory(c.Context, c.Args().Get(1), c.String("icon"))
						if err != nil {
							return err
						}
						return e.outputJSON(cat)
					})
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove a category; its items move to the default category",
				ArgsUsage: "<vault> <id>",
				Flags:     []cli.Flag{keyfileFlag()},
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return e.fail(errors.NewInvalidRequest("vault name and category id are required"))
					}
					return e.withSession(c, func(s *vault.Session) error {
						if err := s.RemoveCategory(c.Context, c.Args().Get(1)); err != nil {
							return err
						}
						e.ok(fmt.Sprintf("Removed category %q", c.Args().Get(1)))
						return nil
					})
				},
			},
		},
	}
}

func vaultBackupCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "backup",
		Usage:     "Write the encrypted vault to a tar.gz archive",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Required: true, Usage: "Archive path"},
		},
		Action: func(c *cli.Context) error {
			name, err := vaultArg(c)
			if err != nil {
				return e.fail(err)
			}
			mgr, err := e.manager()
			if err != nil {
				return e.fail(err)
			}
			n, err := mgr.Backup(c.Context, name, c.String("out"))
			if err != nil {
				return e.fail(err)
			}
			e.ok(fmt.Sprintf("Backed up %d containers of vault %q", n, name))
			return e.outputJSON(map[string]any{"vault": name, "archive": c.String("out"), "containers": n})
		},
	}
}

func vaultRestoreCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "Install a vault from a backup archive (requires its credentials)",
		ArgsUsage: "<archive>",
		Flags: []cli.Flag{
			keyfileFlag(),
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Usage: "Name of the restored vault"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return e.fail(errors.NewInvalidRequest("archive path is required"))
			}
			mgr, err := e.manager()
			if err != nil {
				return e.fail(err)
			}
			creds, err := e.credentials(c, "Passphrase: ", false)
			if err != nil {
				return e.fail(err)
			}
			defer kdf.Zero(creds.Passphrase)

			name := c.String("name")
			p := e.spin("Restoring " + name)
			err = mgr.Restore(c.Context, c.Args().First(), name, creds)
			p.stop()
			if err != nil {
				return e.fail(err)
			}
			e.ok(fmt.Sprintf("Restored vault %q", name))
			return nil
		},
	}
}

func vaultRecoverCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Repair interrupted operations and reconcile the registry",
		Action: func(c *cli.Context) error {
			if _, err := e.manager(); err != nil {
				return e.fail(err)
			}
			rep := e.recovered
			if rep == nil {
				rep = &vault.RecoveryReport{}
			}
			return e.outputJSON(map[string]any{
				"rolled_back":   rep.RolledBack,
				"completed":     rep.Completed,
				"temps_removed": rep.TempsRemoved,
				"adopted":       rep.Adopted,
				"pruned":        rep.Pruned,
			})
		},
	}
}
