package main

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/hpungsan/gtkrypt/internal/config"
	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/fsutil"
	"github.com/hpungsan/gtkrypt/internal/header"
	"github.com/hpungsan/gtkrypt/internal/kdf"
	"github.com/hpungsan/gtkrypt/internal/logging"
	"github.com/hpungsan/gtkrypt/internal/registry"
	"github.com/hpungsan/gtkrypt/internal/stream"
	"github.com/hpungsan/gtkrypt/internal/vault"
)

// env carries the process streams and the lazily opened vault manager.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	lines  *bufio.Reader

	home string
	cfg  *config.Config
	log  *logrus.Logger

	db        *sql.DB
	mgr       *vault.Manager
	recovered *vault.RecoveryReport
}

func newEnv(stdin io.Reader, stdout, stderr io.Writer) *env {
	return &env{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		lines:  bufio.NewReader(stdin),
		cfg:    config.DefaultConfig(),
		log:    logging.Discard(),
	}
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(e *env) *cli.App {
	app := &cli.App{
		Name:      "gtkrypt",
		Usage:     "Encrypt files and keep them in passphrase-protected vaults",
		Version:   Version,
		Writer:    e.stdout,
		ErrWriter: e.stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", EnvVars: []string{"GTKRYPT_HOME"}, Usage: "Base directory (default ~/.gtkrypt)"},
			&cli.StringFlag{Name: "vaults-dir", Usage: "Directory holding the vaults"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level: debug|info|warn|error"},
		},
		Before: e.before,
		// Record field values may contain commas.
		DisableSliceFlagSeparator: true,
		Commands: []*cli.Command{
			encryptCmd(e),
			decryptCmd(e),
			vaultCmd(e),
			itemCmd(e),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// before resolves the base directory and overlays flags onto the config.
func (e *env) before(c *cli.Context) error {
	home := c.String("home")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return e.fail(errors.NewInternal(fmt.Errorf("could not determine home directory: %w", err)))
		}
		home = filepath.Join(userHome, ".gtkrypt")
	}
	cfg, err := config.Load(home)
	if err != nil {
		return e.fail(errors.NewInvalidRequest(err.Error()))
	}
	overlay := &config.Config{
		VaultsDir: c.String("vaults-dir"),
		LogLevel:  c.String("log-level"),
	}
	e.home = home
	e.cfg = config.Merge(cfg, overlay)
	e.log = logging.New(e.stderr, e.cfg.LogLevel)
	return nil
}

// manager opens the registry and the vault manager on first use and runs
// crash recovery once.
func (e *env) manager() (*vault.Manager, error) {
	if e.mgr != nil {
		return e.mgr, nil
	}
	db, err := registry.Init(e.home)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	mgr, err := vault.NewManager(db, e.cfg, e.log)
	if err != nil {
		db.Close()
		return nil, err
	}
	rep, err := mgr.Recover()
	if err != nil {
		e.log.WithError(err).Warn("vault recovery incomplete")
	}
	if rep != nil {
		for _, name := range rep.RolledBack {
			e.warn(fmt.Sprintf("Interrupted passphrase change on %q was rolled back", name))
		}
	}
	e.db, e.mgr, e.recovered = db, mgr, rep
	return mgr, nil
}

func (e *env) close() {
	if e.db != nil {
		e.db.Close()
		e.db = nil
	}
}

// readSecret reads a passphrase from the terminal without echo, or the next
// line of piped stdin. confirm asks twice on a terminal.
func (e *env) readSecret(prompt string, confirm bool) ([]byte, error) {
	if f, ok := e.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := e.promptTTY(f, prompt)
		if err != nil {
			return nil, err
		}
		if confirm {
			again, err := e.promptTTY(f, "Confirm "+strings.ToLower(prompt[:1])+prompt[1:])
			if err != nil {
				kdf.Zero(pw)
				return nil, err
			}
			match := subtle.ConstantTimeCompare(pw, again) == 1
			kdf.Zero(again)
			if !match {
				kdf.Zero(pw)
				return nil, errors.NewInvalidRequest("passphrases do not match")
			}
		}
		return pw, nil
	}

	line, err := e.lines.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, errors.NewInternal(err)
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, errors.NewInvalidRequest("passphrase is required (type it or pipe it on stdin)")
	}
	return line, nil
}

func (e *env) promptTTY(f *os.File, prompt string) ([]byte, error) {
	fmt.Fprint(e.stderr, prompt)
	pw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(e.stderr)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to read passphrase: %w", err))
	}
	if len(pw) == 0 {
		return nil, errors.NewInvalidRequest("empty passphrase is not allowed")
	}
	return pw, nil
}

// readRest returns whatever stdin holds after the passphrase line.
func (e *env) readRest() (string, error) {
	if f, ok := e.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", nil
	}
	data, err := io.ReadAll(e.lines)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return string(data), nil
}

// progress shows a spinner on an interactive stderr; otherwise it is silent.
type progress struct {
	s     *spinner.Spinner
	label string
}

func (e *env) spin(label string) *progress {
	p := &progress{label: label}
	f, ok := e.stderr.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p
	}
	p.s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(f))
	p.s.Suffix = " " + label
	p.s.Start()
	return p
}

// update is a stream.Progress.
func (p *progress) update(done, total int64) {
	if p.s == nil {
		return
	}
	p.s.Lock()
	p.s.Suffix = fmt.Sprintf(" %s %d/%d", p.label, done, total)
	p.s.Unlock()
}

func (p *progress) stop() {
	if p.s != nil {
		p.s.Stop()
	}
}

func (e *env) ok(msg string) {
	fmt.Fprintln(e.stderr, color.GreenString("✓")+" "+msg)
}

func (e *env) warn(msg string) {
	fmt.Fprintln(e.stderr, color.YellowString("!")+" "+msg)
}

// outputJSON marshals result to stdout as JSON.
func (e *env) outputJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail formats err for the CLI with the crypto-worker exit status.
func (e *env) fail(err error) error {
	code := errors.ExitCode(err)
	msg := errors.UserMessage(err)
	if errors.CodeOf(err) == errors.ErrInternal {
		e.log.WithError(err).Debug("internal error")
	}
	if msg == "" {
		return cli.Exit("", code)
	}
	return cli.Exit(fmt.Sprintf("[%s] %s", errors.CodeOf(err), msg), code)
}

// exitStatus maps an error returned by the app onto the process exit status.
func exitStatus(err error) int {
	if err == nil {
		return errors.ExitOK
	}
	if ec, ok := err.(cli.ExitCoder); ok {
		return ec.ExitCode()
	}
	return errors.ExitCode(err)
}

func kdfFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "preset", Aliases: []string{"p"}, Usage: "KDF preset: balanced|strong|very-strong"},
		&cli.UintFlag{Name: "time", Usage: "Argon2id passes (overrides the preset)"},
		&cli.UintFlag{Name: "memory", Usage: "Argon2id memory in KiB (overrides the preset)"},
		&cli.UintFlag{Name: "parallelism", Usage: "Argon2id lanes (overrides the preset)"},
	}
}

// kdfParams resolves --preset and the explicit cost overrides.
func kdfParams(c *cli.Context, fallback kdf.Preset) (kdf.Params, error) {
	preset := fallback
	if s := c.String("preset"); s != "" {
		p, err := kdf.ParsePreset(s)
		if err != nil {
			return kdf.Params{}, err
		}
		preset = p
	}
	params, err := kdf.ParamsFor(preset)
	if err != nil {
		return kdf.Params{}, err
	}
	if c.IsSet("time") {
		params.TimeCost = uint32(c.Uint("time"))
	}
	if c.IsSet("memory") {
		params.MemoryKiB = uint32(c.Uint("memory"))
	}
	if c.IsSet("parallelism") {
		p := c.Uint("parallelism")
		if p > kdf.MaxParallelism {
			return kdf.Params{}, errors.NewInvalidRequest(fmt.Sprintf("parallelism %d out of range", p))
		}
		params.Parallelism = uint8(p)
	}
	if err := params.Validate(); err != nil {
		return kdf.Params{}, errors.NewInvalidRequest(err.Error())
	}
	return params, nil
}

// cryptResult is printed by encrypt and decrypt.
type cryptResult struct {
	Input   string `json:"input"`
	Output  string `json:"output"`
	Version uint8  `json:"version"`
}

// encryptCmd creates the encrypt command.
func encryptCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "encrypt",
		Usage: "Encrypt a file into a standalone container (passphrase on stdin)",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Required: true, Usage: "File to encrypt"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Container path (default <in>.gtkrypt)"},
			&cli.StringFlag{Name: "keyfile", Aliases: []string{"k"}, Usage: "Keyfile required alongside the passphrase"},
		}, kdfFlags()...),
		Action: func(c *cli.Context) error {
			params, err := kdfParams(c, e.cfg.DefaultPreset)
			if err != nil {
				return e.fail(err)
			}
			in := c.String("in")
			out := c.String("out")
			if out == "" {
				out = in + stream.Extension
			}

			pw, err := e.readSecret("Passphrase: ", true)
			if err != nil {
				return e.fail(err)
			}
			defer kdf.Zero(pw)
			digest, err := kdf.ReadKeyfile(c.String("keyfile"))
			if err != nil {
				return e.fail(err)
			}
			defer kdf.Zero(digest)

			p := e.spin("Encrypting")
			h, err := stream.EncryptFile(c.Context, in, out, params, pw, digest, stream.Options{Progress: p.update})
			p.stop()
			if err != nil {
				return e.fail(err)
			}
			e.ok("Encrypted " + filepath.Base(in))
			return e.outputJSON(cryptResult{Input: in, Output: out, Version: h.Version()})
		},
	}
}

// decryptCmd creates the decrypt command.
func decryptCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "decrypt",
		Usage: "Decrypt a standalone container (passphrase on stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Required: true, Usage: "Container to decrypt"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output path (default: stored file name next to the container)"},
			&cli.StringFlag{Name: "keyfile", Aliases: []string{"k"}, Usage: "Keyfile the container was encrypted with"},
			&cli.BoolFlag{Name: "restore-mode", Usage: "Apply the permission bits stored in the container"},
		},
		Action: func(c *cli.Context) error {
			in := c.String("in")
			out := c.String("out")
			if out == "" {
				h, err := inspect(in)
				if err != nil {
					return e.fail(err)
				}
				out = stream.DecryptedName(in, h)
			}

			pw, err := e.readSecret("Passphrase: ", false)
			if err != nil {
				return e.fail(err)
			}
			defer kdf.Zero(pw)
			digest, err := kdf.ReadKeyfile(c.String("keyfile"))
			if err != nil {
				return e.fail(err)
			}
			defer kdf.Zero(digest)

			keys := stream.NewPassphraseKey(pw, digest)
			defer keys.Close()

			p := e.spin("Decrypting")
			h, err := stream.DecryptFile(c.Context, in, out, keys, stream.Options{
				Progress:    p.update,
				RestoreMode: c.Bool("restore-mode"),
			})
			p.stop()
			if err != nil {
				return e.fail(err)
			}
			e.ok("Decrypted " + filepath.Base(in))
			return e.outputJSON(cryptResult{Input: in, Output: out, Version: h.Version()})
		},
	}
}

func inspect(path string) (header.Header, error) {
	f, err := fsutil.OpenNoFollow(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("input not found: %s", path))
		}
		return nil, errors.FromFS(path, err)
	}
	defer f.Close()
	return stream.Inspect(f)
}

// parseTags splits a comma-separated string into a slice of tags.
func parseTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// parseFields turns repeated key=value flags into a record field map.
func parseFields(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	fields := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("field must be key=value: %q", p))
		}
		fields[k] = v
	}
	return fields, nil
}
