package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hpungsan/gtkrypt/internal/errors"
)

// cheapKDF keeps standalone encrypt tests fast.
var cheapKDF = []string{"--time", "1", "--memory", "64", "--parallelism", "1"}

// run executes one CLI invocation against home with stdin as piped input.
func run(t *testing.T, home, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	e := newEnv(strings.NewReader(stdin), &stdout, &stderr)
	defer e.close()
	app := newCLIApp(e)
	err := app.RunContext(context.Background(), append([]string{"gtkrypt", "--home", home}, args...))
	if err != nil && err.Error() != "" {
		stderr.WriteString(err.Error())
	}
	return stdout.String(), stderr.String(), exitStatus(err)
}

// TestParseTags tests the parseTags helper function.
func TestParseTags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single tag", "foo", []string{"foo"}},
		{"multiple tags", "foo,bar,baz", []string{"foo", "bar", "baz"}},
		{"tags with spaces", " foo , bar , baz ", []string{"foo", "bar", "baz"}},
		{"empty tags filtered", "foo,,bar,", []string{"foo", "bar"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseTags(tt.input)
			if len(result) != len(tt.expected) {
				t.Fatalf("expected %d tags, got %d", len(tt.expected), len(result))
			}
			for i, tag := range result {
				if tag != tt.expected[i] {
					t.Errorf("expected tag[%d]=%q, got %q", i, tt.expected[i], tag)
				}
			}
		})
	}
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"username=ann", "password=a=b,c", " url =x"})
	if err != nil {
		t.Fatalf("parseFields: %v", err)
	}
	want := map[string]string{"username": "ann", "password": "a=b,c", "url": "x"}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %q, want %q", k, fields[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseFields([]string{bad}); !errors.Is(err, errors.ErrInvalidRequest) {
			t.Errorf("parseFields(%q) error = %v, want INVALID_REQUEST", bad, err)
		}
	}

	if fields, err := parseFields(nil); err != nil || fields != nil {
		t.Errorf("parseFields(nil) = %v, %v", fields, err)
	}
}

func TestRecordField(t *testing.T) {
	data := []byte(`{"username":"ann","password":"pw","totp":""}`)

	v, err := recordField("login", data, "")
	if err != nil || v != "pw" {
		t.Errorf("default field = %q, %v; want the password", v, err)
	}
	v, err = recordField("login", data, "username")
	if err != nil || v != "ann" {
		t.Errorf("username = %q, %v", v, err)
	}
	if _, err := recordField("login", data, "pin"); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("missing field error = %v", err)
	}
	if _, err := recordField("login", []byte("{"), ""); !errors.Is(err, errors.ErrVaultCorrupt) {
		t.Errorf("bad payload error = %v", err)
	}
}

func TestMaskSecrets(t *testing.T) {
	fields := map[string]string{"username": "ann", "password": "pw"}
	maskSecrets("login", fields)
	if fields["username"] != "ann" || fields["password"] != maskedValue {
		t.Errorf("masked = %v", fields)
	}
}

func TestExitStatus(t *testing.T) {
	if got := exitStatus(nil); got != 0 {
		t.Errorf("exitStatus(nil) = %d", got)
	}
	e := newEnv(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	cases := map[errors.ErrorCode]int{
		errors.ErrWrongPassphrase:  1,
		errors.ErrCorruptFile:      2,
		errors.ErrPermissionDenied: 3,
		errors.ErrVaultNotFound:    10,
	}
	for code, want := range cases {
		err := e.fail(&errors.GtkryptError{Code: code, Message: "x"})
		if got := exitStatus(err); got != want {
			t.Errorf("%s: exit %d, want %d", code, got, want)
		}
	}
	if err := e.fail(errors.NewCancelled("test")); err.Error() != "" {
		t.Errorf("cancelled message = %q, want silent", err.Error())
	}
}

func TestEncryptDecrypt(t *testing.T) {
	home := t.TempDir()
	src := filepath.Join(t.TempDir(), "notes.txt")
	plaintext := bytes.Repeat([]byte("gtkrypt "), 20000)
	if err := os.WriteFile(src, plaintext, 0640); err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	container := filepath.Join(outDir, "notes.txt.gtkrypt")

	args := append([]string{"encrypt", "--in", src, "--out", container}, cheapKDF...)
	stdout, stderr, code := run(t, home, "hunter2\n", args...)
	if code != 0 {
		t.Fatalf("encrypt exit %d: %s", code, stderr)
	}
	var res cryptResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("parse output: %v\n%s", err, stdout)
	}
	if res.Output != container || res.Version != 2 {
		t.Errorf("result = %+v", res)
	}
	info, err := os.Stat(container)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("container mode = %v, want 0600", info.Mode().Perm())
	}

	// Default output is the stored file name next to the container.
	_, stderr, code = run(t, home, "hunter2\n", "decrypt", "--in", container, "--restore-mode")
	if code != 0 {
		t.Fatalf("decrypt exit %d: %s", code, stderr)
	}
	got, err := os.ReadFile(filepath.Join(outDir, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted content differs")
	}
	info, _ = os.Stat(filepath.Join(outDir, "notes.txt"))
	if info.Mode().Perm() != 0640 {
		t.Errorf("restored mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestDecrypt_ExitCodes(t *testing.T) {
	home := t.TempDir()
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(src, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	container := filepath.Join(dir, "a.gtkrypt")
	args := append([]string{"encrypt", "--in", src, "--out", container}, cheapKDF...)
	if _, stderr, code := run(t, home, "right\n", args...); code != 0 {
		t.Fatalf("encrypt exit %d: %s", code, stderr)
	}

	out := filepath.Join(dir, "out.txt")
	_, stderr, code := run(t, home, "wrong\n", "decrypt", "--in", container, "--out", out)
	if code != 1 {
		t.Errorf("wrong passphrase exit %d, want 1 (%s)", code, stderr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("output written despite authentication failure")
	}

	garbage := filepath.Join(dir, "garbage.gtkrypt")
	if err := os.WriteFile(garbage, []byte("definitely not a container"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, code := run(t, home, "right\n", "decrypt", "--in", garbage, "--out", out); code != 2 {
		t.Errorf("corrupt container exit %d, want 2", code)
	}

	if _, _, code := run(t, home, "", "decrypt", "--in", container, "--out", out); code != 10 {
		t.Errorf("missing passphrase exit %d, want 10", code)
	}

	bad := append([]string{"encrypt", "--in", src, "--out", filepath.Join(dir, "b.gtkrypt"), "--memory", "1"}, "--time", "1")
	if _, _, code := run(t, home, "pw\n", bad...); code != 10 {
		t.Errorf("invalid kdf params exit %d, want 10", code)
	}
}

func TestEncrypt_Keyfile(t *testing.T) {
	home := t.TempDir()
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	keyfile := filepath.Join(dir, "key.bin")
	if err := os.WriteFile(src, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyfile, []byte("second factor"), 0600); err != nil {
		t.Fatal(err)
	}
	container := filepath.Join(dir, "a.gtkrypt")
	args := append([]string{"encrypt", "--in", src, "--out", container, "--keyfile", keyfile}, cheapKDF...)
	if _, stderr, code := run(t, home, "pw\n", args...); code != 0 {
		t.Fatalf("encrypt exit %d: %s", code, stderr)
	}

	out := filepath.Join(dir, "out.txt")
	if _, _, code := run(t, home, "pw\n", "decrypt", "--in", container, "--out", out); code != 1 {
		t.Errorf("decrypt without keyfile exit %d, want 1", code)
	}
	if _, stderr, code := run(t, home, "pw\n", "decrypt", "--in", container, "--out", out, "--keyfile", keyfile); code != 0 {
		t.Fatalf("decrypt with keyfile exit %d: %s", code, stderr)
	}
}

// TestVaultWorkflow drives the vault and item commands end to end with the
// default preset.
func TestVaultWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the balanced preset several times")
	}
	home := t.TempDir()

	stdout, stderr, code := run(t, home, "pw\n", "vault", "create", "personal")
	if code != 0 {
		t.Fatalf("create exit %d: %s", code, stderr)
	}
	var sum vaultSummary
	if err := json.Unmarshal([]byte(stdout), &sum); err != nil {
		t.Fatalf("parse create output: %v", err)
	}
	if sum.Name != "personal" || sum.Preset != "balanced" || sum.Items != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if _, _, code := run(t, home, "pw\n", "vault", "create", "personal"); code != 10 {
		t.Errorf("duplicate create exit %d, want 10", code)
	}

	stdout, stderr, code = run(t, home, "pw\n# Groceries\n\n- *milk*\n", "item", "add", "-V", "personal", "--type", "note", "--name", "shopping")
	if code != 0 {
		t.Fatalf("add note exit %d: %s", code, stderr)
	}
	var note itemSummary
	if err := json.Unmarshal([]byte(stdout), &note); err != nil {
		t.Fatalf("parse add output: %v", err)
	}

	stdout, stderr, code = run(t, home, "pw\n", "item", "add", "-V", "personal", "--type", "record",
		"--template", "login", "--name", "mail", "--field", "username=ann", "--field", "password=s3cret,with,commas")
	if code != 0 {
		t.Fatalf("add record exit %d: %s", code, stderr)
	}
	var record itemSummary
	if err := json.Unmarshal([]byte(stdout), &record); err != nil {
		t.Fatalf("parse add output: %v", err)
	}
	if record.Category != "logins" {
		t.Errorf("record category = %q, want the template's", record.Category)
	}

	stdout, _, code = run(t, home, "pw\n", "item", "show", "-V", "personal", record.ID)
	if code != 0 || strings.Contains(stdout, "s3cret") || !strings.Contains(stdout, maskedValue) {
		t.Errorf("show should mask the password (exit %d): %s", code, stdout)
	}
	stdout, _, _ = run(t, home, "pw\n", "item", "show", "-V", "personal", "--reveal", record.ID)
	if !strings.Contains(stdout, "s3cret,with,commas") {
		t.Errorf("show --reveal: %s", stdout)
	}

	stdout, _, code = run(t, home, "pw\n", "item", "render", "-V", "personal", note.ID)
	if code != 0 || !strings.Contains(stdout, "<h1>Groceries</h1>") || !strings.Contains(stdout, "<em>milk</em>") {
		t.Errorf("render (exit %d): %s", code, stdout)
	}

	stdout, _, code = run(t, home, "pw\n", "item", "list", "-V", "personal", "--type", "note")
	var listed []itemSummary
	if err := json.Unmarshal([]byte(stdout), &listed); err != nil || code != 0 {
		t.Fatalf("list (exit %d): %v", code, err)
	}
	if len(listed) != 1 || listed[0].ID != note.ID {
		t.Errorf("list = %+v", listed)
	}

	if _, _, code := run(t, home, "wrong\n", "vault", "info", "personal"); code != 1 {
		t.Errorf("wrong passphrase exit %d, want 1", code)
	}

	archive := filepath.Join(t.TempDir(), "personal.tar.gz")
	if _, stderr, code := run(t, home, "", "vault", "backup", "personal", "--out", archive); code != 0 {
		t.Fatalf("backup exit %d: %s", code, stderr)
	}
	if _, stderr, code := run(t, home, "pw\n", "vault", "restore", archive, "--name", "copy"); code != 0 {
		t.Fatalf("restore exit %d: %s", code, stderr)
	}

	stdout, _, _ = run(t, home, "", "vault", "list")
	if !strings.Contains(stdout, `"personal"`) || !strings.Contains(stdout, `"copy"`) {
		t.Errorf("vault list: %s", stdout)
	}

	if _, stderr, code := run(t, home, "pw\n", "item", "rm", "-V", "copy", note.ID); code != 0 {
		t.Fatalf("rm exit %d: %s", code, stderr)
	}
	if _, _, code := run(t, home, "pw\n", "item", "show", "-V", "copy", note.ID); code != 10 {
		t.Errorf("show removed item exit %d, want 10", code)
	}

	if _, stderr, code := run(t, home, "pw\n", "vault", "delete", "copy"); code != 0 {
		t.Fatalf("delete exit %d: %s", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(home, "vaults", "copy")); !os.IsNotExist(err) {
		t.Error("deleted vault directory still present")
	}
}
