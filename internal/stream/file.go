package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/fsutil"
	"github.com/hpungsan/gtkrypt/internal/header"
	"github.com/hpungsan/gtkrypt/internal/kdf"
)

// Extension is appended to encrypted file names.
const Extension = ".gtkrypt"

// DefaultPerm is the mode of every file gtkrypt writes unless told otherwise.
const DefaultPerm os.FileMode = 0600

// Options tune the file front-ends.
type Options struct {
	Progress Progress

	// RestoreMode applies the permission bits stored in a v2 header to the
	// decrypted file instead of DefaultPerm. Ignored for v1 or mode 0.
	RestoreMode bool

	// Perm overrides DefaultPerm for encrypted output.
	Perm os.FileMode
}

func (o Options) perm() os.FileMode {
	if o.Perm == 0 {
		return DefaultPerm
	}
	return o.Perm
}

// EncryptFile encrypts the file at in to out under a key derived from
// passphrase, keyfileDigest and a fresh salt. The original base name and
// permission bits are recorded in the header.
func EncryptFile(ctx context.Context, in, out string, params kdf.Params, passphrase, keyfileDigest []byte, opts Options) (header.Header, error) {
	if err := sameFile(in, out); err != nil {
		return nil, err
	}
	src, info, err := openInput(in)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	h, err := NewHeader(params, salt)
	if err != nil {
		return nil, err
	}
	h.Filename = filepath.Base(in)
	h.Mode = uint32(info.Mode().Perm())

	key, err := kdf.DeriveKey(passphrase, salt[:], params, keyfileDigest)
	if err != nil {
		return nil, err
	}
	defer kdf.Zero(key)

	if err := WriteContainer(ctx, out, src, info.Size(), h, key, opts); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteContainer encrypts size bytes from r into a new container at path.
// The container replaces path only once it is complete.
func WriteContainer(ctx context.Context, path string, r io.Reader, size int64, h header.Header, key []byte, opts Options) error {
	af, err := fsutil.CreateAtomic(path, opts.perm())
	if err != nil {
		return err
	}
	defer af.Abort()

	if err := Encrypt(ctx, r, size, h, key, af, opts.Progress); err != nil {
		return err
	}
	return af.Commit()
}

// DecryptFile decrypts the container at in to out. If any chunk fails to
// authenticate, out is left exactly as it was.
func DecryptFile(ctx context.Context, in, out string, keys KeySource, opts Options) (header.Header, error) {
	if err := sameFile(in, out); err != nil {
		return nil, err
	}
	src, _, err := openInput(in)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	af, err := fsutil.CreateAtomic(out, DefaultPerm)
	if err != nil {
		return nil, err
	}
	defer af.Abort()

	h, err := Decrypt(ctx, src, keys, af, opts.Progress)
	if err != nil {
		return nil, err
	}
	if v2, ok := h.(*header.V2); ok && opts.RestoreMode && v2.Mode != 0 {
		if err := af.Chmod(os.FileMode(v2.Mode).Perm()); err != nil {
			return nil, errors.FromFS(out, err)
		}
	}
	if err := af.Commit(); err != nil {
		return nil, err
	}
	return h, nil
}

// ReadContainer decrypts the container at path into memory. A missing file
// is returned as fs.ErrNotExist wrapped in *os.PathError so callers can map
// it to their own not-found error.
func ReadContainer(ctx context.Context, path string, keys KeySource) ([]byte, header.Header, error) {
	f, err := fsutil.OpenNoFollow(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, err
		}
		return nil, nil, errors.FromFS(path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		buf.Grow(int(min(info.Size(), MaxPlaintextSize)))
	}
	h, err := Decrypt(ctx, f, keys, &buf, nil)
	if err != nil {
		kdf.Zero(buf.Bytes())
		return nil, nil, err
	}
	return buf.Bytes(), h, nil
}

// Reencrypt decrypts src and re-encrypts it under newKey into a new
// container at dst, without holding more than a chunk of plaintext in
// memory. The filename and mode of the old header carry over into newHeader.
func Reencrypt(ctx context.Context, src, dst string, keys KeySource, newHeader header.Header, newKey []byte, progress Progress) error {
	f, err := fsutil.OpenNoFollow(src)
	if err != nil {
		return errors.FromFS(src, err)
	}
	defer f.Close()

	old, err := Inspect(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errors.FromFS(src, err)
	}

	nf := newHeader.Common()
	nf.Filename = old.Common().Filename
	if ov, ok := old.(*header.V2); ok {
		if nv, ok := newHeader.(*header.V2); ok {
			nv.Mode = ov.Mode
		}
	}

	pr, pw := io.Pipe()
	decErr := make(chan error, 1)
	go func() {
		_, err := Decrypt(ctx, f, keys, pw, nil)
		pw.CloseWithError(err)
		decErr <- err
	}()

	encErr := WriteContainer(ctx, dst, pr, int64(old.Common().FileSize), newHeader, newKey, Options{Progress: progress})
	pr.CloseWithError(io.ErrClosedPipe)

	// A failed read side surfaces in the writer as a pipe error, and the other
	// way round, so report whichever side failed on its own terms.
	dErr := <-decErr
	switch {
	case dErr == nil:
		return encErr
	case encErr == nil, errors.CodeOf(dErr) != errors.ErrInternal:
		return dErr
	default:
		return encErr
	}
}

// DecryptedName picks an output path for decrypting in: the file name stored
// in h placed next to in, or in without its extension.
func DecryptedName(in string, h header.Header) string {
	dir := filepath.Dir(in)
	if name := h.Common().Filename; name != "" {
		base := filepath.Base(filepath.Clean(name))
		if base != "." && base != ".." && base != string(filepath.Separator) && !strings.ContainsAny(base, `/\`) {
			return filepath.Join(dir, base)
		}
	}
	if trimmed := strings.TrimSuffix(in, Extension); trimmed != in {
		return trimmed
	}
	return in + ".decrypted"
}

func openInput(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("input not found: %s", path))
		}
		return nil, nil, errors.FromFS(path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.FromFS(path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, errors.NewInvalidRequest(fmt.Sprintf("input is not a regular file: %s", path))
	}
	return f, info, nil
}

func sameFile(in, out string) error {
	if out == "" {
		return errors.NewInvalidRequest("output path is required")
	}
	a, errA := filepath.Abs(in)
	b, errB := filepath.Abs(out)
	if errA == nil && errB == nil && a == b {
		return errors.NewInvalidRequest("input and output must differ")
	}
	return nil
}
