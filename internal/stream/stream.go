// Package stream is the chunked AES-256-GCM engine behind every gtkrypt
// container.
//
// A container is an encoded header followed by ceil(size/ChunkSize) sealed
// chunks. Chunk i is sealed with the header's base nonce XOR i (big-endian,
// last 8 bytes) and the header's 49-byte AAD, so every chunk is bound to its
// position and to the header's KDF parameters, salt and nonce. The last chunk
// additionally has finalFlag XORed into the first nonce byte, so a container
// cut at a chunk boundary fails authentication. Memory use is one chunk
// regardless of input size.
package stream

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/header"
	"github.com/hpungsan/gtkrypt/internal/kdf"
)

const (
	// ChunkSize is the plaintext size of every chunk but the last.
	ChunkSize = 64 * 1024

	// TagSize is the GCM tag appended to each sealed chunk.
	TagSize = 16

	// MaxPlaintextSize keeps size arithmetic far from overflow.
	MaxPlaintextSize = 1 << 50
)

// Progress receives the number of plaintext bytes processed so far.
type Progress func(done, total int64)

// ChunkCount returns ceil(size / ChunkSize).
func ChunkCount(size int64) int64 {
	return (size + ChunkSize - 1) / ChunkSize
}

// CiphertextSize returns the chunk-stream length for a plaintext of size bytes.
func CiphertextSize(size int64) int64 {
	return size + ChunkCount(size)*TagSize
}

// NewHeader builds a current-version header for the given KDF parameters and
// salt with a fresh random base nonce. Filename, Mode and sizes are filled in
// by the encrypt functions.
func NewHeader(params kdf.Params, salt [header.SaltSize]byte) (*header.V2, error) {
	h := &header.V2{}
	h.KDF = params
	h.Salt = salt
	if _, err := rand.Read(h.Nonce[:]); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate nonce: %w", err))
	}
	return h, nil
}

// NewSalt returns a random salt.
func NewSalt() ([header.SaltSize]byte, error) {
	var salt [header.SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, errors.NewInternal(fmt.Errorf("failed to generate salt: %w", err))
	}
	return salt, nil
}

// finalFlag marks the last chunk. It lives outside the counter bytes.
const finalFlag = 0x80

func chunkNonce(base [header.NonceSize]byte, counter uint64, final bool) []byte {
	nonce := make([]byte, header.NonceSize)
	copy(nonce, base[:])
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := range ctr {
		nonce[header.NonceSize-8+i] ^= ctr[i]
	}
	if final {
		nonce[0] ^= finalFlag
	}
	return nonce
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != kdf.KeySize {
		return nil, errors.NewInternal(fmt.Errorf("key is %d bytes, want %d", len(key), kdf.KeySize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return aead, nil
}

// Encrypt reads exactly size bytes from r and writes a complete container for
// them to w. Sizes and lengths in h are overwritten.
//
// w receives data as it is produced; callers writing to a file must go
// through EncryptFile/WriteContainer so a failure never leaves a partial
// container under its final name.
func Encrypt(ctx context.Context, r io.Reader, size int64, h header.Header, key []byte, w io.Writer, progress Progress) error {
	if size < 0 || size > MaxPlaintextSize {
		return errors.NewInvalidRequest(fmt.Sprintf("plaintext size %d out of range", size))
	}
	f := h.Common()
	f.FileSize = uint64(size)
	f.CiphertextLen = uint64(CiphertextSize(size))

	raw, err := header.Encode(h)
	if err != nil {
		return err
	}
	aad, err := header.AAD(raw)
	if err != nil {
		return err
	}
	aead, err := newGCM(key)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return writeErr(err)
	}

	plain := make([]byte, ChunkSize)
	defer kdf.Zero(plain)
	sealed := make([]byte, 0, ChunkSize+TagSize)
	chunks := ChunkCount(size)
	var done int64

	for i := int64(0); i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelled("encryption")
		}
		n := min(int64(ChunkSize), size-done)
		if _, err := io.ReadFull(r, plain[:n]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return errors.NewInvalidRequest("input ended before its declared size; was it modified during encryption?")
			}
			return errors.NewInternal(fmt.Errorf("read chunk %d: %w", i, err))
		}
		sealed = aead.Seal(sealed[:0], chunkNonce(f.Nonce, uint64(i), i == chunks-1), plain[:n], aad)
		if _, err := w.Write(sealed); err != nil {
			return writeErr(err)
		}
		done += n
		if progress != nil {
			progress(done, size)
		}
	}

	var probe [1]byte
	if n, _ := r.Read(probe[:]); n > 0 {
		return errors.NewInvalidRequest("input grew during encryption")
	}
	return nil
}

// Decrypt reads one container from r, verifies every chunk and writes the
// plaintext to w. Each chunk is authenticated before any of its bytes are
// written, and the first failure stops the stream.
//
// Authenticated chunks preceding a failure may already be in w. Callers must
// discard w on error; DecryptFile and DecryptBytes do this.
func Decrypt(ctx context.Context, r io.Reader, keys KeySource, w io.Writer, progress Progress) (header.Header, error) {
	h, raw, err := header.Read(r)
	if err != nil {
		return nil, err
	}
	f := h.Common()
	if f.FileSize > MaxPlaintextSize {
		return nil, errors.NewCorruptFile(fmt.Sprintf("declared size %d out of range", f.FileSize))
	}
	size := int64(f.FileSize)
	if f.CiphertextLen != uint64(CiphertextSize(size)) {
		return nil, errors.NewCorruptFile(fmt.Sprintf("ciphertext length %d does not match size %d", f.CiphertextLen, size))
	}

	aad, err := header.AAD(raw)
	if err != nil {
		return nil, err
	}
	key, err := keys.Key(ctx, h)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, ChunkSize+TagSize)
	plain := make([]byte, 0, ChunkSize)
	defer kdf.Zero(plain[:cap(plain)])
	chunks := ChunkCount(size)
	var done int64

	for i := int64(0); i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("decryption")
		}
		n := min(int64(ChunkSize), size-done)
		if _, err := io.ReadFull(r, sealed[:n+TagSize]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, errors.NewCorruptFile(fmt.Sprintf("container truncated in chunk %d", i))
			}
			return nil, errors.NewInternal(fmt.Errorf("read chunk %d: %w", i, err))
		}
		out, err := aead.Open(plain[:0], chunkNonce(f.Nonce, uint64(i), i == chunks-1), sealed[:n+TagSize], aad)
		if err != nil {
			return nil, errors.NewWrongPassphrase()
		}
		if _, err := w.Write(out); err != nil {
			return nil, writeErr(err)
		}
		done += n
		if progress != nil {
			progress(done, size)
		}
	}

	var probe [1]byte
	if n, _ := r.Read(probe[:]); n > 0 {
		return nil, errors.NewCorruptFile("trailing data after last chunk")
	}
	return h, nil
}

// EncryptBytes seals plaintext into an in-memory container.
func EncryptBytes(ctx context.Context, plaintext []byte, h header.Header, key []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(header.Size(h) + int(CiphertextSize(int64(len(plaintext)))))
	if err := Encrypt(ctx, bytes.NewReader(plaintext), int64(len(plaintext)), h, key, &buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptBytes opens an in-memory container. On any failure no plaintext is
// returned and the partial buffer is wiped.
func DecryptBytes(ctx context.Context, container []byte, keys KeySource) ([]byte, header.Header, error) {
	var buf bytes.Buffer
	h, err := Decrypt(ctx, bytes.NewReader(container), keys, &buf, nil)
	if err != nil {
		kdf.Zero(buf.Bytes())
		return nil, nil, err
	}
	return buf.Bytes(), h, nil
}

// Inspect decodes the header of a container without decrypting anything.
func Inspect(r io.Reader) (header.Header, error) {
	h, _, err := header.Read(r)
	return h, err
}

func writeErr(err error) error {
	return errors.FromFS("output", err)
}
