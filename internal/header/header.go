// Package header encodes and decodes the fixed binary header at the start of
// every gtkrypt container.
//
// Layout (big-endian):
//
//	0   magic           8   "GTKRYPT\x00"
//	8   version         1   1 or 2
//	9   kdf_id          1   1 = Argon2id
//	10  time_cost       4
//	14  memory_cost     4   KiB
//	18  parallelism     1
//	19  salt_len        1   16
//	20  salt            16
//	36  nonce_len       1   12
//	37  nonce           12
//	49  filename_len    2   AAD ends here
//	51  filename        N   UTF-8
//	    mode            4   v2 only, 0 = unknown
//	    file_size       8
//	    ciphertext_len  8
package header

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/kdf"
)

// Magic is the 8-byte container signature.
const Magic = "GTKRYPT\x00"

const (
	VersionV1 uint8 = 1
	VersionV2 uint8 = 2

	// CurrentVersion is written for new containers.
	CurrentVersion = VersionV2
)

// KDFArgon2id is the only supported kdf_id.
const KDFArgon2id uint8 = 1

const (
	SaltSize  = 16
	NonceSize = 12

	// AADSize is the authenticated prefix: everything up to filename_len.
	AADSize = 49

	MinSizeV1 = 67
	MinSizeV2 = 71

	// MaxFilenameLen is the largest filename the 2-byte length field can carry.
	MaxFilenameLen = 0xFFFF

	offVersion     = 8
	offKDFID       = 9
	offTimeCost    = 10
	offMemoryCost  = 14
	offParallelism = 18
	offSaltLen     = 19
	offSalt        = 20
	offNonceLen    = 36
	offNonce       = 37
	offFilenameLen = 49
	offFilename    = 51
)

// Fields are shared by every header version.
type Fields struct {
	KDF           kdf.Params
	Salt          [SaltSize]byte
	Nonce         [NonceSize]byte
	Filename      string
	FileSize      uint64
	CiphertextLen uint64
}

// Header is a decoded container header. It is implemented only by *V1 and
// *V2; code that needs version-specific data switches on the concrete type.
type Header interface {
	Version() uint8
	Common() *Fields
	sealed()
}

// V1 is the original layout without permission bits.
type V1 struct {
	Fields
}

// V2 adds the Unix permission bits of the source file.
type V2 struct {
	Fields
	Mode uint32
}

func (*V1) Version() uint8 { return VersionV1 }
func (h *V1) Common() *Fields { return &h.Fields }
func (*V1) sealed() {}

func (*V2) Version() uint8 { return VersionV2 }
func (h *V2) Common() *Fields { return &h.Fields }
func (*V2) sealed() {}

// Size returns the encoded length of h.
func Size(h Header) int {
	n := offFilename + len(h.Common().Filename) + 16
	if _, ok := h.(*V2); ok {
		n += 4
	}
	return n
}

// Encode serializes h. The output depends only on h.
func Encode(h Header) ([]byte, error) {
	f := h.Common()
	if len(f.Filename) > MaxFilenameLen {
		return nil, errors.NewInvalidRequest("filename is too long for the container header")
	}
	if !utf8.ValidString(f.Filename) {
		return nil, errors.NewInvalidRequest("filename is not valid UTF-8")
	}

	buf := bytes.NewBuffer(make([]byte, 0, Size(h)))
	be := binary.BigEndian

	buf.WriteString(Magic)
	buf.WriteByte(h.Version())
	buf.WriteByte(KDFArgon2id)
	buf.Write(be.AppendUint32(nil, f.KDF.TimeCost))
	buf.Write(be.AppendUint32(nil, f.KDF.MemoryKiB))
	buf.WriteByte(f.KDF.Parallelism)
	buf.WriteByte(SaltSize)
	buf.Write(f.Salt[:])
	buf.WriteByte(NonceSize)
	buf.Write(f.Nonce[:])
	buf.Write(be.AppendUint16(nil, uint16(len(f.Filename))))
	buf.WriteString(f.Filename)

	switch v := h.(type) {
	case *V1:
	case *V2:
		buf.Write(be.AppendUint32(nil, v.Mode))
	default:
		return nil, errors.NewInternal(fmt.Errorf("unknown header variant %T", h))
	}

	buf.Write(be.AppendUint64(nil, f.FileSize))
	buf.Write(be.AppendUint64(nil, f.CiphertextLen))
	return buf.Bytes(), nil
}

// Decode parses a header from the start of b and returns it with the number
// of bytes it occupies. Every length field is checked against len(b) before
// it is used.
func Decode(b []byte) (Header, int, error) {
	if len(b) < len(Magic) || string(b[:len(Magic)]) != Magic {
		return nil, 0, errors.NewCorruptFile("missing gtkrypt magic")
	}
	if len(b) <= offVersion {
		return nil, 0, errors.NewCorruptFile("header truncated before version")
	}

	version := b[offVersion]
	var minSize, tail int
	switch version {
	case VersionV1:
		minSize, tail = MinSizeV1, 16
	case VersionV2:
		minSize, tail = MinSizeV2, 20
	default:
		return nil, 0, errors.NewUnsupportedVersion(int(version))
	}
	if len(b) < minSize {
		return nil, 0, errors.NewCorruptFile(fmt.Sprintf("header is %d bytes, minimum for v%d is %d", len(b), version, minSize))
	}

	if b[offKDFID] != KDFArgon2id {
		return nil, 0, errors.NewCorruptFile(fmt.Sprintf("unknown kdf id %d", b[offKDFID]))
	}
	if b[offSaltLen] != SaltSize {
		return nil, 0, errors.NewCorruptFile(fmt.Sprintf("salt length %d, want %d", b[offSaltLen], SaltSize))
	}
	if b[offNonceLen] != NonceSize {
		return nil, 0, errors.NewCorruptFile(fmt.Sprintf("nonce length %d, want %d", b[offNonceLen], NonceSize))
	}

	be := binary.BigEndian
	var f Fields
	f.KDF = kdf.Params{
		TimeCost:    be.Uint32(b[offTimeCost:offMemoryCost]),
		MemoryKiB:   be.Uint32(b[offMemoryCost:offParallelism]),
		Parallelism: b[offParallelism],
	}
	if err := f.KDF.Validate(); err != nil {
		return nil, 0, errors.NewCorruptFile(err.Error())
	}
	copy(f.Salt[:], b[offSalt:offSalt+SaltSize])
	copy(f.Nonce[:], b[offNonce:offNonce+NonceSize])

	nameLen := int(be.Uint16(b[offFilenameLen:offFilename]))
	if len(b)-offFilename-tail < nameLen {
		return nil, 0, errors.NewCorruptFile(fmt.Sprintf("filename length %d exceeds header", nameLen))
	}
	off := offFilename + nameLen
	f.Filename = string(b[offFilename:off])
	if !utf8.ValidString(f.Filename) {
		return nil, 0, errors.NewCorruptFile("filename is not valid UTF-8")
	}

	var h Header
	if version == VersionV2 {
		v2 := &V2{Mode: be.Uint32(b[off : off+4])}
		off += 4
		h = v2
	} else {
		h = &V1{}
	}

	f.FileSize = be.Uint64(b[off : off+8])
	f.CiphertextLen = be.Uint64(b[off+8 : off+16])
	off += 16

	*h.Common() = f
	return h, off, nil
}

// AAD returns the authenticated prefix of an encoded header: exactly the
// first AADSize bytes, whatever the version or filename length.
func AAD(b []byte) ([]byte, error) {
	if len(b) < AADSize {
		return nil, errors.NewCorruptFile(fmt.Sprintf("header is %d bytes, AAD needs %d", len(b), AADSize))
	}
	aad := make([]byte, AADSize)
	copy(aad, b[:AADSize])
	return aad, nil
}

// Read consumes exactly one header from r and returns it together with its
// raw bytes. A short read is reported as CORRUPT_FILE.
func Read(r io.Reader) (Header, []byte, error) {
	raw := make([]byte, offFilename)

	if n, err := io.ReadFull(r, raw[:offVersion+1]); err != nil {
		if !bytes.HasPrefix([]byte(Magic), raw[:min(n, len(Magic))]) {
			return nil, nil, errors.NewCorruptFile("missing gtkrypt magic")
		}
		return nil, nil, readErr(err)
	}
	if string(raw[:len(Magic)]) != Magic {
		return nil, nil, errors.NewCorruptFile("missing gtkrypt magic")
	}
	tail := 16
	switch raw[offVersion] {
	case VersionV1:
	case VersionV2:
		tail = 20
	default:
		return nil, nil, errors.NewUnsupportedVersion(int(raw[offVersion]))
	}

	if _, err := io.ReadFull(r, raw[offVersion+1:]); err != nil {
		return nil, nil, readErr(err)
	}
	nameLen := int(binary.BigEndian.Uint16(raw[offFilenameLen:offFilename]))
	rest := make([]byte, nameLen+tail)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, nil, readErr(err)
	}
	raw = append(raw, rest...)

	h, n, err := Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	return h, raw[:n], nil
}

func readErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.NewCorruptFile("header truncated")
	}
	return errors.NewInternal(err)
}
