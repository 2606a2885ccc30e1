package header

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/gtkrypt/internal/errors"
	"github.com/hpungsan/gtkrypt/internal/kdf"
)

func sampleFields(name string) Fields {
	f := Fields{
		KDF:           kdf.Params{TimeCost: 3, MemoryKiB: 65536, Parallelism: 4},
		Filename:      name,
		FileSize:      204800,
		CiphertextLen: 204800 + 4*16,
	}
	for i := range f.Salt {
		f.Salt[i] = byte(i + 1)
	}
	for i := range f.Nonce {
		f.Nonce[i] = byte(0xA0 + i)
	}
	return f
}

func TestEncodeDecode_V1(t *testing.T) {
	h := &V1{Fields: sampleFields("report.pdf")}

	raw, err := Encode(h)
	require.NoError(t, err)
	require.Len(t, raw, Size(h))
	require.Len(t, raw, MinSizeV1+len("report.pdf"))

	got, n, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)

	v1, ok := got.(*V1)
	require.True(t, ok, "want *V1, got %T", got)
	assert.Equal(t, h.Fields, v1.Fields)
}

func TestEncodeDecode_V2(t *testing.T) {
	h := &V2{Fields: sampleFields("notes.txt"), Mode: 0o640}

	raw, err := Encode(h)
	require.NoError(t, err)
	require.Len(t, raw, MinSizeV2+len("notes.txt"))

	got, n, err := Decode(append(raw, []byte("ciphertext follows")...))
	require.NoError(t, err)
	require.Equal(t, len(raw), n)

	v2, ok := got.(*V2)
	require.True(t, ok, "want *V2, got %T", got)
	assert.Equal(t, h.Fields, v2.Fields)
	assert.Equal(t, uint32(0o640), v2.Mode)
}

func TestEncode_EmptyFilenameMinimumSizes(t *testing.T) {
	raw1, err := Encode(&V1{Fields: sampleFields("")})
	require.NoError(t, err)
	assert.Len(t, raw1, MinSizeV1)

	raw2, err := Encode(&V2{Fields: sampleFields("")})
	require.NoError(t, err)
	assert.Len(t, raw2, MinSizeV2)
}

func TestEncode_Layout(t *testing.T) {
	raw, err := Encode(&V2{Fields: sampleFields("ab"), Mode: 0o600})
	require.NoError(t, err)

	assert.Equal(t, []byte(Magic), raw[0:8])
	assert.Equal(t, VersionV2, raw[8])
	assert.Equal(t, KDFArgon2id, raw[9])
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(raw[10:14]))
	assert.Equal(t, uint32(65536), binary.BigEndian.Uint32(raw[14:18]))
	assert.Equal(t, byte(4), raw[18])
	assert.Equal(t, byte(SaltSize), raw[19])
	assert.Equal(t, byte(NonceSize), raw[36])
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(raw[49:51]))
	assert.Equal(t, "ab", string(raw[51:53]))
	assert.Equal(t, uint32(0o600), binary.BigEndian.Uint32(raw[53:57]))
	assert.Equal(t, uint64(204800), binary.BigEndian.Uint64(raw[57:65]))
}

func TestAAD_IndependentOfFilenameAndVersion(t *testing.T) {
	short, err := Encode(&V1{Fields: sampleFields("a")})
	require.NoError(t, err)
	long, err := Encode(&V1{Fields: sampleFields("a-much-longer-file-name.tar.gz")})
	require.NoError(t, err)

	aadShort, err := AAD(short)
	require.NoError(t, err)
	aadLong, err := AAD(long)
	require.NoError(t, err)

	require.Len(t, aadShort, AADSize)
	require.Equal(t, aadShort, aadLong)
	require.Equal(t, short[:AADSize], aadShort)

	_, err = AAD(short[:AADSize-1])
	require.True(t, errors.Is(err, errors.ErrCorruptFile))
}

func TestDecode_Errors(t *testing.T) {
	good, err := Encode(&V2{Fields: sampleFields("file.bin")})
	require.NoError(t, err)

	mutate := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return fn(b)
	}

	tests := []struct {
		name string
		raw  []byte
		code errors.ErrorCode
	}{
		{"empty", nil, errors.ErrCorruptFile},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'X'; return b }), errors.ErrCorruptFile},
		{"magic only", []byte(Magic), errors.ErrCorruptFile},
		{"version 3", mutate(func(b []byte) []byte { b[8] = 3; return b }), errors.ErrUnsupportedVersion},
		{"version 0", mutate(func(b []byte) []byte { b[8] = 0; return b }), errors.ErrUnsupportedVersion},
		{"below v2 minimum", good[:MinSizeV2-1], errors.ErrCorruptFile},
		{"kdf id", mutate(func(b []byte) []byte { b[9] = 9; return b }), errors.ErrCorruptFile},
		{"salt len", mutate(func(b []byte) []byte { b[19] = 32; return b }), errors.ErrCorruptFile},
		{"nonce len", mutate(func(b []byte) []byte { b[36] = 24; return b }), errors.ErrCorruptFile},
		{"filename overflows", mutate(func(b []byte) []byte { b[49], b[50] = 0xFF, 0xFF; return b }), errors.ErrCorruptFile},
		{"truncated tail", good[:len(good)-1], errors.ErrCorruptFile},
		{"huge memory cost", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[14:18], 0xFFFFFFFF)
			return b
		}), errors.ErrCorruptFile},
		{"invalid utf8 filename", mutate(func(b []byte) []byte { b[51] = 0xFF; return b }), errors.ErrCorruptFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.raw)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err), "err = %v", err)
		})
	}
}

func TestDecode_UnknownVersionWithOtherwiseValidBody(t *testing.T) {
	raw, err := Encode(&V1{Fields: sampleFields("x")})
	require.NoError(t, err)
	raw[8] = 9

	_, _, err = Decode(raw)
	require.True(t, errors.Is(err, errors.ErrUnsupportedVersion))
}

func TestRead(t *testing.T) {
	h := &V2{Fields: sampleFields("movie.mkv"), Mode: 0o644}
	raw, err := Encode(h)
	require.NoError(t, err)

	r := bytes.NewReader(append(append([]byte(nil), raw...), 0xDE, 0xAD))
	got, gotRaw, err := Read(r)
	require.NoError(t, err)
	require.Equal(t, raw, gotRaw)
	require.Equal(t, h.Fields, *got.Common())
	require.Equal(t, 2, r.Len(), "Read must stop at the end of the header")
}

func TestRead_Errors(t *testing.T) {
	raw, err := Encode(&V1{Fields: sampleFields("name")})
	require.NoError(t, err)

	_, _, err = Read(bytes.NewReader([]byte("NOTGTK")))
	require.True(t, errors.Is(err, errors.ErrCorruptFile))

	_, _, err = Read(bytes.NewReader(raw[:40]))
	require.True(t, errors.Is(err, errors.ErrCorruptFile))

	_, _, err = Read(bytes.NewReader(raw[:len(raw)-3]))
	require.True(t, errors.Is(err, errors.ErrCorruptFile))

	bumped := append([]byte(nil), raw...)
	bumped[8] = 5
	_, _, err = Read(bytes.NewReader(bumped))
	require.True(t, errors.Is(err, errors.ErrUnsupportedVersion))
}

func TestEncode_RejectsBadFilename(t *testing.T) {
	_, err := Encode(&V1{Fields: sampleFields(string([]byte{0xC3, 0x28}))})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = Encode(&V1{Fields: sampleFields(string(bytes.Repeat([]byte("a"), MaxFilenameLen+1)))})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
