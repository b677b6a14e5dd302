package scan

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazy-max/rarhash/pkg/record"
)

// hpArchive renders a minimal headers-encrypted RAR3 body: the archive
// header plus the end-of-archive tail the parser reads the salt and known
// plaintext from.
func hpArchive() []byte {
	hdr := make([]byte, 13)
	hdr[2] = 0x73
	binary.LittleEndian.PutUint16(hdr[3:5], 0x0080)
	binary.LittleEndian.PutUint16(hdr[5:7], 13)

	var b bytes.Buffer
	b.Write(hdr)
	b.Write(bytes.Repeat([]byte{0x00}, 40))
	b.Write(bytes.Repeat([]byte{0x01}, 8))  // salt
	b.Write(bytes.Repeat([]byte{0x02}, 16)) // known-plaintext block
	return b.Bytes()
}

// cryptArchive renders a minimal RAR5 body: main header, crypt header with
// password check, then the next block's IV.
func cryptArchive() []byte {
	psw := bytes.Repeat([]byte{0x07}, 12)
	digest := sha256.Sum256(psw)

	var b bytes.Buffer
	b.Write([]byte{0, 0, 0, 0, 3, 1, 0, 0}) // main header
	b.Write([]byte{0, 0, 0, 0, 37, 4, 0})   // crypt header
	b.Write([]byte{0, 1, 15})               // version, flags, lg2 count
	b.Write(bytes.Repeat([]byte{0x05}, 16)) // salt
	b.Write(psw)
	b.Write(digest[:4])
	b.Write(bytes.Repeat([]byte{0x06}, 16)) // header IV
	return b.Bytes()
}

func scanBytes(t *testing.T, data []byte) ([]record.Record, int, error) {
	t.Helper()
	var recs []record.Record
	n, err := File(bytes.NewReader(data), "test.rar", "/tmp/test.rar", func(r record.Record) {
		recs = append(recs, r)
	}, Options{Logger: zerolog.Nop()})
	return recs, n, err
}

func TestFileRar3(t *testing.T) {
	data := append(append([]byte{}, rar3Magic...), hpArchive()...)
	recs, n, err := scanBytes(t, data)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := recs[0].(record.Rar3Headers)
	assert.True(t, ok)
}

func TestFileRar5(t *testing.T) {
	data := append(append([]byte{}, rar5Magic...), cryptArchive()...)
	recs, n, err := scanBytes(t, data)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	rec, ok := recs[0].(record.Rar5)
	require.True(t, ok)
	assert.Equal(t, uint8(15), rec.Lg2Count)
	assert.Equal(t, bytes.Repeat([]byte{0x06}, 16), rec.IV)
}

func TestFileOldFormat(t *testing.T) {
	data := append(append([]byte{}, oldMagic...), 0x00, 0x00, 0x00, 0x00)
	_, n, err := scanBytes(t, data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOldFormat)
	assert.Equal(t, 0, n)
}

func TestFileNotAnArchive(t *testing.T) {
	testCases := []struct {
		desc string
		data []byte
	}{
		{
			desc: "random bytes",
			data: []byte("definitely not an archive"),
		},
		{
			desc: "too short",
			data: []byte{0x52, 0x61},
		},
		{
			desc: "executable without embedded archive",
			data: append([]byte("MZ"), bytes.Repeat([]byte{0x90}, 8192)...),
		},
	}
	for _, tt := range testCases {
		tt := tt
		t.Run(tt.desc, func(t *testing.T) {
			_, n, err := scanBytes(t, tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotRAR)
			assert.Equal(t, 0, n)
		})
	}
}

func TestFileSfxRar3(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("MZ")
	b.Write(bytes.Repeat([]byte{0x90}, 512))
	b.Write(rar3Magic)
	b.Write(hpArchive())

	recs, n, err := scanBytes(t, b.Bytes())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := recs[0].(record.Rar3Headers)
	assert.True(t, ok)
}

func TestFileSfxRar3MagicStraddlesWindow(t *testing.T) {
	// the marker begins inside the overlap region of the first window
	var b bytes.Buffer
	b.WriteString("MZ")
	b.Write(bytes.Repeat([]byte{0x90}, 4097))
	b.Write(rar3Magic)
	b.Write(hpArchive())

	_, n, err := scanBytes(t, b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileSfxRar5(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("MZ")
	b.Write(bytes.Repeat([]byte{0x90}, 512))
	b.Write(rar5Magic)
	b.Write(cryptArchive())

	recs, n, err := scanBytes(t, b.Bytes())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := recs[0].(record.Rar5)
	assert.True(t, ok)
}
