package stream

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBytes(t *testing.T) {
	testCases := []struct {
		desc     string
		data     []byte
		n        int
		expected []byte
		err      error
	}{
		{
			desc:     "exact field",
			data:     []byte{1, 2, 3},
			n:        3,
			expected: []byte{1, 2, 3},
		},
		{
			desc: "clean end of stream",
			data: []byte{},
			n:    4,
			err:  io.EOF,
		},
		{
			desc: "stream ends inside field",
			data: []byte{1, 2},
			n:    4,
			err:  ErrShortRead,
		},
	}
	for _, tt := range testCases {
		tt := tt
		t.Run(tt.desc, func(t *testing.T) {
			r := New(bytes.NewReader(tt.data))
			buf, err := r.ReadBytes(tt.n)
			if tt.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, buf)
		})
	}
}

func TestReadFixedWidth(t *testing.T) {
	r := New(bytes.NewReader([]byte{0x34, 0x12, 0x78, 0x56, 0x34, 0x12, 0xff}))

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), u32)

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), b)

	assert.Equal(t, int64(7), r.Count())
	r.ResetCount()
	assert.Equal(t, int64(0), r.Count())
}

func TestReadUvarint(t *testing.T) {
	testCases := []struct {
		desc     string
		data     []byte
		expected uint64
		width    int
		err      error
	}{
		{
			desc:     "single byte",
			data:     []byte{0x7f},
			expected: 0x7f,
			width:    1,
		},
		{
			desc:     "two bytes",
			data:     []byte{0x80, 0x01},
			expected: 128,
			width:    2,
		},
		{
			desc:     "three bytes",
			data:     []byte{0xe5, 0x8e, 0x26},
			expected: 624485,
			width:    3,
		},
		{
			desc: "never terminates",
			data: bytes.Repeat([]byte{0x80}, 10),
			err:  ErrBadVarint,
		},
		{
			desc: "stream ends mid varint",
			data: []byte{0x80},
			err:  ErrShortRead,
		},
		{
			desc: "empty stream",
			data: []byte{},
			err:  io.EOF,
		},
	}
	for _, tt := range testCases {
		tt := tt
		t.Run(tt.desc, func(t *testing.T) {
			r := New(bytes.NewReader(tt.data))
			v, w, err := r.ReadUvarint()
			if tt.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
			assert.Equal(t, tt.width, w)
		})
	}
}

func TestSeekDoesNotCount(t *testing.T) {
	r := New(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6}))

	_, err := r.ReadBytes(2)
	require.NoError(t, err)
	require.NoError(t, r.Skip(2))
	assert.Equal(t, int64(2), r.Count())

	off, err := r.Offset()
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)

	_, err = r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Count())
}
