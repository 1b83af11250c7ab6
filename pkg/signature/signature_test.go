package signature

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLittleEndian(t *testing.T) {
	buf := make([]byte, 0x400)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(Rsa2048Sha256))

	blob, err := Parse(buf, false)
	require.NoError(t, err)
	assert.Equal(t, Rsa2048Sha256, blob.Type)
	assert.Equal(t, 0x140, blob.PayloadOffset)
	assert.Len(t, blob.Signature, 0x100)
}

func TestParseBigEndian(t *testing.T) {
	buf := make([]byte, 0x500)
	binary.BigEndian.PutUint32(buf[0:4], uint32(Rsa4096Sha1))

	blob, err := Parse(buf, true)
	require.NoError(t, err)
	assert.Equal(t, Rsa4096Sha1, blob.Type)
	assert.Equal(t, 0x240, blob.PayloadOffset)
	assert.Len(t, blob.Signature, 0x200)

	// The same bytes parsed with the wrong byte order are not a valid
	// type.
	_, err = Parse(buf, false)
	require.Error(t, err)
}

func TestBlockSizes(t *testing.T) {
	cases := []struct {
		t     Type
		sig   int
		block int
	}{
		{Rsa4096Sha1, 0x200, 0x240},
		{Rsa4096Sha256, 0x200, 0x240},
		{Rsa2048Sha1, 0x100, 0x140},
		{Rsa2048Sha256, 0x100, 0x140},
		{Ecc480Sha1, 0x3C, 0x80},
		{Ecc480Sha256, 0x3C, 0x80},
		{Hmac160Sha1, 0x14, 0x40},
	}
	for _, c := range cases {
		assert.True(t, c.t.Valid())
		assert.Equal(t, c.sig, c.t.SigSize())
		assert.Equal(t, c.block, c.t.BlockSize())
	}
	assert.False(t, Type(0x10007).Valid())
	assert.False(t, Type(0).Valid())
}

func TestParseRejectsTruncatedBlock(t *testing.T) {
	buf := make([]byte, 0x40)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(Rsa2048Sha256))
	_, err := Parse(buf, false)
	require.Error(t, err)

	_, err = Parse(buf[:2], false)
	require.Error(t, err)
}
