package source

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxdump/ncatool/pkg/crypto"
)

var nczTestKey = bytes.Repeat([]byte{0x22}, 16)

// buildPlainNCA fabricates an "NCA" image: a 0x4000-byte header region of
// patterned bytes plus dataLen bytes whose range [0x4000, end) is
// CTR-encrypted with nczTestKey.
func buildPlainNCA(t *testing.T, dataLen int) (full, plainData []byte) {
	t.Helper()
	full = make([]byte, nczHeaderRegionSize+dataLen)
	for i := range full {
		full[i] = byte(i*31 + 7)
	}
	plainData = append([]byte(nil), full[nczHeaderRegionSize:]...)

	stream, err := crypto.NewCTRStream(nczTestKey, make([]byte, 16), nczHeaderRegionSize)
	require.NoError(t, err)
	stream.XORKeyStream(full[nczHeaderRegionSize:], plainData)
	return full, plainData
}

func writeSectionTable(buf *bytes.Buffer, totalSize int) {
	buf.WriteString(magicNCZSECTN)
	binary.Write(buf, binary.LittleEndian, uint64(1))

	entry := make([]byte, nczSectionEntrySize)
	binary.LittleEndian.PutUint64(entry[0:8], nczHeaderRegionSize)
	binary.LittleEndian.PutUint64(entry[8:16], uint64(totalSize-nczHeaderRegionSize))
	binary.LittleEndian.PutUint64(entry[16:24], nczCryptoCtr)
	copy(entry[32:48], nczTestKey)
	buf.Write(entry)
}

func writeNCZ(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "content.ncz")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestNCZSolidStream(t *testing.T) {
	full, plainData := buildPlainNCA(t, 0x6000)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(plainData, nil)
	enc.Close()

	var ncz bytes.Buffer
	ncz.Write(full[:nczHeaderRegionSize])
	writeSectionTable(&ncz, len(full))
	ncz.Write(compressed)

	r, size, err := OpenNCZ(writeNCZ(t, ncz.Bytes()))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(len(full)), size)

	// The reader must reproduce the original NCA ciphertext bit-exactly.
	got := make([]byte, len(full))
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, full, got)

	// Random-access reads, including backward seeks, agree with the
	// bulk read.
	probe := make([]byte, 0x100)
	_, err = r.ReadAt(probe, 0x5000)
	require.NoError(t, err)
	assert.Equal(t, full[0x5000:0x5100], probe)

	_, err = r.ReadAt(probe, 0x4001)
	require.NoError(t, err)
	assert.Equal(t, full[0x4001:0x4101], probe)

	// A read spanning the header/data boundary stitches both sources.
	_, err = r.ReadAt(probe, nczHeaderRegionSize-0x80)
	require.NoError(t, err)
	assert.Equal(t, full[nczHeaderRegionSize-0x80:nczHeaderRegionSize+0x80], probe)
}

func TestNCZBlockMode(t *testing.T) {
	const blockSizeExp = 14 // 0x4000-byte blocks
	const blockSize = 1 << blockSizeExp
	full, plainData := buildPlainNCA(t, blockSize+0x1000) // 2 blocks, tail truncated

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	// Block 0 compressed; block 1 stored verbatim (as the writer does
	// when compression doesn't pay off).
	block0 := enc.EncodeAll(plainData[:blockSize], nil)
	require.Less(t, len(block0), blockSize)
	block1 := plainData[blockSize:]

	var ncz bytes.Buffer
	ncz.Write(full[:nczHeaderRegionSize])
	writeSectionTable(&ncz, len(full))

	blockHeader := make([]byte, nczBlockHeaderSize)
	copy(blockHeader, magicNCZBLOCK)
	blockHeader[8] = 2 // version
	blockHeader[9] = 1 // type
	blockHeader[0xB] = blockSizeExp
	binary.LittleEndian.PutUint32(blockHeader[0xC:0x10], 2)
	binary.LittleEndian.PutUint64(blockHeader[0x10:0x18], uint64(len(plainData)))
	ncz.Write(blockHeader)

	sizes := make([]byte, 8)
	binary.LittleEndian.PutUint32(sizes[0:4], uint32(len(block0)))
	binary.LittleEndian.PutUint32(sizes[4:8], uint32(len(block1)))
	ncz.Write(sizes)
	ncz.Write(block0)
	ncz.Write(block1)

	r, size, err := OpenNCZ(writeNCZ(t, ncz.Bytes()))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(len(full)), size)

	got := make([]byte, len(full))
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, full, got)

	// A read crossing the block boundary.
	probe := make([]byte, 0x200)
	off := int64(nczHeaderRegionSize + blockSize - 0x100)
	_, err = r.ReadAt(probe, off)
	require.NoError(t, err)
	assert.Equal(t, full[off:off+0x200], probe)
}

func TestNCZRejectsBadMagic(t *testing.T) {
	data := make([]byte, nczHeaderRegionSize+0x100)
	copy(data[nczHeaderRegionSize:], "NOTMAGIC")
	_, _, err := OpenNCZ(writeNCZ(t, data))
	require.Error(t, err)
}

func TestDirStorageListsMetaLast(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000000000000000000000000001.cnmt.nca"), []byte{1}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00000000000000000000000000000002.nca"), []byte{2}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte{3}, 0o600))

	ids, err := DirStorage{Root: dir}.ListContentIDs()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, byte(2), ids[0][0xF])
	assert.Equal(t, byte(1), ids[1][0xF])
}
