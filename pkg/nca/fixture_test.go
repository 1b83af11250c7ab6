package nca_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nxdump/ncatool/pkg/crypto"
)

// Synthetic NCA fixtures built from fully known keys.

var (
	fixtureHeaderKey = func() [32]byte {
		var k [32]byte
		for i := range k {
			k[i] = byte(0xA0 + i)
		}
		return k
	}()
	fixtureKaek     = [16]byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
	fixtureCtrKey   = bytes.Repeat([]byte{0x22}, 16)
	fixtureTitleKey = bytes.Repeat([]byte{0x55}, 16)
	fixtureTitlekek = [16]byte{0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44}
)

// fixtureKeys implements keyset.KeyProvider with the fixture constants.
type fixtureKeys struct{}

func (fixtureKeys) HeaderKey() ([32]byte, bool) { return fixtureHeaderKey, true }

func (fixtureKeys) KeyAreaKey(gen, kaekIndex uint8) ([16]byte, bool) { return fixtureKaek, true }

func (fixtureKeys) KeyAreaKeySource(kaekIndex uint8) ([16]byte, bool) {
	return [16]byte{}, false
}

func (fixtureKeys) Titlekek(gen uint8) ([16]byte, bool) { return fixtureTitlekek, true }

func (fixtureKeys) EticketRSADeviceKey() ([0x240]byte, bool) { return [0x240]byte{}, false }

func (fixtureKeys) EticketRSAKek(personalized bool) ([16]byte, bool) { return [16]byte{}, false }

const (
	fixtureSectionOffset = 0xC00
	fixtureHashBlockSize = 0x100
)

// fixturePfs0Blob builds a one-file PartitionFS image: "hello.txt" = "hi".
func fixturePfs0Blob() []byte {
	name := "hello.txt"
	data := "hi"
	nameTableSize := 0x18 // name + NUL, padded so the header ends 0x20-aligned

	buf := make([]byte, 16+24+nameTableSize+len(data))
	copy(buf[0:4], "PFS0")
	binary.LittleEndian.PutUint32(buf[4:8], 1)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(nameTableSize))
	binary.LittleEndian.PutUint64(buf[16:24], 0)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(len(data)))
	binary.LittleEndian.PutUint32(buf[32:36], 0)
	copy(buf[40:], name)
	copy(buf[40+nameTableSize:], data)
	return buf
}

// ncaFixture is one synthetic NCA plus everything a test needs to inspect
// it.
type ncaFixture struct {
	file        []byte
	contentSize int64
	sectionSize int64
	target      []byte // hash-target layer plaintext
	targetOff   int64  // target offset within the section
	rightsID    [0x10]byte
}

func ctrCrypt(t *testing.T, key []byte, absOffset int64, data []byte) []byte {
	t.Helper()
	out := make([]byte, len(data))
	stream, err := crypto.NewCTRStream(key, make([]byte, 16), absOffset)
	require.NoError(t, err)
	stream.XORKeyStream(out, data)
	return out
}

// buildSha256NCA assembles an NCA3 with one CTR PartitionFS section backed
// by a two-region HierarchicalSha256 tree whose tail block is truncated
// (0x2C0 = 2 full 0x100 blocks + 0xC0).
func buildSha256NCA(t *testing.T, withRightsID bool) *ncaFixture {
	t.Helper()

	target := make([]byte, 0x2C0)
	copy(target, fixturePfs0Blob())

	// Hash region: one SHA-256 per 0x100-byte target block, tail
	// truncated.
	var hashes []byte
	for off := 0; off < len(target); off += fixtureHashBlockSize {
		end := off + fixtureHashBlockSize
		if end > len(target) {
			end = len(target)
		}
		h := sha256.Sum256(target[off:end])
		hashes = append(hashes, h[:]...)
	}

	section := make([]byte, 0x400)
	copy(section[0:], hashes)
	copy(section[0x100:], target)
	masterHash := sha256.Sum256(section[0:len(hashes)])

	var fsHeader [0x200]byte
	binary.LittleEndian.PutUint16(fsHeader[0:2], 2)
	fsHeader[2] = 1 // PartitionFS
	fsHeader[3] = 2 // HierarchicalSha256
	fsHeader[4] = 3 // AesCtr
	copy(fsHeader[0x8:0x28], masterHash[:])
	binary.LittleEndian.PutUint32(fsHeader[0x28:0x2C], fixtureHashBlockSize)
	binary.LittleEndian.PutUint32(fsHeader[0x2C:0x30], 2)
	binary.LittleEndian.PutUint64(fsHeader[0x30:0x38], 0)
	binary.LittleEndian.PutUint64(fsHeader[0x38:0x40], uint64(len(hashes)))
	binary.LittleEndian.PutUint64(fsHeader[0x40:0x48], 0x100)
	binary.LittleEndian.PutUint64(fsHeader[0x48:0x50], uint64(len(target)))

	return assembleNCA(t, fsHeader, section, target, 0x100, withRightsID)
}

// buildIvfcNCA assembles an NCA3 with one CTR RomFS section backed by a
// six-level HierarchicalIntegrity tree (block order 9 throughout).
func buildIvfcNCA(t *testing.T) *ncaFixture {
	t.Helper()

	const blockSize = 0x200

	target := make([]byte, blockSize)
	for i := range target {
		target[i] = byte(i * 3)
	}

	// Levels 0-4 each hold one 0x20-byte digest of the next level's
	// single block, zero-padded to the block size before hashing.
	levels := make([][]byte, 6)
	levels[5] = target
	for i := 4; i >= 0; i-- {
		padded := make([]byte, blockSize)
		copy(padded, levels[i+1])
		h := sha256.Sum256(padded)
		levels[i] = h[:]
	}
	masterHash := sha256.Sum256(levels[0])

	section := make([]byte, 0xC00)
	levelOffsets := []int64{0x0, 0x200, 0x400, 0x600, 0x800, 0xA00}
	for i, off := range levelOffsets {
		copy(section[off:], levels[i])
	}

	var fsHeader [0x200]byte
	binary.LittleEndian.PutUint16(fsHeader[0:2], 2)
	fsHeader[2] = 0 // RomFS
	fsHeader[3] = 3 // HierarchicalIntegrity
	fsHeader[4] = 3 // AesCtr
	copy(fsHeader[0x8:0xC], "IVFC")
	binary.LittleEndian.PutUint32(fsHeader[0xC:0x10], 0x20000)
	binary.LittleEndian.PutUint32(fsHeader[0x10:0x14], 0x20) // master hash size
	binary.LittleEndian.PutUint32(fsHeader[0x14:0x18], 7)    // max level count
	for i, off := range levelOffsets {
		base := 0x18 + i*0x18
		binary.LittleEndian.PutUint64(fsHeader[base:base+8], uint64(off))
		size := uint64(0x20)
		if i == 5 {
			size = uint64(len(target))
		}
		binary.LittleEndian.PutUint64(fsHeader[base+8:base+16], size)
		binary.LittleEndian.PutUint32(fsHeader[base+16:base+20], 9)
	}
	copy(fsHeader[0xC8:0xE8], masterHash[:])

	return assembleNCA(t, fsHeader, section, target, 0xA00, false)
}

// assembleNCA wraps one prepared FS section into a complete encrypted NCA3
// image.
func assembleNCA(t *testing.T, fsHeader [0x200]byte, section, target []byte, targetOff int64, withRightsID bool) *ncaFixture {
	t.Helper()

	fx := &ncaFixture{
		sectionSize: int64(len(section)),
		contentSize: fixtureSectionOffset + int64(len(section)),
		target:      target,
		targetOff:   targetOff,
	}

	// Plaintext key area: XTS pair, CTR key, secondary CTR key.
	var keyArea [0x40]byte
	copy(keyArea[0x00:0x10], bytes.Repeat([]byte{0x33}, 16))
	copy(keyArea[0x10:0x20], bytes.Repeat([]byte{0x34}, 16))
	copy(keyArea[0x20:0x30], fixtureCtrKey)
	copy(keyArea[0x30:0x40], bytes.Repeat([]byte{0x25}, 16))

	sectionKey := fixtureCtrKey
	if withRightsID {
		for i := range fx.rightsID {
			fx.rightsID[i] = byte(i)
		}
		fx.rightsID[0xF] = 0x05
		sectionKey = fixtureTitleKey
	}

	main := make([]byte, 0x400)
	m := main[0x200:]
	copy(m[0:4], "NCA3")
	m[0x4] = 1 // gamecard distribution
	m[0x5] = 0 // Program
	binary.LittleEndian.PutUint64(m[0x8:0x10], uint64(fx.contentSize))
	binary.LittleEndian.PutUint64(m[0x10:0x18], 0x0100000000001000)
	binary.LittleEndian.PutUint32(m[0x1C:0x20], 0x000C1100)
	copy(m[0x30:0x40], fx.rightsID[:])

	// Section table entry 0: media units of 0x200 bytes.
	binary.LittleEndian.PutUint32(m[0x40:0x44], uint32(fixtureSectionOffset/0x200))
	binary.LittleEndian.PutUint32(m[0x44:0x48], uint32((fixtureSectionOffset+int64(len(section)))/0x200))

	fsHash := sha256.Sum256(fsHeader[:])
	copy(m[0x80:0xA0], fsHash[:])

	if !withRightsID {
		enc, err := crypto.ECBEncrypt(keyArea[:], fixtureKaek[:])
		require.NoError(t, err)
		copy(m[0x100:0x140], enc)
	}

	mainCipher, err := crypto.NintendoXTSCrypt(main, fixtureHeaderKey[:], 0, 0x200, true)
	require.NoError(t, err)

	fsPlain := make([]byte, 4*0x200)
	copy(fsPlain, fsHeader[:])
	fsCipher, err := crypto.NintendoXTSCrypt(fsPlain, fixtureHeaderKey[:], 2, 0x200, true)
	require.NoError(t, err)

	file := make([]byte, fx.contentSize)
	copy(file, mainCipher)
	copy(file[0x400:], fsCipher)
	copy(file[fixtureSectionOffset:], ctrCrypt(t, sectionKey, fixtureSectionOffset, section))
	fx.file = file
	return fx
}
