// Package crypto implements the primitive ciphers the archive processing
// core is built from: AES-128-ECB (key-area, titlekek), AES-128-CTR
// (FS-section content), and AES-128-XTS with the Nintendo tweak schedule
// (NCA/FS-section headers). None of it is general-purpose-secure — ECB and
// a fixed-key XTS tweak are mandated by the on-disk format, not chosen for
// strength.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
)

// Cipher cache to avoid recreating AES ciphers for the same key.
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}

	var keyArr [16]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()

	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}

// ECBDecrypt decrypts data using AES-ECB.
// Note: ECB is not secure for general purpose, but it's what the key-area
// and titlekek wrapping formats use.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// ECBEncrypt encrypts data using AES-ECB.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// NewCTRStream creates an AES-CTR stream positioned at a specific absolute
// offset. iv holds the section's base counter in its upper 8 bytes; the
// lower 8 bytes are overwritten with the block number (offset/16) in
// big-endian.
func NewCTRStream(key, iv []byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset>>4))

	return cipher.NewCTR(block, counter), nil
}

// NewCTRStreamRaw creates an AES-CTR stream using iv verbatim, for callers
// whose counter does not follow the offset>>4 convention (the eTicket
// device-key blob stores its own starting counter).
func NewCTRStreamRaw(key, iv []byte) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}
	counter := make([]byte, 16)
	copy(counter, iv)
	return cipher.NewCTR(block, counter), nil
}

// XTSDecrypt decrypts one or more 16-byte-aligned blocks using AES-XTS with
// the Nintendo tweak (big-endian sector number, GF(2^128) tweak update per
// 16-byte block). key must be 32 bytes (16 bytes K1 + 16 bytes K2) for
// AES-128-XTS.
func XTSDecrypt(data, key []byte, sector uint64) ([]byte, error) {
	return xtsCryptSector(data, key, sector, false)
}

// XTSEncrypt is the encrypting counterpart of XTSDecrypt. Re-encrypting a
// mutated NCA header or FS-section header after a hash-tree patch needs the
// same tweak schedule as decryption with the AES direction flipped.
func XTSEncrypt(data, key []byte, sector uint64) ([]byte, error) {
	return xtsCryptSector(data, key, sector, true)
}

func xtsCryptSector(data, key []byte, sector uint64, encrypt bool) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("XTS key must be 32 bytes (2x16) for AES-128")
	}
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("XTS data length must be a multiple of 16, got %d", len(data))
	}

	c1, err := aes.NewCipher(key[:16]) // K1
	if err != nil {
		return nil, err
	}
	c2, err := aes.NewCipher(key[16:]) // K2
	if err != nil {
		return nil, err
	}

	// Initial tweak: big-endian sector number.
	tweak := make([]byte, 16)
	binary.BigEndian.PutUint64(tweak[8:], sector)

	// Encrypt tweak with K2.
	tweakEnc := make([]byte, 16)
	c2.Encrypt(tweakEnc, tweak)
	tweak = tweakEnc

	out := make([]byte, len(data))
	buf := make([]byte, 16)
	res := make([]byte, 16)

	for i := 0; i < len(data); i += 16 {
		chunk := data[i : i+16]

		xor(buf, chunk, tweak)

		if encrypt {
			c1.Encrypt(res, buf)
		} else {
			c1.Decrypt(res, buf)
		}

		xor(out[i:i+16], res, tweak)

		mul2(tweak)
	}
	return out, nil
}

// NintendoXTSCrypt crypts a multi-sector region (an NCA header followed by
// its FS-section headers, for example) one sectorSize-byte sector at a
// time, starting the tweak fresh at startSector for the first sector and
// incrementing it by one for each subsequent sector. NCA2/NCA3 headers need
// this: the tweak resets at each 0x200-byte sector boundary instead of
// running continuously the way a single bulk XTS region would.
func NintendoXTSCrypt(data, key []byte, startSector uint64, sectorSize int, encrypt bool) ([]byte, error) {
	if sectorSize <= 0 || len(data)%sectorSize != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of sector size %d", len(data), sectorSize)
	}

	out := make([]byte, len(data))
	sectors := len(data) / sectorSize
	for i := 0; i < sectors; i++ {
		start := i * sectorSize
		end := start + sectorSize
		chunk, err := xtsCryptSector(data[start:end], key, startSector+uint64(i), encrypt)
		if err != nil {
			return nil, fmt.Errorf("sector %d: %w", i, err)
		}
		copy(out[start:end], chunk)
	}
	return out, nil
}

func xor(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func mul2(tweak []byte) {
	var carry byte = 0
	for i := 0; i < 16; i++ {
		b := tweak[i]
		nextCarry := b >> 7
		tweak[i] = (b << 1) | carry
		carry = nextCarry
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}
