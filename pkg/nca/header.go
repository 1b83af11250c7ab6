package nca

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/keyset"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// HashDataRegion is one region of a HierarchicalSha256 hash layer, or one
// level of a HierarchicalIntegrity (IVFC) hash layer, unified into a single
// shape since both are walked identically by the patch generator.
type HashDataRegion struct {
	Offset    int64
	Size      int64
	BlockSize int64 // 0 for HierarchicalSha256's leaf (hash-target) region
}

// HashData describes a section's hash tree: its kind, its layers from
// outermost (closest to the master hash) to innermost (the hash target),
// and the master hash itself.
type HashData struct {
	Kind       HashType
	Regions    []HashDataRegion
	MasterHash [32]byte
}

// PatchInfo holds the indirect (BKTR relocation) and aes_ctr_ex (BKTR
// subsection) bucket locations inside a Patch RomFS section.
type PatchInfo struct {
	IndirectOffset int64
	IndirectSize   int64
	AesCtrExOffset int64
	AesCtrExSize   int64
}

// FsHeader is the parsed, plaintext form of one 0x200-byte FS-section
// header.
type FsHeader struct {
	Version        uint16
	FsType         FsType
	HashType       HashType
	EncryptionType EncryptionType
	HashData       HashData
	Patch          PatchInfo
	CtrUpperIV     uint32 // aes_ctr_upper_iv, for AesCtrEx sections
	Counter        [8]byte

	raw [FsHeaderSize]byte // plaintext bytes, kept for re-hash/re-encrypt
}

// Header is the parsed, plaintext NCA main header plus its four FS-section
// headers. It is the source of truth for any mutation; encrypted twins are
// recomputed from it on demand.
type Header struct {
	Version           FormatVersion
	DistType          DistributionType
	ContentType       ContentType
	KeyGenerationOld  byte
	KeyGeneration2    byte
	KaekIndex         byte
	ContentSize       uint64
	ProgramID         uint64
	ContentIndex      uint32
	SDKAddonVersion   uint32
	RightsID          [0x10]byte
	HasRightsID       bool
	SectionTables     [NumFsSections]sectionEntry
	KeyArea           [KeyAreaSize]byte // decrypted, always stored plaintext in-context
	FsHeaders         [NumFsSections]FsHeader
	sigBlock          [MainHeaderOffset]byte // header signatures, preserved verbatim
	plaintextHashHash [32]byte               // cached SHA-256 of the plaintext header+fs-headers
	fsHeaderHash      [NumFsSections][32]byte
}

type sectionEntry struct {
	StartSector uint32
	EndSector   uint32
}

func (s sectionEntry) enabled() bool { return s.StartSector != 0 || s.EndSector != 0 }
func (s sectionEntry) offset() int64 { return int64(s.StartSector) * MediaUnitSize }
func (s sectionEntry) size() int64 {
	return (int64(s.EndSector) - int64(s.StartSector)) * MediaUnitSize
}

// keyGeneration computes the effective key generation:
// max(key_generation, key_generation_old) - 1, clamped to zero.
func (h *Header) keyGeneration() byte {
	gen := h.KeyGenerationOld
	if h.KeyGeneration2 > gen {
		gen = h.KeyGeneration2
	}
	if gen == 0 {
		return 0
	}
	return gen - 1
}

// parseHeader decrypts and parses the 0xC00-byte NCA header region,
// dispatching sector numbering by format version. headerKey is the
// 32-byte concatenated AES-128-XTS key pair from the key provider.
func parseHeader(ciphertext []byte, headerKey [32]byte) (*Header, error) {
	if len(ciphertext) != HeaderStructSize {
		return nil, ncaerr.New(ncaerr.InvalidArgument, "nca header buffer must be %d bytes, got %d", HeaderStructSize, len(ciphertext))
	}

	// Main header (sectors 0 and 1) always decrypts the same way
	// regardless of version; version is only known after reading the
	// magic out of it.
	mainSector, err := crypto.NintendoXTSCrypt(ciphertext[:MediaUnitSize*2], headerKey[:], 0, MediaUnitSize, false)
	if err != nil {
		return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "decrypting nca main header")
	}

	var magic [4]byte
	copy(magic[:], mainSector[MainHeaderOffset:MainHeaderOffset+4])

	var version FormatVersion
	switch magic {
	case magicNCA3:
		version = FormatV3
	case magicNCA2:
		version = FormatV2
	case magicNCA0:
		version = FormatV0
	default:
		return nil, ncaerr.New(ncaerr.FormatError, "invalid nca magic %q", magic)
	}

	h := &Header{Version: version}
	copy(h.sigBlock[:], mainSector[:MainHeaderOffset])

	m := mainSector[MainHeaderOffset:]
	h.DistType = DistributionType(m[0x4])
	h.ContentType = ContentType(m[0x5])
	h.KeyGenerationOld = m[0x6]
	h.KaekIndex = m[0x7]
	h.ContentSize = binary.LittleEndian.Uint64(m[0x8:0x10])
	h.ProgramID = binary.LittleEndian.Uint64(m[0x10:0x18])
	h.ContentIndex = binary.LittleEndian.Uint32(m[0x18:0x1C])
	h.SDKAddonVersion = binary.LittleEndian.Uint32(m[0x1C:0x20])
	h.KeyGeneration2 = m[0x20]
	copy(h.RightsID[:], m[0x30:0x40])
	for _, b := range h.RightsID {
		if b != 0 {
			h.HasRightsID = true
			break
		}
	}

	secTable := m[SectionTableBase-MainHeaderOffset:]
	for i := 0; i < NumFsSections; i++ {
		off := i * 16
		h.SectionTables[i] = sectionEntry{
			StartSector: binary.LittleEndian.Uint32(secTable[off : off+4]),
			EndSector:   binary.LittleEndian.Uint32(secTable[off+4 : off+8]),
		}
	}

	for i := 0; i < NumFsSections; i++ {
		off := SectionTableBase - MainHeaderOffset + 0x40 + i*32
		copy(h.fsHeaderHash[i][:], m[off:off+32])
	}

	copy(h.KeyArea[:], m[KeyAreaBase-MainHeaderOffset:KeyAreaBase-MainHeaderOffset+KeyAreaSize])

	// FS-section headers: sector numbering differs by version.
	fsPlain := make([]byte, NumFsSections*FsHeaderSize)
	switch version {
	case FormatV3:
		decrypted, err := crypto.NintendoXTSCrypt(ciphertext[FsHeaderBaseStart:], headerKey[:], 2, MediaUnitSize, false)
		if err != nil {
			return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "decrypting nca3 fs-section headers")
		}
		copy(fsPlain, decrypted)
	case FormatV2:
		for i := 0; i < NumFsSections; i++ {
			off := i * FsHeaderSize
			decrypted, err := crypto.NintendoXTSCrypt(ciphertext[FsHeaderBaseStart+off:FsHeaderBaseStart+off+FsHeaderSize], headerKey[:], 0, MediaUnitSize, false)
			if err != nil {
				return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "decrypting nca2 fs-section header %d", i)
			}
			copy(fsPlain[off:off+FsHeaderSize], decrypted)
		}
	case FormatV0:
		// v0 FS-section headers sit at the start of each section's own
		// byte range rather than contiguous after the main header, so
		// they can't be parsed out of the 0xC00-byte header region; Open
		// reads them once the backing reader is available.
	}

	for i := 0; i < NumFsSections; i++ {
		fh, err := parseFsHeader(fsPlain[i*FsHeaderSize : (i+1)*FsHeaderSize])
		if err != nil {
			return nil, ncaerr.Wrap(ncaerr.FormatError, err, "parsing fs-section header %d", i)
		}
		h.FsHeaders[i] = fh
	}

	h.plaintextHashHash = h.hashPlaintext()
	return h, nil
}

func parseFsHeader(data []byte) (FsHeader, error) {
	var fh FsHeader
	if len(data) != FsHeaderSize {
		return fh, ncaerr.New(ncaerr.InvalidArgument, "fs-header buffer must be %d bytes", FsHeaderSize)
	}
	copy(fh.raw[:], data)

	fh.Version = binary.LittleEndian.Uint16(data[0x0:0x2])
	fh.FsType = FsType(data[0x2])
	fh.HashType = HashType(data[0x3])
	fh.EncryptionType = EncryptionType(data[0x4])

	switch fh.HashType {
	case HashHierarchicalSha256:
		fh.HashData = parseHierarchicalSha256(data)
	case HashHierarchicalIntegrity:
		fh.HashData = parseHierarchicalIntegrity(data)
	}

	fh.Patch.IndirectOffset = int64(binary.LittleEndian.Uint64(data[0x100:0x108]))
	fh.Patch.IndirectSize = int64(binary.LittleEndian.Uint64(data[0x108:0x110]))
	fh.Patch.AesCtrExOffset = int64(binary.LittleEndian.Uint64(data[0x120:0x128]))
	fh.Patch.AesCtrExSize = int64(binary.LittleEndian.Uint64(data[0x128:0x130]))

	fh.CtrUpperIV = binary.LittleEndian.Uint32(data[0x140:0x144])
	copy(fh.Counter[:], data[0x140:0x148])

	return fh, nil
}

// Hash-data offsets within the 0x200-byte FS header. HierarchicalSha256
// stores {master_hash 0x20, hash_block_size u32, hash_region_count u32,
// regions[5]{offset u64, size u64}} starting at 0x8; HierarchicalIntegrity
// stores an NcaIntegrityMetaInfo {IVFC magic, version, master_hash_size,
// max_level_count u32, levels[6]{offset u64, size u64, block_order u32,
// reserved u32}, signature_salt 0x20, master_hash 0x20} at the same spot.
const (
	hashDataOff = 0x8

	sha256MasterHashOff  = hashDataOff
	sha256BlockSizeOff   = hashDataOff + 0x20
	sha256RegionCountOff = hashDataOff + 0x24
	sha256RegionsOff     = hashDataOff + 0x28

	ivfcLevelsOff     = hashDataOff + 0x10
	ivfcLevelSize     = 0x18
	ivfcMasterHashOff = ivfcLevelsOff + 6*ivfcLevelSize + 0x20
)

// parseHierarchicalSha256 reads an NcaHierarchicalSha256Data block: a
// master hash, block size, region count (<=5) and up to 5 (offset,size)
// regions. The last region is the hash target.
func parseHierarchicalSha256(fsHeader []byte) HashData {
	hd := HashData{Kind: HashHierarchicalSha256}
	copy(hd.MasterHash[:], fsHeader[sha256MasterHashOff:sha256MasterHashOff+0x20])
	blockSize := int64(binary.LittleEndian.Uint32(fsHeader[sha256BlockSizeOff : sha256BlockSizeOff+4]))
	regionCount := binary.LittleEndian.Uint32(fsHeader[sha256RegionCountOff : sha256RegionCountOff+4])
	for i := uint32(0); i < regionCount && i < 5; i++ {
		off := sha256RegionsOff + int(i)*0x10
		region := HashDataRegion{
			Offset:    int64(binary.LittleEndian.Uint64(fsHeader[off : off+8])),
			Size:      int64(binary.LittleEndian.Uint64(fsHeader[off+8 : off+16])),
			BlockSize: blockSize,
		}
		hd.Regions = append(hd.Regions, region)
	}
	if len(hd.Regions) > 0 {
		hd.Regions[len(hd.Regions)-1].BlockSize = 0 // leaf/hash-target region
	}
	return hd
}

// parseHierarchicalIntegrity reads an NcaIntegrityMetaInfo block: always 6
// IVFC levels plus the master hash.
func parseHierarchicalIntegrity(fsHeader []byte) HashData {
	hd := HashData{Kind: HashHierarchicalIntegrity}
	for i := 0; i < 6; i++ {
		off := ivfcLevelsOff + i*ivfcLevelSize
		order := binary.LittleEndian.Uint32(fsHeader[off+16 : off+20])
		hd.Regions = append(hd.Regions, HashDataRegion{
			Offset:    int64(binary.LittleEndian.Uint64(fsHeader[off : off+8])),
			Size:      int64(binary.LittleEndian.Uint64(fsHeader[off+8 : off+16])),
			BlockSize: int64(1) << order,
		})
	}
	copy(hd.MasterHash[:], fsHeader[ivfcMasterHashOff:ivfcMasterHashOff+0x20])
	return hd
}

// hashPlaintext computes the idempotency-gate hash: SHA-256 over the
// plaintext main header fields plus all four FS-section headers, used by
// EncryptHeaderAndKeyArea to decide whether re-encryption is needed.
func (h *Header) hashPlaintext() [32]byte {
	hasher := sha256.New()
	hasher.Write([]byte{byte(h.DistType), byte(h.ContentType), h.KeyGenerationOld, h.KaekIndex, h.KeyGeneration2})
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], h.ContentSize)
	hasher.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], h.ProgramID)
	hasher.Write(scratch[:])
	hasher.Write(h.RightsID[:])
	hasher.Write(h.KeyArea[:])
	for i := range h.FsHeaders {
		hasher.Write(h.FsHeaders[i].raw[:])
	}
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// decryptKeyArea decrypts the 4 (v2/v3) or 2 (v0) key-area slots in place,
// using either the key provider's direct KAEK or, for v0 only, a fallback
// that decrypts each slot directly under the provider's key-area key
// source; no per-generation KAEK derivation is applied on that path.
func decryptKeyArea(keyArea *[KeyAreaSize]byte, version FormatVersion, gen, kaekIndex byte, kp keyset.KeyProvider) error {
	slotCount := 4
	if version == FormatV0 {
		slotCount = 2
		// Callers pre-check the plaintext sentinel via
		// IsV0KeyAreaPlaintext, so this function always assumes
		// ciphertext input for v0.
	}

	if direct, ok := kp.KeyAreaKey(gen, kaekIndex); ok {
		for i := 0; i < slotCount; i++ {
			slot := keyArea[i*KeyAreaSlotSize : (i+1)*KeyAreaSlotSize]
			plain, err := crypto.ECBDecrypt(slot, direct[:])
			if err != nil {
				return ncaerr.Wrap(ncaerr.CryptoError, err, "decrypting key-area slot %d", i)
			}
			copy(slot, plain)
		}
		return nil
	}

	// v0 fallback: slots decrypt directly under the key-area key source.
	if version != FormatV0 {
		return ncaerr.New(ncaerr.KeyUnavailable, "no key-area key for gen=%d kaek_index=%d", gen, kaekIndex)
	}
	src, ok := kp.KeyAreaKeySource(kaekIndex)
	if !ok {
		return ncaerr.New(ncaerr.KeyUnavailable, "no key-area key or source for gen=%d kaek_index=%d", gen, kaekIndex)
	}
	for i := 0; i < slotCount; i++ {
		slot := keyArea[i*KeyAreaSlotSize : (i+1)*KeyAreaSlotSize]
		plain, err := crypto.ECBDecrypt(slot, src[:])
		if err != nil {
			return ncaerr.Wrap(ncaerr.CryptoError, err, "decrypting key-area slot %d via source fallback", i)
		}
		copy(slot, plain)
	}
	return nil
}

// encryptKeyArea is the symmetric counterpart of decryptKeyArea.
func encryptKeyArea(keyArea *[KeyAreaSize]byte, version FormatVersion, gen, kaekIndex byte, kp keyset.KeyProvider) error {
	slotCount := 4
	if version == FormatV0 {
		slotCount = 2
	}
	direct, ok := kp.KeyAreaKey(gen, kaekIndex)
	if !ok {
		return ncaerr.New(ncaerr.KeyUnavailable, "no key-area key for gen=%d kaek_index=%d", gen, kaekIndex)
	}
	for i := 0; i < slotCount; i++ {
		slot := keyArea[i*KeyAreaSlotSize : (i+1)*KeyAreaSlotSize]
		cipher, err := crypto.ECBEncrypt(slot, direct[:])
		if err != nil {
			return ncaerr.Wrap(ncaerr.CryptoError, err, "encrypting key-area slot %d", i)
		}
		copy(slot, cipher)
	}
	return nil
}

// v0PlaintextSentinelHash is the well-known SHA-256 of an all-zero v0
// key-area, used to detect the legacy "already plaintext" case.
var v0PlaintextSentinelHash = sha256.Sum256(make([]byte, KeyAreaSize))

// IsV0KeyAreaPlaintext reports whether the on-disk (possibly already
// plaintext) v0 key-area matches the sentinel hash.
func IsV0KeyAreaPlaintext(keyArea [KeyAreaSize]byte) bool {
	return sha256.Sum256(keyArea[:]) == v0PlaintextSentinelHash
}
