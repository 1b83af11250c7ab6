package nca

import (
	"encoding/binary"
	"io"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// resolveSectionType maps (fs_type, hash_type, encryption_type, version)
// to the section kind the rest of the engine dispatches on.
func resolveSectionType(idx int, fh FsHeader, version FormatVersion) FsSectionType {
	enc := fh.EncryptionType
	if enc == EncryptionAuto {
		if idx == 2 {
			enc = EncryptionNone
		} else {
			enc = EncryptionAesCtr
		}
	}

	switch {
	case fh.FsType == FsTypePartitionFs && fh.HashType == HashHierarchicalSha256 &&
		(enc == EncryptionAesCtr || enc == EncryptionAesCtrSkipLayerHash):
		return SectionPartitionFs
	case fh.FsType == FsTypeRomFs && fh.HashType == HashHierarchicalIntegrity &&
		(enc == EncryptionAesCtr || enc == EncryptionAesCtrSkipLayerHash):
		return SectionRomFs
	case fh.FsType == FsTypeRomFs && fh.HashType == HashHierarchicalIntegrity &&
		(enc == EncryptionAesCtrEx || enc == EncryptionAesCtrExSkipLayerHash):
		return SectionPatchRomFs
	case fh.FsType == FsTypeRomFs && fh.HashType == HashHierarchicalSha256 &&
		enc == EncryptionAesXts && version == FormatV0:
		return SectionV0RomFs
	default:
		return SectionInvalid
	}
}

// FsSectionContext is the runtime, openable view over one of an NCA's four
// fixed FS sections.
type FsSectionContext struct {
	nca     *Context
	idx     int
	enabled bool

	offset      int64
	size        int64
	sectionType FsSectionType
	encType     EncryptionType

	baseIV [16]byte // section's fixed CTR IV, upper 8 bytes reversed counter

	patchBuckets []patchBucket // parsed AesCtrEx subsection table, if any
}

// hashTargetRegion returns the (offset, size) of the hash-target layer
// within the section.
func (fh *FsHeader) hashTargetRegion() (HashDataRegion, bool) {
	if len(fh.HashData.Regions) == 0 {
		return HashDataRegion{}, false
	}
	return fh.HashData.Regions[len(fh.HashData.Regions)-1], true
}

// buildBaseIV turns the FS-header's 8-byte counter into the upper 8 bytes
// of a 16-byte CTR IV, byte-reversed.
func buildBaseIV(counter [8]byte) [16]byte {
	var iv [16]byte
	for i := 0; i < 8; i++ {
		iv[8+i] = counter[7-i]
	}
	return iv
}

func newFsSectionContext(c *Context, idx int) *FsSectionContext {
	entry := c.header.SectionTables[idx]
	fh := c.header.FsHeaders[idx]

	ctx := &FsSectionContext{
		nca:     c,
		idx:     idx,
		enabled: entry.enabled(),
		offset:  entry.offset(),
		size:    entry.size(),
	}
	if !ctx.enabled {
		return ctx
	}

	ctx.sectionType = resolveSectionType(idx, fh, c.header.Version)
	ctx.encType = fh.EncryptionType
	if ctx.encType == EncryptionAuto {
		if idx == 2 {
			ctx.encType = EncryptionNone
		} else {
			ctx.encType = EncryptionAesCtr
		}
	}
	ctx.baseIV = buildBaseIV(fh.Counter)
	return ctx
}

// sectionCryptoKey returns the key material a CTR/XTS read should use:
// the unwrapped title-key when the NCA carries a rights-id, otherwise the
// decrypted key-area's CTR slot.
func (c *Context) sectionCryptoKey(slotIndex int) ([]byte, error) {
	if c.header.HasRightsID {
		if c.titleKey == nil {
			return nil, ncaerr.New(ncaerr.KeyUnavailable, "nca has rights-id but no title-key was retrieved")
		}
		return c.titleKey, nil
	}
	slot := c.header.KeyArea[slotIndex*KeyAreaSlotSize : (slotIndex+1)*KeyAreaSlotSize]
	return slot, nil
}

// ReadSection reads len(out) decrypted bytes at offWithinSection from the
// section's plaintext view. CTR reads are
// absolute-offset-addressed and therefore need no alignment; XTS reads are
// split at 0x200-byte sector boundaries.
func (s *FsSectionContext) ReadSection(out []byte, offWithinSection int64) (int, error) {
	if !s.enabled {
		return 0, ncaerr.New(ncaerr.InvalidArgument, "section %d is not enabled", s.idx)
	}
	if offWithinSection < 0 || offWithinSection+int64(len(out)) > s.size {
		return 0, ncaerr.New(ncaerr.InvalidArgument, "read [%d,%d) out of section bounds (size=%d)", offWithinSection, offWithinSection+int64(len(out)), s.size)
	}

	absOffset := s.offset + offWithinSection

	s.nca.scratch.mu.Lock()
	defer s.nca.scratch.mu.Unlock()

	cipherBuf := make([]byte, len(out))
	if _, err := s.nca.reader.ReadAt(cipherBuf, absOffset); err != nil && err != io.EOF {
		return 0, ncaerr.Wrap(ncaerr.IOError, err, "reading nca section %d at %d", s.idx, absOffset)
	}

	if s.encType.skipsLayerHash() {
		if target, ok := s.nca.header.FsHeaders[s.idx].hashTargetRegion(); ok {
			hashRegionEnd := target.Offset
			if offWithinSection+int64(len(out)) <= hashRegionEnd {
				copy(out, cipherBuf)
				return len(out), nil
			}
		}
	}

	switch s.encType {
	case EncryptionNone:
		copy(out, cipherBuf)
	case EncryptionAesCtr, EncryptionAesCtrSkipLayerHash:
		key, err := s.nca.sectionCryptoKey(KeyAreaSlotCtr)
		if err != nil {
			return 0, err
		}
		if err := ctrDecryptAt(out, cipherBuf, key, s.baseIV, absOffset); err != nil {
			return 0, err
		}
	case EncryptionAesCtrEx, EncryptionAesCtrExSkipLayerHash:
		return 0, ncaerr.New(ncaerr.InvalidArgument, "section %d is AesCtrEx; use ReadPatchStorage", s.idx)
	case EncryptionAesXts:
		key, err := s.nca.sectionCryptoKey(KeyAreaSlotXts1)
		if err != nil {
			return 0, err
		}
		xtsKey := make([]byte, 32)
		copy(xtsKey, key)
		key2, _ := s.nca.sectionCryptoKey(KeyAreaSlotXts2)
		copy(xtsKey[16:], key2)
		if offWithinSection%MediaUnitSize != 0 || len(out)%MediaUnitSize != 0 {
			return 0, ncaerr.New(ncaerr.InvalidArgument, "xts reads must be sector-aligned")
		}
		startSector := uint64(offWithinSection / MediaUnitSize)
		plain, err := crypto.NintendoXTSCrypt(cipherBuf, xtsKey, startSector, MediaUnitSize, false)
		if err != nil {
			return 0, ncaerr.Wrap(ncaerr.CryptoError, err, "xts-decrypting section %d", s.idx)
		}
		copy(out, plain)
	default:
		return 0, ncaerr.New(ncaerr.FormatError, "unknown encryption type %d for section %d", s.encType, s.idx)
	}

	return len(out), nil
}

// ctrDecryptAt XORs one absolutely-addressed CTR keystream range into
// ciphertext (CTR is self-inverse, so encrypt and decrypt are the same
// call). baseIV carries the section's fixed upper-half counter; the lower
// half advances with absOffset>>4. Offsets need not be
// block-aligned: the leading partial block's keystream is discarded.
func ctrDecryptAt(out, ciphertext, key []byte, baseIV [16]byte, absOffset int64) error {
	aligned := absOffset &^ 0xF
	stream, err := crypto.NewCTRStream(key, baseIV[:], aligned)
	if err != nil {
		return ncaerr.Wrap(ncaerr.CryptoError, err, "building ctr stream")
	}
	if skip := int(absOffset - aligned); skip > 0 {
		var pad [16]byte
		stream.XORKeyStream(pad[:skip], pad[:skip])
	}
	stream.XORKeyStream(out, ciphertext)
	return nil
}

// ReadPatchStorage reads AesCtrEx (Patch RomFS / BKTR) storage, where the
// upper 32 bits of the CTR IV come from a per-subsection ctrValue instead
// of the section's fixed counter.
func (s *FsSectionContext) ReadPatchStorage(out []byte, offWithinSection int64, ctrValue uint32) (int, error) {
	if !s.enabled {
		return 0, ncaerr.New(ncaerr.InvalidArgument, "section %d is not enabled", s.idx)
	}
	if !s.encType.isCtrEx() {
		return 0, ncaerr.New(ncaerr.InvalidArgument, "section %d is not an AesCtrEx section", s.idx)
	}

	absOffset := s.offset + offWithinSection
	cipherBuf := make([]byte, len(out))

	s.nca.scratch.mu.Lock()
	defer s.nca.scratch.mu.Unlock()

	if _, err := s.nca.reader.ReadAt(cipherBuf, absOffset); err != nil && err != io.EOF {
		return 0, ncaerr.Wrap(ncaerr.IOError, err, "reading patch storage section %d at %d", s.idx, absOffset)
	}

	if s.encType == EncryptionAesCtrExSkipLayerHash {
		if target, ok := s.nca.header.FsHeaders[s.idx].hashTargetRegion(); ok {
			if offWithinSection+int64(len(out)) <= target.Offset {
				copy(out, cipherBuf)
				return len(out), nil
			}
		}
	}

	key, err := s.nca.sectionCryptoKey(KeyAreaSlotCtr2)
	if err != nil {
		return 0, err
	}

	var iv [16]byte
	binary.BigEndian.PutUint32(iv[4:8], ctrValue)
	if err := ctrDecryptAt(out, cipherBuf, key, iv, absOffset); err != nil {
		return 0, err
	}
	return len(out), nil
}

// HashTargetExtents returns the extent of the section's hash-target
// layer, in absolute content-file bytes.
func (s *FsSectionContext) HashTargetExtents() (offset, size int64, err error) {
	fh := s.nca.header.FsHeaders[s.idx]
	region, ok := fh.hashTargetRegion()
	if !ok {
		return 0, 0, ncaerr.New(ncaerr.FormatError, "section %d has no hash data", s.idx)
	}
	return s.offset + region.Offset, region.Size, nil
}

type patchBucket struct {
	virtualOffset int64
	size          int64
	ctr           uint32
}

// Enabled reports whether the section's table entry is populated and its
// crypto requirements were satisfied at Open time.
func (s *FsSectionContext) Enabled() bool { return s.enabled }

// Type returns the resolved section type.
func (s *FsSectionContext) Type() FsSectionType { return s.sectionType }

// Encryption returns the section's resolved encryption type.
func (s *FsSectionContext) Encryption() EncryptionType { return s.encType }

// Extents returns the section's (absolute offset, size) within the NCA.
func (s *FsSectionContext) Extents() (offset, size int64) { return s.offset, s.size }

// HashData returns a copy of the section's current hash-tree description,
// including any master-hash update from patch generation.
func (s *FsSectionContext) HashData() HashData {
	hd := s.nca.header.FsHeaders[s.idx].HashData
	hd.Regions = append([]HashDataRegion(nil), hd.Regions...)
	return hd
}
