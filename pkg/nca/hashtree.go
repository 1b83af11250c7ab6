package nca

import (
	"crypto/sha256"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

const hashSize = 32

// Patch is one (absolute NCA offset, encrypted-bytes) output of hash-tree
// or header re-encryption. The NSP writer overlays every unwritten patch
// whose range intersects an output chunk and flips Written once applied.
type Patch struct {
	Offset  int64
	Data    []byte
	Written bool
}

// Intersects reports whether the patch overlaps the half-open byte range
// [chunkOffset, chunkOffset+chunkSize).
func (p *Patch) Intersects(chunkOffset, chunkSize int64) bool {
	end := p.Offset + int64(len(p.Data))
	chunkEnd := chunkOffset + chunkSize
	return p.Offset < chunkEnd && end > chunkOffset
}

// Apply overlays the patch's bytes into chunk (which starts at
// chunkOffset in the same absolute address space). Written flips only
// once the patch's tail has been covered, so a patch straddling a chunk
// boundary is offered to the next chunk as well.
func (p *Patch) Apply(chunk []byte, chunkOffset int64) {
	patchEnd := p.Offset + int64(len(p.Data))
	chunkEnd := chunkOffset + int64(len(chunk))

	start := p.Offset
	if start < chunkOffset {
		start = chunkOffset
	}
	end := patchEnd
	if end > chunkEnd {
		end = chunkEnd
	}
	if start >= end {
		return
	}
	copy(chunk[start-chunkOffset:end-chunkOffset], p.Data[start-p.Offset:end-p.Offset])
	if chunkEnd >= patchEnd {
		p.Written = true
	}
}

// blockSizeForLevel returns the hash-block size used to split region li's
// bytes when computing its parent's digests. HierarchicalSha256 shares one
// global block size across levels (the leaf region carries none, so it
// borrows its immediate parent's); IVFC carries a per-level block size
// derived from that level's own block_order.
func blockSizeForLevel(regions []HashDataRegion, li int) int64 {
	if regions[li].BlockSize != 0 {
		return regions[li].BlockSize
	}
	if li > 0 {
		return regions[li-1].BlockSize
	}
	return int64(hashSize)
}

// GenerateHashTreePatch walks the hash tree from the hash-target (leaf)
// layer back toward the master hash, recomputing every hash block whose
// coverage includes the overlay write, and emits one Patch per mutated
// layer plus the FS-section-header and NCA-header hash updates.
func (s *FsSectionContext) GenerateHashTreePatch(overlay []byte, overlayOffsetInTargetLayer int64) ([]*Patch, error) {
	if !s.enabled {
		return nil, ncaerr.New(ncaerr.InvalidArgument, "section %d is not enabled", s.idx)
	}
	fh := &s.nca.header.FsHeaders[s.idx]
	regions := fh.HashData.Regions
	n := len(regions)
	if n == 0 {
		return nil, ncaerr.New(ncaerr.FormatError, "section %d has no hash data regions", s.idx)
	}
	if len(overlay) == 0 || overlayOffsetInTargetLayer < 0 ||
		overlayOffsetInTargetLayer+int64(len(overlay)) > regions[n-1].Size {
		return nil, ncaerr.New(ncaerr.InvalidArgument, "overlay [%d,%d) out of hash-target bounds (size=%d)",
			overlayOffsetInTargetLayer, overlayOffsetInTargetLayer+int64(len(overlay)), regions[n-1].Size)
	}

	var patches []*Patch

	curOffset := overlayOffsetInTargetLayer
	curData := overlay

	for li := n - 1; li >= 0; li-- {
		region := regions[li]
		blockSize := blockSizeForLevel(regions, li)

		blockStart := (curOffset / blockSize) * blockSize
		blockEnd := ((curOffset+int64(len(curData))-1)/blockSize + 1) * blockSize
		if blockEnd > region.Size {
			blockEnd = region.Size
		}
		spanLen := blockEnd - blockStart

		span := make([]byte, spanLen)
		if _, err := s.ReadSection(span, region.Offset+blockStart); err != nil {
			return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading hash layer %d span", li)
		}

		spliceStart := curOffset - blockStart
		copy(span[spliceStart:spliceStart+int64(len(curData))], curData)

		numBlocks := (spanLen + blockSize - 1) / blockSize
		digests := make([]byte, numBlocks*hashSize)
		for b := int64(0); b < numBlocks; b++ {
			start := b * blockSize
			end := start + blockSize
			if end > spanLen {
				end = spanLen
			}
			var blockBuf []byte
			if fh.HashData.Kind == HashHierarchicalIntegrity && end-start < blockSize {
				// IVFC zero-pads a truncated tail block before
				// hashing; HierarchicalSha256 truncates instead.
				blockBuf = make([]byte, blockSize)
				copy(blockBuf, span[start:end])
			} else {
				blockBuf = span[start:end]
			}
			digest := sha256.Sum256(blockBuf)
			copy(digests[b*hashSize:(b+1)*hashSize], digest[:])
		}

		encSpan, err := s.reEncryptSpan(span, region.Offset+blockStart)
		if err != nil {
			return nil, err
		}
		patches = append(patches, &Patch{Offset: s.offset + region.Offset + blockStart, Data: encSpan})

		if li == 0 {
			// No stored parent region for the outermost layer: the master
			// hash is one SHA-256 over the entire (now-patched) region.
			full := make([]byte, region.Size)
			if _, err := s.ReadSection(full, region.Offset); err != nil {
				return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading full top hash layer")
			}
			copy(full[blockStart:blockEnd], span)
			master := sha256.Sum256(full)
			fh.HashData.MasterHash = master
			break
		}

		parentStart := (blockStart / blockSize) * hashSize

		curData = digests
		curOffset = parentStart
	}

	fh.raw = rehashFsHeaderMasterHash(fh)
	digest := sha256.Sum256(fh.raw[:])
	s.nca.header.fsHeaderHash[s.idx] = digest
	s.nca.headerMutated = true

	return patches, nil
}

// reEncryptSpan re-encrypts plaintext bytes destined for offWithinSection
// using the section's crypto context, the write-side counterpart of
// ReadSection's decrypt.
func (s *FsSectionContext) reEncryptSpan(plain []byte, offWithinSection int64) ([]byte, error) {
	absOffset := s.offset + offWithinSection
	out := make([]byte, len(plain))

	// Skip-layer-hash sections store the hash levels unencrypted; only
	// spans inside the hash-target layer get CTR applied.
	if s.encType.skipsLayerHash() {
		if target, ok := s.nca.header.FsHeaders[s.idx].hashTargetRegion(); ok {
			if offWithinSection+int64(len(plain)) <= target.Offset {
				copy(out, plain)
				return out, nil
			}
		}
	}

	switch s.encType {
	case EncryptionNone:
		copy(out, plain)
		return out, nil
	case EncryptionAesCtr, EncryptionAesCtrSkipLayerHash:
		key, err := s.nca.sectionCryptoKey(KeyAreaSlotCtr)
		if err != nil {
			return nil, err
		}
		if err := ctrDecryptAt(out, plain, key, s.baseIV, absOffset); err != nil { // CTR is self-inverse
			return nil, err
		}
		return out, nil
	case EncryptionAesXts:
		if offWithinSection%MediaUnitSize != 0 || len(plain)%MediaUnitSize != 0 {
			return nil, ncaerr.New(ncaerr.InvalidArgument, "xts re-encrypt must be sector-aligned")
		}
		key1, err := s.nca.sectionCryptoKey(KeyAreaSlotXts1)
		if err != nil {
			return nil, err
		}
		key2, _ := s.nca.sectionCryptoKey(KeyAreaSlotXts2)
		xtsKey := make([]byte, 32)
		copy(xtsKey, key1)
		copy(xtsKey[16:], key2)
		startSector := uint64(offWithinSection / MediaUnitSize)
		cipher, err := crypto.NintendoXTSCrypt(plain, xtsKey, startSector, MediaUnitSize, true)
		if err != nil {
			return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "xts re-encrypting section %d", s.idx)
		}
		return cipher, nil
	default:
		return nil, ncaerr.New(ncaerr.FormatError, "cannot re-encrypt section %d: unsupported encryption type %d", s.idx, s.encType)
	}
}

// rehashFsHeaderMasterHash writes fh.HashData.MasterHash back into the
// raw FS-section-header bytes at its format-specific offset, so the
// header's own SHA-256 (used for fs_header_hash) reflects the patch.
func rehashFsHeaderMasterHash(fh *FsHeader) [FsHeaderSize]byte {
	raw := fh.raw
	switch fh.HashType {
	case HashHierarchicalSha256:
		copy(raw[sha256MasterHashOff:sha256MasterHashOff+hashSize], fh.HashData.MasterHash[:])
	case HashHierarchicalIntegrity:
		copy(raw[ivfcMasterHashOff:ivfcMasterHashOff+hashSize], fh.HashData.MasterHash[:])
	}
	return raw
}
