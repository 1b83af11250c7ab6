package nca

import (
	"encoding/binary"
	"io"

	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// AesCtrEx (BKTR subsection) bucket parsing for Patch RomFS sections. A
// patch section's data is split into subsections, each carrying its own
// 32-bit counter value that replaces the upper half of the CTR IV.

const (
	bktrBucketHeaderSize = 16
	bktrBaseOffsetsSize  = 0x3FF0
	bktrEntrySize        = 16
)

// ParsePatchSubsections reads and decrypts the section's AesCtrEx bucket
// table (located by the FS header's PatchInfo) and caches the flattened
// subsection list on the section context, so ReadPatchSectionAuto can map
// a section-relative offset to the counter value that decrypts it.
func (s *FsSectionContext) ParsePatchSubsections() error {
	if !s.enabled {
		return ncaerr.New(ncaerr.InvalidArgument, "section %d is not enabled", s.idx)
	}
	if !s.encType.isCtrEx() {
		return ncaerr.New(ncaerr.InvalidArgument, "section %d has no AesCtrEx layer", s.idx)
	}
	patch := s.nca.header.FsHeaders[s.idx].Patch
	if patch.AesCtrExSize == 0 {
		return ncaerr.New(ncaerr.FormatError, "section %d has an empty AesCtrEx bucket table", s.idx)
	}

	key, err := s.nca.sectionCryptoKey(KeyAreaSlotCtr)
	if err != nil {
		return err
	}

	absOffset := s.offset + patch.AesCtrExOffset
	data := make([]byte, patch.AesCtrExSize)

	s.nca.scratch.mu.Lock()
	defer s.nca.scratch.mu.Unlock()

	if _, err := s.nca.reader.ReadAt(data, absOffset); err != nil && err != io.EOF {
		return ncaerr.Wrap(ncaerr.IOError, err, "reading AesCtrEx bucket table for section %d", s.idx)
	}
	if err := ctrDecryptAt(data, data, key, s.baseIV, absOffset); err != nil {
		return err
	}

	buckets, err := parsePatchBuckets(data)
	if err != nil {
		return err
	}
	s.patchBuckets = buckets
	return nil
}

// parsePatchBuckets walks the decrypted bucket tree: a 16-byte header plus
// a 0x3FF0-byte base-offset table, then per-bucket headers each followed by
// {virtual_offset u64, padding u32, ctr u32} entries. Entry sizes are
// derived from the next entry's offset (or the bucket's end offset).
func parsePatchBuckets(data []byte) ([]patchBucket, error) {
	if len(data) < bktrBucketHeaderSize+bktrBaseOffsetsSize {
		return nil, ncaerr.New(ncaerr.FormatError, "AesCtrEx bucket table of %d bytes is truncated", len(data))
	}
	bucketCount := binary.LittleEndian.Uint32(data[4:8])
	if bucketCount == 0 {
		return nil, ncaerr.New(ncaerr.FormatError, "AesCtrEx bucket table declares zero buckets")
	}

	var out []patchBucket
	pos := bktrBucketHeaderSize + bktrBaseOffsetsSize
	for b := uint32(0); b < bucketCount; b++ {
		if pos+bktrBucketHeaderSize > len(data) {
			return nil, ncaerr.New(ncaerr.FormatError, "AesCtrEx bucket %d header out of bounds", b)
		}
		entryCount := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		endOffset := int64(binary.LittleEndian.Uint64(data[pos+8 : pos+16]))
		pos += bktrBucketHeaderSize

		start := len(out)
		for e := uint32(0); e < entryCount; e++ {
			if pos+bktrEntrySize > len(data) {
				return nil, ncaerr.New(ncaerr.FormatError, "AesCtrEx bucket %d entry %d out of bounds", b, e)
			}
			out = append(out, patchBucket{
				virtualOffset: int64(binary.LittleEndian.Uint64(data[pos : pos+8])),
				ctr:           binary.LittleEndian.Uint32(data[pos+12 : pos+16]),
			})
			pos += bktrEntrySize
		}

		for i := start; i < len(out)-1; i++ {
			out[i].size = out[i+1].virtualOffset - out[i].virtualOffset
		}
		if len(out) > start {
			out[len(out)-1].size = endOffset - out[len(out)-1].virtualOffset
		}
	}
	return out, nil
}

// ReadPatchSectionAuto is ReadPatchStorage with the counter value looked up
// from the parsed subsection table instead of supplied by the caller. Reads
// spanning a subsection boundary are split.
func (s *FsSectionContext) ReadPatchSectionAuto(out []byte, offWithinSection int64) (int, error) {
	if s.patchBuckets == nil {
		if err := s.ParsePatchSubsections(); err != nil {
			return 0, err
		}
	}

	total := 0
	for total < len(out) {
		off := offWithinSection + int64(total)
		entry, ok := s.subsectionAt(off)
		if !ok {
			return total, ncaerr.New(ncaerr.FormatError, "no AesCtrEx subsection covers offset %d in section %d", off, s.idx)
		}
		n := int64(len(out) - total)
		if remaining := entry.virtualOffset + entry.size - off; remaining < n {
			n = remaining
		}
		if _, err := s.ReadPatchStorage(out[total:total+int(n)], off, entry.ctr); err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

func (s *FsSectionContext) subsectionAt(off int64) (patchBucket, bool) {
	for _, e := range s.patchBuckets {
		if off >= e.virtualOffset && off < e.virtualOffset+e.size {
			return e, true
		}
	}
	return patchBucket{}, false
}
