// Package pfs0 implements the PartitionFS (PFS0) container format: a flat
// header + fixed-size entry table + name table, used both for NCA
// FS-section contents and for the NSP's own top-level layout. The read
// side serves entry lookups over a decrypted FS section; the write side
// is an accreting builder with post-hoc renames.
package pfs0

import (
	"encoding/binary"

	"github.com/nxdump/ncatool/pkg/nca"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

const (
	magic           = "PFS0"
	headerPrefix    = 16
	entrySize       = 24
	paddingBoundary = 0x20
)

// Entry is one PartitionFS file-table row.
type Entry struct {
	Name       string
	DataOffset int64
	DataSize   int64
}

// SectionReader is the minimal read surface a PartitionFS needs from its
// backing FS section: decrypted, section-relative random access.
type SectionReader interface {
	ReadSection(out []byte, offWithinSection int64) (int, error)
}

// Reader is the read-side PartitionFS context.
type Reader struct {
	section    SectionReader
	entries    []Entry
	headerSize int64
}

// OpenSection opens the PartitionFS stored in an NCA FS section. The
// partition lives in the section's hash-target layer, so reads are based
// at the hash-target offset.
func OpenSection(sec *nca.FsSectionContext) (*Reader, error) {
	absTarget, _, err := sec.HashTargetExtents()
	if err != nil {
		return nil, err
	}
	secOffset, _ := sec.Extents()
	return Open(targetLayerReader{sec: sec, base: absTarget - secOffset})
}

// targetLayerReader rebases section reads to the hash-target layer.
type targetLayerReader struct {
	sec  *nca.FsSectionContext
	base int64
}

func (r targetLayerReader) ReadSection(out []byte, off int64) (int, error) {
	return r.sec.ReadSection(out, r.base+off)
}

// Open parses a PartitionFS header out of section, whose offset 0 must be
// the start of the partition image.
func Open(section SectionReader) (*Reader, error) {
	prefix := make([]byte, headerPrefix)
	if _, err := section.ReadSection(prefix, 0); err != nil {
		return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading pfs0 header prefix")
	}
	if string(prefix[:4]) != magic {
		return nil, ncaerr.New(ncaerr.FormatError, "invalid pfs0 magic %q", prefix[:4])
	}
	entryCount := binary.LittleEndian.Uint32(prefix[4:8])
	nameTableSize := binary.LittleEndian.Uint32(prefix[8:12])

	entryTable := make([]byte, int(entryCount)*entrySize)
	if len(entryTable) > 0 {
		if _, err := section.ReadSection(entryTable, headerPrefix); err != nil {
			return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading pfs0 entry table")
		}
	}

	nameTable := make([]byte, nameTableSize)
	if len(nameTable) > 0 {
		if _, err := section.ReadSection(nameTable, headerPrefix+int64(len(entryTable))); err != nil {
			return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading pfs0 name table")
		}
	}

	entries := make([]Entry, entryCount)
	for i := range entries {
		off := i * entrySize
		dataOffset := int64(binary.LittleEndian.Uint64(entryTable[off : off+8]))
		dataSize := int64(binary.LittleEndian.Uint64(entryTable[off+8 : off+16]))
		nameOffset := binary.LittleEndian.Uint32(entryTable[off+16 : off+20])
		name, err := readName(nameTable, nameOffset)
		if err != nil {
			return nil, err
		}
		entries[i] = Entry{Name: name, DataOffset: dataOffset, DataSize: dataSize}
	}

	headerSize := int64(headerPrefix + len(entryTable) + len(nameTable))
	return &Reader{section: section, entries: entries, headerSize: headerSize}, nil
}

func readName(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", ncaerr.New(ncaerr.FormatError, "name-table offset %d out of bounds", offset)
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return string(table[offset:end]), nil
}

// EntryCount returns the number of files in the partition.
func (r *Reader) EntryCount() int { return len(r.entries) }

// EntryByIndex returns entry i.
func (r *Reader) EntryByIndex(i int) (Entry, error) {
	if i < 0 || i >= len(r.entries) {
		return Entry{}, ncaerr.New(ncaerr.InvalidArgument, "entry index %d out of range", i)
	}
	return r.entries[i], nil
}

// EntryByName returns the first entry with the given name.
func (r *Reader) EntryByName(name string) (Entry, int, error) {
	for i, e := range r.entries {
		if e.Name == name {
			return e, i, nil
		}
	}
	return Entry{}, -1, ncaerr.New(ncaerr.InvalidArgument, "no entry named %q", name)
}

// EntryNameByIndex returns the name of entry i.
func (r *Reader) EntryNameByIndex(i int) (string, error) {
	e, err := r.EntryByIndex(i)
	if err != nil {
		return "", err
	}
	return e.Name, nil
}

// ReadEntry reads len(out) bytes at offWithinEntry from entry e's data.
func (r *Reader) ReadEntry(e Entry, out []byte, offWithinEntry int64) (int, error) {
	if offWithinEntry < 0 || offWithinEntry+int64(len(out)) > e.DataSize {
		return 0, ncaerr.New(ncaerr.InvalidArgument, "read [%d,%d) out of entry bounds (size=%d)", offWithinEntry, offWithinEntry+int64(len(out)), e.DataSize)
	}
	return r.section.ReadSection(out, r.headerSize+e.DataOffset+offWithinEntry)
}

// IsExeFs reports whether this partition is an ExeFS: the presence of
// "main.npdm" whose first four bytes are the META magic.
func (r *Reader) IsExeFs() bool {
	e, _, err := r.EntryByName("main.npdm")
	if err != nil {
		return false
	}
	magicBuf := make([]byte, 4)
	if _, err := r.ReadEntry(e, magicBuf, 0); err != nil {
		return false
	}
	return string(magicBuf) == "META"
}

// GenerateEntryPatch delegates to the NCA hash-tree patcher with the
// hash-target-layer-relative offset of overlay within entry e.
func (r *Reader) GenerateEntryPatch(section *nca.FsSectionContext, e Entry, overlay []byte, offWithinEntry int64) ([]*nca.Patch, error) {
	return section.GenerateHashTreePatch(overlay, r.headerSize+e.DataOffset+offWithinEntry)
}
