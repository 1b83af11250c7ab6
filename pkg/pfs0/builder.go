package pfs0

import (
	"encoding/binary"

	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// builderEntry is an accreting entry: unlike Entry (read-side, immutable),
// its name can be rewritten in place once appended.
type builderEntry struct {
	name       string
	nameOffset int
	dataOffset int64
	dataSize   int64
}

// Builder accumulates PartitionFS entries for the write side of the NSP
// pipeline: an accreting table that supports post-hoc renames once final
// content-ids are known.
type Builder struct {
	entries   []builderEntry
	nameTable []byte
	fsSize    int64
}

// NewBuilder returns an empty PartitionFS builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddEntry appends an entry whose data-offset is the previous entry's
// end, returning its index.
func (b *Builder) AddEntry(name string, size int64) int {
	nameOffset := len(b.nameTable)
	b.nameTable = append(b.nameTable, []byte(name)...)
	b.nameTable = append(b.nameTable, 0)

	b.entries = append(b.entries, builderEntry{
		name:       name,
		nameOffset: nameOffset,
		dataOffset: b.fsSize,
		dataSize:   size,
	})
	b.fsSize += size
	return len(b.entries) - 1
}

// UpdateEntryName rewrites entryIndex's name in place within the existing
// name-table slot. The new name must be no
// longer than the slot it's replacing; it is null-padded if shorter.
func (b *Builder) UpdateEntryName(entryIndex int, newName string) error {
	if entryIndex < 0 || entryIndex >= len(b.entries) {
		return ncaerr.New(ncaerr.InvalidArgument, "entry index %d out of range", entryIndex)
	}
	e := &b.entries[entryIndex]

	oldLen := b.nameSlotLen(entryIndex)
	if len(newName) > oldLen {
		return ncaerr.New(ncaerr.InvalidArgument, "new name %q (%d bytes) exceeds existing slot of %d bytes", newName, len(newName), oldLen)
	}

	slot := b.nameTable[e.nameOffset : e.nameOffset+oldLen+1]
	for i := range slot {
		slot[i] = 0
	}
	copy(slot, newName)
	e.name = newName
	return nil
}

// nameSlotLen returns the null-terminated length of entryIndex's current
// name-table slot.
func (b *Builder) nameSlotLen(entryIndex int) int {
	start := b.entries[entryIndex].nameOffset
	end := start
	for end < len(b.nameTable) && b.nameTable[end] != 0 {
		end++
	}
	return end - start
}

// EntryOffset returns entry i's (dataOffset, dataSize), so callers can
// stream file contents at the right point in the output.
func (b *Builder) EntryOffset(i int) (offset, size int64) {
	return b.entries[i].dataOffset, b.entries[i].dataSize
}

// TotalDataSize returns the sum of all entry sizes.
func (b *Builder) TotalDataSize() int64 { return b.fsSize }

// HeaderSize returns the final, 0x20-padded header size this builder will
// produce. An already-aligned layout still gains a full padding block, so
// the padded header is always strictly longer than the raw one.
func (b *Builder) HeaderSize() int64 {
	unpadded := headerPrefix + len(b.entries)*entrySize + len(b.nameTable)
	return int64((unpadded/paddingBoundary + 1) * paddingBoundary)
}

// SerializeHeader produces the final, 0x20-padded PartitionFS header.
// The padding is counted inside name_table_size, matching the on-disk
// convention.
func (b *Builder) SerializeHeader(buf []byte) (int, error) {
	unpaddedNameTable := len(b.nameTable)
	paddedTotal := int(b.HeaderSize())
	padding := paddedTotal - (headerPrefix + len(b.entries)*entrySize + unpaddedNameTable)

	if len(buf) < paddedTotal {
		return 0, ncaerr.New(ncaerr.BufferTooSmall, "buffer of %d bytes too small for header of %d bytes", len(buf), paddedTotal)
	}

	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(b.entries)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(unpaddedNameTable+padding))
	copy(buf[0:4], magic)
	for i := range buf[12:16] {
		buf[12+i] = 0
	}

	pos := headerPrefix
	for _, e := range b.entries {
		binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(e.dataOffset))
		binary.LittleEndian.PutUint64(buf[pos+8:pos+16], uint64(e.dataSize))
		binary.LittleEndian.PutUint32(buf[pos+16:pos+20], uint32(e.nameOffset))
		for i := pos + 20; i < pos+24; i++ {
			buf[i] = 0
		}
		pos += entrySize
	}

	copy(buf[pos:], b.nameTable)
	pos += unpaddedNameTable
	for i := 0; i < padding; i++ {
		buf[pos+i] = 0
	}

	return paddedTotal, nil
}
