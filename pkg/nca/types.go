// Package nca implements the NCA (Nintendo Content Archive) file-format
// layer: header/key-area decryption, FS-section random-access decrypt,
// hierarchical hash-tree patch generation, and header re-encryption for
// the repack pipeline.
package nca

// FormatVersion is the NCA container layout variant, fixed by the header
// magic.
type FormatVersion int

const (
	FormatV0 FormatVersion = iota
	FormatV2
	FormatV3
)

// ContentType mirrors the NCA main-header content_type byte.
type ContentType byte

const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

// DistributionType mirrors the NCA main-header distribution_type byte.
type DistributionType byte

const (
	DistributionDownload DistributionType = iota
	DistributionGameCard
)

// FsSectionType is the resolved type of an FS section, derived from its
// fs/hash/encryption type combination.
type FsSectionType int

const (
	SectionInvalid FsSectionType = iota
	SectionPartitionFs
	SectionRomFs
	SectionPatchRomFs
	SectionV0RomFs
)

// HashType mirrors the FS-header hash_type byte.
type HashType uint8

const (
	HashAuto HashType = iota
	HashNone
	HashHierarchicalSha256
	HashHierarchicalIntegrity
)

// FsType mirrors the FS-header fs_type byte.
type FsType uint8

const (
	FsTypeRomFs FsType = iota
	FsTypePartitionFs
)

// EncryptionType mirrors the FS-header encryption_type byte.
type EncryptionType uint8

const (
	EncryptionAuto EncryptionType = iota
	EncryptionNone
	EncryptionAesXts
	EncryptionAesCtr
	EncryptionAesCtrEx
	EncryptionAesCtrSkipLayerHash
	EncryptionAesCtrExSkipLayerHash
)

func (e EncryptionType) skipsLayerHash() bool {
	return e == EncryptionAesCtrSkipLayerHash || e == EncryptionAesCtrExSkipLayerHash
}

func (e EncryptionType) isCtrEx() bool {
	return e == EncryptionAesCtrEx || e == EncryptionAesCtrExSkipLayerHash
}

const (
	HeaderStructSize  = 0xC00
	FullHeaderSize    = 0x4000
	MediaUnitSize     = 0x200
	NumFsSections     = 4
	KeyAreaSize       = 0x40
	KeyAreaSlotSize   = 0x10
	FsHeaderSize      = 0x200
	MainHeaderOffset  = 0x200
	SectionTableBase  = 0x240
	KeyAreaBase       = 0x300
	FsHeaderBaseStart = 0x400

	// Key-area slot indices.
	KeyAreaSlotXts1 = 0
	KeyAreaSlotXts2 = 1
	KeyAreaSlotCtr  = 2
	KeyAreaSlotCtr2 = 3
)

var (
	magicNCA0 = [4]byte{'N', 'C', 'A', '0'}
	magicNCA2 = [4]byte{'N', 'C', 'A', '2'}
	magicNCA3 = [4]byte{'N', 'C', 'A', '3'}
)
