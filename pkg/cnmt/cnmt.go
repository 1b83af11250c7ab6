// Package cnmt implements the packaged content-metadata engine: parsing
// the CNMT blob stored in a Meta-type NCA, tracking and rewriting
// per-content records as the NSP pipeline mutates each NCA, and
// projecting the result to AuthoringTool-style XML.
package cnmt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nxdump/ncatool/pkg/nca"
	"github.com/nxdump/ncatool/pkg/ncaerr"
	"github.com/nxdump/ncatool/pkg/pfs0"
)

// MetaType mirrors NcmContentMetaType.
type MetaType byte

const (
	MetaSystemProgram MetaType = 0x01
	MetaSystemData    MetaType = 0x02
	MetaSystemUpdate  MetaType = 0x03
	MetaBootImagePkg  MetaType = 0x04
	MetaBootImagePkg2 MetaType = 0x05
	MetaApplication   MetaType = 0x80
	MetaPatch         MetaType = 0x81
	MetaAddOnContent  MetaType = 0x82
	MetaDelta         MetaType = 0x83
	MetaDataPatch     MetaType = 0x84
)

// ContentType mirrors NcmContentType, the content_type byte of a
// PackagedContentInfo.
type ContentType byte

const (
	ContentMeta ContentType = iota
	ContentProgram
	ContentData
	ContentControl
	ContentHtmlDocument
	ContentLegalInformation
	ContentDeltaFragment
)

const (
	packagedHeaderSize = 0x20
	contentInfoSize    = 0x38 // NcmContentInfo (0x18) + SHA-256 hash (0x20)
	digestSize         = 0x20
)

// PackagedHeader mirrors the packaged content-meta header (0x20 bytes).
type PackagedHeader struct {
	TitleID                       uint64
	Version                       uint32
	MetaType                      MetaType
	ExtendedHeaderSize            uint16
	ContentCount                  uint16
	ContentMetaCount              uint16
	ContentMetaAttribute          byte
	StorageID                     byte
	ContentInstallType            byte
	InstallState                  byte
	RequiredDownloadSystemVersion uint32
}

// ContentInfo is one PackagedContentInfo entry: an NcmContentInfo plus its
// trailing SHA-256 hash.
type ContentInfo struct {
	ContentID   [0x10]byte
	Size        uint64 // 48-bit on disk (size_low u32 + size_high u16), widened here
	ContentType ContentType
	IDOffset    byte
	Hash        [0x20]byte
}

// MetaInfo mirrors NcmContentMetaInfo, used only for SystemUpdate titles.
type MetaInfo struct {
	TitleID  uint64
	Version  uint32
	MetaType MetaType
}

// Context wraps the parsed CNMT blob in memory so records can be rewritten
// in place.
type Context struct {
	raw          []byte
	rawHash      [32]byte
	header       PackagedHeader
	extHeaderOff int
	extHeader    []byte
	contentInfo  []ContentInfo
	metaInfo     []MetaInfo
	extDataOff   int
	extData      []byte
	digestOff    int

	section0 *pfs0.Reader
	entry    pfs0.Entry
	patches  []*nca.Patch
}

// Open locates the ".cnmt" file in section0 (tolerating either
// "main.cnmt" or "<title-hex>.cnmt") and parses its contents.
func Open(section0 *pfs0.Reader) (*Context, error) {
	var target pfs0.Entry
	found := false
	for i := 0; i < section0.EntryCount(); i++ {
		e, err := section0.EntryByIndex(i)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(e.Name, ".cnmt") {
			target = e
			found = true
			break
		}
	}
	if !found {
		return nil, ncaerr.New(ncaerr.FormatError, "no .cnmt entry found in meta nca section 0")
	}

	raw := make([]byte, target.DataSize)
	if _, err := section0.ReadEntry(target, raw, 0); err != nil {
		return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading cnmt blob")
	}

	c, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	c.section0 = section0
	c.entry = target
	return c, nil
}

// Parse builds a Context from an in-memory CNMT blob, without requiring a
// PartitionFS backing (useful for tests and for NSP-side regeneration).
func Parse(raw []byte) (*Context, error) {
	if len(raw) < packagedHeaderSize {
		return nil, ncaerr.New(ncaerr.FormatError, "cnmt blob too small for header")
	}

	c := &Context{raw: raw, rawHash: sha256.Sum256(raw)}

	h := raw[:packagedHeaderSize]
	c.header = PackagedHeader{
		TitleID:                       binary.LittleEndian.Uint64(h[0:8]),
		Version:                       binary.LittleEndian.Uint32(h[8:12]),
		MetaType:                      MetaType(h[12]),
		ExtendedHeaderSize:            binary.LittleEndian.Uint16(h[14:16]),
		ContentCount:                  binary.LittleEndian.Uint16(h[16:18]),
		ContentMetaCount:              binary.LittleEndian.Uint16(h[18:20]),
		ContentMetaAttribute:          h[20],
		StorageID:                     h[21],
		ContentInstallType:            h[22],
		InstallState:                  h[23],
		RequiredDownloadSystemVersion: binary.LittleEndian.Uint32(h[24:28]),
	}

	pos := packagedHeaderSize
	c.extHeaderOff = pos
	extSize := int(c.header.ExtendedHeaderSize)
	if pos+extSize > len(raw) {
		return nil, ncaerr.New(ncaerr.FormatError, "extended header size %d exceeds blob", extSize)
	}
	c.extHeader = raw[pos : pos+extSize]
	pos += extSize

	for i := 0; i < int(c.header.ContentCount); i++ {
		if pos+contentInfoSize > len(raw) {
			return nil, ncaerr.New(ncaerr.FormatError, "content info %d exceeds blob", i)
		}
		ci := parseContentInfo(raw[pos : pos+contentInfoSize])
		c.contentInfo = append(c.contentInfo, ci)
		pos += contentInfoSize
	}

	for i := 0; i < int(c.header.ContentMetaCount); i++ {
		if pos+0x10 > len(raw) {
			return nil, ncaerr.New(ncaerr.FormatError, "content meta info %d exceeds blob", i)
		}
		mi := MetaInfo{
			TitleID:  binary.LittleEndian.Uint64(raw[pos : pos+8]),
			Version:  binary.LittleEndian.Uint32(raw[pos+8 : pos+12]),
			MetaType: MetaType(raw[pos+12]),
		}
		c.metaInfo = append(c.metaInfo, mi)
		pos += 0x10
	}

	if extDataSize, ok := extendedDataSize(c.header.MetaType, c.extHeader); ok {
		c.extDataOff = pos
		if pos+int(extDataSize) > len(raw) {
			return nil, ncaerr.New(ncaerr.FormatError, "extended data size %d exceeds blob", extDataSize)
		}
		c.extData = raw[pos : pos+int(extDataSize)]
		pos += int(extDataSize)
	}

	c.digestOff = len(raw) - digestSize
	if c.digestOff < pos {
		return nil, ncaerr.New(ncaerr.FormatError, "cnmt blob truncated before digest")
	}

	return c, nil
}

func parseContentInfo(b []byte) ContentInfo {
	var ci ContentInfo
	copy(ci.ContentID[:], b[0:0x10])
	sizeLow := binary.LittleEndian.Uint32(b[0x10:0x14])
	sizeHigh := binary.LittleEndian.Uint16(b[0x14:0x16])
	ci.Size = uint64(sizeHigh)<<32 | uint64(sizeLow)
	ci.ContentType = ContentType(b[0x16])
	ci.IDOffset = b[0x17]
	copy(ci.Hash[:], b[0x18:0x38])
	return ci
}

func (ci *ContentInfo) writeTo(b []byte) {
	copy(b[0:0x10], ci.ContentID[:])
	binary.LittleEndian.PutUint32(b[0x10:0x14], uint32(ci.Size))
	binary.LittleEndian.PutUint16(b[0x14:0x16], uint16(ci.Size>>32))
	b[0x16] = byte(ci.ContentType)
	b[0x17] = ci.IDOffset
	copy(b[0x18:0x38], ci.Hash[:])
}

// extendedDataSize reports whether this meta_type's extended header
// carries an extended_data_size field, and where.
func extendedDataSize(mt MetaType, extHeader []byte) (uint32, bool) {
	switch mt {
	case MetaSystemUpdate:
		if len(extHeader) < 4 {
			return 0, false
		}
		return binary.LittleEndian.Uint32(extHeader[0:4]), true
	case MetaPatch:
		if len(extHeader) < 0x10 {
			return 0, false
		}
		return binary.LittleEndian.Uint32(extHeader[0xC:0x10]), true
	case MetaDelta:
		if len(extHeader) < 0xC {
			return 0, false
		}
		return binary.LittleEndian.Uint32(extHeader[8:12]), true
	case MetaDataPatch:
		if len(extHeader) < 0x18 {
			return 0, false
		}
		return binary.LittleEndian.Uint32(extHeader[0x14:0x18]), true
	default:
		return 0, false
	}
}

// RequiredTitleID returns, for Application/Patch/AddOnContent/DataPatch,
// the first u64 of the extended header (for DataPatch, the application_id
// field at offset 8).
func (c *Context) RequiredTitleID() (uint64, bool) {
	switch c.header.MetaType {
	case MetaApplication, MetaPatch, MetaAddOnContent:
		if len(c.extHeader) < 8 {
			return 0, false
		}
		return binary.LittleEndian.Uint64(c.extHeader[0:8]), true
	case MetaDataPatch:
		if len(c.extHeader) < 0x10 {
			return 0, false
		}
		return binary.LittleEndian.Uint64(c.extHeader[8:0x10]), true
	default:
		return 0, false
	}
}

// RequiredTitleVersion returns the Version field following
// RequiredTitleID (for DataPatch, req_app_ver at offset 0x10).
func (c *Context) RequiredTitleVersion() (uint32, bool) {
	switch c.header.MetaType {
	case MetaApplication:
		if len(c.extHeader) < 0xC {
			return 0, false
		}
		return binary.LittleEndian.Uint32(c.extHeader[8:0xC]), true
	case MetaPatch:
		if len(c.extHeader) < 0xC {
			return 0, false
		}
		return binary.LittleEndian.Uint32(c.extHeader[8:0xC]), true
	case MetaAddOnContent:
		if len(c.extHeader) < 0xC {
			return 0, false
		}
		return binary.LittleEndian.Uint32(c.extHeader[8:0xC]), true
	case MetaDataPatch:
		if len(c.extHeader) < 0x14 {
			return 0, false
		}
		return binary.LittleEndian.Uint32(c.extHeader[0x10:0x14]), true
	default:
		return 0, false
	}
}

// Header returns the parsed packaged content-meta header.
func (c *Context) Header() PackagedHeader { return c.header }

// ContentInfos returns the packaged content-info records.
func (c *Context) ContentInfos() []ContentInfo { return c.contentInfo }

// UpdateContentInfo locates the PackagedContentInfo whose (content_type,
// id_offset) match and overwrites its content-id and hash.
func (c *Context) UpdateContentInfo(contentType ContentType, idOffset byte, contentID [0x10]byte, hash [32]byte) bool {
	for i := range c.contentInfo {
		ci := &c.contentInfo[i]
		if ci.ContentType == contentType && ci.IDOffset == idOffset {
			ci.ContentID = contentID
			ci.Hash = hash
			c.writeBack(i)
			return true
		}
	}
	return false
}

// writeBack re-serializes content-info entry i into c.raw in place.
func (c *Context) writeBack(i int) {
	pos := c.extHeaderOff + len(c.extHeader) + i*contentInfoSize
	c.contentInfo[i].writeTo(c.raw[pos : pos+contentInfoSize])
}

// Dirty reports whether the in-memory blob differs from the hash cached
// at Open/Parse time.
func (c *Context) Dirty() bool {
	return sha256.Sum256(c.raw) != c.rawHash
}

// RawData returns the current in-memory CNMT blob.
func (c *Context) RawData() []byte { return c.raw }

// MetaInfos returns the SystemUpdate-only content-meta-info records.
func (c *Context) MetaInfos() []MetaInfo { return c.metaInfo }

// Digest returns the trailing SHA-256 digest recorded in the blob.
func (c *Context) Digest() [32]byte {
	var d [32]byte
	copy(d[:], c.raw[c.digestOff:c.digestOff+digestSize])
	return d
}

// RecomputeDigest replaces the trailing digest with SHA-256 over
// everything preceding it, matching the source's convention of hashing
// the packaged header through the extended data.
func (c *Context) RecomputeDigest() {
	digest := sha256.Sum256(c.raw[:c.digestOff])
	copy(c.raw[c.digestOff:c.digestOff+digestSize], digest[:])
}

// GenerateNcaPatch regenerates the blob's digest and produces a hash-tree
// patch covering the rewritten CNMT within the Meta NCA's section-0
// PartitionFS. No-op when the blob is
// unchanged since Open.
func (c *Context) GenerateNcaPatch(section *nca.FsSectionContext) error {
	if c.section0 == nil {
		return ncaerr.New(ncaerr.InvalidArgument, "cnmt context was not opened from a partitionfs section")
	}
	if !c.Dirty() {
		return nil
	}
	c.RecomputeDigest()
	patches, err := c.section0.GenerateEntryPatch(section, c.entry, c.raw, 0)
	if err != nil {
		return err
	}
	c.patches = patches
	c.rawHash = sha256.Sum256(c.raw)
	return nil
}

// WriteNcaPatch overlays any pending, unwritten CNMT patches that
// intersect the chunk, the same contract as the NCA engine's header
// splice.
func (c *Context) WriteNcaPatch(chunk []byte, chunkOffset int64) {
	for _, p := range c.patches {
		if !p.Written && p.Intersects(chunkOffset, int64(len(chunk))) {
			p.Apply(chunk, chunkOffset)
		}
	}
}

// HasPendingPatch reports whether GenerateNcaPatch produced patches that
// have not all been spliced into the output stream yet.
func (c *Context) HasPendingPatch() bool {
	for _, p := range c.patches {
		if !p.Written {
			return true
		}
	}
	return false
}

func contentTypeName(ct ContentType) string {
	switch ct {
	case ContentMeta:
		return "Meta"
	case ContentProgram:
		return "Program"
	case ContentData:
		return "Data"
	case ContentControl:
		return "Control"
	case ContentHtmlDocument:
		return "HtmlDocument"
	case ContentLegalInformation:
		return "LegalInformation"
	case ContentDeltaFragment:
		return "DeltaFragment"
	default:
		return "Unknown"
	}
}

func metaTypeName(mt MetaType) string {
	switch mt {
	case MetaSystemProgram:
		return "SystemProgram"
	case MetaSystemData:
		return "SystemData"
	case MetaSystemUpdate:
		return "SystemUpdate"
	case MetaBootImagePkg:
		return "BootImagePackage"
	case MetaBootImagePkg2:
		return "BootImagePackageSafe"
	case MetaApplication:
		return "Application"
	case MetaPatch:
		return "Patch"
	case MetaAddOnContent:
		return "AddOnContent"
	case MetaDelta:
		return "Delta"
	case MetaDataPatch:
		return "DataPatch"
	default:
		return "Unknown"
	}
}

// XMLContentEntry is one NCA record projected into the AuthoringTool XML:
// the final (post-dump) identity of the content, including the key
// generation the CNMT blob itself doesn't carry.
type XMLContentEntry struct {
	Type          ContentType
	ContentID     [0x10]byte
	Size          int64
	Hash          [32]byte
	KeyGeneration byte
	IDOffset      byte
}

// GenerateAuthoringToolXML emits a UTF-8, no-BOM, LF-terminated XML
// description of the content-meta and each content record. When entries is nil, the blob's own
// content-info records are projected with key generation zero.
func (c *Context) GenerateAuthoringToolXML(entries []XMLContentEntry) []byte {
	if entries == nil {
		for _, ci := range c.contentInfo {
			entries = append(entries, XMLContentEntry{
				Type:      ci.ContentType,
				ContentID: ci.ContentID,
				Size:      int64(ci.Size),
				Hash:      ci.Hash,
				IDOffset:  ci.IDOffset,
			})
		}
	}

	var b bytes.Buffer
	b.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>\n")
	b.WriteString("<ContentMeta>\n")
	fmt.Fprintf(&b, "  <Type>%s</Type>\n", metaTypeName(c.header.MetaType))
	fmt.Fprintf(&b, "  <Id>0x%016x</Id>\n", c.header.TitleID)
	fmt.Fprintf(&b, "  <Version>%d</Version>\n", c.header.Version)
	fmt.Fprintf(&b, "  <RequiredDownloadSystemVersion>%d</RequiredDownloadSystemVersion>\n", c.header.RequiredDownloadSystemVersion)
	for _, e := range entries {
		b.WriteString("  <Content>\n")
		fmt.Fprintf(&b, "    <Type>%s</Type>\n", contentTypeName(e.Type))
		fmt.Fprintf(&b, "    <Id>%s</Id>\n", hex.EncodeToString(e.ContentID[:]))
		fmt.Fprintf(&b, "    <Size>%d</Size>\n", e.Size)
		fmt.Fprintf(&b, "    <Hash>%s</Hash>\n", hex.EncodeToString(e.Hash[:]))
		fmt.Fprintf(&b, "    <KeyGeneration>%d</KeyGeneration>\n", e.KeyGeneration)
		fmt.Fprintf(&b, "    <IdOffset>%d</IdOffset>\n", e.IDOffset)
		b.WriteString("  </Content>\n")
	}
	digest := c.Digest()
	fmt.Fprintf(&b, "  <Digest>%s</Digest>\n", hex.EncodeToString(digest[:]))
	keyGenMin := byte(0)
	for _, e := range entries {
		if e.KeyGeneration > keyGenMin {
			keyGenMin = e.KeyGeneration
		}
	}
	fmt.Fprintf(&b, "  <KeyGenerationMin>%d</KeyGenerationMin>\n", keyGenMin)
	switch c.header.MetaType {
	case MetaApplication:
		if len(c.extHeader) >= 0xC {
			fmt.Fprintf(&b, "  <RequiredSystemVersion>%d</RequiredSystemVersion>\n", binary.LittleEndian.Uint32(c.extHeader[8:0xC]))
			fmt.Fprintf(&b, "  <PatchId>0x%016x</PatchId>\n", binary.LittleEndian.Uint64(c.extHeader[0:8]))
		}
	case MetaPatch:
		if len(c.extHeader) >= 0xC {
			fmt.Fprintf(&b, "  <RequiredSystemVersion>%d</RequiredSystemVersion>\n", binary.LittleEndian.Uint32(c.extHeader[8:0xC]))
			fmt.Fprintf(&b, "  <ApplicationId>0x%016x</ApplicationId>\n", binary.LittleEndian.Uint64(c.extHeader[0:8]))
		}
	case MetaAddOnContent, MetaDataPatch:
		if rid, ok := c.RequiredTitleID(); ok {
			fmt.Fprintf(&b, "  <ApplicationId>0x%016x</ApplicationId>\n", rid)
		}
		if rv, ok := c.RequiredTitleVersion(); ok {
			fmt.Fprintf(&b, "  <RequiredApplicationVersion>%d</RequiredApplicationVersion>\n", rv)
		}
	}
	b.WriteString("</ContentMeta>\n")
	return b.Bytes()
}
