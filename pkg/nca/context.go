package nca

import (
	"crypto/sha256"
	"io"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/keyset"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// OpenOptions carries the per-NCA identity the caller already knows before
// the header is parsed. TitleKey is supplied by the ticket engine when the
// NCA declares a rights-id; it may be nil when no ticket could be
// retrieved, in which case the context still opens but its
// titlekey-dependent sections are disabled.
type OpenOptions struct {
	StorageTag  string
	ContentID   [0x10]byte
	ContentSize uint64
	ContentType ContentType
	IDOffset    uint32
	TitleKey    []byte
}

// Context is one opened NCA: the parsed plaintext header, its encrypted
// twin's cached hash, the decrypted key-area, and the four openable
// FS-section contexts.
type Context struct {
	reader  io.ReaderAt
	kp      keyset.KeyProvider
	scratch *CryptoScratch

	opts   OpenOptions
	header *Header

	titleKey []byte // unwrapped title-key, nil if unavailable

	sections [NumFsSections]*FsSectionContext

	titlekeyRetrieved bool // false when a rights-id NCA has no ticket
	headerMutated     bool // any plaintext-header mutation since Open

	encrypted   *EncryptedHeaders
	contentHash [sha256.Size]byte
}

// Open reads and decrypts the 0xC00-byte NCA header, resolves the
// key-area (or marks title-key-dependent sections disabled if no ticket
// was supplied), and builds the four FS-section contexts.
func Open(reader io.ReaderAt, kp keyset.KeyProvider, scratch *CryptoScratch, opts OpenOptions) (*Context, error) {
	headerKey, ok := kp.HeaderKey()
	if !ok {
		return nil, ncaerr.New(ncaerr.KeyUnavailable, "key provider has no header_key")
	}

	ciphertext := make([]byte, HeaderStructSize)
	if _, err := reader.ReadAt(ciphertext, 0); err != nil && err != io.EOF {
		return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading nca header")
	}

	header, err := parseHeader(ciphertext, headerKey)
	if err != nil {
		return nil, err
	}

	c := &Context{
		reader:  reader,
		kp:      kp,
		scratch: scratch,
		opts:    opts,
		header:  header,
	}

	if header.HasRightsID {
		if opts.TitleKey != nil {
			c.titleKey = opts.TitleKey
			c.titlekeyRetrieved = true
		}
	} else {
		isV0 := header.Version == FormatV0
		if isV0 && IsV0KeyAreaPlaintext(header.KeyArea) {
			// v0 sentinel: already plaintext, nothing to decrypt.
		} else {
			if err := decryptKeyArea(&header.KeyArea, header.Version, header.keyGeneration(), header.KaekIndex, kp); err != nil {
				return nil, err
			}
		}
		c.titlekeyRetrieved = true
	}

	// v0 FS-section headers need the decrypted key-area's XTS slots, so
	// they can only be read past this point.
	if header.Version == FormatV0 {
		if err := readV0FsHeaders(reader, header); err != nil {
			return nil, err
		}
	}

	for i := 0; i < NumFsSections; i++ {
		sec := newFsSectionContext(c, i)
		if sec.enabled && header.HasRightsID && !c.titlekeyRetrieved && sectionNeedsTitleKey(sec.encType) {
			sec.enabled = false
		}
		c.sections[i] = sec
	}

	return c, nil
}

// readV0FsHeaders fetches each enabled section's FS header from the start
// of that section's byte range, decrypted with an XTS context built from
// the key-area's XTS slots and sector number start_sector-2.
func readV0FsHeaders(reader io.ReaderAt, h *Header) error {
	v0Key := make([]byte, 32)
	copy(v0Key[:16], h.KeyArea[KeyAreaSlotXts1*KeyAreaSlotSize:(KeyAreaSlotXts1+1)*KeyAreaSlotSize])
	copy(v0Key[16:], h.KeyArea[KeyAreaSlotXts2*KeyAreaSlotSize:(KeyAreaSlotXts2+1)*KeyAreaSlotSize])

	for i := 0; i < NumFsSections; i++ {
		if !h.SectionTables[i].enabled() {
			continue
		}
		raw := make([]byte, FsHeaderSize)
		if _, err := reader.ReadAt(raw, h.SectionTables[i].offset()); err != nil && err != io.EOF {
			return ncaerr.Wrap(ncaerr.IOError, err, "reading nca0 fs-section header %d", i)
		}
		sector := uint64(int64(h.SectionTables[i].StartSector) - 2)
		plain, err := crypto.NintendoXTSCrypt(raw, v0Key, sector, MediaUnitSize, false)
		if err != nil {
			return ncaerr.Wrap(ncaerr.CryptoError, err, "decrypting nca0 fs-section header %d", i)
		}
		fh, err := parseFsHeader(plain)
		if err != nil {
			return ncaerr.Wrap(ncaerr.FormatError, err, "parsing nca0 fs-section header %d", i)
		}
		h.FsHeaders[i] = fh
	}
	h.plaintextHashHash = h.hashPlaintext()
	return nil
}

func sectionNeedsTitleKey(enc EncryptionType) bool {
	switch enc {
	case EncryptionAesCtr, EncryptionAesCtrEx, EncryptionAesCtrSkipLayerHash, EncryptionAesCtrExSkipLayerHash:
		return true
	default:
		return false
	}
}

// Section returns the FS-section context for idx (0..3).
func (c *Context) Section(idx int) (*FsSectionContext, error) {
	if idx < 0 || idx >= NumFsSections {
		return nil, ncaerr.New(ncaerr.InvalidArgument, "section index %d out of range", idx)
	}
	return c.sections[idx], nil
}

// TitlekeyRetrieved reports whether this context's rights-id title-key was
// successfully supplied (always true for non-rights-id NCAs).
func (c *Context) TitlekeyRetrieved() bool { return c.titlekeyRetrieved }

// SetDownloadDistribution clears the distribution-type byte, stripping the
// gamecard marker.
func (c *Context) SetDownloadDistribution() {
	if c.header.DistType != DistributionDownload {
		c.header.DistType = DistributionDownload
		c.headerMutated = true
	}
}

// RemoveTitlekeyCrypto copies the decrypted title-key into the key-area's
// CTR slot and zeroes the rights-id, so the NCA becomes self-contained.
func (c *Context) RemoveTitlekeyCrypto() error {
	if !c.header.HasRightsID {
		return nil
	}
	if c.titleKey == nil {
		return ncaerr.New(ncaerr.KeyUnavailable, "cannot remove titlekey crypto: no title-key retrieved")
	}
	copy(c.header.KeyArea[KeyAreaSlotCtr*KeyAreaSlotSize:(KeyAreaSlotCtr+1)*KeyAreaSlotSize], c.titleKey[:KeyAreaSlotSize])
	c.header.RightsID = [0x10]byte{}
	c.header.HasRightsID = false
	c.headerMutated = true
	return nil
}

// EncryptedHeaders holds the re-encrypted NCA main header and four
// FS-section headers, each tagged with its absolute offset, ready to
// splice into an output stream.
type EncryptedHeaders struct {
	main     []byte // 0x400 bytes at absolute offset 0
	fsHeader [NumFsSections][]byte
	dirty    bool
}

// EncryptHeaderAndKeyArea re-encrypts the key-area and both header
// regions if the plaintext has changed since the last call.
func (c *Context) EncryptHeaderAndKeyArea() (*EncryptedHeaders, error) {
	newHash := c.header.hashPlaintext()
	if newHash == c.header.plaintextHashHash && c.encrypted != nil {
		return c.encrypted, nil
	}

	keyArea := c.header.KeyArea
	if !c.header.HasRightsID {
		if err := encryptKeyArea(&keyArea, c.header.Version, c.header.keyGeneration(), c.header.KaekIndex, c.kp); err != nil {
			return nil, err
		}
	}

	headerKey, ok := c.kp.HeaderKey()
	if !ok {
		return nil, ncaerr.New(ncaerr.KeyUnavailable, "key provider has no header_key")
	}

	mainPlain := c.serializeMainHeader(keyArea)
	mainCipher, err := crypto.NintendoXTSCrypt(mainPlain, headerKey[:], 0, MediaUnitSize, true)
	if err != nil {
		return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "encrypting nca main header")
	}

	eh := &EncryptedHeaders{main: mainCipher, dirty: true}

	switch c.header.Version {
	case FormatV3:
		plain := make([]byte, NumFsSections*FsHeaderSize)
		for i := 0; i < NumFsSections; i++ {
			copy(plain[i*FsHeaderSize:], c.header.FsHeaders[i].raw[:])
		}
		cipher, err := crypto.NintendoXTSCrypt(plain, headerKey[:], 2, MediaUnitSize, true)
		if err != nil {
			return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "encrypting nca3 fs-section headers")
		}
		for i := 0; i < NumFsSections; i++ {
			eh.fsHeader[i] = cipher[i*FsHeaderSize : (i+1)*FsHeaderSize]
		}
	case FormatV2:
		for i := 0; i < NumFsSections; i++ {
			cipher, err := crypto.NintendoXTSCrypt(c.header.FsHeaders[i].raw[:], headerKey[:], 0, MediaUnitSize, true)
			if err != nil {
				return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "encrypting nca2 fs-section header %d", i)
			}
			eh.fsHeader[i] = cipher
		}
	case FormatV0:
		v0Key := make([]byte, 32)
		copy(v0Key[:16], keyArea[KeyAreaSlotXts1*KeyAreaSlotSize:(KeyAreaSlotXts1+1)*KeyAreaSlotSize])
		copy(v0Key[16:], keyArea[KeyAreaSlotXts2*KeyAreaSlotSize:(KeyAreaSlotXts2+1)*KeyAreaSlotSize])
		for i := 0; i < NumFsSections; i++ {
			if !c.header.SectionTables[i].enabled() {
				continue
			}
			sector := uint64(int64(c.header.SectionTables[i].StartSector) - 2)
			cipher, err := crypto.NintendoXTSCrypt(c.header.FsHeaders[i].raw[:], v0Key, sector, MediaUnitSize, true)
			if err != nil {
				return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "encrypting nca0 fs-section header %d", i)
			}
			eh.fsHeader[i] = cipher
		}
	}

	c.header.plaintextHashHash = newHash
	c.encrypted = eh
	return eh, nil
}

// Main returns the re-encrypted 0x400-byte main-header ciphertext.
func (e *EncryptedHeaders) Main() []byte { return e.main }

// SpliceEncryptedHeaders overwrites the portion of buf (which starts at
// bufOffset in the output stream) that overlaps any encrypted header
// region with the corresponding encrypted bytes. v0 FS-section headers splice at their
// sections' start offsets rather than after the main header.
func (c *Context) SpliceEncryptedHeaders(buf []byte, bufOffset int64) error {
	eh, err := c.EncryptHeaderAndKeyArea()
	if err != nil {
		return err
	}

	splice := func(data []byte, absOffset int64) {
		p := &Patch{Offset: absOffset, Data: data}
		p.Apply(buf, bufOffset)
	}

	splice(eh.main, 0)
	for i := 0; i < NumFsSections; i++ {
		if eh.fsHeader[i] == nil {
			continue
		}
		if c.header.Version == FormatV0 {
			splice(eh.fsHeader[i], c.header.SectionTables[i].offset())
		} else {
			splice(eh.fsHeader[i], FsHeaderBaseStart+int64(i)*FsHeaderSize)
		}
	}
	return nil
}

// UpdateContentIDAndHash installs a freshly computed SHA-256 digest as
// both the NCA's content-id (first 16 bytes) and its recorded full hash.
func (c *Context) UpdateContentIDAndHash(digest [sha256.Size]byte) {
	copy(c.opts.ContentID[:], digest[:0x10])
	c.contentHash = digest
}

func (c *Context) ContentID() [0x10]byte          { return c.opts.ContentID }
func (c *Context) ContentHash() [sha256.Size]byte { return c.contentHash }

// ContentSize returns the total NCA size in bytes, as declared by the
// caller at Open time.
func (c *Context) ContentSize() int64 { return int64(c.opts.ContentSize) }

// ContentType returns the content type the caller declared at Open time.
func (c *Context) ContentType() ContentType { return c.opts.ContentType }

// IDOffset returns the content-record id_offset the caller declared at
// Open time.
func (c *Context) IDOffset() uint32 { return c.opts.IDOffset }

// HasRightsID reports whether the (possibly already wiped) header still
// declares a rights-id.
func (c *Context) HasRightsID() bool { return c.header.HasRightsID }

// RightsID returns the header's rights-id.
func (c *Context) RightsID() [0x10]byte { return c.header.RightsID }

// KeyGeneration returns the effective master-key generation, already
// normalized per the max(old,new)-1 convention.
func (c *Context) KeyGeneration() byte { return c.header.keyGeneration() }

// HeaderContentType returns the content-type byte parsed from the NCA
// header itself (as opposed to the caller-declared one).
func (c *Context) HeaderContentType() ContentType { return c.header.ContentType }

// Version returns the container format variant.
func (c *Context) Version() FormatVersion { return c.header.Version }

// ProgramID returns the title id recorded in the header.
func (c *Context) ProgramID() uint64 { return c.header.ProgramID }

// HeaderDirty reports whether any plaintext-header mutation happened since
// Open, meaning the NSP writer must splice re-encrypted headers into the
// output stream.
func (c *Context) HeaderDirty() bool { return c.headerMutated }

// ReadRaw reads untouched NCA ciphertext, the byte stream the NSP writer
// copies before splicing patches.
func (c *Context) ReadRaw(p []byte, off int64) (int, error) {
	return c.reader.ReadAt(p, off)
}

// serializeMainHeader projects the Header struct back into the full
// 0x400-byte plaintext header block, ready for XTS re-encryption. The two
// leading 0x100-byte signatures are carried over verbatim from parse time;
// the core never re-signs headers.
func (c *Context) serializeMainHeader(keyArea [KeyAreaSize]byte) []byte {
	buf := make([]byte, MediaUnitSize*2)
	copy(buf[:MainHeaderOffset], c.header.sigBlock[:])
	m := buf[MainHeaderOffset:]

	switch c.header.Version {
	case FormatV3:
		copy(m[0:4], magicNCA3[:])
	case FormatV2:
		copy(m[0:4], magicNCA2[:])
	case FormatV0:
		copy(m[0:4], magicNCA0[:])
	}
	m[0x4] = byte(c.header.DistType)
	m[0x5] = byte(c.header.ContentType)
	m[0x6] = c.header.KeyGenerationOld
	m[0x7] = c.header.KaekIndex
	putUint64LE(m[0x8:0x10], c.header.ContentSize)
	putUint64LE(m[0x10:0x18], c.header.ProgramID)
	putUint32LE(m[0x18:0x1C], c.header.ContentIndex)
	putUint32LE(m[0x1C:0x20], c.header.SDKAddonVersion)
	m[0x20] = c.header.KeyGeneration2
	copy(m[0x30:0x40], c.header.RightsID[:])

	sec := m[SectionTableBase-MainHeaderOffset:]
	for i, entry := range c.header.SectionTables {
		off := i * 16
		putUint32LE(sec[off:off+4], entry.StartSector)
		putUint32LE(sec[off+4:off+8], entry.EndSector)
	}

	copy(m[KeyAreaBase-MainHeaderOffset:KeyAreaBase-MainHeaderOffset+KeyAreaSize], keyArea[:])

	for i := range c.header.FsHeaders {
		copy(m[SectionTableBase-MainHeaderOffset+0x40+i*hashSize:], c.header.fsHeaderHash[i][:])
	}

	return buf
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
