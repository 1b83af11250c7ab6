// Package tik locates tickets by rights-id (gamecard secure partition, ES
// savefile, or volatile encrypted slots), unwraps their title-keys
// (common, or RSA-OAEP personalised), and rewrites personalised tickets
// into common ones.
package tik

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/nxdump/ncatool/pkg/cert"
	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/keyset"
	"github.com/nxdump/ncatool/pkg/ncaerr"
	"github.com/nxdump/ncatool/pkg/signature"
)

const (
	// SignedTicketMaxSize is the slot size in the ES ticket savefile.
	SignedTicketMaxSize = 0x400
	// SignedTicketMinSize assumes an Hmac160 signature with no section
	// records.
	SignedTicketMinSize = sigBlockHmac160 + CommonBlockSize

	CommonBlockSize = 0x180

	sigBlockHmac160 = 0x40

	sectionRecordHeaderSize = 0x10
)

// TitleKeyType values of the common block's titlekey_type byte.
const (
	TitleKeyCommon       = 0
	TitleKeyPersonalized = 1
)

// Property-mask bits cleared by personalised-to-common conversion.
const (
	PropertyVolatile         = 1 << 4
	PropertyELicenseRequired = 1 << 5
)

// Type is the ticket signature variant.
type Type int

const (
	TypeNone Type = iota
	TypeRsa4096
	TypeRsa2048
	TypeEcc480
	TypeHmac160
)

func typeFromSignature(t signature.Type) Type {
	switch t {
	case signature.Rsa4096Sha1, signature.Rsa4096Sha256:
		return TypeRsa4096
	case signature.Rsa2048Sha1, signature.Rsa2048Sha256:
		return TypeRsa2048
	case signature.Ecc480Sha1, signature.Ecc480Sha256:
		return TypeEcc480
	case signature.Hmac160Sha1:
		return TypeHmac160
	default:
		return TypeNone
	}
}

// CommonBlock is the fixed 0x180-byte payload after the signature block.
type CommonBlock struct {
	Issuer           string
	TitleKeyBlock    [0x100]byte
	FormatVersion    byte
	TitleKeyType     byte
	TicketVersion    uint16
	LicenseType      byte
	KeyGeneration    byte
	PropertyMask     uint16
	TicketID         uint64
	DeviceID         uint64
	RightsID         [0x10]byte
	AccountID        uint32
	SectTotalSize    uint32
	SectHdrOffset    uint32
	SectHdrCount     uint16
	SectHdrEntrySize uint16
}

func parseCommonBlock(b []byte) (CommonBlock, error) {
	var cb CommonBlock
	if len(b) < CommonBlockSize {
		return cb, ncaerr.New(ncaerr.FormatError, "ticket common block truncated (%d bytes)", len(b))
	}
	cb.Issuer = cString(b[0x00:0x40])
	copy(cb.TitleKeyBlock[:], b[0x40:0x140])
	cb.FormatVersion = b[0x140]
	cb.TitleKeyType = b[0x141]
	cb.TicketVersion = binary.LittleEndian.Uint16(b[0x142:0x144])
	cb.LicenseType = b[0x144]
	cb.KeyGeneration = b[0x145]
	cb.PropertyMask = binary.LittleEndian.Uint16(b[0x146:0x148])
	cb.TicketID = binary.LittleEndian.Uint64(b[0x150:0x158])
	cb.DeviceID = binary.LittleEndian.Uint64(b[0x158:0x160])
	copy(cb.RightsID[:], b[0x160:0x170])
	cb.AccountID = binary.LittleEndian.Uint32(b[0x170:0x174])
	cb.SectTotalSize = binary.LittleEndian.Uint32(b[0x174:0x178])
	cb.SectHdrOffset = binary.LittleEndian.Uint32(b[0x178:0x17C])
	cb.SectHdrCount = binary.LittleEndian.Uint16(b[0x17C:0x17E])
	cb.SectHdrEntrySize = binary.LittleEndian.Uint16(b[0x17E:0x180])
	return cb, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// Ticket holds the raw signed blob plus the three derived forms of the
// title-key.
type Ticket struct {
	Type Type
	Size int64
	Data [SignedTicketMaxSize]byte

	// KeyGeneration is the ticket's own key_generation field. The engine
	// indexes titlekeks by the rights-id's last byte instead, but both are exposed so callers can pick per site.
	KeyGeneration byte

	EncTitleKey    [0x10]byte
	EncTitleKeyHex string
	DecTitleKey    [0x10]byte
	DecTitleKeyHex string
	RightsIDHex    string
}

// CommonBlock re-parses the ticket's common block out of its raw data.
func (t *Ticket) CommonBlock() (CommonBlock, error) {
	blob, err := signature.Parse(t.Data[:], false)
	if err != nil {
		return CommonBlock{}, err
	}
	return parseCommonBlock(t.Data[blob.PayloadOffset:])
}

// IsPersonalized reports whether the ticket's title-key block is an
// RSA-OAEP ciphertext bound to one console.
func (t *Ticket) IsPersonalized() bool {
	cb, err := t.CommonBlock()
	return err == nil && cb.TitleKeyType == TitleKeyPersonalized
}

// sectionRecordsSize walks the ESV2 section-record headers following the
// common block and returns their total byte size.
func sectionRecordsSize(data []byte, payloadOff int, count uint16) int64 {
	off := payloadOff + CommonBlockSize
	var total int64
	for i := uint16(0); i < count; i++ {
		if off+sectionRecordHeaderSize > len(data) {
			break
		}
		recordSize := binary.LittleEndian.Uint32(data[off+4 : off+8])
		recordCount := binary.LittleEndian.Uint16(data[off+12 : off+14])
		span := int64(sectionRecordHeaderSize) + int64(recordCount)*int64(recordSize)
		total += span
		off += int(span)
	}
	return total
}

// parseSignedTicket validates raw and returns its variant tag and full
// signed size (signature block + common block + section records).
func parseSignedTicket(raw []byte) (Type, int64, error) {
	blob, err := signature.Parse(raw, false)
	if err != nil {
		return TypeNone, 0, err
	}
	cb, err := parseCommonBlock(raw[blob.PayloadOffset:])
	if err != nil {
		return TypeNone, 0, err
	}
	size := int64(blob.PayloadOffset) + CommonBlockSize + sectionRecordsSize(raw, blob.PayloadOffset, cb.SectHdrCount)
	if size > SignedTicketMaxSize {
		return TypeNone, 0, ncaerr.New(ncaerr.FormatError, "signed ticket of %d bytes exceeds the %d-byte slot", size, SignedTicketMaxSize)
	}
	return typeFromSignature(blob.Type), size, nil
}

// Savefile is the pre-mounted ES ticket system savefile collaborator:
// byte-level random access to "/ticket_list.bin" and "/ticket.bin".
type Savefile interface {
	FileSize(path string) (int64, error)
	ReadFileAt(path string, p []byte, off int64) (int, error)
}

// GamecardPartition reads whole named entries out of the gamecard's
// secure hash-filesystem partition.
type GamecardPartition interface {
	ReadEntry(name string) ([]byte, error)
}

// ESMemoryProvider returns a stable read-only snapshot of the ES
// sysmodule's data segment, used to locate volatile-ticket CTR keys.
type ESMemoryProvider interface {
	Snapshot() ([]byte, error)
}

// Options are the optional ticket-lookup backends.
type Options struct {
	Savefile Savefile
	Gamecard GamecardPartition
	ESMemory ESMemoryProvider
}

// Engine locates tickets and unwraps their title-keys. The ES savefile is
// accessed under a dedicated mutex.
type Engine struct {
	kp   keyset.KeyProvider
	opts Options

	saveMu sync.Mutex

	devKeyMu sync.Mutex
	devKey   *deviceKey
}

// NewEngine builds a ticket engine over the key provider and lookup
// backends.
func NewEngine(kp keyset.KeyProvider, opts Options) *Engine {
	return &Engine{kp: kp, opts: opts}
}

// RetrieveByRightsID locates the ticket for id, unwraps its title-key and
// titlekek-decrypts it. useGamecard selects the gamecard
// secure partition over the ES savefile.
func (e *Engine) RetrieveByRightsID(id [0x10]byte, useGamecard bool) (*Ticket, error) {
	var raw []byte
	var err error
	if useGamecard {
		raw, err = e.retrieveFromGamecard(id)
	} else {
		raw, err = e.retrieveFromSavefile(id)
	}
	if err != nil {
		return nil, err
	}

	t, err := e.FromRaw(raw)
	if err != nil {
		return nil, err
	}
	if t.RightsIDHex != hex.EncodeToString(id[:]) {
		return nil, ncaerr.New(ncaerr.TicketNotFound, "retrieved ticket's rights-id %s does not match %x", t.RightsIDHex, id)
	}
	return t, nil
}

// FromRaw builds a Ticket from an already-located signed blob (a loose
// .tik file, a gamecard entry, a test fixture), performing the same
// title-key unwrap and titlekek decryption as RetrieveByRightsID.
func (e *Engine) FromRaw(raw []byte) (*Ticket, error) {
	ticketType, size, err := parseSignedTicket(raw)
	if err != nil {
		return nil, err
	}

	t := &Ticket{Type: ticketType, Size: size}
	copy(t.Data[:], raw[:size])

	cb, err := t.CommonBlock()
	if err != nil {
		return nil, err
	}
	t.KeyGeneration = cb.KeyGeneration

	if err := e.unwrapTitleKey(t, &cb); err != nil {
		return nil, err
	}

	// Titlekek indexing follows the rights-id's last byte, not the
	// ticket's key_generation field.
	dec, err := e.titlekekDecrypt(t.EncTitleKey, cb.RightsID[0xF])
	if err != nil {
		return nil, err
	}
	t.DecTitleKey = dec

	t.EncTitleKeyHex = hex.EncodeToString(t.EncTitleKey[:])
	t.DecTitleKeyHex = hex.EncodeToString(t.DecTitleKey[:])
	t.RightsIDHex = hex.EncodeToString(cb.RightsID[:])
	return t, nil
}

// unwrapTitleKey fills t.EncTitleKey from the common block: a plain copy
// for common tickets, an RSA-OAEP unwrap for personalised ones.
func (e *Engine) unwrapTitleKey(t *Ticket, cb *CommonBlock) error {
	switch cb.TitleKeyType {
	case TitleKeyCommon:
		copy(t.EncTitleKey[:], cb.TitleKeyBlock[:0x10])
		return nil
	case TitleKeyPersonalized:
		dk, err := e.eticketDeviceKey()
		if err != nil {
			return err
		}
		keyData, err := dk.oaepUnwrap(cb.TitleKeyBlock[:])
		if err != nil {
			return err
		}
		if len(keyData) < 0x10 {
			return ncaerr.New(ncaerr.TitleKeyUnwrapFailed, "personalised title-key unwrap yielded %d bytes", len(keyData))
		}
		copy(t.EncTitleKey[:], keyData[:0x10])
		return nil
	default:
		return ncaerr.New(ncaerr.FormatError, "invalid titlekey type %#x", cb.TitleKeyType)
	}
}

// titlekekDecrypt applies the final AES-ECB step under the titlekek for
// the given key generation.
func (e *Engine) titlekekDecrypt(encKey [0x10]byte, keyGeneration byte) ([0x10]byte, error) {
	var out [0x10]byte
	kek, ok := e.kp.Titlekek(keyGeneration)
	if !ok {
		return out, ncaerr.New(ncaerr.KeyUnavailable, "no titlekek for key generation %d", keyGeneration)
	}
	plain, err := crypto.ECBDecrypt(encKey[:], kek[:])
	if err != nil {
		return out, ncaerr.Wrap(ncaerr.CryptoError, err, "titlekek-decrypting title-key")
	}
	copy(out[:], plain)
	return out, nil
}

// ConvertToCommon rewrites a personalised ticket into a common one and
// returns the raw certificate chain for the new issuer.
func (e *Engine) ConvertToCommon(t *Ticket, certs *cert.Engine) ([]byte, error) {
	blob, err := signature.Parse(t.Data[:], false)
	if err != nil {
		return nil, err
	}
	cb, err := parseCommonBlock(t.Data[blob.PayloadOffset:])
	if err != nil {
		return nil, err
	}
	if cb.TitleKeyType != TitleKeyPersonalized {
		return nil, ncaerr.New(ncaerr.InvalidArgument, "ticket is not personalised")
	}

	// Resolve the common issuer: retail CA00000003 vs dev CA00000004,
	// trying the known XS certificate names until the chain resolves.
	caID := 3
	if bytes.Contains([]byte(cb.Issuer), []byte("CA00000004")) {
		caID = 4
	}
	var issuer string
	var rawChain []byte
	for _, xs := range []string{"XS00000020", "XS00000022"} {
		candidate := fmt.Sprintf("Root-CA%08X-%s", caID, xs)
		chain, err := certs.RawChainByIssuer(candidate)
		if err == nil {
			issuer, rawChain = candidate, chain
			break
		}
	}
	if rawChain == nil {
		return nil, ncaerr.New(ncaerr.TicketNotFound, "no certificate chain resolves for a common issuer")
	}

	// Wipe the signature to the filler pattern: the common ticket
	// carries no real signature.
	for i := range blob.Signature {
		blob.Signature[i] = 0xFF
	}

	common := t.Data[blob.PayloadOffset:]
	for i := 0; i < 0x40; i++ {
		common[i] = 0
	}
	copy(common[:0x40], issuer)

	for i := 0x40; i < 0x140; i++ {
		common[i] = 0
	}
	copy(common[0x40:0x50], t.EncTitleKey[:])

	newSize := int64(blob.PayloadOffset) + CommonBlockSize

	common[0x141] = TitleKeyCommon
	mask := binary.LittleEndian.Uint16(common[0x146:0x148])
	binary.LittleEndian.PutUint16(common[0x146:0x148], mask&^(PropertyELicenseRequired|PropertyVolatile))
	binary.LittleEndian.PutUint64(common[0x150:0x158], 0) // ticket_id
	binary.LittleEndian.PutUint64(common[0x158:0x160], 0) // device_id
	binary.LittleEndian.PutUint32(common[0x170:0x174], 0) // account_id
	binary.LittleEndian.PutUint32(common[0x174:0x178], 0) // sect_total_size
	binary.LittleEndian.PutUint32(common[0x178:0x17C], uint32(newSize))
	binary.LittleEndian.PutUint16(common[0x17C:0x17E], 0) // sect_hdr_count
	binary.LittleEndian.PutUint16(common[0x17E:0x180], 0) // sect_hdr_entry_size

	// Drop any ESV1/ESV2 records past the resized ticket.
	for i := newSize; i < SignedTicketMaxSize; i++ {
		t.Data[i] = 0
	}
	t.Size = newSize

	return rawChain, nil
}
