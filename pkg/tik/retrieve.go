package tik

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

const (
	ticketListPath = "/ticket_list.bin"
	ticketBinPath  = "/ticket.bin"

	listEntrySize = 0x20

	esCtrKeyAlignment  = 0x8
	esCtrKeyRecordSize = 4 + 16 + 16 // {idx u32, key [16], ctr [16]}
)

// retrieveFromGamecard reads "<rights-id-hex>.tik" from the gamecard's
// secure hash-filesystem partition.
func (e *Engine) retrieveFromGamecard(id [0x10]byte) ([]byte, error) {
	if e.opts.Gamecard == nil {
		return nil, ncaerr.New(ncaerr.TicketNotFound, "no gamecard partition available")
	}
	name := hex.EncodeToString(id[:]) + ".tik"
	raw, err := e.opts.Gamecard.ReadEntry(name)
	if err != nil {
		return nil, ncaerr.Wrap(ncaerr.TicketNotFound, err, "no %q in gamecard secure partition", name)
	}
	if len(raw) < SignedTicketMinSize || len(raw) > SignedTicketMaxSize {
		return nil, ncaerr.New(ncaerr.FormatError, "gamecard ticket %q has invalid size %d", name, len(raw))
	}
	return raw, nil
}

// retrieveFromSavefile scans ticket_list.bin for the rights-id, then reads
// the matching 0x400-byte slot out of ticket.bin, decrypting it via the ES
// memory key pair when the slot turns out to be volatile.
func (e *Engine) retrieveFromSavefile(id [0x10]byte) ([]byte, error) {
	if e.opts.Savefile == nil {
		return nil, ncaerr.New(ncaerr.TicketNotFound, "no ticket savefile available")
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	offset, err := e.findTicketOffset(id)
	if err != nil {
		return nil, err
	}

	slot := make([]byte, SignedTicketMaxSize)
	if _, err := e.opts.Savefile.ReadFileAt(ticketBinPath, slot, offset); err != nil {
		return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading ticket slot at %#x", offset)
	}

	if issuerStartsWithRoot(slot) {
		return slot, nil
	}
	return e.decryptVolatileSlot(slot, offset)
}

// findTicketOffset scans the ticket_list.bin index: 0x20-byte entries, the
// list terminated by an all-0xFF rights-id. Slot offset in ticket.bin is
// entry-index * 0x400.
func (e *Engine) findTicketOffset(id [0x10]byte) (int64, error) {
	size, err := e.opts.Savefile.FileSize(ticketListPath)
	if err != nil {
		return 0, ncaerr.Wrap(ncaerr.IOError, err, "sizing %s", ticketListPath)
	}
	if size < listEntrySize || size%listEntrySize != 0 {
		return 0, ncaerr.New(ncaerr.FormatError, "invalid %s size %d", ticketListPath, size)
	}

	terminator := bytes.Repeat([]byte{0xFF}, 0x10)

	buf := make([]byte, listEntrySize*0x100)
	for base := int64(0); base < size; base += int64(len(buf)) {
		chunk := buf
		if rem := size - base; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		if _, err := e.opts.Savefile.ReadFileAt(ticketListPath, chunk, base); err != nil {
			return 0, ncaerr.Wrap(ncaerr.IOError, err, "reading %s at %#x", ticketListPath, base)
		}
		for pos := 0; pos+listEntrySize <= len(chunk); pos += listEntrySize {
			rightsID := chunk[pos : pos+0x10]
			if bytes.Equal(rightsID, terminator) {
				return 0, ncaerr.New(ncaerr.TicketNotFound, "no ticket for rights-id %x", id)
			}
			if bytes.Equal(rightsID, id[:]) {
				entryOffset := base + int64(pos)
				return (entryOffset / listEntrySize) * SignedTicketMaxSize, nil
			}
		}
	}
	return 0, ncaerr.New(ncaerr.TicketNotFound, "no ticket for rights-id %x", id)
}

// issuerStartsWithRoot checks the plaintext marker that distinguishes a
// regular slot from a volatile (encrypted) one: every real ticket's issuer
// begins with "Root".
func issuerStartsWithRoot(slot []byte) bool {
	blob, err := parseBlobLoose(slot)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(slot[blob:], []byte("Root"))
}

// parseBlobLoose returns the payload offset for the slot's signature-type
// word without validating the rest, so the volatile check can run on
// ciphertext that happens to decode to a valid type.
func parseBlobLoose(slot []byte) (int, error) {
	if len(slot) < 4 {
		return 0, ncaerr.New(ncaerr.FormatError, "slot too small")
	}
	t := binary.LittleEndian.Uint32(slot[0:4])
	switch t {
	case 0x10000, 0x10003:
		return 0x240, nil
	case 0x10001, 0x10004:
		return 0x140, nil
	case 0x10002, 0x10005:
		return 0x80, nil
	case 0x10006:
		return 0x40, nil
	default:
		return 0, ncaerr.New(ncaerr.FormatError, "unknown signature type")
	}
}

// decryptVolatileSlot locates the paired AES-CTR key records in the ES
// sysmodule's data segment and trial-decrypts the slot with each candidate
// until the issuer reads "Root".
//
// The records are two consecutive {idx u32, key [16], ctr [16]} entries at
// 8-byte alignment where idx2 == idx1+1 and odd, the key is nonzero and
// the stored CTR is zero; the working counter's low half is the slot
// offset >> 4.
func (e *Engine) decryptVolatileSlot(slot []byte, slotOffset int64) ([]byte, error) {
	if e.opts.ESMemory == nil {
		return nil, ncaerr.New(ncaerr.TicketNotFound, "volatile ticket at %#x but no ES memory provider", slotOffset)
	}
	mem, err := e.opts.ESMemory.Snapshot()
	if err != nil {
		return nil, ncaerr.Wrap(ncaerr.IOError, err, "snapshotting ES memory")
	}

	var zero [16]byte
	dec := make([]byte, SignedTicketMaxSize)

	for i := 0; i+2*esCtrKeyRecordSize <= len(mem); i += esCtrKeyAlignment {
		idx1 := binary.LittleEndian.Uint32(mem[i : i+4])
		idx2 := binary.LittleEndian.Uint32(mem[i+esCtrKeyRecordSize : i+esCtrKeyRecordSize+4])
		if idx2 != idx1+1 || idx2&1 == 0 {
			continue
		}
		key := mem[i+4 : i+20]
		ctr := mem[i+20 : i+36]
		if bytes.Equal(key, zero[:]) || !bytes.Equal(ctr, zero[:]) {
			continue
		}

		stream, err := crypto.NewCTRStream(key, ctr, slotOffset)
		if err != nil {
			continue
		}
		stream.XORKeyStream(dec, slot)

		if issuerStartsWithRoot(dec) {
			out := make([]byte, SignedTicketMaxSize)
			copy(out, dec)
			return out, nil
		}
	}
	return nil, ncaerr.New(ncaerr.TicketNotFound, "unable to decrypt volatile ticket at %#x", slotOffset)
}
