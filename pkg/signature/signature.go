// Package signature parses the signed-blob prefix shared by tickets and
// certificates: a 32-bit signature-type word (little-endian for tickets,
// big-endian for certificates), the signature bytes, and padding up to the
// payload. Both the ticket and certificate engines consume this one
// helper instead of duplicating the dispatch.
package signature

import (
	"encoding/binary"

	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// Type is the signature-type word of a signed blob.
type Type uint32

const (
	Rsa4096Sha1   Type = 0x10000
	Rsa2048Sha1   Type = 0x10001
	Ecc480Sha1    Type = 0x10002
	Rsa4096Sha256 Type = 0x10003
	Rsa2048Sha256 Type = 0x10004
	Ecc480Sha256  Type = 0x10005
	Hmac160Sha1   Type = 0x10006
)

// Valid reports whether t is one of the known signature types.
func (t Type) Valid() bool {
	return t >= Rsa4096Sha1 && t <= Hmac160Sha1
}

// SigSize returns the raw signature length for t, or 0 if unknown.
func (t Type) SigSize() int {
	switch t {
	case Rsa4096Sha1, Rsa4096Sha256:
		return 0x200
	case Rsa2048Sha1, Rsa2048Sha256:
		return 0x100
	case Ecc480Sha1, Ecc480Sha256:
		return 0x3C
	case Hmac160Sha1:
		return 0x14
	default:
		return 0
	}
}

// BlockSize returns the full signature-block length for t (type word +
// signature + alignment padding), or 0 if unknown.
func (t Type) BlockSize() int {
	switch t {
	case Rsa4096Sha1, Rsa4096Sha256:
		return 0x240
	case Rsa2048Sha1, Rsa2048Sha256:
		return 0x140
	case Ecc480Sha1, Ecc480Sha256:
		return 0x80
	case Hmac160Sha1:
		return 0x40
	default:
		return 0
	}
}

// Blob is a parsed signed-blob prefix. Signature aliases the input buffer.
type Blob struct {
	Type          Type
	Signature     []byte
	PayloadOffset int // == Type.BlockSize()
}

// Parse reads the signed-blob prefix of buf. bigEndian selects the byte
// order of the signature-type word: big for certificates, little for
// tickets.
func Parse(buf []byte, bigEndian bool) (Blob, error) {
	if len(buf) < 4 {
		return Blob{}, ncaerr.New(ncaerr.FormatError, "signed blob of %d bytes has no signature-type word", len(buf))
	}
	var t Type
	if bigEndian {
		t = Type(binary.BigEndian.Uint32(buf[0:4]))
	} else {
		t = Type(binary.LittleEndian.Uint32(buf[0:4]))
	}
	if !t.Valid() {
		return Blob{}, ncaerr.New(ncaerr.FormatError, "unknown signature type %#x", uint32(t))
	}
	block := t.BlockSize()
	if len(buf) < block {
		return Blob{}, ncaerr.New(ncaerr.FormatError, "signed blob of %d bytes shorter than its %d-byte signature block", len(buf), block)
	}
	return Blob{
		Type:          t,
		Signature:     buf[4 : 4+t.SigSize()],
		PayloadOffset: block,
	}, nil
}
