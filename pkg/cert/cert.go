// Package cert retrieves individual certificates from the system's
// certificate savefile and assembles raw chains from dash-separated
// issuer strings like "Root-CA00000003-XS00000020".
package cert

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/nxdump/ncatool/pkg/ncaerr"
	"github.com/nxdump/ncatool/pkg/signature"
)

// Savefile is the pre-mounted, pre-decrypted certificate savefile
// collaborator; certificates live under "/certificate/<name>".
type Savefile interface {
	ReadFile(path string) ([]byte, error)
}

const (
	storageBasePath = "/certificate/"

	commonBlockSize = 0x88

	// PubKeyType values, stored big-endian in the common block.
	PubKeyRsa4096 = 0
	PubKeyRsa2048 = 1
	PubKeyEcc480  = 2

	// Bounds across all known SigType x PubKeyType combinations.
	MinCertSize = 0x140 // Hmac160 signature + Ecc480 public key
	MaxCertSize = 0x500 // Rsa4096 signature + Rsa4096 public key
)

func pubKeyBlockSize(pubKeyType uint32) int {
	switch pubKeyType {
	case PubKeyRsa4096:
		return 0x238
	case PubKeyRsa2048:
		return 0x138
	case PubKeyEcc480:
		return 0x78
	default:
		return 0
	}
}

// Certificate is one parsed, self-contained signed certificate blob.
type Certificate struct {
	SigType    signature.Type
	PubKeyType uint32
	Issuer     string
	Name       string
	Raw        []byte // exactly the signed blob, ready for concatenation
}

// Parse validates and slices one signed certificate out of buf (which may
// hold trailing bytes past the certificate).
func Parse(buf []byte) (Certificate, error) {
	blob, err := signature.Parse(buf, true)
	if err != nil {
		return Certificate{}, err
	}
	if len(buf) < blob.PayloadOffset+commonBlockSize {
		return Certificate{}, ncaerr.New(ncaerr.FormatError, "certificate truncated before common block")
	}
	common := buf[blob.PayloadOffset:]
	pubKeyType := binary.BigEndian.Uint32(common[0x40:0x44])
	pkSize := pubKeyBlockSize(pubKeyType)
	if pkSize == 0 {
		return Certificate{}, ncaerr.New(ncaerr.FormatError, "unknown certificate public-key type %d", pubKeyType)
	}
	total := blob.PayloadOffset + commonBlockSize + pkSize
	if len(buf) < total {
		return Certificate{}, ncaerr.New(ncaerr.FormatError, "certificate of %d bytes shorter than its declared %d bytes", len(buf), total)
	}
	return Certificate{
		SigType:    blob.Type,
		PubKeyType: pubKeyType,
		Issuer:     cString(common[0x00:0x40]),
		Name:       cString(common[0x44:0x84]),
		Raw:        buf[:total],
	}, nil
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// Engine retrieves certificates and chains from one certificate savefile.
// Chain assembly is serialized: at most one lookup touches the savefile
// at a time.
type Engine struct {
	mu sync.Mutex
	sf Savefile
}

// NewEngine wraps a certificate savefile collaborator.
func NewEngine(sf Savefile) *Engine {
	return &Engine{sf: sf}
}

// RetrieveByName fetches and parses one certificate (e.g. "CA00000003").
func (e *Engine) RetrieveByName(name string) (Certificate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retrieveByName(name)
}

func (e *Engine) retrieveByName(name string) (Certificate, error) {
	if name == "" {
		return Certificate{}, ncaerr.New(ncaerr.InvalidArgument, "empty certificate name")
	}
	raw, err := e.sf.ReadFile(storageBasePath + name)
	if err != nil {
		return Certificate{}, ncaerr.Wrap(ncaerr.IOError, err, "reading certificate %q from savefile", name)
	}
	c, err := Parse(raw)
	if err != nil {
		return Certificate{}, ncaerr.Wrap(ncaerr.FormatError, err, "parsing certificate %q", name)
	}
	return c, nil
}

// RetrieveChainByIssuer walks a dash-separated issuer string (skipping the
// mandatory "Root-" prefix) and returns the referenced certificates in
// order.
func (e *Engine) RetrieveChainByIssuer(issuer string) ([]Certificate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !strings.HasPrefix(issuer, "Root-") {
		return nil, ncaerr.New(ncaerr.InvalidArgument, "issuer %q does not start with Root-", issuer)
	}
	names := strings.Split(issuer, "-")[1:]
	chain := make([]Certificate, 0, len(names))
	for _, name := range names {
		c, err := e.retrieveByName(name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
	}
	if len(chain) == 0 {
		return nil, ncaerr.New(ncaerr.InvalidArgument, "issuer %q references no certificates", issuer)
	}
	return chain, nil
}

// RawChainByIssuer returns the concatenated raw bytes of the chain
// matching issuer, the form embedded in NSPs and common tickets.
func (e *Engine) RawChainByIssuer(issuer string) ([]byte, error) {
	chain, err := e.RetrieveChainByIssuer(issuer)
	if err != nil {
		return nil, err
	}
	var size int
	for _, c := range chain {
		size += len(c.Raw)
	}
	out := make([]byte, 0, size)
	for _, c := range chain {
		out = append(out, c.Raw...)
	}
	return out, nil
}
