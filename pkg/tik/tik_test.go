package tik_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxdump/ncatool/pkg/cert"
	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/signature"
	"github.com/nxdump/ncatool/pkg/tik"
)

var (
	testTitlekek    = [16]byte{0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44}
	testEticketKek  = [16]byte{0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66, 0x66}
	testDecTitleKey = bytes.Repeat([]byte{0x55}, 16)
)

// testRightsID has key generation 5 in its last byte.
func testRightsID() [0x10]byte {
	var id [0x10]byte
	for i := range id {
		id[i] = byte(i + 1)
	}
	id[0xF] = 0x05
	return id
}

// encTitleKey is the titlekek-wrapped form of testDecTitleKey.
func encTitleKey(t *testing.T) []byte {
	t.Helper()
	enc, err := crypto.ECBEncrypt(testDecTitleKey, testTitlekek[:])
	require.NoError(t, err)
	return enc
}

// testKeys is a KeyProvider with a known titlekek and an optional eTicket
// device key pair.
type testKeys struct {
	devKeyBlob *[0x240]byte
}

func (testKeys) HeaderKey() ([32]byte, bool) { return [32]byte{}, false }

func (testKeys) KeyAreaKey(gen, kaekIndex uint8) ([16]byte, bool) { return [16]byte{}, false }

func (testKeys) KeyAreaKeySource(kaekIndex uint8) ([16]byte, bool) { return [16]byte{}, false }

func (testKeys) Titlekek(gen uint8) ([16]byte, bool) {
	if gen != 0x05 {
		return [16]byte{}, false
	}
	return testTitlekek, true
}
func (k testKeys) EticketRSADeviceKey() ([0x240]byte, bool) {
	if k.devKeyBlob == nil {
		return [0x240]byte{}, false
	}
	return *k.devKeyBlob, true
}
func (testKeys) EticketRSAKek(personalized bool) ([16]byte, bool) { return testEticketKek, true }

// buildTicket assembles a signed RSA-2048 ticket blob.
func buildTicket(t *testing.T, issuer string, titleKeyBlock []byte, titleKeyType byte, rightsID [0x10]byte) []byte {
	t.Helper()
	buf := make([]byte, 0x140+0x180)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(signature.Rsa2048Sha256))
	for i := 4; i < 0x104; i++ {
		buf[i] = 0x5A
	}
	common := buf[0x140:]
	copy(common[0x00:0x40], issuer)
	copy(common[0x40:0x140], titleKeyBlock)
	common[0x140] = 2 // format version
	common[0x141] = titleKeyType
	common[0x145] = 0x05 // key generation
	binary.LittleEndian.PutUint16(common[0x146:0x148], 0x30) // ELicenseRequired | Volatile
	binary.LittleEndian.PutUint64(common[0x150:0x158], 0x1122334455667788)
	binary.LittleEndian.PutUint64(common[0x158:0x160], 0x8877665544332211)
	copy(common[0x160:0x170], rightsID[:])
	binary.LittleEndian.PutUint32(common[0x170:0x174], 0xCAFE)
	return buf
}

// deviceKeyFixture generates an RSA key pair and wraps it into the padded
// 0x240-byte eTicket device-key blob.
func deviceKeyFixture(t *testing.T) (*rsa.PrivateKey, *[0x240]byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var blob [0x240]byte
	for i := 0; i < 0x10; i++ {
		blob[i] = byte(0x90 + i) // CTR
	}
	plain := make([]byte, 0x230)
	priv.D.FillBytes(plain[0x000:0x100])
	priv.N.FillBytes(plain[0x100:0x200])
	binary.BigEndian.PutUint32(plain[0x200:0x204], 0x10001)
	binary.LittleEndian.PutUint64(plain[0x218:0x220], 0x123456789ABCDEF0)

	stream, err := crypto.NewCTRStreamRaw(testEticketKek[:], blob[:0x10])
	require.NoError(t, err)
	stream.XORKeyStream(blob[0x10:], plain)
	return priv, &blob
}

func TestFromRawCommonTicket(t *testing.T) {
	rightsID := testRightsID()
	titleKeyBlock := make([]byte, 0x100)
	copy(titleKeyBlock, encTitleKey(t))
	raw := buildTicket(t, "Root-CA00000003-XS00000021", titleKeyBlock, tik.TitleKeyCommon, rightsID)

	e := tik.NewEngine(testKeys{}, tik.Options{})
	ticket, err := e.FromRaw(raw)
	require.NoError(t, err)

	assert.Equal(t, tik.TypeRsa2048, ticket.Type)
	assert.Equal(t, int64(0x2C0), ticket.Size)
	assert.Equal(t, byte(0x05), ticket.KeyGeneration)
	assert.Equal(t, encTitleKey(t), ticket.EncTitleKey[:])
	assert.Equal(t, testDecTitleKey, ticket.DecTitleKey[:])
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f05", ticket.RightsIDHex)
	assert.False(t, ticket.IsPersonalized())
}

func TestFromRawPersonalizedTicket(t *testing.T) {
	priv, blob := deviceKeyFixture(t)

	oaep, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &priv.PublicKey, encTitleKey(t), nil)
	require.NoError(t, err)
	require.Len(t, oaep, 0x100)

	raw := buildTicket(t, "Root-CA00000003-XS00000021-CT0000000000000001", oaep, tik.TitleKeyPersonalized, testRightsID())

	e := tik.NewEngine(testKeys{devKeyBlob: blob}, tik.Options{})
	ticket, err := e.FromRaw(raw)
	require.NoError(t, err)

	assert.True(t, ticket.IsPersonalized())
	assert.Equal(t, encTitleKey(t), ticket.EncTitleKey[:])
	assert.Equal(t, testDecTitleKey, ticket.DecTitleKey[:])
}

func TestFromRawPersonalizedWithoutDeviceKey(t *testing.T) {
	raw := buildTicket(t, "Root-CA00000003-XS00000021", make([]byte, 0x100), tik.TitleKeyPersonalized, testRightsID())
	e := tik.NewEngine(testKeys{}, tik.Options{})
	_, err := e.FromRaw(raw)
	require.Error(t, err)
}

func buildCertEntry(sigType signature.Type, issuer, name string) []byte {
	buf := make([]byte, sigType.BlockSize()+0x88+0x138)
	binary.BigEndian.PutUint32(buf[0:4], uint32(sigType))
	common := buf[sigType.BlockSize():]
	copy(common[0x00:0x40], issuer)
	binary.BigEndian.PutUint32(common[0x40:0x44], cert.PubKeyRsa2048)
	copy(common[0x44:0x84], name)
	return buf
}

type fakeCertSavefile map[string][]byte

func (f fakeCertSavefile) ReadFile(path string) ([]byte, error) {
	b, ok := f[path]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func TestConvertPersonalizedToCommon(t *testing.T) {
	priv, blob := deviceKeyFixture(t)

	oaep, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &priv.PublicKey, encTitleKey(t), nil)
	require.NoError(t, err)

	raw := buildTicket(t, "Root-CA00000003-XS00000021-CT0000000000000001", oaep, tik.TitleKeyPersonalized, testRightsID())
	e := tik.NewEngine(testKeys{devKeyBlob: blob}, tik.Options{})
	ticket, err := e.FromRaw(raw)
	require.NoError(t, err)

	certs := cert.NewEngine(fakeCertSavefile{
		"/certificate/CA00000003": buildCertEntry(signature.Rsa4096Sha256, "Root", "CA00000003"),
		"/certificate/XS00000020": buildCertEntry(signature.Rsa2048Sha256, "Root-CA00000003", "XS00000020"),
	})

	chain, err := e.ConvertToCommon(ticket, certs)
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	// RSA-2048 common-ticket size, 0xFF-filled
	// signature, common titlekey type, recoverable title-key.
	assert.Equal(t, int64(0x2C0), ticket.Size)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0x100), ticket.Data[4:0x104])

	cb, err := ticket.CommonBlock()
	require.NoError(t, err)
	assert.Equal(t, "Root-CA00000003-XS00000020", cb.Issuer)
	assert.Equal(t, byte(tik.TitleKeyCommon), cb.TitleKeyType)
	assert.Equal(t, encTitleKey(t), cb.TitleKeyBlock[:0x10])
	assert.Equal(t, bytes.Repeat([]byte{0}, 0xF0), cb.TitleKeyBlock[0x10:])
	assert.Zero(t, cb.TicketID)
	assert.Zero(t, cb.DeviceID)
	assert.Zero(t, cb.AccountID)
	assert.Zero(t, cb.SectTotalSize)
	assert.Equal(t, uint32(0x2C0), cb.SectHdrOffset)
	assert.Zero(t, cb.SectHdrCount)
	assert.Zero(t, cb.PropertyMask&0x30) // ELicenseRequired | Volatile cleared

	dec, err := crypto.ECBDecrypt(cb.TitleKeyBlock[:0x10], testTitlekek[:])
	require.NoError(t, err)
	assert.Equal(t, testDecTitleKey, dec)

	assert.False(t, ticket.IsPersonalized())
}

func TestConvertRejectsCommonTicket(t *testing.T) {
	titleKeyBlock := make([]byte, 0x100)
	copy(titleKeyBlock, encTitleKey(t))
	raw := buildTicket(t, "Root-CA00000003-XS00000020", titleKeyBlock, tik.TitleKeyCommon, testRightsID())

	e := tik.NewEngine(testKeys{}, tik.Options{})
	ticket, err := e.FromRaw(raw)
	require.NoError(t, err)

	_, err = e.ConvertToCommon(ticket, cert.NewEngine(fakeCertSavefile{}))
	require.Error(t, err)
}
