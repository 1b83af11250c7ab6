package tik

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// The eTicket device key arrives from the key provider as a 0x240-byte
// blob: 0x10 CTR || 0x100 private exponent || 0x100 modulus || u32-be
// public exponent || 0x14 padding || u64 device-id || 0x10 GHASH.
// Everything after the CTR is AES-CTR encrypted under the eTicket RSA
// KEK.

const (
	devKeyBlobSize       = 0x240
	devKeyExponentOffset = 0x10
	devKeyModulusOffset  = 0x110
	devKeyPubExpOffset   = 0x210

	devKeyPublicExponent = 0x10001
)

type deviceKey struct {
	priv     *rsa.PrivateKey
	deviceID uint64
}

// eticketDeviceKey decrypts, validates and caches the device RSA key.
func (e *Engine) eticketDeviceKey() (*deviceKey, error) {
	e.devKeyMu.Lock()
	defer e.devKeyMu.Unlock()
	if e.devKey != nil {
		return e.devKey, nil
	}

	blob, ok := e.kp.EticketRSADeviceKey()
	if !ok {
		return nil, ncaerr.New(ncaerr.KeyUnavailable, "key provider has no eTicket RSA device key")
	}
	kek, ok := e.kp.EticketRSAKek(true)
	if !ok {
		kek, ok = e.kp.EticketRSAKek(false)
	}
	if !ok {
		return nil, ncaerr.New(ncaerr.KeyUnavailable, "key provider has no eTicket RSA KEK")
	}

	stream, err := crypto.NewCTRStreamRaw(kek[:], blob[:0x10])
	if err != nil {
		return nil, ncaerr.Wrap(ncaerr.CryptoError, err, "building eTicket device-key ctr stream")
	}
	dec := make([]byte, devKeyBlobSize-devKeyExponentOffset)
	stream.XORKeyStream(dec, blob[devKeyExponentOffset:])

	pubExp := binary.BigEndian.Uint32(dec[devKeyPubExpOffset-devKeyExponentOffset:])
	if pubExp != devKeyPublicExponent {
		return nil, ncaerr.New(ncaerr.CryptoError, "eTicket device key public exponent %#x, expected %#x", pubExp, devKeyPublicExponent)
	}

	d := new(big.Int).SetBytes(dec[:0x100])
	n := new(big.Int).SetBytes(dec[devKeyModulusOffset-devKeyExponentOffset : devKeyPubExpOffset-devKeyExponentOffset])

	if err := testKeyPair(n, d); err != nil {
		return nil, err
	}

	dk := &deviceKey{
		priv: &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{N: n, E: devKeyPublicExponent},
			D:         d,
		},
		deviceID: binary.LittleEndian.Uint64(dec[0x228-devKeyExponentOffset:]),
	}
	e.devKey = dk
	return dk, nil
}

// testKeyPair verifies (x^d)^e == x mod n for a fixed probe value, the
// same self-test the original runs before trusting decrypted key material.
func testKeyPair(n, d *big.Int) error {
	e := big.NewInt(devKeyPublicExponent)
	x := big.NewInt(0xCAFEBABE)
	y := new(big.Int).Exp(x, d, n)
	z := new(big.Int).Exp(y, e, n)
	if x.Cmp(z) != 0 {
		return ncaerr.New(ncaerr.CryptoError, "eTicket RSA key pair self-test failed")
	}
	return nil
}

// oaepUnwrap decrypts one RSA-2048-OAEP ciphertext (SHA-256, empty label)
// under the device key.
func (dk *deviceKey) oaepUnwrap(ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), nil, dk.priv, ciphertext, nil)
	if err != nil {
		return nil, ncaerr.Wrap(ncaerr.TitleKeyUnwrapFailed, err, "rsa-oaep title-key unwrap")
	}
	return out, nil
}
