// Package keyset implements the key-provider collaborator: an opaque,
// read-only, thread-safe source of header keys, key-area encryption keys,
// titlekeks, and the eTicket RSA device key. The engines never parse a
// keyfile themselves; they only call through the KeyProvider interface.
package keyset

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// KAEK index slots, matching the NCA key-area layout.
const (
	KaekApplication = 0
	KaekOcean       = 1
	KaekSystem      = 2
)

const numMasterKeys = 32

// KeyProvider is the read-only interface the NCA, ticket and certificate
// engines consume. Implementations MUST be safe for concurrent use by
// multiple goroutines.
type KeyProvider interface {
	// HeaderKey returns the two concatenated AES-128 keys (32 bytes total)
	// used for NCA header/FS-section-header AES-XTS.
	HeaderKey() ([32]byte, bool)

	// KeyAreaKey returns the direct, already-derived KAEK for a given
	// master-key generation and kaek index, when the provider has one.
	KeyAreaKey(gen, kaekIndex uint8) ([16]byte, bool)

	// KeyAreaKeySource returns the undecrypted KAEK source for kaekIndex,
	// used as-is as the slot key by the legacy v0 key-area fallback.
	KeyAreaKeySource(kaekIndex uint8) ([16]byte, bool)

	// Titlekek returns the titlekek for a master-key generation.
	Titlekek(gen uint8) ([16]byte, bool)

	// EticketRSADeviceKey returns the padded 0x240-byte device-key blob
	// used to unwrap personalised tickets.
	EticketRSADeviceKey() ([0x240]byte, bool)

	// EticketRSAKek returns the AES-CTR key used to decrypt the padded
	// device-key blob itself; personalizedVariant selects between the
	// "ticket 0x03" key generation index used for personalised vs common
	// conversion paths.
	EticketRSAKek(personalizedVariant bool) ([16]byte, bool)
}

// FileKeySet is a KeyProvider backed by the scene-standard flat
// "name = hex" keyfile format (prod.keys / keys.txt). It derives KAEKs and
// titlekeks for every master-key generation eagerly on Load, keeping all
// state on the instance so multiple keysets can coexist.
type FileKeySet struct {
	mu   sync.RWMutex
	raw  map[string][]byte
	kaek [numMasterKeys][3][]byte
	tkek [numMasterKeys][]byte
}

// NewFileKeySet returns an empty keyset. Call Load or LoadDefault to
// populate it.
func NewFileKeySet() *FileKeySet {
	return &FileKeySet{raw: make(map[string][]byte)}
}

// Load reads "name = hex" lines from path, merging into any keys already
// present, then re-derives the per-generation KAEK/titlekek tables.
func (k *FileKeySet) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return ncaerr.Wrap(ncaerr.IOError, err, "opening keyset file %q", path)
	}
	defer f.Close()

	k.mu.Lock()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		val, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		k.raw[name] = val
	}
	scanErr := scanner.Err()
	k.mu.Unlock()
	if scanErr != nil {
		return ncaerr.Wrap(ncaerr.IOError, scanErr, "reading keyset file %q", path)
	}

	k.derive()
	return nil
}

// LoadDefault searches the scene-standard default locations (current
// directory, then ~/.switch) for a keyfile, loading the first one found.
func (k *FileKeySet) LoadDefault() error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	candidates := []string{"prod.keys", "keys.txt"}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".switch", "prod.keys"),
			filepath.Join(home, ".switch", "keys.txt"),
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return k.Load(p)
		}
	}
	return ncaerr.New(ncaerr.KeyUnavailable, "no keyset file found in default locations")
}

func (k *FileKeySet) get(name string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.raw[name]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

// derive rebuilds the KAEK and titlekek tables for every master-key
// generation the loaded keyfile covers.
func (k *FileKeySet) derive() {
	k.mu.Lock()
	defer k.mu.Unlock()

	aesKekGen, ok1 := k.raw["aes_kek_generation_source"]
	aesKeyGen, ok2 := k.raw["aes_key_generation_source"]
	titlekekSource, hasTitlekekSource := k.raw["titlekek_source"]
	if !ok1 || !ok2 {
		return
	}

	sources := [3]string{
		"key_area_key_application_source",
		"key_area_key_ocean_source",
		"key_area_key_system_source",
	}

	for gen := 0; gen < numMasterKeys; gen++ {
		masterKey, ok := k.raw[fmt.Sprintf("master_key_%02x", gen)]
		if !ok {
			continue
		}

		if hasTitlekekSource {
			if tk, err := crypto.ECBDecrypt(titlekekSource, masterKey); err == nil {
				k.tkek[gen] = tk
			}
		}

		for idx, name := range sources {
			src, ok := k.raw[name]
			if !ok {
				continue
			}
			if kak, err := generateKek(src, masterKey, aesKekGen, aesKeyGen); err == nil {
				k.kaek[gen][idx] = kak
			}
		}
	}
}

// generateKek implements the standard Switch KEK-generation chain:
// decrypt the kek generation seed under the master key, then the kek source
// under that, then (optionally) a final key seed under the resulting KEK.
func generateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := crypto.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}
	srcKek, err := crypto.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}
	if keySeed != nil {
		return crypto.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

func (k *FileKeySet) HeaderKey() ([32]byte, bool) {
	var out [32]byte
	v, ok := k.get("header_key")
	if !ok || len(v) != 32 {
		return out, false
	}
	copy(out[:], v)
	return out, true
}

func (k *FileKeySet) KeyAreaKey(gen, kaekIndex uint8) ([16]byte, bool) {
	var out [16]byte
	if int(gen) >= numMasterKeys || int(kaekIndex) >= 3 {
		return out, false
	}
	k.mu.RLock()
	v := k.kaek[gen][kaekIndex]
	k.mu.RUnlock()
	if v == nil {
		return out, false
	}
	copy(out[:], v)
	return out, true
}

func (k *FileKeySet) KeyAreaKeySource(kaekIndex uint8) ([16]byte, bool) {
	var out [16]byte
	names := [3]string{
		"key_area_key_application_source",
		"key_area_key_ocean_source",
		"key_area_key_system_source",
	}
	if int(kaekIndex) >= len(names) {
		return out, false
	}
	v, ok := k.get(names[kaekIndex])
	if !ok || len(v) != 16 {
		return out, false
	}
	copy(out[:], v)
	return out, true
}

func (k *FileKeySet) Titlekek(gen uint8) ([16]byte, bool) {
	var out [16]byte
	if int(gen) >= numMasterKeys {
		return out, false
	}
	k.mu.RLock()
	v := k.tkek[gen]
	k.mu.RUnlock()
	if v == nil {
		return out, false
	}
	copy(out[:], v)
	return out, true
}

func (k *FileKeySet) EticketRSADeviceKey() ([0x240]byte, bool) {
	var out [0x240]byte
	v, ok := k.get("eticket_rsa_device_key")
	if !ok || len(v) != 0x240 {
		return out, false
	}
	copy(out[:], v)
	return out, true
}

func (k *FileKeySet) EticketRSAKek(personalizedVariant bool) ([16]byte, bool) {
	var out [16]byte
	name := "eticket_rsa_kek"
	if personalizedVariant {
		name = "eticket_rsa_kek_personalized"
	}
	v, ok := k.get(name)
	if !ok || len(v) != 16 {
		return out, false
	}
	copy(out[:], v)
	return out, true
}
