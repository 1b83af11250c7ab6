package tik_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/tik"
)

// fakeTicketSavefile serves ticket_list.bin / ticket.bin images.
type fakeTicketSavefile map[string][]byte

func (f fakeTicketSavefile) FileSize(path string) (int64, error) {
	b, ok := f[path]
	if !ok {
		return 0, fmt.Errorf("no file %q", path)
	}
	return int64(len(b)), nil
}

func (f fakeTicketSavefile) ReadFileAt(path string, p []byte, off int64) (int, error) {
	b, ok := f[path]
	if !ok {
		return 0, fmt.Errorf("no file %q", path)
	}
	if off >= int64(len(b)) {
		return 0, fmt.Errorf("offset %d past end", off)
	}
	return copy(p, b[off:]), nil
}

// buildSavefile lays a ticket at the given slot index, with filler slots
// before it and an all-FF terminator entry after the real list entries.
func buildSavefile(t *testing.T, ticketRaw []byte, rightsID [0x10]byte, slot int) fakeTicketSavefile {
	t.Helper()

	list := make([]byte, (slot+2)*0x20)
	for i := 0; i < slot; i++ {
		// Unrelated entries with distinct rights ids.
		list[i*0x20] = byte(0xE0 + i)
	}
	copy(list[slot*0x20:], rightsID[:])
	for i := 0; i < 0x10; i++ {
		list[(slot+1)*0x20+i] = 0xFF // terminator entry
	}

	bin := make([]byte, (slot+1)*0x400)
	copy(bin[slot*0x400:], ticketRaw)

	return fakeTicketSavefile{
		"/ticket_list.bin": list,
		"/ticket.bin":      bin,
	}
}

func TestRetrieveFromSavefile(t *testing.T) {
	rightsID := testRightsID()
	titleKeyBlock := make([]byte, 0x100)
	copy(titleKeyBlock, encTitleKey(t))
	raw := buildTicket(t, "Root-CA00000003-XS00000021", titleKeyBlock, tik.TitleKeyCommon, rightsID)

	e := tik.NewEngine(testKeys{}, tik.Options{
		Savefile: buildSavefile(t, raw, rightsID, 3),
	})

	ticket, err := e.RetrieveByRightsID(rightsID, false)
	require.NoError(t, err)
	assert.Equal(t, tik.TypeRsa2048, ticket.Type)
	assert.Equal(t, testDecTitleKey, ticket.DecTitleKey[:])
}

func TestRetrieveUnknownRightsID(t *testing.T) {
	rightsID := testRightsID()
	titleKeyBlock := make([]byte, 0x100)
	copy(titleKeyBlock, encTitleKey(t))
	raw := buildTicket(t, "Root-CA00000003-XS00000021", titleKeyBlock, tik.TitleKeyCommon, rightsID)

	e := tik.NewEngine(testKeys{}, tik.Options{
		Savefile: buildSavefile(t, raw, rightsID, 0),
	})

	var other [0x10]byte
	other[0] = 0x99
	_, err := e.RetrieveByRightsID(other, false)
	require.Error(t, err)
}

// fakeGamecard serves secure-partition entries by name.
type fakeGamecard map[string][]byte

func (f fakeGamecard) ReadEntry(name string) ([]byte, error) {
	b, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("no entry %q", name)
	}
	return b, nil
}

func TestRetrieveFromGamecard(t *testing.T) {
	rightsID := testRightsID()
	titleKeyBlock := make([]byte, 0x100)
	copy(titleKeyBlock, encTitleKey(t))
	raw := buildTicket(t, "Root-CA00000003-XS00000021", titleKeyBlock, tik.TitleKeyCommon, rightsID)

	e := tik.NewEngine(testKeys{}, tik.Options{
		Gamecard: fakeGamecard{"0102030405060708090a0b0c0d0e0f05.tik": raw},
	})

	ticket, err := e.RetrieveByRightsID(rightsID, true)
	require.NoError(t, err)
	assert.Equal(t, testDecTitleKey, ticket.DecTitleKey[:])
}

// fakeESMemory is a static ES data-segment snapshot.
type fakeESMemory []byte

func (f fakeESMemory) Snapshot() ([]byte, error) { return f, nil }

func TestRetrieveVolatileTicket(t *testing.T) {
	rightsID := testRightsID()
	titleKeyBlock := make([]byte, 0x100)
	copy(titleKeyBlock, encTitleKey(t))
	raw := buildTicket(t, "Root-CA00000003-XS00000021", titleKeyBlock, tik.TitleKeyCommon, rightsID)

	const slot = 2
	esKey := bytes.Repeat([]byte{0x77}, 16)

	// Encrypt the slot the way ES does: AES-CTR keyed from its in-memory
	// key entry, counter low half seeded with the slot offset.
	encrypted := make([]byte, 0x400)
	plain := make([]byte, 0x400)
	copy(plain, raw)
	stream, err := crypto.NewCTRStream(esKey, make([]byte, 16), slot*0x400)
	require.NoError(t, err)
	stream.XORKeyStream(encrypted, plain)

	sf := buildSavefile(t, encrypted, rightsID, slot)

	// ES memory: noise, then the paired {idx, key, ctr} records at an
	// 8-byte-aligned offset.
	mem := make([]byte, 0x200)
	for i := 0; i < 0x40; i++ {
		mem[i] = 0xD0
	}
	entry := mem[0x40:]
	binary.LittleEndian.PutUint32(entry[0:4], 0)
	copy(entry[4:20], esKey)
	binary.LittleEndian.PutUint32(entry[36:40], 1)
	copy(entry[40:56], esKey)

	e := tik.NewEngine(testKeys{}, tik.Options{
		Savefile: sf,
		ESMemory: fakeESMemory(mem),
	})

	ticket, err := e.RetrieveByRightsID(rightsID, false)
	require.NoError(t, err)
	assert.Equal(t, tik.TypeRsa2048, ticket.Type)
	assert.Equal(t, testDecTitleKey, ticket.DecTitleKey[:])
}

func TestVolatileTicketWithoutESMemory(t *testing.T) {
	rightsID := testRightsID()
	encrypted := make([]byte, 0x400)
	for i := range encrypted {
		encrypted[i] = byte(i * 13)
	}

	e := tik.NewEngine(testKeys{}, tik.Options{
		Savefile: buildSavefile(t, encrypted, rightsID, 0),
	})

	_, err := e.RetrieveByRightsID(rightsID, false)
	require.Error(t, err)
}
