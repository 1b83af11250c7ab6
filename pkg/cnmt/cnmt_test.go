package cnmt

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBlob assembles a packaged CNMT image from its parts, recomputing
// the trailing digest the way the SDK toolchain does.
func buildBlob(titleID uint64, version uint32, metaType MetaType, extHeader []byte, infos []ContentInfo, metaInfos []MetaInfo, extData []byte) []byte {
	var buf []byte
	header := make([]byte, 0x20)
	binary.LittleEndian.PutUint64(header[0:8], titleID)
	binary.LittleEndian.PutUint32(header[8:12], version)
	header[12] = byte(metaType)
	binary.LittleEndian.PutUint16(header[14:16], uint16(len(extHeader)))
	binary.LittleEndian.PutUint16(header[16:18], uint16(len(infos)))
	binary.LittleEndian.PutUint16(header[18:20], uint16(len(metaInfos)))
	buf = append(buf, header...)
	buf = append(buf, extHeader...)
	for i := range infos {
		entry := make([]byte, 0x38)
		infos[i].writeTo(entry)
		buf = append(buf, entry...)
	}
	for _, mi := range metaInfos {
		entry := make([]byte, 0x10)
		binary.LittleEndian.PutUint64(entry[0:8], mi.TitleID)
		binary.LittleEndian.PutUint32(entry[8:12], mi.Version)
		entry[12] = byte(mi.MetaType)
		buf = append(buf, entry...)
	}
	buf = append(buf, extData...)
	digest := sha256.Sum256(buf)
	return append(buf, digest[:]...)
}

func applicationExtHeader(patchID uint64, reqSysVer uint32) []byte {
	ext := make([]byte, 0x10)
	binary.LittleEndian.PutUint64(ext[0:8], patchID)
	binary.LittleEndian.PutUint32(ext[8:12], reqSysVer)
	return ext
}

func testInfos() []ContentInfo {
	program := ContentInfo{Size: 0x1000, ContentType: ContentProgram}
	control := ContentInfo{Size: 0x800, ContentType: ContentControl}
	for i := range program.ContentID {
		program.ContentID[i] = 0xAA
		control.ContentID[i] = 0xBB
	}
	return []ContentInfo{program, control}
}

func TestParseApplication(t *testing.T) {
	blob := buildBlob(0x0100000000001000, 0x20000, MetaApplication, applicationExtHeader(0x0100000000001800, 0x00500000), testInfos(), nil, nil)

	c, err := Parse(blob)
	require.NoError(t, err)

	h := c.Header()
	assert.Equal(t, uint64(0x0100000000001000), h.TitleID)
	assert.Equal(t, uint32(0x20000), h.Version)
	assert.Equal(t, MetaApplication, h.MetaType)
	assert.Equal(t, uint16(2), h.ContentCount)

	infos := c.ContentInfos()
	require.Len(t, infos, 2)
	assert.Equal(t, ContentProgram, infos[0].ContentType)
	assert.Equal(t, uint64(0x1000), infos[0].Size)

	rid, ok := c.RequiredTitleID()
	require.True(t, ok)
	assert.Equal(t, uint64(0x0100000000001800), rid)

	// The required version accessor indexes the field right
	// after the required title id.
	rv, ok := c.RequiredTitleVersion()
	require.True(t, ok)
	assert.Equal(t, uint32(0x00500000), rv)

	assert.False(t, c.Dirty())
}

func TestParseRejectsTruncated(t *testing.T) {
	blob := buildBlob(1, 1, MetaApplication, applicationExtHeader(2, 3), testInfos(), nil, nil)
	_, err := Parse(blob[:0x30])
	require.Error(t, err)

	_, err = Parse(blob[:0x10])
	require.Error(t, err)
}

func TestAddOnContentVariants(t *testing.T) {
	// Pre-15.0.0 layout: u64 app_id, u32 req_app_ver, 4 reserved.
	oldExt := make([]byte, 0x10)
	binary.LittleEndian.PutUint64(oldExt[0:8], 0x0100000000001000)
	binary.LittleEndian.PutUint32(oldExt[8:12], 0x30000)
	blob := buildBlob(0x0100000000002000, 1, MetaAddOnContent, oldExt, testInfos()[:1], nil, nil)
	c, err := Parse(blob)
	require.NoError(t, err)
	rid, ok := c.RequiredTitleID()
	require.True(t, ok)
	assert.Equal(t, uint64(0x0100000000001000), rid)
	rv, ok := c.RequiredTitleVersion()
	require.True(t, ok)
	assert.Equal(t, uint32(0x30000), rv)

	// 15.0.0+ layout appends accessibility and a data-patch id.
	newExt := make([]byte, 0x18)
	copy(newExt, oldExt[:0xC])
	binary.LittleEndian.PutUint64(newExt[0x10:0x18], 0x0100000000003000)
	blob = buildBlob(0x0100000000002000, 1, MetaAddOnContent, newExt, testInfos()[:1], nil, nil)
	c, err = Parse(blob)
	require.NoError(t, err)
	rid, ok = c.RequiredTitleID()
	require.True(t, ok)
	assert.Equal(t, uint64(0x0100000000001000), rid)
}

func TestSystemUpdateMetaInfoAndExtendedData(t *testing.T) {
	extData := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ext := make([]byte, 4)
	binary.LittleEndian.PutUint32(ext, uint32(len(extData)))
	metaInfos := []MetaInfo{{TitleID: 0x0100000000000816, Version: 0x50000, MetaType: MetaSystemProgram}}

	blob := buildBlob(0x0100000000000816, 2, MetaSystemUpdate, ext, nil, metaInfos, extData)
	c, err := Parse(blob)
	require.NoError(t, err)
	require.Len(t, c.MetaInfos(), 1)
	assert.Equal(t, uint64(0x0100000000000816), c.MetaInfos()[0].TitleID)
}

func TestUpdateContentInfoAndDigest(t *testing.T) {
	blob := buildBlob(1, 1, MetaApplication, applicationExtHeader(2, 3), testInfos(), nil, nil)
	c, err := Parse(blob)
	require.NoError(t, err)

	var newID [0x10]byte
	for i := range newID {
		newID[i] = 0xCC
	}
	newHash := sha256.Sum256([]byte("fresh content"))

	require.True(t, c.UpdateContentInfo(ContentProgram, 0, newID, newHash))
	assert.True(t, c.Dirty())

	// The rewrite must land in the raw blob, not just the parsed view.
	reparsed, err := Parse(c.RawData())
	require.NoError(t, err)
	assert.Equal(t, newID, reparsed.ContentInfos()[0].ContentID)
	assert.Equal(t, newHash, reparsed.ContentInfos()[0].Hash)

	// Unknown (type, id-offset) pairs are reported, not invented.
	assert.False(t, c.UpdateContentInfo(ContentData, 7, newID, newHash))

	c.RecomputeDigest()
	want := sha256.Sum256(c.RawData()[:len(c.RawData())-0x20])
	assert.Equal(t, want, c.Digest())
}

func TestGenerateAuthoringToolXML(t *testing.T) {
	blob := buildBlob(0x0100000000001000, 0x20000, MetaApplication, applicationExtHeader(0x0100000000001800, 0), testInfos(), nil, nil)
	c, err := Parse(blob)
	require.NoError(t, err)

	xml := string(c.GenerateAuthoringToolXML(nil))
	assert.True(t, strings.HasPrefix(xml, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n"))
	assert.Contains(t, xml, "<Type>Application</Type>")
	assert.Contains(t, xml, "<Id>0x0100000000001000</Id>")
	assert.Contains(t, xml, "<Type>Program</Type>")
	assert.Contains(t, xml, "<Id>aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa</Id>")
	assert.Contains(t, xml, "<PatchId>0x0100000000001800</PatchId>")
	assert.NotContains(t, xml, "\r\n")

	// Renaming content ids must not change the XML's length: the NSP
	// builder reserves the entry size before ids are final.
	entries := []XMLContentEntry{{
		Type:      ContentProgram,
		Size:      0x1000,
		Hash:      sha256.Sum256([]byte("x")),
		ContentID: [0x10]byte{0xFF, 0xEE},
	}}
	first := c.GenerateAuthoringToolXML(entries)
	entries[0].ContentID = [0x10]byte{0x01, 0x02, 0x03}
	entries[0].Hash = sha256.Sum256([]byte("y"))
	second := c.GenerateAuthoringToolXML(entries)
	assert.Equal(t, len(first), len(second))
}
