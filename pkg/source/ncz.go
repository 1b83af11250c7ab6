package source

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/nxdump/ncatool/pkg/crypto"
	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// NCZ is the scene's zstd-compressed NCA container: the first 0x4000 bytes
// of the NCA are stored verbatim (ciphertext), followed by an NCZSECTN
// section list describing which byte ranges of the original file were
// encrypted (and with what key/counter), followed by either an NCZBLOCK
// random-access block table or one solid zstd stream. The compressed
// payload holds *decrypted* NCA bytes; presenting the file as plain NCA
// ciphertext therefore means decompress + re-encrypt on the fly.

const (
	magicNCZSECTN = "NCZSECTN"
	magicNCZBLOCK = "NCZBLOCK"

	nczHeaderRegionSize = 0x4000
	nczSectionEntrySize = 0x40
	nczBlockHeaderSize  = 0x18

	nczCryptoCtr  = 3
	nczCryptoBktr = 4
)

type nczSection struct {
	offset     int64
	size       int64
	cryptoType uint64
	key        [16]byte
	counter    [16]byte
}

type nczBlockTable struct {
	blockSize        int64
	decompressedSize int64
	offsets          []int64 // file offset of each stored block
	sizes            []uint32
}

// NCZReader presents an .ncz file as an io.ReaderAt of NCA ciphertext, so
// the NCA engine (and the whole NSP pipeline above it) can ingest
// compressed installed content without knowing compression was involved.
type NCZReader struct {
	mu sync.Mutex

	f        *os.File
	header   [nczHeaderRegionSize]byte
	sections []nczSection
	size     int64

	blocks *nczBlockTable

	// solid-stream state: a forward-only decoder that restarts on
	// backward seeks.
	solidDataOff int64
	dec          *zstd.Decoder
	decPos       int64 // decompressed bytes consumed so far

	lastBlockIdx  int
	lastBlockData []byte
}

// OpenNCZ opens path and parses the NCZ section and block tables,
// returning the reader plus the original NCA's size.
func OpenNCZ(path string) (Reader, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, ncaerr.Wrap(ncaerr.IOError, err, "opening ncz %q", path)
	}
	r, err := newNCZReader(f)
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return r, r.size, nil
}

func newNCZReader(f *os.File) (*NCZReader, error) {
	r := &NCZReader{f: f, lastBlockIdx: -1}
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, nczHeaderRegionSize), r.header[:]); err != nil {
		return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading ncz header region")
	}

	pos := int64(nczHeaderRegionSize)
	var sectHeader [0x10]byte
	if _, err := f.ReadAt(sectHeader[:], pos); err != nil {
		return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading NCZSECTN header")
	}
	if string(sectHeader[:8]) != magicNCZSECTN {
		return nil, ncaerr.New(ncaerr.FormatError, "invalid NCZSECTN magic %q", sectHeader[:8])
	}
	count := binary.LittleEndian.Uint64(sectHeader[8:])
	if count == 0 || count > 0x100 {
		return nil, ncaerr.New(ncaerr.FormatError, "implausible ncz section count %d", count)
	}
	pos += 0x10

	entry := make([]byte, nczSectionEntrySize)
	for i := uint64(0); i < count; i++ {
		if _, err := f.ReadAt(entry, pos); err != nil {
			return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading ncz section entry %d", i)
		}
		var s nczSection
		s.offset = int64(binary.LittleEndian.Uint64(entry[0:8]))
		s.size = int64(binary.LittleEndian.Uint64(entry[8:16]))
		s.cryptoType = binary.LittleEndian.Uint64(entry[16:24])
		copy(s.key[:], entry[32:48])
		copy(s.counter[:], entry[48:64])
		r.sections = append(r.sections, s)
		if end := s.offset + s.size; end > r.size {
			r.size = end
		}
		pos += nczSectionEntrySize
	}
	if r.size < nczHeaderRegionSize {
		return nil, ncaerr.New(ncaerr.FormatError, "ncz section list spans no data beyond the header region")
	}

	var blockMagic [8]byte
	if _, err := f.ReadAt(blockMagic[:], pos); err == nil && string(blockMagic[:]) == magicNCZBLOCK {
		bh := make([]byte, nczBlockHeaderSize)
		if _, err := f.ReadAt(bh, pos); err != nil {
			return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading NCZBLOCK header")
		}
		blockCount := binary.LittleEndian.Uint32(bh[0xC:0x10])
		bt := &nczBlockTable{
			blockSize:        1 << bh[0xB],
			decompressedSize: int64(binary.LittleEndian.Uint64(bh[0x10:0x18])),
			sizes:            make([]uint32, blockCount),
		}
		pos += nczBlockHeaderSize
		sizesRaw := make([]byte, int(blockCount)*4)
		if _, err := f.ReadAt(sizesRaw, pos); err != nil {
			return nil, ncaerr.Wrap(ncaerr.IOError, err, "reading ncz block size table")
		}
		pos += int64(len(sizesRaw))
		bt.offsets = make([]int64, blockCount)
		for i := range bt.sizes {
			bt.sizes[i] = binary.LittleEndian.Uint32(sizesRaw[i*4 : i*4+4])
			bt.offsets[i] = pos
			pos += int64(bt.sizes[i])
		}
		r.blocks = bt
	} else {
		r.solidDataOff = pos
	}

	return r, nil
}

func (r *NCZReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dec != nil {
		r.dec.Close()
		r.dec = nil
	}
	return r.f.Close()
}

// ReadAt returns NCA ciphertext bytes, re-encrypting decompressed plaintext
// for any range the section list declares encrypted.
func (r *NCZReader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if off < 0 {
		return 0, ncaerr.New(ncaerr.InvalidArgument, "negative offset %d", off)
	}
	total := 0
	for total < len(p) && off+int64(total) < r.size {
		cur := off + int64(total)
		var n int
		var err error
		if cur < nczHeaderRegionSize {
			n = copy(p[total:], r.header[cur:])
			if rem := r.size - cur; int64(n) > rem {
				n = int(rem)
			}
		} else {
			n, err = r.readData(p[total:], cur)
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// readData fills p with plaintext starting at absolute NCA offset cur,
// then re-encrypts the slices that fall inside encrypted sections.
func (r *NCZReader) readData(p []byte, cur int64) (int, error) {
	if rem := r.size - cur; int64(len(p)) > rem {
		p = p[:rem]
	}

	var n int
	var err error
	if r.blocks != nil {
		n, err = r.readBlockData(p, cur)
	} else {
		n, err = r.readSolidData(p, cur)
	}
	if err != nil || n == 0 {
		return n, err
	}

	if err := r.reencrypt(p[:n], cur); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *NCZReader) readBlockData(p []byte, cur int64) (int, error) {
	bt := r.blocks
	dataOff := cur - nczHeaderRegionSize
	idx := int(dataOff / bt.blockSize)
	if idx >= len(bt.sizes) {
		return 0, io.EOF
	}

	if idx != r.lastBlockIdx {
		rawLen := bt.blockSize
		if rem := bt.decompressedSize - int64(idx)*bt.blockSize; rem < rawLen {
			rawLen = rem
		}
		stored := make([]byte, bt.sizes[idx])
		if _, err := r.f.ReadAt(stored, bt.offsets[idx]); err != nil {
			return 0, ncaerr.Wrap(ncaerr.IOError, err, "reading ncz block %d", idx)
		}
		var block []byte
		if int64(len(stored)) >= rawLen {
			// Stored verbatim: compression didn't help for this block.
			block = stored[:rawLen]
		} else {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return 0, ncaerr.Wrap(ncaerr.FormatError, err, "creating zstd decoder")
			}
			block, err = dec.DecodeAll(stored, make([]byte, 0, rawLen))
			dec.Close()
			if err != nil {
				return 0, ncaerr.Wrap(ncaerr.FormatError, err, "decompressing ncz block %d", idx)
			}
		}
		r.lastBlockIdx = idx
		r.lastBlockData = block
	}

	inBlock := dataOff - int64(idx)*bt.blockSize
	if inBlock >= int64(len(r.lastBlockData)) {
		return 0, io.EOF
	}
	return copy(p, r.lastBlockData[inBlock:]), nil
}

func (r *NCZReader) readSolidData(p []byte, cur int64) (int, error) {
	dataOff := cur - nczHeaderRegionSize

	if r.dec == nil || dataOff < r.decPos {
		if r.dec != nil {
			r.dec.Close()
		}
		stat, err := r.f.Stat()
		if err != nil {
			return 0, ncaerr.Wrap(ncaerr.IOError, err, "stat ncz file")
		}
		src := io.NewSectionReader(r.f, r.solidDataOff, stat.Size()-r.solidDataOff)
		dec, err := zstd.NewReader(src)
		if err != nil {
			return 0, ncaerr.Wrap(ncaerr.FormatError, err, "creating zstd stream decoder")
		}
		r.dec = dec
		r.decPos = 0
	}

	if skip := dataOff - r.decPos; skip > 0 {
		if _, err := io.CopyN(io.Discard, r.dec, skip); err != nil {
			return 0, ncaerr.Wrap(ncaerr.FormatError, err, "seeking ncz solid stream")
		}
		r.decPos = dataOff
	}

	n, err := io.ReadFull(r.dec, p)
	r.decPos += int64(n)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, ncaerr.Wrap(ncaerr.FormatError, err, "reading ncz solid stream")
	}
	return n, nil
}

// reencrypt applies the section list's CTR crypto to plaintext destined
// for absolute NCA offset off, restoring the ciphertext a plain NCA file
// would hold at the same range.
func (r *NCZReader) reencrypt(buf []byte, off int64) error {
	end := off + int64(len(buf))
	for _, s := range r.sections {
		if s.cryptoType != nczCryptoCtr && s.cryptoType != nczCryptoBktr {
			continue
		}
		start, stop := s.offset, s.offset+s.size
		if start < off {
			start = off
		}
		if stop > end {
			stop = end
		}
		if start >= stop {
			continue
		}
		if err := ctrXorAt(buf[start-off:stop-off], s.key[:], s.counter[:], start); err != nil {
			return err
		}
	}
	return nil
}

// ctrXorAt XORs the CTR keystream for an arbitrary (not necessarily
// 16-byte-aligned) absolute offset into data in place.
func ctrXorAt(data, key, iv []byte, absOff int64) error {
	aligned := absOff &^ 0xF
	stream, err := crypto.NewCTRStream(key, iv, aligned)
	if err != nil {
		return ncaerr.Wrap(ncaerr.CryptoError, err, "building ctr stream")
	}
	if skip := int(absOff - aligned); skip > 0 {
		var pad [16]byte
		stream.XORKeyStream(pad[:skip], pad[:skip])
	}
	stream.XORKeyStream(data, data)
	return nil
}
