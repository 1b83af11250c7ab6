// Package source provides random-access readers over one NCA's
// ciphertext, bound to a backing store. Backends cover a directory of
// installed content addressed by content-id, a raw gamecard image
// addressed by byte offset, and NCZ-compressed content presented
// transparently as NCA ciphertext.
package source

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nxdump/ncatool/pkg/ncaerr"
)

// Reader is the surface the NCA engine consumes: random access over one
// NCA's ciphertext. Close releases the backing handle.
type Reader interface {
	io.ReaderAt
	io.Closer
}

// Storage opens per-content readers against one backing store.
type Storage interface {
	// OpenByContentID opens the NCA with the given content-id, returning
	// the reader and the content size.
	OpenByContentID(id [0x10]byte) (Reader, int64, error)
}

// DirStorage is installed-content storage laid out as a flat directory of
// "<content-id-hex>.nca" (or ".cnmt.nca" for Meta NCAs) files, with
// ".ncz"/".cnmt.ncz" compressed twins picked up transparently.
type DirStorage struct {
	Root string
}

func (d DirStorage) OpenByContentID(id [0x10]byte) (Reader, int64, error) {
	idHex := hex.EncodeToString(id[:])
	for _, suffix := range []string{".nca", ".cnmt.nca"} {
		path := filepath.Join(d.Root, idHex+suffix)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, ncaerr.Wrap(ncaerr.IOError, err, "stat %q", path)
		}
		return f, info.Size(), nil
	}
	for _, suffix := range []string{".ncz", ".cnmt.ncz"} {
		path := filepath.Join(d.Root, idHex+suffix)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return OpenNCZ(path)
	}
	return nil, 0, ncaerr.New(ncaerr.IOError, "no content with id %s in %q", idHex, d.Root)
}

// ListContentIDs enumerates the content-ids present in the directory, Meta
// NCAs last so a dumper can open member contents before their CNMT.
func (d DirStorage) ListContentIDs() ([][0x10]byte, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, ncaerr.Wrap(ncaerr.IOError, err, "listing %q", d.Root)
	}
	var plain, meta [][0x10]byte
	for _, e := range entries {
		name := e.Name()
		isMeta := strings.HasSuffix(name, ".cnmt.nca") || strings.HasSuffix(name, ".cnmt.ncz")
		if !isMeta && !strings.HasSuffix(name, ".nca") && !strings.HasSuffix(name, ".ncz") {
			continue
		}
		idHex := name[:strings.IndexByte(name, '.')]
		raw, err := hex.DecodeString(idHex)
		if err != nil || len(raw) != 0x10 {
			continue
		}
		var id [0x10]byte
		copy(id[:], raw)
		if isMeta {
			meta = append(meta, id)
		} else {
			plain = append(plain, id)
		}
	}
	return append(plain, meta...), nil
}

// GamecardStorage exposes NCAs embedded in a raw gamecard image at known
// byte offsets.
type GamecardStorage struct {
	Raw io.ReaderAt
}

type sectionReader struct{ *io.SectionReader }

func (sectionReader) Close() error { return nil }

// OpenAt returns a reader over size bytes of the gamecard image starting
// at offset.
func (g GamecardStorage) OpenAt(offset, size int64) Reader {
	return sectionReader{io.NewSectionReader(g.Raw, offset, size)}
}
