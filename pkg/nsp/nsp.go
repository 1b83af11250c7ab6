// Package nsp implements the NSP packaging pipeline: a two-pass
// PartitionFS assembly that streams each NCA chunk-by-chunk while
// splicing re-encrypted headers, hash-tree patches and content-metadata
// patches in flight, then emits XML/icon/ticket/cert artefacts and
// rewrites the header once all final content-ids are known.
package nsp

import (
	"sync/atomic"
)

// Sink is the output collaborator. It must support rewriting the stream
// prefix: the PartitionFS header is written twice.
type Sink interface {
	Write(p []byte) (int, error)
	Seek(offset int64) error
	Finalize() error
	Abort() error
}

// Progress publishes (bytes_written, total_size, cancellation) between
// the dumper goroutine and a UI goroutine. The zero value is ready to
// use.
type Progress struct {
	bytesWritten atomic.Int64
	totalSize    atomic.Int64
	cancelled    atomic.Bool
}

// BytesWritten returns the bytes streamed to the sink so far.
func (p *Progress) BytesWritten() int64 { return p.bytesWritten.Load() }

// TotalSize returns the final output size, available once the build
// starts.
func (p *Progress) TotalSize() int64 { return p.totalSize.Load() }

// Cancel requests a one-way abort, observed at the next chunk boundary.
func (p *Progress) Cancel() { p.cancelled.Store(true) }

// Cancelled reports whether an abort was requested.
func (p *Progress) Cancelled() bool { return p.cancelled.Load() }

func (p *Progress) add(n int64)      { p.bytesWritten.Add(n) }
func (p *Progress) setTotal(n int64) { p.totalSize.Store(n) }

// artifact is one non-NCA output file: an XML, an icon, a ticket or a
// certificate chain.
type artifact struct {
	name string
	data []byte
}

// ContentTypeCtx is the tagged variant attached to an NCA entry for
// per-type artefact emission. The CNMT variant lives on the Dump itself
// since it also patches the Meta NCA in flight; the remaining variants
// only contribute artefacts.
type ContentTypeCtx interface {
	// artifacts returns the files to append after the NCAs, named with
	// the content's final id.
	artifacts(contentIDHex string) []artifact
}

// ProgramInfoCtx emits the AuthoringTool program-info XML for a Program
// NCA.
type ProgramInfoCtx struct {
	XML []byte
}

func (c *ProgramInfoCtx) artifacts(id string) []artifact {
	return []artifact{{name: id + ".programinfo.xml", data: c.XML}}
}

// NacpIcon is one language's icon image from a Control NCA.
type NacpIcon struct {
	Language string
	Data     []byte
}

// NacpCtx emits a Control NCA's icons (in language order) followed by its
// NACP XML.
type NacpCtx struct {
	Icons []NacpIcon
	XML   []byte
}

func (c *NacpCtx) artifacts(id string) []artifact {
	out := make([]artifact, 0, len(c.Icons)+1)
	for _, icon := range c.Icons {
		out = append(out, artifact{name: id + ".nx." + icon.Language + ".jpg", data: icon.Data})
	}
	return append(out, artifact{name: id + ".nacp.xml", data: c.XML})
}

// LegalInfoCtx emits the legal-information XML from a Manual NCA.
type LegalInfoCtx struct {
	XML []byte
}

func (c *LegalInfoCtx) artifacts(id string) []artifact {
	return []artifact{{name: id + ".legalinfo.xml", data: c.XML}}
}
