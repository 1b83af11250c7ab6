package nsp

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/nxdump/ncatool/pkg/cnmt"
	"github.com/nxdump/ncatool/pkg/nca"
	"github.com/nxdump/ncatool/pkg/ncaerr"
	"github.com/nxdump/ncatool/pkg/pfs0"
	"github.com/nxdump/ncatool/pkg/tik"
)

// DefaultChunkSize is the streaming granularity of the NCA copy loop.
const DefaultChunkSize = 8 << 20

// Content is one member NCA of the title being dumped, tagged with the
// content type its CNMT record declares (driving both its output name and
// the record rewrite after hashing).
type Content struct {
	NCA        *nca.Context
	RecordType cnmt.ContentType
	IDOffset   byte
	TypeCtx    ContentTypeCtx // optional per-type artefact emitter
	Patches    []*nca.Patch   // pending hash-tree patches to splice in flight
}

// Dump is the full input set for one NSP: the member NCAs, the Meta NCA
// with its parsed CNMT, and the optional ticket/cert pair.
type Dump struct {
	Contents []*Content // non-Meta contents, in CNMT record order
	Meta     *Content   // the Meta NCA; RecordType must be ContentMeta

	Cnmt        *cnmt.Context
	MetaSection *nca.FsSectionContext // the Meta NCA's section 0, for CNMT patching

	Ticket    *tik.Ticket // nil when the title has no rights-id or tickets are stripped
	CertChain []byte
}

// Options tune one Build call.
type Options struct {
	ChunkSize int
	Progress  *Progress

	// CheckFreeSpace, when set, receives the exact total output size
	// before any I/O and may veto the dump.
	CheckFreeSpace func(total int64) error
}

// entryPlan records where each output file landed in the PartitionFS
// entry table, so renames at end-of-dump hit the right slot even though
// names sort differently.
type entryPlan struct {
	index   int
	content *Content
}

// Build streams the NSP to sink. On any error (including cancellation)
// the sink's Abort is invoked and the error returned; Finalize is called
// exactly once on success.
func Build(sink Sink, dump *Dump, opts Options) (err error) {
	defer func() {
		if err != nil {
			sink.Abort()
		}
	}()

	if dump.Meta == nil || dump.Cnmt == nil || dump.MetaSection == nil {
		return ncaerr.New(ncaerr.InvalidArgument, "dump is missing its meta nca or cnmt context")
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	progress := opts.Progress
	if progress == nil {
		progress = &Progress{}
	}

	builder := pfs0.NewBuilder()

	// Step 1: entry table with temporary names (the unpatched
	// content-ids). Offsets and sizes are final from the start; only
	// names change later, and a content-id rename is always
	// length-preserving.
	var ncaPlans []entryPlan
	for _, c := range dump.Contents {
		idx := builder.AddEntry(contentEntryName(c), c.NCA.ContentSize())
		ncaPlans = append(ncaPlans, entryPlan{index: idx, content: c})
	}
	metaIdx := builder.AddEntry(contentEntryName(dump.Meta), dump.Meta.NCA.ContentSize())

	// The CNMT XML is regenerated with final ids after streaming; every
	// field that changes is fixed-width, so the placeholder's length is
	// already exact.
	metaIDHex := hex.EncodeToString(idOf(dump.Meta))
	cnmtXML := dump.Cnmt.GenerateAuthoringToolXML(xmlEntries(dump))
	cnmtXMLIdx := builder.AddEntry(metaIDHex+".cnmt.xml", int64(len(cnmtXML)))

	type artifactPlan struct {
		index   int
		content *Content
		artIdx  int
	}
	var artPlans []artifactPlan
	for _, c := range append(append([]*Content{}, dump.Contents...), dump.Meta) {
		if c.TypeCtx == nil {
			continue
		}
		arts := c.TypeCtx.artifacts(hex.EncodeToString(idOf(c)))
		for i, a := range arts {
			idx := builder.AddEntry(a.name, int64(len(a.data)))
			artPlans = append(artPlans, artifactPlan{index: idx, content: c, artIdx: i})
		}
	}

	if dump.Ticket != nil {
		if len(dump.CertChain) == 0 {
			return ncaerr.New(ncaerr.InvalidArgument, "ticket supplied without a certificate chain")
		}
		builder.AddEntry(dump.Ticket.RightsIDHex+".tik", dump.Ticket.Size)
		builder.AddEntry(dump.Ticket.RightsIDHex+".cert", int64(len(dump.CertChain)))
	}

	headerSize := builder.HeaderSize()
	total := headerSize + builder.TotalDataSize()
	progress.setTotal(total)

	if opts.CheckFreeSpace != nil {
		if err := opts.CheckFreeSpace(total); err != nil {
			return ncaerr.Wrap(ncaerr.IOError, err, "free-space check rejected %d bytes", total)
		}
	}

	// Step 2: placeholder header. Entry geometry is final; names are not.
	headerBuf := make([]byte, headerSize)
	if _, err := builder.SerializeHeader(headerBuf); err != nil {
		return err
	}
	if err := writeAll(sink, headerBuf, progress); err != nil {
		return err
	}

	// Step 3: stream the member NCAs, then the Meta NCA.
	for _, plan := range ncaPlans {
		if err := streamNCA(sink, plan.content, nil, chunkSize, progress); err != nil {
			return err
		}
		if err := finishContent(builder, dump.Cnmt, plan); err != nil {
			return err
		}
	}

	// The Meta NCA goes last in the stream: its CNMT records now hold
	// every member's final id/hash, so the patch generated here reflects
	// the finished state.
	if err := dump.Cnmt.GenerateNcaPatch(dump.MetaSection); err != nil {
		return err
	}
	if err := streamNCA(sink, dump.Meta, dump.Cnmt, chunkSize, progress); err != nil {
		return err
	}
	metaIDHex = hex.EncodeToString(idOf(dump.Meta))
	if err := builder.UpdateEntryName(metaIdx, contentEntryName(dump.Meta)); err != nil {
		return err
	}

	// Step 4: regenerate the CNMT XML with final ids and rename its
	// entry to the Meta NCA's final content-id.
	cnmtXML = dump.Cnmt.GenerateAuthoringToolXML(xmlEntries(dump))
	if err := writeAll(sink, cnmtXML, progress); err != nil {
		return err
	}
	if err := builder.UpdateEntryName(cnmtXMLIdx, metaIDHex+".cnmt.xml"); err != nil {
		return err
	}

	// Step 5: per-type artefacts, renamed to final content-ids.
	for _, plan := range artPlans {
		arts := plan.content.TypeCtx.artifacts(hex.EncodeToString(idOf(plan.content)))
		a := arts[plan.artIdx]
		if err := writeAll(sink, a.data, progress); err != nil {
			return err
		}
		if err := builder.UpdateEntryName(plan.index, a.name); err != nil {
			return err
		}
	}

	// Step 6: ticket and certificate chain.
	if dump.Ticket != nil {
		if err := writeAll(sink, dump.Ticket.Data[:dump.Ticket.Size], progress); err != nil {
			return err
		}
		if err := writeAll(sink, dump.CertChain, progress); err != nil {
			return err
		}
	}

	// Step 7: rewind and write the final header over the placeholder.
	if err := sink.Seek(0); err != nil {
		return ncaerr.Wrap(ncaerr.IOError, err, "seeking to rewrite nsp header")
	}
	if _, err := builder.SerializeHeader(headerBuf); err != nil {
		return err
	}
	if _, err := sink.Write(headerBuf); err != nil {
		return ncaerr.Wrap(ncaerr.IOError, err, "rewriting nsp header")
	}

	if err := sink.Finalize(); err != nil {
		return ncaerr.Wrap(ncaerr.IOError, err, "finalizing nsp output")
	}
	return nil
}

// streamNCA copies one NCA into the sink in fixed-size chunks, splicing
// encrypted headers and pending patches when the context is dirty, and
// installs the fresh SHA-256 as the content's new id and hash.
func streamNCA(sink Sink, c *Content, metaCnmt *cnmt.Context, chunkSize int, progress *Progress) error {
	size := c.NCA.ContentSize()
	dirty := c.NCA.HeaderDirty() || len(c.Patches) > 0 || (metaCnmt != nil && metaCnmt.HasPendingPatch())

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	for off := int64(0); off < size; off += int64(chunkSize) {
		if progress.Cancelled() {
			return ncaerr.New(ncaerr.OperationCancelled, "dump cancelled")
		}
		n := int64(chunkSize)
		if rem := size - off; rem < n {
			n = rem
		}
		chunk := buf[:n]
		if _, err := c.NCA.ReadRaw(chunk, off); err != nil {
			return ncaerr.Wrap(ncaerr.IOError, err, "reading nca at %d", off)
		}
		if dirty {
			if err := c.NCA.SpliceEncryptedHeaders(chunk, off); err != nil {
				return err
			}
			for _, p := range c.Patches {
				if !p.Written && p.Intersects(off, n) {
					p.Apply(chunk, off)
				}
			}
			if metaCnmt != nil {
				metaCnmt.WriteNcaPatch(chunk, off)
			}
		}
		hasher.Write(chunk)
		if err := writeAll(sink, chunk, progress); err != nil {
			return err
		}
	}

	var digest [sha256.Size]byte
	copy(digest[:], hasher.Sum(nil))
	c.NCA.UpdateContentIDAndHash(digest)
	return nil
}

// finishContent propagates a freshly streamed NCA's identity into the
// CNMT record and the PartitionFS entry name.
func finishContent(builder *pfs0.Builder, meta *cnmt.Context, plan entryPlan) error {
	c := plan.content
	if !meta.UpdateContentInfo(c.RecordType, c.IDOffset, c.NCA.ContentID(), c.NCA.ContentHash()) {
		return ncaerr.New(ncaerr.FormatError, "no cnmt record matches content type %d id-offset %d", c.RecordType, c.IDOffset)
	}
	return builder.UpdateEntryName(plan.index, contentEntryName(c))
}

func contentEntryName(c *Content) string {
	id := idOf(c)
	suffix := ".nca"
	if c.RecordType == cnmt.ContentMeta {
		suffix = ".cnmt.nca"
	}
	return hex.EncodeToString(id) + suffix
}

func idOf(c *Content) []byte {
	id := c.NCA.ContentID()
	return id[:]
}

// xmlEntries projects the dump's current content identities into the CNMT
// XML's per-content entries.
func xmlEntries(dump *Dump) []cnmt.XMLContentEntry {
	all := append(append([]*Content{}, dump.Contents...), dump.Meta)
	out := make([]cnmt.XMLContentEntry, 0, len(all))
	for _, c := range all {
		out = append(out, cnmt.XMLContentEntry{
			Type:          c.RecordType,
			ContentID:     c.NCA.ContentID(),
			Size:          c.NCA.ContentSize(),
			Hash:          c.NCA.ContentHash(),
			KeyGeneration: c.NCA.KeyGeneration(),
			IDOffset:      c.IDOffset,
		})
	}
	return out
}

func writeAll(sink Sink, p []byte, progress *Progress) error {
	n, err := sink.Write(p)
	if err != nil {
		return ncaerr.Wrap(ncaerr.IOError, err, "writing to nsp sink")
	}
	if n != len(p) {
		return ncaerr.New(ncaerr.IOError, "short write: %d of %d bytes", n, len(p))
	}
	progress.add(int64(n))
	return nil
}
