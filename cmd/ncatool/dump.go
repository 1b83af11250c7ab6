package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nxdump/ncatool/pkg/cnmt"
	"github.com/nxdump/ncatool/pkg/keyset"
	"github.com/nxdump/ncatool/pkg/nca"
	"github.com/nxdump/ncatool/pkg/nsp"
	"github.com/nxdump/ncatool/pkg/pfs0"
	"github.com/nxdump/ncatool/pkg/source"
	"github.com/nxdump/ncatool/pkg/tik"
)

var (
	dumpOutput         string
	dumpStandardCrypto bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump <content-dir>",
	Short: "Repack one title's NCA set into an NSP",
	Long: `Reads a directory holding one title's contents as
<content-id>.nca / <content-id>.cnmt.nca files (compressed .ncz twins
are picked up transparently), plus optional <rights-id>.tik /
<rights-id>.cert files, and streams a canonical NSP.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(args[0])
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().StringVarP(&dumpOutput, "output", "o", "", "output NSP path (default: <title-id>.nsp)")
	dumpCmd.Flags().BoolVar(&dumpStandardCrypto, "standard-crypto", false, "remove titlekey crypto and strip the ticket")
}

func runDump(dir string) error {
	ks, err := loadKeys()
	if err != nil {
		return err
	}

	storage := source.DirStorage{Root: dir}
	ids, err := storage.ListContentIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no NCA content in %q", dir)
	}

	scratch := nca.NewSharedScratch()
	tikEngine := tik.NewEngine(ks, tik.Options{})

	// Locate and open the Meta NCA first; its CNMT drives everything
	// else.
	metaCtx, err := findMeta(storage, ks, scratch, ids)
	if err != nil {
		return err
	}

	metaSection, err := metaCtx.Section(0)
	if err != nil {
		return err
	}
	section0, err := pfs0.OpenSection(metaSection)
	if err != nil {
		return err
	}
	meta, err := cnmt.Open(section0)
	if err != nil {
		return err
	}

	fmt.Printf("Title %016x v%d (%d content record(s))\n", meta.Header().TitleID, meta.Header().Version, meta.Header().ContentCount)

	var ticket *tik.Ticket
	var certChain []byte
	var contents []*nsp.Content
	for _, ci := range meta.ContentInfos() {
		if ci.ContentType == cnmt.ContentDeltaFragment {
			continue
		}
		ctx, titleTicket, err := openContent(storage, ks, scratch, tikEngine, dir, ci)
		if err != nil {
			return err
		}
		if titleTicket != nil && ticket == nil {
			ticket = titleTicket
			certPath := filepath.Join(dir, ticket.RightsIDHex+".cert")
			if chain, err := os.ReadFile(certPath); err == nil {
				certChain = chain
			}
		}
		if dumpStandardCrypto {
			ctx.SetDownloadDistribution()
			if ctx.HasRightsID() {
				if err := ctx.RemoveTitlekeyCrypto(); err != nil {
					return err
				}
			}
		}
		contents = append(contents, &nsp.Content{
			NCA:        ctx,
			RecordType: ci.ContentType,
			IDOffset:   ci.IDOffset,
		})
	}

	if dumpStandardCrypto {
		metaCtx.SetDownloadDistribution()
		ticket, certChain = nil, nil
	}
	if ticket != nil && certChain == nil {
		fmt.Println("Warning: ticket found but no certificate chain; stripping ticket from output")
		ticket = nil
	}

	out := dumpOutput
	if out == "" {
		out = fmt.Sprintf("%016x.nsp", meta.Header().TitleID)
	}
	sink, err := nsp.CreateFileSink(out)
	if err != nil {
		return err
	}

	progress := &nsp.Progress{}
	done := make(chan struct{})
	go reportProgress(progress, done)

	err = nsp.Build(sink, &nsp.Dump{
		Contents:    contents,
		Meta:        &nsp.Content{NCA: metaCtx, RecordType: cnmt.ContentMeta},
		Cnmt:        meta,
		MetaSection: metaSection,
		Ticket:      ticket,
		CertChain:   certChain,
	}, nsp.Options{Progress: progress})
	close(done)
	if err != nil {
		return err
	}

	fmt.Printf("\nWrote %s (%d bytes)\n", out, progress.BytesWritten())
	return nil
}

// findMeta opens content ids until one parses as a Meta NCA.
func findMeta(storage source.DirStorage, ks keyset.KeyProvider, scratch *nca.CryptoScratch, ids [][0x10]byte) (*nca.Context, error) {
	for _, id := range ids {
		reader, size, err := storage.OpenByContentID(id)
		if err != nil {
			continue
		}
		ctx, err := nca.Open(reader, ks, scratch, nca.OpenOptions{
			ContentID:   id,
			ContentSize: uint64(size),
			ContentType: nca.ContentMeta,
		})
		if err != nil || ctx.HeaderContentType() != nca.ContentMeta {
			reader.Close()
			continue
		}
		return ctx, nil
	}
	return nil, fmt.Errorf("no Meta NCA found in content directory")
}

// openContent opens one CNMT record's NCA, retrieving its title-key from
// a loose <rights-id>.tik file when the content is titlekey-encrypted.
func openContent(storage source.DirStorage, ks keyset.KeyProvider, scratch *nca.CryptoScratch, tikEngine *tik.Engine, dir string, ci cnmt.ContentInfo) (*nca.Context, *tik.Ticket, error) {
	reader, size, err := storage.OpenByContentID(ci.ContentID)
	if err != nil {
		return nil, nil, err
	}

	opts := nca.OpenOptions{
		ContentID:   ci.ContentID,
		ContentSize: uint64(size),
		IDOffset:    uint32(ci.IDOffset),
	}
	ctx, err := nca.Open(reader, ks, scratch, opts)
	if err != nil {
		reader.Close()
		return nil, nil, err
	}
	if !ctx.HasRightsID() {
		return ctx, nil, nil
	}

	rightsID := ctx.RightsID()
	raw, err := os.ReadFile(filepath.Join(dir, hex.EncodeToString(rightsID[:])+".tik"))
	if err != nil {
		// No ticket: keep the degraded context so metadata still dumps.
		fmt.Printf("Warning: no ticket for rights-id %s; titlekey sections disabled\n", hex.EncodeToString(rightsID[:]))
		return ctx, nil, nil
	}
	ticket, err := tikEngine.FromRaw(raw)
	if err != nil {
		return nil, nil, err
	}

	// Reopen with the unwrapped title-key so CTR sections decrypt.
	opts.TitleKey = ticket.DecTitleKey[:]
	reader2, _, err := storage.OpenByContentID(ci.ContentID)
	if err != nil {
		return nil, nil, err
	}
	reader.Close()
	ctx, err = nca.Open(reader2, ks, scratch, opts)
	if err != nil {
		reader2.Close()
		return nil, nil, err
	}
	return ctx, ticket, nil
}

func reportProgress(p *nsp.Progress, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			total := p.TotalSize()
			if total == 0 {
				continue
			}
			fmt.Printf("\r%d / %d bytes (%.1f%%)", p.BytesWritten(), total, float64(p.BytesWritten())*100/float64(total))
		}
	}
}
