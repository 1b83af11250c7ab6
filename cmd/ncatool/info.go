package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nxdump/ncatool/pkg/cnmt"
	"github.com/nxdump/ncatool/pkg/nca"
	"github.com/nxdump/ncatool/pkg/pfs0"
	"github.com/nxdump/ncatool/pkg/source"
)

var infoCmd = &cobra.Command{
	Use:   "info <file.nca|file.ncz>",
	Short: "Parse and print NCA / CNMT metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInfo(args[0])
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(path string) error {
	ks, err := loadKeys()
	if err != nil {
		return err
	}

	var reader source.Reader
	var size int64
	if strings.HasSuffix(path, ".ncz") {
		reader, size, err = source.OpenNCZ(path)
	} else {
		var f *os.File
		f, err = os.Open(path)
		if err == nil {
			var info os.FileInfo
			if info, err = f.Stat(); err == nil {
				reader, size = f, info.Size()
			}
		}
	}
	if err != nil {
		return err
	}
	defer reader.Close()

	var contentID [0x10]byte
	if raw, err := hex.DecodeString(strings.SplitN(filepath.Base(path), ".", 2)[0]); err == nil && len(raw) == 0x10 {
		copy(contentID[:], raw)
	}

	ctx, err := nca.Open(reader, ks, nca.NewSharedScratch(), nca.OpenOptions{
		ContentID:   contentID,
		ContentSize: uint64(size),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Content ID:   %s\n", hexOf(ctx.ContentID()))
	fmt.Printf("Format:       NCA%s\n", formatName(ctx.Version()))
	fmt.Printf("Content Type: %s\n", contentTypeName(ctx.HeaderContentType()))
	fmt.Printf("Program ID:   %016x\n", ctx.ProgramID())
	fmt.Printf("Key Gen:      %d\n", ctx.KeyGeneration())
	if ctx.HasRightsID() {
		fmt.Printf("Rights ID:    %s\n", hexOf(ctx.RightsID()))
	}

	for i := 0; i < nca.NumFsSections; i++ {
		sec, err := ctx.Section(i)
		if err != nil || !sec.Enabled() {
			continue
		}
		off, sz := sec.Extents()
		fmt.Printf("Section %d:    %s, offset 0x%X, size 0x%X\n", i, sectionTypeName(sec.Type()), off, sz)
	}

	if ctx.HeaderContentType() != nca.ContentMeta {
		return nil
	}

	sec, err := ctx.Section(0)
	if err != nil {
		return err
	}
	fs, err := pfs0.OpenSection(sec)
	if err != nil {
		return err
	}
	meta, err := cnmt.Open(fs)
	if err != nil {
		return err
	}

	h := meta.Header()
	fmt.Printf("\nCNMT: title %016x v%d, %d content record(s)\n", h.TitleID, h.Version, h.ContentCount)
	for _, ci := range meta.ContentInfos() {
		fmt.Printf("  %s  %-16s  %d bytes\n", hex.EncodeToString(ci.ContentID[:]), cnmtTypeName(ci.ContentType), ci.Size)
	}
	return nil
}

func hexOf(id [0x10]byte) string { return hex.EncodeToString(id[:]) }

func formatName(v nca.FormatVersion) string {
	switch v {
	case nca.FormatV3:
		return "3"
	case nca.FormatV2:
		return "2"
	default:
		return "0"
	}
}

func contentTypeName(t nca.ContentType) string {
	switch t {
	case nca.ContentProgram:
		return "Program"
	case nca.ContentMeta:
		return "Meta"
	case nca.ContentControl:
		return "Control"
	case nca.ContentManual:
		return "Manual"
	case nca.ContentData:
		return "Data"
	case nca.ContentPublicData:
		return "PublicData"
	default:
		return "Unknown"
	}
}

func sectionTypeName(t nca.FsSectionType) string {
	switch t {
	case nca.SectionPartitionFs:
		return "PartitionFS"
	case nca.SectionRomFs:
		return "RomFS"
	case nca.SectionPatchRomFs:
		return "Patch RomFS"
	case nca.SectionV0RomFs:
		return "RomFS (NCA0)"
	default:
		return "Invalid"
	}
}

func cnmtTypeName(t cnmt.ContentType) string {
	switch t {
	case cnmt.ContentMeta:
		return "Meta"
	case cnmt.ContentProgram:
		return "Program"
	case cnmt.ContentData:
		return "Data"
	case cnmt.ContentControl:
		return "Control"
	case cnmt.ContentHtmlDocument:
		return "HtmlDocument"
	case cnmt.ContentLegalInformation:
		return "LegalInformation"
	case cnmt.ContentDeltaFragment:
		return "DeltaFragment"
	default:
		return "Unknown"
	}
}
