package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nxdump/ncatool/pkg/keyset"
)

var keysPath string

var rootCmd = &cobra.Command{
	Use:   "ncatool",
	Short: "Inspect NCA content archives and repack titles into NSPs",
	Long: `ncatool reads Nintendo Content Archives (NCA) from installed-content
directories (plain .nca or compressed .ncz) and reassembles complete
titles into canonical, installable NSP packages: content-metadata
records and hashes are rewritten to match the dumped bytes, tickets can
be stripped into standard crypto, and AuthoringTool-style XML metadata
is emitted alongside each content.

Commands:
  info    Parse and print NCA / CNMT metadata
  dump    Repack one title's NCA set into an NSP`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&keysPath, "keys", "k", "", "path to prod.keys (default: ./prod.keys, ~/.switch/prod.keys)")
}

// loadKeys loads the keyset from --keys or the default search locations.
func loadKeys() (*keyset.FileKeySet, error) {
	ks := keyset.NewFileKeySet()
	if keysPath != "" {
		return ks, ks.Load(keysPath)
	}
	return ks, ks.LoadDefault()
}
