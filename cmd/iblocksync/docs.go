package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var docsFlags struct {
	dir    string
	format string
}

// docGenerators write the command tree rooted at root into dir.
var docGenerators = map[string]func(root *cobra.Command, dir string) error{
	"man": func(root *cobra.Command, dir string) error {
		return doc.GenManTree(root, &doc.GenManHeader{
			Title:   "IBLOCKSYNC",
			Section: "1",
			Source:  "iblocksync " + version,
			Manual:  "iblocksync manual",
		}, dir)
	},
	"markdown": doc.GenMarkdownTree,
	"rest":     doc.GenReSTTree,
}

var docsCmd = &cobra.Command{
	Use:    "gen-docs",
	Short:  "Write man pages or markdown for every command",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		gen, ok := docGenerators[docsFlags.format]
		if !ok {
			return fmt.Errorf("unknown format %q (use %s)", docsFlags.format,
				strings.Join(slices.Sorted(maps.Keys(docGenerators)), ", "))
		}
		if err := os.MkdirAll(docsFlags.dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", docsFlags.dir, err)
		}
		root := cmd.Root()
		root.DisableAutoGenTag = true
		return gen(root, docsFlags.dir)
	},
}

func init() {
	docsCmd.Flags().StringVar(&docsFlags.dir, "dir", "docs", "output directory")
	docsCmd.Flags().StringVar(&docsFlags.format, "format", "man", "output format: man, markdown or rest")
}
