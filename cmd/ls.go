package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cachepath/internal/meta"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached resources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newResolver()
		if err != nil {
			return err
		}

		entries, err := os.ReadDir(r.CacheDir())
		if err != nil {
			return eris.Wrapf(err, "read cache directory %s", r.CacheDir())
		}

		var total int64
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), meta.Suffix) {
				continue
			}
			m, err := meta.Read(filepath.Join(r.CacheDir(), e.Name()))
			if err != nil {
				continue
			}
			total += m.Size
			fmt.Printf("%12d  %s\n              %s\n", m.Size, m.Resource, m.CachedPath)
		}
		fmt.Printf("total %d bytes\n", total)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <cached-path>",
	Short: "Print the metadata of a cached file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := meta.Read(meta.SidecarPath(args[0]))
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode metadata")
		}
		fmt.Println(string(b))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(inspectCmd)
}
