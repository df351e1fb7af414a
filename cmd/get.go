package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cachepath"
)

var (
	getExtract      bool
	getForceExtract bool
	getNoDownloads  bool
)

var getCmd = &cobra.Command{
	Use:   "get <identifier>...",
	Short: "Resolve identifiers to local cached paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		r, err := newResolver()
		if err != nil {
			return err
		}

		opts := cachepath.ResolveOptions{
			Extract:      getExtract,
			ForceExtract: getForceExtract,
			NoDownloads:  getNoDownloads,
		}

		paths := make([]string, len(args))
		g, gctx := errgroup.WithContext(ctx)
		for i, identifier := range args {
			g.Go(func() error {
				p, err := r.Resolve(gctx, identifier, opts)
				if err != nil {
					return err
				}
				paths[i] = p
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	},
}

func init() {
	getCmd.Flags().BoolVar(&getExtract, "extract", false, "extract zip/tar archives and print the extraction directory")
	getCmd.Flags().BoolVar(&getForceExtract, "force-extract", false, "re-extract even if the extraction directory exists")
	getCmd.Flags().BoolVar(&getNoDownloads, "no-downloads", false, "resolve from the cache only, never touch the network")
	rootCmd.AddCommand(getCmd)
}
