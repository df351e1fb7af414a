package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cachepath"
	"github.com/sells-group/cachepath/internal/config"
	"github.com/sells-group/cachepath/scheme"
)

var cfg *config.Config

var (
	flagCacheDir    string
	flagLockTimeout time.Duration
	flagReadOnlyOK  bool
)

var rootCmd = &cobra.Command{
	Use:   "cachepath",
	Short: "Resolve URLs and local paths to cached files",
	Long:  "Downloads http(s)/s3/r2/gs/ftp/hf resources into a content-addressed local cache, with ETag freshness checks, cross-process locking, and optional archive extraction.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", "", "cache directory (default: user cache dir)")
	rootCmd.PersistentFlags().DurationVar(&flagLockTimeout, "lock-timeout", 0, "max time to wait for another writer's lock (0 waits forever)")
	rootCmd.PersistentFlags().BoolVar(&flagReadOnlyOK, "read-only-ok", false, "tolerate unwritable lock files on read-only cache mounts")
}

// newResolver builds a Resolver from config plus flag overrides.
func newResolver() (*cachepath.Resolver, error) {
	cacheDir := cfg.Cache.Dir
	if flagCacheDir != "" {
		cacheDir = flagCacheDir
	}
	lockTimeout := cfg.Cache.LockTimeout()
	if flagLockTimeout > 0 {
		lockTimeout = flagLockTimeout
	}

	registry := scheme.NewRegistry()
	registry.Register(func(resource string) (scheme.Client, error) {
		return scheme.NewHTTPClient(resource, scheme.HTTPOptions{
			UserAgent:  cfg.HTTP.UserAgent,
			Timeout:    cfg.HTTP.Timeout(),
			MaxRetries: cfg.HTTP.MaxRetries,
		})
	}, "http", "https")
	registry.Register(scheme.NewS3Client, "s3")
	registry.Register(scheme.NewR2Client, "r2")
	registry.Register(scheme.NewGSClient, "gs")
	registry.Register(func(resource string) (scheme.Client, error) {
		return scheme.NewFTPClient(resource, scheme.FTPOptions{})
	}, "ftp")

	return cachepath.New(cachepath.Options{
		CacheDir:    cacheDir,
		Registry:    registry,
		LockTimeout: lockTimeout,
		ReadOnlyOK:  flagReadOnlyOK || cfg.Cache.ReadOnlyOK,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
