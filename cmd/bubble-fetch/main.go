// Command bubble-fetch mirrors a derivative bundle (SVF/F2D or OTG) into
// local or S3 storage so it can be served offline by bubble-server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/config"
	"github.com/fruitsalade/bubblemirror/internal/logging"
)

var (
	cfg *config.Config

	outputDir      string
	storageBackend string
	policy         string
	accessToken    string
	indexDSN       string
	flavor         string
	concurrency    int
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:           "bubble-fetch",
	Short:         "Mirror a derivative bundle into local or S3 storage",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return logging.Init(logging.Config{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var svfCmd = &cobra.Command{
	Use:   "svf <urn>",
	Short: "Mirror an SVF/F2D bundle with its thumbnails and property database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd.Context(), cfg, args[0], kindSVF)
	},
}

var otgCmd = &cobra.Command{
	Use:   "otg <urn>",
	Short: "Mirror an OTG bundle with its views and shared CDN assets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd.Context(), cfg, args[0], kindOTG)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&outputDir, "output", "o", "", "Mirror root for local storage (OUTPUT_DIR)")
	f.StringVar(&storageBackend, "storage", "", "Storage backend: local or s3 (STORAGE_BACKEND)")
	f.StringVar(&policy, "existing", "", "Existing file policy: trust, verify or refetch (EXISTING_FILE_POLICY)")
	f.StringVarP(&accessToken, "token", "t", "", "Static bearer token (ACCESS_TOKEN)")
	f.StringVar(&indexDSN, "index", "", "Mirror index DSN (INDEX_DSN)")
	f.StringVar(&flavor, "flavor", "", "OTG flavor: otg or svf2 (FLAVOR)")
	f.IntVarP(&concurrency, "concurrency", "c", 0, "Download concurrency (DOWNLOAD_CONCURRENCY)")
	f.StringVar(&logLevel, "log-level", "", "Log level (LOG_LEVEL)")

	rootCmd.AddCommand(svfCmd, otgCmd)
}

// applyFlags overrides config fields with flags set on the command line.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("output") {
		c.OutputDir = outputDir
	}
	if flags.Changed("storage") {
		c.StorageBackend = storageBackend
	}
	if flags.Changed("existing") {
		c.ExistingFilePolicy = policy
	}
	if flags.Changed("token") {
		c.AccessToken = accessToken
	}
	if flags.Changed("index") {
		c.IndexDSN = indexDSN
	}
	if flags.Changed("flavor") {
		c.Flavor = flavor
	}
	if flags.Changed("concurrency") {
		c.DownloadConcurrency = concurrency
		c.FetchConcurrency = concurrency
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Error("bubble-fetch failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
