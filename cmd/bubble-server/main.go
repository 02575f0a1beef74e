// Command bubble-server serves mirrored bundles to a viewer over HTTP and
// relays CDN shards over WebSockets.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/cdn"
	"github.com/fruitsalade/bubblemirror/internal/config"
	"github.com/fruitsalade/bubblemirror/internal/logging"
	"github.com/fruitsalade/bubblemirror/internal/metrics"
	"github.com/fruitsalade/bubblemirror/internal/proxy"
)

var (
	listenAddr  string
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:           "bubble-server [repos]",
	Short:         "Serve mirrored bundles and relay CDN shards",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		if len(args) == 1 {
			cfg.Repos = args[0]
		}
		if cmd.Flags().Changed("listen") {
			cfg.ListenAddr = listenAddr
		}
		if cmd.Flags().Changed("metrics") {
			cfg.MetricsAddr = metricsAddr
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Proxy listen address (LISTEN_ADDR)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Metrics listen address, empty to disable (METRICS_ADDR)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (LOG_LEVEL)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	registry, err := cdn.NewRegistry(cfg.Repos, logging.Named("cdn"))
	if err != nil {
		return fmt.Errorf("repository root: %w", err)
	}

	logging.Info("bubble-server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("repos", registry.RepoPath()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv, err := proxy.NewServer(proxy.Options{
		Registry:      registry,
		Logger:        logging.Named("proxy"),
		FlushInterval: cfg.FlushInterval,
		ReapInterval:  cfg.ReapInterval,
		IdleTimeout:   cfg.IdleTimeout,
		MaxErrors:     cfg.MaxSessionErrors,
		CacheSize:     cfg.ShardCacheSize,
	})
	if err != nil {
		return err
	}
	go srv.Run(ctx)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	go func() {
		<-ctx.Done()
		logging.Info("shutting down...")
		httpServer.Close()
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Fatal("bubble-server failed", zap.Error(err))
	}
}
