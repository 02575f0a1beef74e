package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/bubble"
	"github.com/fruitsalade/bubblemirror/internal/config"
	"github.com/fruitsalade/bubblemirror/internal/events"
	"github.com/fruitsalade/bubblemirror/internal/index"
	"github.com/fruitsalade/bubblemirror/internal/logging"
	"github.com/fruitsalade/bubblemirror/internal/storage"
	"github.com/fruitsalade/bubblemirror/internal/storage/local"
	s3backend "github.com/fruitsalade/bubblemirror/internal/storage/s3"
	"github.com/fruitsalade/bubblemirror/pkg/client"
)

type bundleKind int

const (
	kindSVF bundleKind = iota
	kindOTG
)

const viewablesKey = "viewables.json"

// fetch wires storage, index, client and progress reporting from cfg and
// mirrors one bundle.
func fetch(ctx context.Context, cfg *config.Config, urn string, kind bundleKind) error {
	logger := logging.Named("fetch")

	backend, err := storage.NewBackend(ctx, storage.Config{
		Type:  cfg.StorageBackend,
		Local: local.Config{RootPath: cfg.OutputDir, CreateDirs: true},
		S3: s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		},
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	var store *index.Store
	if cfg.IndexDSN != "" {
		store, err = index.Open(ctx, cfg.IndexDriver, cfg.IndexDSN)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer store.Close()
	}
	pol, err := index.ParsePolicy(cfg.ExistingFilePolicy)
	if err != nil {
		return err
	}

	tokens, err := newTokenProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if tokens == nil {
		logger.Warn("no credentials configured, requests are sent unauthenticated")
	}

	fl, err := bubble.ParseFlavor(cfg.Flavor)
	if err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster()
	if cfg.Progress {
		ch := broadcaster.Subscribe()
		done := make(chan struct{})
		go func() {
			logEvents(logger, ch)
			close(done)
		}()
		defer func() {
			broadcaster.Unsubscribe(ch)
			<-done
		}()
	}

	d, err := bubble.New(bubble.Options{
		Fetcher: client.New(client.Config{
			Tokens: tokens,
			Logger: logging.Named("client"),
		}),
		Storage:             backend,
		Checker:             index.NewChecker(pol, backend, store),
		Events:              broadcaster,
		Logger:              logging.Named("bubble"),
		DerivativeHost:      cfg.DerivativeHost,
		OTGHost:             cfg.OTGHost,
		CDNHost:             cfg.CDNHost,
		Flavor:              fl,
		ResolveConcurrency:  cfg.ResolveConcurrency,
		DownloadConcurrency: cfg.DownloadConcurrency,
		FetchConcurrency:    cfg.FetchConcurrency,
	})
	if err != nil {
		return err
	}

	logger.Info("starting download",
		zap.String("urn", urn),
		zap.String("storage", backend.Type()),
		zap.String("policy", string(pol)))

	start := time.Now()
	var res *bubble.Result
	switch kind {
	case kindOTG:
		res, err = d.DownloadOTG(ctx, urn)
	default:
		res, err = d.DownloadSVF(ctx, urn)
	}
	if err != nil {
		return err
	}

	if err := writeViewables(ctx, backend, res.Viewables); err != nil {
		logger.Error("failed to write viewables", zap.Error(err))
	}

	logger.Info("download finished",
		zap.String("urn", urn),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("viewables", len(res.Viewables)),
		zap.Duration("elapsed", time.Since(start)))

	if res.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", res.Failed, res.Failed+res.Succeeded)
	}
	return nil
}

// newTokenProvider prefers client credentials over a static token. It
// returns nil when neither is configured.
func newTokenProvider(ctx context.Context, cfg *config.Config) (client.TokenProvider, error) {
	if cfg.HasOAuth() {
		return client.NewOAuth2Token(ctx, client.OAuth2Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		})
	}
	if cfg.AccessToken != "" {
		return client.NewStaticToken(cfg.AccessToken), nil
	}
	return nil, nil
}

func writeViewables(ctx context.Context, backend storage.Backend, viewables []bubble.Viewable) error {
	if viewables == nil {
		viewables = []bubble.Viewable{}
	}
	data, err := json.MarshalIndent(viewables, "", "  ")
	if err != nil {
		return err
	}
	return storage.PutBytes(ctx, backend, viewablesKey, data)
}

// logEvents logs progress until ch is closed.
func logEvents(logger *zap.Logger, ch <-chan events.Event) {
	for e := range ch {
		switch e.Type {
		case events.EventPhase:
			logger.Info("phase", zap.String("urn", e.URN), zap.String("phase", e.Message))
		case events.EventError:
			logger.Warn("error", zap.String("path", e.Path), zap.String("error", e.Message))
		case events.EventProgress:
			logger.Debug("progress",
				zap.String("path", e.Path),
				zap.Int("done", e.Done),
				zap.Int("total", e.Total),
				zap.Float64("percent", e.Percent()))
		case events.EventDone:
			logger.Info("done", zap.String("urn", e.URN), zap.Int("done", e.Done), zap.Int("total", e.Total))
		}
	}
}
