// Package bubble mirrors a derivative bundle into a storage backend. The
// SVF flow walks the bubble, lists the files each derivative owns and
// fetches them; the OTG flow expands per-view model manifests and pointer
// files into shared asset fetches.
package bubble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/events"
	"github.com/fruitsalade/bubblemirror/internal/index"
	"github.com/fruitsalade/bubblemirror/internal/storage"
	"github.com/fruitsalade/bubblemirror/internal/taskrunner"
	"github.com/fruitsalade/bubblemirror/pkg/client"
)

// Default remote hosts.
const (
	DefaultDerivativeHost = "https://developer.api.autodesk.com"
	DefaultOTGHost        = "https://otg.autodesk.com"
	DefaultSVF2Host       = "https://cdn.derivative.autodesk.com"
)

// Flavor selects how OTG model data is addressed.
type Flavor string

const (
	// FlavorOTG encodes file paths with EncodeURI against the OTG host.
	FlavorOTG Flavor = "otg"
	// FlavorSVF2 encodes file paths with EncodeURIComponent against the CDN host.
	FlavorSVF2 Flavor = "svf2"
)

// ParseFlavor validates a flavor name. Empty means FlavorOTG.
func ParseFlavor(s string) (Flavor, error) {
	switch Flavor(strings.ToLower(s)) {
	case "", FlavorOTG:
		return FlavorOTG, nil
	case FlavorSVF2:
		return FlavorSVF2, nil
	}
	return "", fmt.Errorf("unknown flavor %q", s)
}

// Fetcher is the authenticated HTTP fetch primitive. *client.Client
// implements it.
type Fetcher interface {
	Get(ctx context.Context, r client.Request) (*client.Response, error)
}

// Options configures a Downloader.
type Options struct {
	Fetcher Fetcher
	Storage storage.Backend

	// Checker decides whether existing files are fetched again. Nil
	// trusts any file that exists.
	Checker *index.Checker

	// Events receives progress. Nil disables progress reporting.
	Events *events.Broadcaster
	Logger *zap.Logger

	DerivativeHost string
	OTGHost        string
	CDNHost        string
	Flavor         Flavor

	ResolveConcurrency  int
	DownloadConcurrency int
	FetchConcurrency    int
}

// Downloader mirrors bubbles. It holds no per-download state and may be
// reused across calls.
type Downloader struct {
	fetch   Fetcher
	store   storage.Backend
	checker *index.Checker
	events  *events.Broadcaster
	logger  *zap.Logger

	derivativeHost string
	otgHost        string
	cdnHost        string
	flavor         Flavor

	resolveConcurrency  int
	downloadConcurrency int
	fetchConcurrency    int
}

// New creates a Downloader.
func New(opts Options) (*Downloader, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("bubble: fetcher is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("bubble: storage backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Checker == nil {
		opts.Checker = index.NewChecker(index.PolicyTrust, opts.Storage, nil)
	}
	if opts.Flavor == "" {
		opts.Flavor = FlavorOTG
	}
	if opts.DerivativeHost == "" {
		opts.DerivativeHost = DefaultDerivativeHost
	}
	if opts.OTGHost == "" {
		opts.OTGHost = DefaultOTGHost
		if opts.Flavor == FlavorSVF2 {
			opts.OTGHost = DefaultSVF2Host
		}
	}
	if opts.CDNHost == "" {
		opts.CDNHost = opts.OTGHost
	}

	return &Downloader{
		fetch:               opts.Fetcher,
		store:               opts.Storage,
		checker:             opts.Checker,
		events:              opts.Events,
		logger:              opts.Logger,
		derivativeHost:      strings.TrimRight(opts.DerivativeHost, "/"),
		otgHost:             strings.TrimRight(opts.OTGHost, "/"),
		cdnHost:             strings.TrimRight(opts.CDNHost, "/"),
		flavor:              opts.Flavor,
		resolveConcurrency:  orDefault(opts.ResolveConcurrency, taskrunner.ResolveConcurrency),
		downloadConcurrency: orDefault(opts.DownloadConcurrency, taskrunner.DownloadConcurrency),
		fetchConcurrency:    orDefault(opts.FetchConcurrency, taskrunner.FetchConcurrency),
	}, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Viewable is an entry point a viewer can open.
type Viewable struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// Result summarizes one bundle download.
type Result struct {
	URN       string     `json:"urn"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Errors    []string   `json:"errors,omitempty"`
	Viewables []Viewable `json:"viewables,omitempty"`
	Models    []string   `json:"models,omitempty"`
	TotalSize int64      `json:"totalSize"`
}

func (d *Downloader) publish(e events.Event) {
	d.events.Publish(e)
}

func (d *Downloader) phase(urn, phase string) {
	d.publish(events.Event{Type: events.EventPhase, URN: urn, Message: phase})
}

// persist writes data under key and records it in the index.
func (d *Downloader) persist(ctx context.Context, key string, data []byte) error {
	if err := storage.PutBytes(ctx, d.store, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := d.checker.Commit(ctx, key, data); err != nil {
		d.logger.Warn("index update failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// persistJSON marshals v and writes it under key.
func (d *Downloader) persistJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return d.persist(ctx, key, data)
}

// isGzip sniffs the gzip magic bytes. Servers do not reliably declare
// the content encoding of derivative files.
func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// gunzip inflates data if it is gzip compressed and returns it unchanged
// otherwise.
func gunzip(data []byte) ([]byte, error) {
	if !isGzip(data) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return out, nil
}

// joinKey joins storage key segments into a clean relative key. Leading
// ".." segments cannot climb above the mirror root.
func joinKey(parts ...string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.Join(parts, "/")), "/")
}
