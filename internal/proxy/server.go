// Package proxy serves mirrored bundles to a viewer: static files with the
// path rewrites the viewer expects, and a WebSocket relay for geometry,
// material and texture shards.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/cdn"
	"github.com/fruitsalade/bubblemirror/internal/logging"
	"github.com/fruitsalade/bubblemirror/internal/manifest"
	"github.com/fruitsalade/bubblemirror/internal/metrics"
)

// Defaults for Options.
const (
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultReapInterval  = time.Minute
	DefaultIdleTimeout   = time.Minute
	DefaultMaxErrors     = 100
	DefaultCacheSize     = 1024
)

const manifestPrefix = "/modeldata/manifest"

// Options configures a Server.
type Options struct {
	Registry *cdn.Registry
	Logger   *zap.Logger

	// Clock drives the flusher and reaper. Nil means the wall clock.
	Clock clock.Clock

	FlushInterval time.Duration
	ReapInterval  time.Duration
	IdleTimeout   time.Duration
	MaxErrors     int

	// CacheSize is the number of shard payloads kept in memory.
	CacheSize int
}

// Server is the asset proxy.
type Server struct {
	registry *cdn.Registry
	repoPath string
	relay    *Relay
	logger   *zap.Logger
}

// NewServer creates a proxy over the registry's repository root.
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("proxy: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	relay, err := newRelay(opts)
	if err != nil {
		return nil, fmt.Errorf("proxy: shard cache: %w", err)
	}
	return &Server{
		registry: opts.Registry,
		repoPath: opts.Registry.RepoPath(),
		relay:    relay,
		logger:   opts.Logger,
	}, nil
}

// Relay returns the WebSocket relay.
func (s *Server) Relay() *Relay {
	return s.relay
}

// Run drives the relay's periodic work until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.relay.Run(ctx)
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(metrics.Middleware(routeLabel))

	r.Get("/health", s.handleHealth)
	r.HandleFunc("/*", s.dispatch)
	return r
}

// routeLabel maps a request onto a metrics label.
func routeLabel(r *http.Request) string {
	p := r.URL.Path
	switch {
	case p == "/health":
		return "health"
	case r.Method == http.MethodOptions:
		return "options"
	case strings.Contains(p, "cdnws"):
		return "ws"
	case strings.HasSuffix(p, "/bubble.json"):
		return "bubble"
	case strings.HasSuffix(p, "/otg_model.json"):
		return "otg_model"
	case strings.Contains(p, "urn:adsk.fluent"):
		return "model_file"
	case strings.HasPrefix(p, "/cdn/"):
		return "cdn"
	}
	return "static"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"cdns":     s.registry.Len(),
		"sessions": s.relay.Sessions(),
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	p := cleanRequestPath(r.URL.Path)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if strings.Contains(p, "cdnws") {
		s.relay.ServeHTTP(w, r)
		return
	}
	if strings.HasSuffix(p, "/bubble.json") {
		s.serveBubble(w, r, p)
		return
	}

	rel, ok := s.rewrite(p)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.serveFile(w, r, rel)
}

// cleanRequestPath collapses repeated slashes in an already decoded path.
func cleanRequestPath(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// rewrite maps a viewer request onto a path under the repository root.
func (s *Server) rewrite(p string) (string, bool) {
	split := strings.Split(p, "/")

	switch {
	case strings.HasSuffix(p, ".js.map"):
		return p, true

	case strings.HasSuffix(p, "/otg_model.json"):
		if len(split) < 6 {
			return "", false
		}
		e, ok := s.registry.Resolve(split[4], lastSegments(split, 6))
		if !ok {
			return "", false
		}
		return path.Join(e.Root, strings.Join(split[5:], "/")), true

	case strings.Contains(p, "urn:adsk.fluent"):
		if len(split) < 5 {
			return "", false
		}
		e, ok := s.registry.Resolve(split[4], lastSegments(split, 6))
		if !ok {
			return "", false
		}
		switch len(split) {
		case 11:
			return path.Join(e.Root, lastSegments(split, 6)), true
		case 7:
			return path.Join(e.Root, "pdb", split[6]), true
		case 9:
			return path.Join(e.Root, split[5], split[6], split[7], split[8]), true
		}
		return p, true

	case strings.HasPrefix(p, "/cdn/"):
		// /cdn/<prefix>/<account>/<type>/<suffix>
		if len(split) < 6 {
			return "", false
		}
		e, ok := s.registry.Get(split[3])
		if !ok {
			return "", false
		}
		return path.Join(e.Root, "cdn", split[4], split[2], split[5]), true
	}
	return p, true
}

func lastSegments(split []string, n int) string {
	if len(split) < n {
		n = len(split)
	}
	return strings.Join(split[len(split)-n:], "/")
}

// serveBubble registers the bundle's CDN from its OTG manifest and serves
// the bubble. Anything that prevents registration is a 422.
func (s *Server) serveBubble(w http.ResponseWriter, r *http.Request, p string) {
	p = strings.TrimPrefix(p, manifestPrefix)
	file, ok := s.localPath(p)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if err := s.registerBubble(p, file); err != nil {
		logging.WithContext(r.Context()).Warn("bubble rejected", zap.String("path", p), zap.Error(err))
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	s.serveFile(w, r, p)
}

func (s *Server) registerBubble(p, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	root, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	otg, err := manifest.FindOTG(root)
	if err != nil {
		return err
	}
	accountID, refID := otg.Paths.AccountID(), otg.Paths.RefID()
	if accountID == "" || refID == "" {
		return fmt.Errorf("%w: missing account or reference id", manifest.ErrUnexpectedOTGManifest)
	}

	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	s.registry.Register(parts[0], accountID, refID, root.URN)
	return nil
}

// localPath maps a slash path onto the filesystem. Paths that climb out of
// the repository root are rejected.
func (s *Server) localPath(p string) (string, bool) {
	full := filepath.Join(s.repoPath, filepath.FromSlash(p))
	if full != s.repoPath && !strings.HasPrefix(full, s.repoPath+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p string) {
	full, ok := s.localPath(p)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	gzhttp.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})).ServeHTTP(w, r)
}
