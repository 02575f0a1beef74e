// Package cdn tracks which mirrored bundle serves which CDN account. The
// proxy registers an entry when a viewer loads bubble.json and resolves the
// shard directories the first time a model file is requested.
package cdn

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Shard kinds as they appear in CDN paths and binary frame type bytes.
const (
	KindGeometry = "g"
	KindMaterial = "m"
	KindTexture  = "t"
)

// Entry describes the mirror serving one account.
type Entry struct {
	Root      string `json:"root"`
	AccountID string `json:"accountId"`
	RefID     string `json:"refId"`
	URN       string `json:"urn"`

	// Filled in by Resolve.
	ViewRoot string `json:"viewRoot,omitempty"`
	RootPath string `json:"rootPath,omitempty"`
	G        string `json:"g,omitempty"`
	M        string `json:"m,omitempty"`
	T        string `json:"t,omitempty"`
}

// Resolved reports whether the shard directories are known.
func (e Entry) Resolved() bool {
	return e.G != ""
}

// ShardDir returns the directory holding shards of kind, or "" for an
// unknown kind or an unresolved entry.
func (e Entry) ShardDir(kind string) string {
	switch kind {
	case KindGeometry:
		return e.G
	case KindMaterial:
		return e.M
	case KindTexture:
		return e.T
	}
	return ""
}

// Registry maps account and reference IDs to entries. Entries are created
// lazily and live for the life of the process.
type Registry struct {
	repoPath string
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates a registry over the repository root. An empty
// repoPath means the working directory.
func NewRegistry(repoPath string, logger *zap.Logger) (*Registry, error) {
	if repoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repoPath = wd
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		repoPath: abs,
		logger:   logger,
		entries:  make(map[string]*Entry),
	}, nil
}

// RepoPath returns the absolute repository root.
func (r *Registry) RepoPath() string {
	return r.repoPath
}

// Register records that root serves accountID. The first registration of a
// refID wins; later calls return the existing entry unchanged. The entry
// is reachable under both refID and accountID.
func (r *Registry) Register(root, accountID, refID, urn string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[refID]; ok {
		return *e
	}
	e := &Entry{Root: root, AccountID: accountID, RefID: refID, URN: urn}
	r.entries[refID] = e
	r.entries[accountID] = e

	r.logger.Info("cdn registered",
		zap.String("root", root),
		zap.String("account_id", accountID),
		zap.String("ref_id", refID),
		zap.String("urn", urn))
	return *e
}

// Resolve fills in the directories of the entry registered under id, using
// samplePath (relative to the entry root) to locate the view. Directories
// are computed once.
func (r *Registry) Resolve(id, samplePath string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	if e.Resolved() {
		return *e, true
	}

	e.RootPath = filepath.Join(r.repoPath, e.Root)
	e.ViewRoot = filepath.Dir(filepath.Join(e.RootPath, filepath.FromSlash(samplePath)))
	shards := filepath.Join(e.RootPath, "cdn")
	e.G = filepath.Join(shards, KindGeometry)
	e.M = filepath.Join(shards, KindMaterial)
	e.T = filepath.Join(shards, KindTexture)

	r.logger.Debug("cdn resolved", zap.String("id", id), zap.String("root_path", e.RootPath))
	return *e, true
}

// Get returns a copy of the entry registered under id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of distinct entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Entry]struct{}, len(r.entries))
	for _, e := range r.entries {
		seen[e] = struct{}{}
	}
	return len(seen)
}
