package index

import (
	"context"
	"fmt"

	"github.com/fruitsalade/bubblemirror/internal/storage"
)

// Policy decides what happens to a file that already exists in the mirror.
type Policy string

const (
	// PolicyTrust skips any file that exists.
	PolicyTrust Policy = "trust"
	// PolicyVerify skips a file only if its bytes match the indexed digest.
	PolicyVerify Policy = "verify"
	// PolicyRefetch always downloads.
	PolicyRefetch Policy = "refetch"
)

// ParsePolicy validates a policy name. Empty means PolicyTrust.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyTrust:
		return PolicyTrust, nil
	case PolicyVerify, PolicyRefetch:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown existing-file policy %q", s)
	}
}

// Checker applies a Policy against a backend and an optional index.
type Checker struct {
	policy  Policy
	backend storage.Backend
	store   *Store
}

// NewChecker creates a Checker. store may be nil, in which case
// PolicyVerify cannot prove anything and behaves like PolicyRefetch.
func NewChecker(policy Policy, backend storage.Backend, store *Store) *Checker {
	return &Checker{policy: policy, backend: backend, store: store}
}

// Policy returns the configured policy.
func (c *Checker) Policy() Policy { return c.policy }

// Skip reports whether key can be left as is.
func (c *Checker) Skip(ctx context.Context, key string) (bool, error) {
	switch c.policy {
	case PolicyRefetch:
		return false, nil
	case PolicyVerify:
		if c.store == nil {
			return false, nil
		}
		rec, err := c.store.Get(ctx, key)
		if err != nil || rec == nil {
			return false, err
		}
		data, err := storage.ReadAll(ctx, c.backend, key)
		if err != nil {
			// Missing or unreadable: fetch again.
			return false, nil
		}
		return int64(len(data)) == rec.Size && Digest(data) == rec.Digest, nil
	default:
		return c.backend.ObjectExists(ctx, key)
	}
}

// Commit records data written under key. No-op without an index.
func (c *Checker) Commit(ctx context.Context, key string, data []byte) error {
	if c.store == nil {
		return nil
	}
	return c.store.Put(ctx, key, data)
}
