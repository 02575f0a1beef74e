package storage

import (
	"context"
	"fmt"

	"github.com/fruitsalade/bubblemirror/internal/storage/local"
	s3backend "github.com/fruitsalade/bubblemirror/internal/storage/s3"
)

// Config selects and configures a backend.
type Config struct {
	Type  string // "local" or "s3"
	Local local.Config
	S3    s3backend.Config
}

// NewBackend creates a Backend from cfg.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", "local":
		return local.New(cfg.Local)
	case "s3":
		return s3backend.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
