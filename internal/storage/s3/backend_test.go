package s3

import (
	"context"
	"testing"
)

func TestKeyPrefix(t *testing.T) {
	b := &S3Backend{prefix: "mirrors/v1"}
	if got := b.key("cdn/g/ab12/cd34"); got != "mirrors/v1/cdn/g/ab12/cd34" {
		t.Errorf("unexpected key %q", got)
	}

	b = &S3Backend{}
	if got := b.key("bubble.json"); got != "bubble.json" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
