package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bubblemirror/internal/config"
	"github.com/fruitsalade/bubblemirror/pkg/client"
)

func testConfig(dir, host string) *config.Config {
	return &config.Config{
		StorageBackend:      "local",
		OutputDir:           dir,
		IndexDriver:         "sqlite",
		IndexDSN:            filepath.Join(dir, "index.db"),
		ExistingFilePolicy:  "verify",
		Flavor:              "otg",
		DerivativeHost:      host,
		ResolveConcurrency:  1,
		DownloadConcurrency: 1,
		FetchConcurrency:    1,
		Progress:            true,
	}
}

func TestFetchSVFWritesBubbleAndViewables(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`{"urn":"dXJu","children":[]}`))
	}))
	defer ts.Close()

	dir := t.TempDir()
	require.NoError(t, fetch(context.Background(), testConfig(dir, ts.URL), "dXJu", kindSVF))

	assert.Equal(t, []string{"/derivativeservice/v2/manifest/dXJu"}, paths)
	assert.FileExists(t, filepath.Join(dir, "bubble.json"))

	data, err := os.ReadFile(filepath.Join(dir, viewablesKey))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestFetchFailsOnMissingManifest(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	err := fetch(context.Background(), testConfig(t.TempDir(), ts.URL), "dXJu", kindSVF)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestNewTokenProvider(t *testing.T) {
	ctx := context.Background()

	tp, err := newTokenProvider(ctx, &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, tp)

	tp, err = newTokenProvider(ctx, &config.Config{AccessToken: "opaque"})
	require.NoError(t, err)
	tok, err := tp.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque", tok)

	tp, err = newTokenProvider(ctx, &config.Config{
		AccessToken:       "ignored",
		OAuthClientID:     "id",
		OAuthClientSecret: "secret",
		OAuthTokenURL:     "http://127.0.0.1:0/token",
	})
	require.NoError(t, err)
	assert.IsType(t, &client.OAuth2Token{}, tp)
}

func TestApplyFlagsOverridesOnlyChangedFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	require.NoError(t, cmd.Flags().Parse([]string{"--output", "/mirror", "-c", "4"}))

	c := &config.Config{OutputDir: ".", StorageBackend: "local", DownloadConcurrency: 10, FetchConcurrency: 10}
	applyFlags(cmd, c)

	assert.Equal(t, "/mirror", c.OutputDir)
	assert.Equal(t, "local", c.StorageBackend)
	assert.Equal(t, 4, c.DownloadConcurrency)
	assert.Equal(t, 4, c.FetchConcurrency)
}
