package cdn

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRegistry(dir, nil)
	require.NoError(t, err)
	return r, dir
}

func TestRegisterAliasesAccount(t *testing.T) {
	r, _ := newTestRegistry(t)

	e := r.Register("model1", "acct", "ref", "urn:1")
	assert.Equal(t, "model1", e.Root)
	assert.False(t, e.Resolved())

	byRef, ok := r.Get("ref")
	require.True(t, ok)
	byAcct, ok := r.Get("acct")
	require.True(t, ok)
	assert.Equal(t, byRef, byAcct)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterFirstWins(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Register("model1", "acct", "ref", "urn:1")
	e := r.Register("model2", "acct2", "ref", "urn:2")
	assert.Equal(t, "model1", e.Root)
	assert.Equal(t, "urn:1", e.URN)

	_, ok := r.Get("acct2")
	assert.False(t, ok)
}

func TestResolveComputesOnce(t *testing.T) {
	r, dir := newTestRegistry(t)
	r.Register("model1", "acct", "ref", "urn:1")

	e, ok := r.Resolve("acct", "output/views/0/otg_model.json")
	require.True(t, ok)
	root := filepath.Join(dir, "model1")
	assert.Equal(t, root, e.RootPath)
	assert.Equal(t, filepath.Join(root, "output", "views", "0"), e.ViewRoot)
	assert.Equal(t, filepath.Join(root, "cdn", "g"), e.ShardDir(KindGeometry))
	assert.Equal(t, filepath.Join(root, "cdn", "m"), e.ShardDir(KindMaterial))
	assert.Equal(t, filepath.Join(root, "cdn", "t"), e.ShardDir(KindTexture))
	assert.Empty(t, e.ShardDir("x"))

	again, ok := r.Resolve("ref", "elsewhere/file.json")
	require.True(t, ok)
	assert.Equal(t, e.ViewRoot, again.ViewRoot)
}

func TestResolveUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, ok := r.Resolve("nope", "a/b")
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("model1", "acct", "ref", "urn:1")

	e, _ := r.Get("ref")
	e.Root = "changed"

	again, _ := r.Get("ref")
	assert.Equal(t, "model1", again.Root)
}

func TestRegistryConcurrent(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("model1", "acct", "ref", "urn:1")
			r.Resolve("acct", "views/otg_model.json")
			r.Get("ref")
		}()
	}
	wg.Wait()

	e, ok := r.Get("ref")
	require.True(t, ok)
	assert.True(t, e.Resolved())
	assert.Equal(t, 1, r.Len())
}

func TestNewRegistryDefaultsToWorkingDirectory(t *testing.T) {
	r, err := NewRegistry("", nil)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(r.RepoPath()))
}
