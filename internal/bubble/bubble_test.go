package bubble

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/bubblemirror/internal/manifest"
	"github.com/fruitsalade/bubblemirror/internal/storage/local"
	"github.com/fruitsalade/bubblemirror/pkg/client"
)

const host = "https://host"

// fakeFetcher serves canned bodies by exact URL and records every request.
type fakeFetcher struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	fallback []byte
	fail     map[string]bool
	requests []client.Request
}

func newFake() *fakeFetcher {
	return &fakeFetcher{bodies: map[string][]byte{}, fail: map[string]bool{}}
}

func (f *fakeFetcher) Get(_ context.Context, r client.Request) (*client.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if f.fail[r.URL] {
		return nil, &client.StatusError{Code: 500, URL: r.URL}
	}
	if b, ok := f.bodies[r.URL]; ok {
		return &client.Response{Body: b}, nil
	}
	if f.fallback != nil && strings.Contains(r.URL, "/derivatives/") {
		return &client.Response{Body: f.fallback}, nil
	}
	return nil, &client.StatusError{Code: 404, URL: r.URL}
}

func (f *fakeFetcher) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.Contains(r.URL, substr) {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) reset() {
	f.mu.Lock()
	f.requests = nil
	f.mu.Unlock()
}

func newDownloader(t *testing.T, f Fetcher, flavor Flavor) (*Downloader, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "out")
	backend, err := local.New(local.Config{RootPath: root, CreateDirs: true})
	require.NoError(t, err)

	d, err := New(Options{
		Fetcher:        f,
		Storage:        backend,
		DerivativeHost: host,
		OTGHost:        host,
		Flavor:         flavor,
	})
	require.NoError(t, err)
	return d, root
}

func derivativeURL(urn string) string {
	return host + "/derivativeservice/v2/derivatives/" + manifest.EncodeURIComponent(urn)
}

func gz(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func svfPackage(t *testing.T, manifestJSON string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("manifest.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(manifestJSON))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestListEmptyMakesNoRequests(t *testing.T) {
	f := newFake()
	l := &Lister{Fetcher: f, Host: host}

	listing := l.List(context.Background(), nil)

	assert.Empty(t, listing.Items)
	assert.NotNil(t, listing.Items)
	assert.Zero(t, listing.TotalSize)
	assert.Empty(t, f.requests)
}

func TestDownloadSVFWithoutDerivatives(t *testing.T) {
	f := newFake()
	f.bodies[host+"/derivativeservice/v2/manifest/dXJu"] = []byte(`{"urn":"dXJu","children":[{"role":"viewable"}]}`)
	d, root := newDownloader(t, f, "")

	res, err := d.DownloadSVF(context.Background(), "dXJu")
	require.NoError(t, err)

	assert.Zero(t, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.TotalSize)
	assert.Len(t, f.requests, 1, "only the manifest is requested")
	assert.FileExists(t, filepath.Join(root, "bubble.json"))
}

const svfBubble = `{
  "urn": "dXJu",
  "children": [{
    "guid": "g1", "type": "geometry", "role": "3d", "name": "Model", "hasThumbnail": "true",
    "children": [
      {"guid": "g2", "role": "graphics", "mime": "application/autodesk-svf", "urn": "urn:adsk.viewing:fs.file:dXJu/output/1/model.svf"},
      {"guid": "g3", "role": "Autodesk.CloudPlatform.PropertyDatabase", "mime": "application/autodesk-db", "urn": "urn:adsk.viewing:fs.file:dXJu/output/1/model.sdb"}
    ]
  }]
}`

func svfFake(t *testing.T) *fakeFetcher {
	f := newFake()
	f.bodies[host+"/derivativeservice/v2/manifest/dXJu"] = []byte(svfBubble)
	f.bodies[derivativeURL("urn:adsk.viewing:fs.file:dXJu/output/1/model.svf")] = svfPackage(t, `{"assets":[
	  {"URI":"embed:/logo.png","size":7},
	  {"URI":"../../objects_attrs.json.gz","size":400},
	  {"URI":"0.pf","size":100},
	  {"URI":"1.pf","size":50}]}`)
	f.bodies[host+"/derivativeservice/v2/thumbnails/dXJu"] = []byte("png")
	f.fail[derivativeURL("urn:adsk.viewing:fs.file:dXJu/output/1/1.pf")] = true
	f.fallback = []byte("payload")
	return f
}

func TestDownloadSVF(t *testing.T) {
	f := svfFake(t)
	d, root := newDownloader(t, f, "")

	res, err := d.DownloadSVF(context.Background(), "dXJu")
	require.NoError(t, err)

	// svf + 2 pf, thumbnail, 5 db partitions + sdb
	assert.Equal(t, 9, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int64(150+400/4), res.TotalSize)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "failed to download file: 1/1.pf")
	assert.Equal(t, []Viewable{{Path: "./1/model.svf", Name: "Model"}}, res.Viewables)

	for _, name := range []string{"1/model.svf", "1/0.pf", "1/model.svf.png", "1/objects_ids.json.gz", "1/model.sdb"} {
		assert.FileExists(t, filepath.Join(root, name))
	}
	assert.NoFileExists(t, filepath.Join(root, "1/1.pf"))

	saved, err := os.ReadFile(filepath.Join(root, "bubble.json"))
	require.NoError(t, err)
	assert.Contains(t, string(saved), `"$file$/1/model.svf"`)

	var thumb client.Request
	for _, r := range f.requests {
		if strings.Contains(r.URL, "/thumbnails/") {
			thumb = r
		}
	}
	assert.Equal(t, "g1", thumb.Query.Get("guid"))
	assert.Equal(t, "400", thumb.Query.Get("width"))
	assert.Equal(t, "rendered", thumb.Query.Get("role"))
}

func TestDownloadSVFTrustsExistingFiles(t *testing.T) {
	f := svfFake(t)
	d, _ := newDownloader(t, f, "")
	ctx := context.Background()

	_, err := d.DownloadSVF(ctx, "dXJu")
	require.NoError(t, err)
	f.reset()

	res, err := d.DownloadSVF(ctx, "dXJu")
	require.NoError(t, err)
	assert.Equal(t, 9, res.Skipped)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, f.count("/thumbnails/"))
	assert.Zero(t, f.count(manifest.EncodeURIComponent("1/0.pf")))
}

func TestListF2D(t *testing.T) {
	f := newFake()
	sheet := gz(t, []byte(`{"assets":[{"URI":"../../objects_ids.json.gz","size":5},{"URI":"images/a.png","size":10}]}`))
	f.bodies[derivativeURL("urn:x/output/2/manifest.json.gz")] = sheet

	item := &manifest.Item{Mime: manifest.MimeF2D, URN: "urn:x/output/2/primaryGraphics.f2d", BasePath: "urn:x/output/2/", LocalPath: "2/", RootFileName: "primaryGraphics.f2d"}
	errs := &ErrorList{}
	l := &Lister{Fetcher: f, Host: host, Errors: errs}

	listing := l.List(context.Background(), []*manifest.Item{item})

	assert.Equal(t, []string{"manifest.json.gz", "images/a.png"}, item.Files)
	assert.Equal(t, int64(len(sheet)+10), listing.TotalSize)
	assert.Zero(t, errs.Len())
}

func TestListFailureKeepsCollectedFiles(t *testing.T) {
	f := newFake()
	item := &manifest.Item{Mime: manifest.MimeSVF, URN: "urn:x/output/1/m.svf", BasePath: "urn:x/output/1/", LocalPath: "1/", RootFileName: "m.svf"}
	db := &manifest.Item{Mime: manifest.MimeDB, RootFileName: "m.sdb"}
	errs := &ErrorList{}
	l := &Lister{Fetcher: f, Host: host, Errors: errs}

	l.List(context.Background(), []*manifest.Item{item, db})

	assert.Equal(t, []string{"m.svf"}, item.Files)
	assert.Len(t, db.Files, 6)
	require.Equal(t, 1, errs.Len())
	assert.Contains(t, errs.Messages()[0], "failed to download urn:x/output/1/m.svf")
	assert.True(t, errors.Is(errs.Err(), client.ErrNotFound))
}

func TestErrorListCombines(t *testing.T) {
	var l ErrorList
	assert.NoError(t, l.Err())

	l.Add(nil)
	l.Addf("first %d", 1)
	l.Add(ErrAuthFailure)

	assert.Equal(t, []string{"first 1", ErrAuthFailure.Error()}, l.Messages())
	assert.ErrorIs(t, l.Err(), ErrAuthFailure)
}

func TestParseFlavor(t *testing.T) {
	f, err := ParseFlavor("")
	require.NoError(t, err)
	assert.Equal(t, FlavorOTG, f)

	f, err = ParseFlavor("SVF2")
	require.NoError(t, err)
	assert.Equal(t, FlavorSVF2, f)

	_, err = ParseFlavor("svf3")
	assert.Error(t, err)
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "ver1/view1/otg_model.json", joinKey("/ver1/", "view1/otg_model.json"))
	assert.Equal(t, "pdb/avs.pack", joinKey("../../pdb/avs.pack"))
	assert.Equal(t, "cdn/g/0a0b/cd", joinKey("cdn", "g", "0a0b", "cd"))
}

// OTG fixtures.

const (
	sharedRoot  = "urn:adsk.fluent:fs.file:autodesk-360/REF"
	versionRoot = sharedRoot + "/ver1/"
)

func pointerFile(records ...[]byte) []byte {
	const stride = 20
	buf := make([]byte, stride*(1+len(records)))
	binary.LittleEndian.PutUint16(buf[0:2], stride)
	binary.LittleEndian.PutUint16(buf[2:4], 1)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(records)))
	for i, r := range records {
		copy(buf[(i+1)*stride:], r)
	}
	return buf
}

func hashOf(fill byte) []byte {
	h := make([]byte, 20)
	for i := range h {
		h[i] = fill
	}
	return h
}

func otgBubble(viewables int) string {
	child := `{"role":"viewable","guid":"v","otg_manifest":{
	  "account_id":"acct","project_id":"proj",
	  "paths":{"global_root":"$otg_cdn_urn$/ACC/","global_sharding":4,"version_root":"` + versionRoot + `","shared_root":"` + sharedRoot + `","region":"US"},
	  "views":{
	    "1":{"role":"graphics","mime":"application/autodesk-otg","urn":"view1/otg_model.json"},
	    "2":{"role":"Autodesk.AEC.ModelData","mime":"application/json","urn":"aec.json"}
	  }}}`
	children := make([]string, viewables)
	for i := range children {
		children[i] = child
	}
	return `{"urn":"dXJu","children":[` + strings.Join(children, ",") + `]}`
}

const otgModel = `{
  "manifest": {
    "assets": {
      "fragments": "fragments.fl",
      "materials_ptrs": "materials_ptrs.hl",
      "geometry_ptrs": "geometry_ptrs.hl",
      "texture_manifest": "texture_manifest.json",
      "pdb": {"avs": "../pdb/avs.pack", "dbid": "../pdb/dbid.idx"}
    },
    "shared_assets": {
      "geometry": "$otg_cdn_urn$/ACC/g",
      "materials": "$otg_cdn_urn$/ACC/m",
      "textures": "$otg_cdn_urn$/ACC/t",
      "pdb": {"attrs": "../pdb/attrs.json"}
    }
  },
  "stats": {"num_materials": 1, "num_geoms": 2, "num_textures": 1}
}`

func modelFile(rel string) string {
	return host + "/modeldata/file/" + versionRoot + manifest.EncodeURI(rel)
}

func cdnURL(prefix, kind, suffix string) string {
	return host + "/cdn/" + prefix + "/ACC/" + kind + "/" + suffix
}

func otgFake(t *testing.T) *fakeFetcher {
	f := newFake()
	f.bodies[host+"/modeldata/manifest/dXJu"] = []byte(otgBubble(1))
	f.bodies[modelFile("view1/otg_model.json")] = gz(t, []byte(otgModel))
	f.bodies[modelFile("aec.json")] = gz(t, []byte(`{"levels":[]}`))

	f.bodies[modelFile("view1/fragments.fl")] = gz(t, []byte("fragments"))
	f.bodies[modelFile("view1/materials_ptrs.hl")] = pointerFile(hashOf(0x01))
	f.bodies[modelFile("view1/geometry_ptrs.hl")] = gz(t, pointerFile(hashOf(0x02), hashOf(0x03)))
	f.bodies[modelFile("view1/texture_manifest.json")] = []byte(`{"wood.png":"` + strings.Repeat("ab", 20) + `"}`)
	f.bodies[modelFile("pdb/avs.pack")] = []byte("avs")
	f.bodies[modelFile("pdb/dbid.idx")] = []byte("dbid")
	f.bodies[host+"/modeldata/file/"+sharedRoot+manifest.EncodeURI("/ver1/pdb/attrs.json")] = gz(t, []byte(`{"attrs":[]}`))

	f.bodies[cdnURL("0101", "m", strings.Repeat("01", 18))] = gz(t, []byte(`{"materials":{}}`))
	f.bodies[cdnURL("0202", "g", strings.Repeat("02", 18))] = []byte("geom2")
	f.bodies[cdnURL("0303", "g", strings.Repeat("03", 18))] = []byte("<?xml version=\"1.0\"?><Error/>")
	f.bodies[cdnURL("abab", "t", strings.Repeat("ab", 18))] = []byte("texture")
	return f
}

func TestDownloadOTG(t *testing.T) {
	f := otgFake(t)
	d, root := newDownloader(t, f, FlavorOTG)

	res, err := d.DownloadOTG(context.Background(), "dXJu")
	require.NoError(t, err)

	// 2 views + 7 dependency files + 3 of 4 shards
	assert.Equal(t, 12, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"1"}, res.Models)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "cdn/g/0303/")
	assert.Contains(t, res.Errors[0], ErrAuthFailure.Error())

	for _, name := range []string{
		"ver1/bubble.json",
		"ver1/otg_manifest.json",
		"ver1/aec.json",
		"ver1/view1/fragments.fl",
		"ver1/pdb/avs.pack",
		"ver1/pdb/attrs.json",
		"cdn/m/0101/" + strings.Repeat("01", 18),
		"cdn/g/0202/" + strings.Repeat("02", 18),
		"cdn/t/abab/" + strings.Repeat("ab", 18),
	} {
		assert.FileExists(t, filepath.Join(root, name))
	}
	assert.NoFileExists(t, filepath.Join(root, "cdn/g/0303/"+strings.Repeat("03", 18)))

	frag, err := os.ReadFile(filepath.Join(root, "ver1/view1/fragments.fl"))
	require.NoError(t, err)
	assert.Equal(t, "fragments", string(frag), "binary files are stored inflated")

	var model map[string]any
	data, err := os.ReadFile(filepath.Join(root, "ver1/view1/otg_model.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &model))
	assert.Equal(t, "view1", model["__dirname__"])

	for _, r := range f.requests {
		if strings.Contains(r.URL, "/modeldata/file/") || strings.Contains(r.URL, "/cdn/") {
			assert.Equal(t, "dXJu", r.Query.Get("acmsession"), r.URL)
		}
	}
}

func TestDownloadOTGRejectsAmbiguousManifest(t *testing.T) {
	for _, n := range []int{0, 2} {
		f := newFake()
		f.bodies[host+"/modeldata/manifest/dXJu"] = []byte(otgBubble(n))
		d, _ := newDownloader(t, f, FlavorOTG)

		_, err := d.DownloadOTG(context.Background(), "dXJu")
		assert.ErrorIs(t, err, ErrUnexpectedOTGManifest, "%d viewables", n)
		assert.Len(t, f.requests, 1)
	}
}

func TestDependenciesDedupSharedPdb(t *testing.T) {
	var m manifest.ModelManifest
	require.NoError(t, json.Unmarshal([]byte(otgModel), &m))
	m.Dir = "view1"
	other := m
	other.Dir = "view1"

	r := &otgRun{
		Downloader: &Downloader{},
		root:       "/ver1/",
		otg: &manifest.OTGManifest{Paths: manifest.OTGPaths{
			VersionRoot: versionRoot,
			SharedRoot:  sharedRoot,
		}},
		models:    map[string]*manifest.ModelManifest{"1": &m, "2": &other},
		scheduled: map[string]bool{},
	}

	deps := r.dependencies()

	// Model 1: 4 scalar + 2 pdb + 1 shared pdb; model 2 only repeats its scalars.
	assert.Len(t, deps, 7+4)
	seen := map[string]int{}
	for _, dep := range deps {
		seen[dep.key]++
	}
	assert.Equal(t, 1, seen["ver1/pdb/avs.pack"])
	assert.Equal(t, 1, seen["ver1/pdb/attrs.json"])
	assert.Equal(t, 2, seen["ver1/view1/fragments.fl"])
}

func TestSVF2FileURL(t *testing.T) {
	r := &otgRun{Downloader: &Downloader{otgHost: host, flavor: FlavorSVF2}}
	assert.Equal(t, host+"/modeldata/file/urn%3Aa%2Fb%2Fview%2Fx.json", r.fileURL("urn:a/b/", "view/x.json"))

	r.flavor = FlavorOTG
	assert.Equal(t, host+"/modeldata/file/urn:a/b/view/x%20y.json", r.fileURL("urn:a/b/", "view/x y.json"))
}
