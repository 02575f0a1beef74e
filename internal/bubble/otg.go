package bubble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/events"
	"github.com/fruitsalade/bubblemirror/internal/manifest"
	"github.com/fruitsalade/bubblemirror/internal/metrics"
	"github.com/fruitsalade/bubblemirror/internal/shardhash"
	"github.com/fruitsalade/bubblemirror/internal/storage"
	"github.com/fruitsalade/bubblemirror/internal/taskrunner"
	"github.com/fruitsalade/bubblemirror/pkg/client"
)

var xmlPrefix = []byte("<?xml")

// otgRun is the state of one DownloadOTG call.
type otgRun struct {
	*Downloader

	urn    string
	otg    *manifest.OTGManifest
	root   string // remote_root_path, the mirror directory of the version
	errs   *ErrorList
	res    *Result
	models map[string]*manifest.ModelManifest

	// deps holds the fetched dependency payloads per model and asset key.
	deps map[string]map[string][]byte

	// scheduled dedups remote paths and shared assets within this call.
	scheduled map[string]bool
}

// dependency is one per-view file listed in a model manifest.
type dependency struct {
	model string
	asset string
	base  string // version_root or shared_root
	rel   string
	key   string
}

// sharedAsset is one shard on the CDN.
type sharedAsset struct {
	account string
	kind    string // g, m or t
	entry   shardhash.Entry
	json    bool
}

func (a sharedAsset) key() string {
	return joinKey("cdn", a.kind, a.entry.Prefix, a.entry.Suffix)
}

// DownloadOTG mirrors an OTG (or SVF2) bundle: the bubble, the per-view
// model manifests and their dependency files, then the geometry, material
// and texture shards they reference.
func (d *Downloader) DownloadOTG(ctx context.Context, urn string) (*Result, error) {
	start := time.Now()
	run := &otgRun{
		Downloader: d,
		urn:        urn,
		errs:       &ErrorList{},
		res:        &Result{URN: urn},
		models:     make(map[string]*manifest.ModelManifest),
		deps:       make(map[string]map[string][]byte),
		scheduled:  make(map[string]bool),
	}

	d.phase(urn, events.PhaseManifest)
	if err := run.loadBubble(ctx); err != nil {
		return nil, err
	}

	d.phase(urn, events.PhaseModels)
	run.loadViews(ctx)
	run.fetchDependencies(ctx)

	d.phase(urn, events.PhaseSharedAssets)
	run.fetchSharedAssets(ctx)

	res := run.res
	res.Errors = run.errs.Messages()
	metrics.RecordBundle(string(d.flavor), time.Since(start))
	d.publish(events.Event{Type: events.EventDone, URN: urn, Done: res.Succeeded, Total: res.Succeeded + res.Failed})
	d.logger.Info("download complete",
		zap.String("urn", urn),
		zap.String("flavor", string(d.flavor)),
		zap.Strings("models", res.Models),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func (r *otgRun) request(rawURL string) client.Request {
	return client.Request{
		URL:    rawURL,
		Query:  url.Values{"acmsession": {r.urn}},
		Header: http.Header{"Pragma": {"no-cache"}},
	}
}

// fileURL addresses a per-view file relative to a version or shared root.
func (r *otgRun) fileURL(base, rel string) string {
	if r.flavor == FlavorSVF2 {
		return r.otgHost + "/modeldata/file/" + manifest.EncodeURIComponent(base) + manifest.EncodeURIComponent(rel)
	}
	return r.otgHost + "/modeldata/file/" + base + manifest.EncodeURI(rel)
}

// get fetches a model data file and rejects XML error bodies.
func (r *otgRun) get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := r.fetch.Get(ctx, r.request(rawURL))
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(resp.Body, xmlPrefix) {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrAuthFailure)
	}
	return resp.Body, nil
}

func (r *otgRun) loadBubble(ctx context.Context) error {
	resp, err := r.fetch.Get(ctx, client.Request{
		URL:    r.otgHost + "/modeldata/manifest/" + manifest.EncodeURIComponent(r.urn),
		Header: http.Header{"Pragma": {"no-cache"}},
	})
	if err != nil {
		return fmt.Errorf("fetch manifest %s: %w", r.urn, err)
	}
	bubble, err := manifest.Parse(resp.Body)
	if err != nil {
		return err
	}
	otg, err := manifest.FindOTG(bubble)
	if err != nil {
		return err
	}
	r.otg = otg
	r.root = otg.RemoteRootPath()

	// Saving the manifests does not block the download.
	saves := []struct {
		name string
		data []byte
	}{
		{"bubble.json", resp.Body},
		{"otg_manifest.json", otg.Raw},
	}
	for _, s := range saves {
		if err := r.persist(ctx, joinKey(r.root, s.name), s.data); err != nil {
			r.logger.Error("failed to save manifest", zap.String("file", s.name), zap.Error(err))
			r.errs.Add(err)
		}
	}
	return nil
}

// loadViews fetches every view manifest and keeps the OTG models.
func (r *otgRun) loadViews(ctx context.Context) {
	keys := r.otg.ViewKeys()
	tasks := make([]taskrunner.Task[*manifest.ModelManifest], len(keys))
	for i, k := range keys {
		view := r.otg.Views[k]
		tasks[i] = func(ctx context.Context) (*manifest.ModelManifest, error) {
			return r.loadView(ctx, view)
		}
	}
	results := taskrunner.Run(ctx, r.fetchConcurrency, tasks)

	for i, res := range results {
		k := keys[i]
		if res.Err != nil {
			r.fail(fmt.Errorf("view %s: %w", k, res.Err))
			continue
		}
		r.res.Succeeded++
		if r.otg.Views[k].IsModel() {
			r.models[k] = res.Value
			r.res.Models = append(r.res.Models, k)
			r.res.Viewables = append(r.res.Viewables, Viewable{
				Path: "./" + joinKey(r.root, r.otg.Views[k].URN),
				Name: k,
			})
		}
	}

	// placement.json is not present for every model.
	data, err := r.get(ctx, r.fileURL(r.otg.Paths.VersionRoot, "placement.json"))
	if err == nil {
		data, err = gunzip(data)
	}
	if err == nil {
		err = r.persist(ctx, joinKey(r.root, "placement.json"), data)
	}
	if err != nil {
		r.logger.Debug("no placement", zap.String("urn", r.urn), zap.Error(err))
	}
}

func (r *otgRun) loadView(ctx context.Context, view manifest.OTGView) (*manifest.ModelManifest, error) {
	body, err := r.get(ctx, r.fileURL(r.otg.Paths.VersionRoot, view.URN))
	if err != nil {
		return nil, err
	}
	body, err = gunzip(body)
	if err != nil {
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("view manifest %s: %w", view.URN, err)
	}
	doc["__dirname__"], _ = json.Marshal(path.Dir(view.URN))
	tagged, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := r.persist(ctx, joinKey(r.root, view.URN), tagged); err != nil {
		return nil, err
	}

	var m manifest.ModelManifest
	if err := json.Unmarshal(tagged, &m); err != nil {
		return nil, fmt.Errorf("view manifest %s: %w", view.URN, err)
	}
	return &m, nil
}

func (r *otgRun) fail(err error) {
	r.res.Failed++
	r.logger.Warn("download failed", zap.String("urn", r.urn), zap.Error(err))
	r.errs.Add(err)
	r.publish(events.Event{Type: events.EventError, URN: r.urn, Message: err.Error()})
}

func (r *otgRun) modelKeys() []string {
	keys := make([]string, 0, len(r.models))
	for k := range r.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// dependencies lists the per-view files of every model. pdb groups and
// shared pdb files are requested once per call.
func (r *otgRun) dependencies() []dependency {
	var deps []dependency
	for _, model := range r.modelKeys() {
		m := r.models[model]
		if m.Manifest.Assets == nil {
			r.logger.Warn("model manifest has no assets", zap.String("view", model))
			continue
		}

		for _, asset := range m.Assets() {
			if asset.Group == nil {
				rel := path.Join(m.Dir, asset.Path)
				deps = append(deps, dependency{
					model: model, asset: asset.Key,
					base: r.otg.Paths.VersionRoot, rel: rel,
					key: joinKey(r.root, rel),
				})
				continue
			}
			for _, k := range manifest.SortedKeys(asset.Group) {
				rel := path.Join(m.Dir, asset.Group[k])
				if r.claim(r.otg.Paths.VersionRoot + rel) {
					deps = append(deps, dependency{
						model: model, asset: k,
						base: r.otg.Paths.VersionRoot, rel: rel,
						key: joinKey(r.root, rel),
					})
				}
			}
		}

		pdb := m.Manifest.SharedAssets.Pdb
		for _, k := range manifest.SortedKeys(pdb) {
			rel := path.Join(r.root, m.Dir, pdb[k])
			if r.claim(r.otg.Paths.SharedRoot + rel) {
				deps = append(deps, dependency{
					model: model, asset: k,
					base: r.otg.Paths.SharedRoot, rel: rel,
					key: joinKey(r.root, path.Join(m.Dir, pdb[k])),
				})
			}
		}
	}
	return deps
}

// claim marks id as scheduled and reports whether it was new.
func (r *otgRun) claim(id string) bool {
	if r.scheduled[id] {
		return false
	}
	r.scheduled[id] = true
	return true
}

type depResult struct {
	data    []byte
	skipped bool
}

func (r *otgRun) fetchDependencies(ctx context.Context) {
	deps := r.dependencies()
	var done atomic.Int64
	tasks := make([]taskrunner.Task[depResult], len(deps))
	for i, dep := range deps {
		tasks[i] = func(ctx context.Context) (depResult, error) {
			res, err := r.fetchDependency(ctx, dep)
			r.progress(dep.key, int(done.Add(1)), len(deps))
			return res, err
		}
	}
	results := taskrunner.Run(ctx, r.fetchConcurrency, tasks)

	for i, res := range results {
		dep := deps[i]
		if res.Err != nil {
			metrics.RecordFile("dependency", "failed")
			r.fail(fmt.Errorf("failed to download file: %s: %w", dep.key, res.Err))
			continue
		}
		r.res.Succeeded++
		if res.Value.skipped {
			r.res.Skipped++
		}
		if r.deps[dep.model] == nil {
			r.deps[dep.model] = make(map[string][]byte)
		}
		r.deps[dep.model][dep.asset] = res.Value.data
	}
}

func (r *otgRun) progress(key string, done, total int) {
	r.publish(events.Event{Type: events.EventProgress, URN: r.urn, Path: key, Done: done, Total: total})
}

// fetchDependency returns the inflated payload. Files already in the
// mirror are read back instead, since phase two needs their content.
func (r *otgRun) fetchDependency(ctx context.Context, dep dependency) (depResult, error) {
	if skip, _ := r.checker.Skip(ctx, dep.key); skip {
		if data, err := storage.ReadAll(ctx, r.store, dep.key); err == nil {
			metrics.RecordFile("dependency", "skipped")
			return depResult{data: data, skipped: true}, nil
		}
	}

	body, err := r.get(ctx, r.fileURL(dep.base, dep.rel))
	if err != nil {
		return depResult{}, err
	}
	data, err := gunzip(body)
	if err != nil {
		return depResult{}, err
	}
	if path.Ext(dep.rel) == ".json" && !json.Valid(data) {
		return depResult{}, fmt.Errorf("%s: invalid JSON", dep.rel)
	}
	if err := r.persist(ctx, dep.key, data); err != nil {
		return depResult{}, err
	}
	metrics.RecordFile("dependency", "fetched")
	return depResult{data: data}, nil
}

// sharedAssets expands pointer files and texture manifests into shard
// fetches, one per distinct shard.
func (r *otgRun) sharedAssets() []sharedAsset {
	sharding := r.otg.Paths.GlobalSharding
	decoder := shardhash.Decoder{Logger: r.logger}

	var assets []sharedAsset
	add := func(assetURN string, entries []shardhash.Entry, asJSON bool) {
		parts := strings.Split(assetURN, "/")
		if len(parts) < 3 {
			r.fail(fmt.Errorf("malformed shared asset urn %q", assetURN))
			return
		}
		for _, e := range shardhash.NonEmpty(entries) {
			a := sharedAsset{account: parts[1], kind: parts[2], entry: e, json: asJSON}
			if r.claim(a.key()) {
				assets = append(assets, a)
			}
		}
	}

	for _, model := range r.modelKeys() {
		m := r.models[model]
		deps := r.deps[model]
		shared := m.Manifest.SharedAssets

		if m.Stats.NumMaterials > 0 {
			add(shared.Materials, decoder.Decode(deps["materials_ptrs"], sharding), true)
		}
		if m.Stats.NumGeoms > 0 {
			add(shared.Geometry, decoder.Decode(deps["geometry_ptrs"], sharding), false)
		}
		if raw, ok := deps["texture_manifest"]; ok && m.Stats.NumTextures > 0 {
			var textures map[string]string
			if err := json.Unmarshal(raw, &textures); err != nil {
				r.fail(fmt.Errorf("texture manifest of %s: %w", model, err))
				continue
			}
			entries := make([]shardhash.Entry, 0, len(textures))
			for _, name := range manifest.SortedKeys(textures) {
				entries = append(entries, shardhash.Split(textures[name], sharding))
			}
			add(shared.Textures, entries, false)
		}
	}
	return assets
}

func (r *otgRun) fetchSharedAssets(ctx context.Context) {
	assets := r.sharedAssets()
	r.logger.Info("shared assets", zap.String("urn", r.urn), zap.Int("count", len(assets)))

	var done atomic.Int64
	tasks := make([]taskrunner.Task[fetchOutcome], len(assets))
	for i, a := range assets {
		tasks[i] = func(ctx context.Context) (fetchOutcome, error) {
			out, err := r.fetchSharedAsset(ctx, a)
			r.progress(a.key(), int(done.Add(1)), len(assets))
			return out, err
		}
	}
	results := taskrunner.Run(ctx, r.fetchConcurrency, tasks)

	for i, res := range results {
		if res.Err != nil {
			metrics.RecordFile("shard", "failed")
			r.fail(fmt.Errorf("failed to download file: %s: %w", assets[i].key(), res.Err))
			continue
		}
		r.res.Succeeded++
		if res.Value == outcomeSkipped {
			r.res.Skipped++
		}
	}
}

func (r *otgRun) fetchSharedAsset(ctx context.Context, a sharedAsset) (fetchOutcome, error) {
	key := a.key()
	if skip, _ := r.checker.Skip(ctx, key); skip {
		metrics.RecordFile("shard", "skipped")
		return outcomeSkipped, nil
	}

	rawURL := r.cdnHost + "/cdn/" + a.entry.Prefix + "/" + a.account + "/" + a.kind + "/" + a.entry.Suffix
	body, err := r.get(ctx, rawURL)
	if err != nil {
		return outcomeFetched, err
	}
	data, err := gunzip(body)
	if err != nil {
		return outcomeFetched, err
	}
	if a.json && !json.Valid(data) {
		return outcomeFetched, fmt.Errorf("%s: invalid JSON", key)
	}
	if err := r.persist(ctx, key, data); err != nil {
		return outcomeFetched, err
	}
	metrics.RecordFile("shard", "fetched")
	return outcomeFetched, nil
}
