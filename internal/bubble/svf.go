package bubble

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/events"
	"github.com/fruitsalade/bubblemirror/internal/manifest"
	"github.com/fruitsalade/bubblemirror/internal/metrics"
	"github.com/fruitsalade/bubblemirror/internal/taskrunner"
	"github.com/fruitsalade/bubblemirror/pkg/client"
)

// Task is one physical file to fetch.
type Task struct {
	BasePath  string
	LocalPath string
	FileName  string
	Name      string

	// Set for thumbnail-style fetches.
	URN  string
	GUID string
	Mime manifest.Mime
}

// Key is the storage key the file is written under.
func (t Task) Key() string {
	return joinKey(t.LocalPath, t.FileName)
}

// Flatten produces one Task per file of the listing, in listing order.
func Flatten(items []*manifest.Item) []Task {
	var tasks []Task
	for _, item := range items {
		for _, f := range item.Files {
			tasks = append(tasks, Task{
				BasePath:  item.BasePath,
				LocalPath: item.LocalPath,
				FileName:  f,
				Name:      item.Name,
				URN:       item.URN,
				GUID:      item.GUID,
				Mime:      item.Mime,
			})
		}
	}
	return tasks
}

// IsViewable reports whether the task fetches a viewer entry point.
func (t Task) IsViewable() bool {
	if t.Mime != manifest.MimeSVF && t.Mime != manifest.MimeF2D {
		return false
	}
	ext := strings.ToLower(path.Ext(t.FileName))
	return ext == ".svf" || ext == ".f2d"
}

// ListSVF fetches and walks the bubble of urn and resolves its file list.
// The returned root has its leaf URNs rewritten to the mirror.
func (d *Downloader) ListSVF(ctx context.Context, urn string, errs *ErrorList) (*manifest.Node, Listing, error) {
	d.phase(urn, events.PhaseManifest)
	body, err := d.fetch.Get(ctx, client.Request{
		URL: d.derivativeHost + "/derivativeservice/v2/manifest/" + manifest.EncodeURIComponent(urn),
	})
	if err != nil {
		return nil, Listing{}, fmt.Errorf("fetch manifest %s: %w", urn, err)
	}
	root, err := manifest.Parse(body.Body)
	if err != nil {
		return nil, Listing{}, err
	}
	if root.URN == "" {
		root.URN = urn
	}

	items := manifest.Walk(root)
	d.logger.Info("manifest walked", zap.String("urn", urn), zap.Int("items", len(items)))

	d.phase(urn, events.PhaseListing)
	lister := &Lister{
		Fetcher:     d.fetch,
		Host:        d.derivativeHost,
		Errors:      errs,
		Logger:      d.logger,
		Events:      d.events,
		Concurrency: d.resolveConcurrency,
	}
	return root, lister.List(ctx, items), nil
}

// DownloadSVF mirrors a classic SVF/F2D bundle: the rewritten bubble.json,
// every derivative file and the thumbnails.
func (d *Downloader) DownloadSVF(ctx context.Context, urn string) (*Result, error) {
	start := time.Now()
	errs := &ErrorList{}

	root, listing, err := d.ListSVF(ctx, urn, errs)
	if err != nil {
		return nil, err
	}
	res := &Result{URN: urn, TotalSize: listing.TotalSize}

	if err := d.persistJSON(ctx, "bubble.json", root); err != nil {
		d.logger.Error("failed to save bubble", zap.Error(err))
		errs.Add(err)
	}

	d.phase(urn, events.PhaseFetching)
	d.fetchTasks(ctx, urn, Flatten(listing.Items), res, errs)

	res.Errors = errs.Messages()
	metrics.RecordBundle("svf", time.Since(start))
	d.publish(events.Event{Type: events.EventDone, URN: urn, Done: res.Succeeded, Total: res.Succeeded + res.Failed})
	d.logger.Info("download complete",
		zap.String("urn", urn),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int64("estimated_bytes", res.TotalSize))
	return res, nil
}

type fetchOutcome int

const (
	outcomeFetched fetchOutcome = iota
	outcomeSkipped
)

func (d *Downloader) fetchTasks(ctx context.Context, urn string, tasks []Task, res *Result, errs *ErrorList) {
	var done atomic.Int64
	jobs := make([]taskrunner.Task[fetchOutcome], len(tasks))
	for i, t := range tasks {
		jobs[i] = func(ctx context.Context) (fetchOutcome, error) {
			out, err := d.fetchTask(ctx, t)
			if err != nil {
				metrics.RecordFile("derivative", "failed")
				d.logger.Warn("failed to download file", zap.String("path", t.Key()), zap.Error(err))
				errs.Addf("failed to download file: %s: %v", t.Key(), err)
				d.publish(events.Event{Type: events.EventError, URN: urn, Path: t.Key(), Message: err.Error()})
			}
			d.publish(events.Event{
				Type:  events.EventProgress,
				URN:   urn,
				Path:  t.Key(),
				Done:  int(done.Add(1)),
				Total: len(tasks),
			})
			return out, err
		}
	}

	results := taskrunner.Run(ctx, d.downloadConcurrency, jobs)
	for i, r := range results {
		if r.Err != nil {
			res.Failed++
			continue
		}
		res.Succeeded++
		if r.Value == outcomeSkipped {
			res.Skipped++
		}
		if t := tasks[i]; t.IsViewable() {
			res.Viewables = append(res.Viewables, Viewable{Path: "./" + t.Key(), Name: t.Name})
		}
	}
}

// fetchTask downloads one file into storage. Derivative files are stored
// as served, compressed or not, so the mirror matches the remote layout.
func (d *Downloader) fetchTask(ctx context.Context, t Task) (fetchOutcome, error) {
	key := t.Key()
	skip, err := d.checker.Skip(ctx, key)
	if err != nil {
		d.logger.Debug("existence check failed", zap.String("key", key), zap.Error(err))
	}
	if skip {
		metrics.RecordFile("derivative", "skipped")
		return outcomeSkipped, nil
	}

	var req client.Request
	if t.Mime == manifest.MimeThumbnail {
		req = client.Request{
			URL: d.derivativeHost + "/derivativeservice/v2/thumbnails/" + manifest.EncodeURIComponent(t.URN),
			Query: url.Values{
				"guid":   {t.GUID},
				"width":  {"400"},
				"height": {"400"},
				"role":   {"rendered"},
			},
		}
	} else {
		req = client.Request{
			URL: d.derivativeHost + "/derivativeservice/v2/derivatives/" + manifest.EncodeURIComponent(t.BasePath+t.FileName),
		}
	}

	resp, err := d.fetch.Get(ctx, req)
	if err != nil {
		return outcomeFetched, err
	}
	if err := d.persist(ctx, key, resp.Body); err != nil {
		return outcomeFetched, err
	}
	metrics.RecordFile("derivative", "fetched")
	return outcomeFetched, nil
}
