package bubble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/events"
	"github.com/fruitsalade/bubblemirror/internal/manifest"
	"github.com/fruitsalade/bubblemirror/internal/taskrunner"
	"github.com/fruitsalade/bubblemirror/pkg/client"
)

// Property database partitions; the bubble lists only the root .sdb file.
var dbFiles = []string{
	"objects_attrs.json.gz",
	"objects_vals.json.gz",
	"objects_avs.json.gz",
	"objects_offs.json.gz",
	"objects_ids.json.gz",
}

// Listing is the resolved file set of a bubble.
type Listing struct {
	Items     []*manifest.Item
	TotalSize int64
}

// Lister resolves the files owned by each derivative root. A Lister
// serves one List call at a time.
type Lister struct {
	Fetcher     Fetcher
	Host        string
	Errors      *ErrorList
	Logger      *zap.Logger
	Events      *events.Broadcaster
	Concurrency int

	total   atomic.Int64
	mu      sync.Mutex
	counted map[string]bool
}

type subManifest struct {
	Assets []struct {
		URI  string  `json:"URI"`
		Size float64 `json:"size"`
	} `json:"assets"`
}

// List fills in Files for every item. Failures are recorded in l.Errors
// and leave the item with whatever was collected. No request is made for
// an empty item list.
func (l *Lister) List(ctx context.Context, items []*manifest.Item) Listing {
	if len(items) == 0 {
		return Listing{Items: []*manifest.Item{}}
	}
	if l.Logger == nil {
		l.Logger = zap.NewNop()
	}
	if l.Errors == nil {
		l.Errors = &ErrorList{}
	}
	l.total.Store(0)
	l.counted = make(map[string]bool)

	var done atomic.Int64
	tasks := make([]taskrunner.Task[struct{}], len(items))
	for i, item := range items {
		tasks[i] = func(ctx context.Context) (struct{}, error) {
			l.resolve(ctx, item)
			l.Events.Publish(events.Event{
				Type:  events.EventProgress,
				URN:   item.URN,
				Path:  item.LocalPath + item.RootFileName,
				Done:  int(done.Add(1)),
				Total: len(items),
			})
			return struct{}{}, nil
		}
	}
	taskrunner.Run(ctx, orDefault(l.Concurrency, taskrunner.ResolveConcurrency), tasks)

	return Listing{Items: items, TotalSize: l.total.Load()}
}

func (l *Lister) resolve(ctx context.Context, item *manifest.Item) {
	switch item.Mime {
	case manifest.MimeDB:
		item.Files = append(append([]string{}, dbFiles...), item.RootFileName)
	case manifest.MimeThumbnail:
		item.Files = []string{item.RootFileName}
	case manifest.MimeSVF:
		l.resolveSVF(ctx, item)
	case manifest.MimeF2D:
		l.resolveF2D(ctx, item)
	default:
		item.Files = []string{item.RootFileName}
	}
}

func (l *Lister) derivativeURL(urn string) string {
	return l.Host + "/derivativeservice/v2/derivatives/" + manifest.EncodeURIComponent(urn)
}

func (l *Lister) fail(item *manifest.Item, err error) {
	l.Logger.Warn("file list incomplete", zap.String("urn", item.URN), zap.Error(err))
	l.Errors.Add(err)
	l.Events.Publish(events.Event{Type: events.EventError, URN: item.URN, Message: err.Error()})
}

// resolveSVF reads manifest.json out of the SVF package.
func (l *Lister) resolveSVF(ctx context.Context, item *manifest.Item) {
	item.Files = []string{strings.TrimPrefix(item.URN, item.BasePath)}

	resp, err := l.Fetcher.Get(ctx, client.Request{URL: l.derivativeURL(item.URN)})
	if err != nil {
		l.fail(item, fmt.Errorf("failed to download %s: %w", item.URN, err))
		return
	}

	m, err := readPackageManifest(resp.Body)
	if err != nil {
		l.fail(item, fmt.Errorf("%s: %w", item.URN, err))
		return
	}

	// Property database sizes are only known from the SVF manifest and are
	// uncompressed; a quarter of it is counted once per base path.
	l.mu.Lock()
	countDB := !l.counted[item.BasePath]
	l.counted[item.BasePath] = true
	l.mu.Unlock()

	var size float64
	for _, a := range m.Assets {
		switch {
		case strings.HasPrefix(a.URI, "embed:/"):
		case strings.HasPrefix(a.URI, "../"):
			if countDB {
				size += a.Size / 4
			}
		default:
			size += a.Size
			item.Files = append(item.Files, a.URI)
		}
	}
	l.total.Add(int64(size))
}

func readPackageManifest(pkg []byte) (*subManifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(pkg), int64(len(pkg)))
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == "manifest.json" {
			entry = f
			break
		}
	}
	if entry == nil {
		return nil, errors.New("package has no manifest.json")
	}
	f, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("package manifest: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("package manifest: %w", err)
	}
	var m subManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("package manifest: %w", err)
	}
	return &m, nil
}

// resolveF2D reads the sheet's manifest.json.gz.
func (l *Lister) resolveF2D(ctx context.Context, item *manifest.Item) {
	item.Files = []string{"manifest.json.gz"}

	resp, err := l.Fetcher.Get(ctx, client.Request{URL: l.derivativeURL(item.BasePath + "manifest.json.gz")})
	if err != nil {
		l.fail(item, fmt.Errorf("failed to download %s: %w", item.URN, err))
		return
	}
	l.total.Add(int64(len(resp.Body)))

	data, err := gunzip(resp.Body)
	if err != nil {
		l.fail(item, fmt.Errorf("%s: %w", item.URN, err))
		return
	}
	var m subManifest
	if err := json.Unmarshal(data, &m); err != nil {
		l.fail(item, fmt.Errorf("%s: sheet manifest: %w", item.URN, err))
		return
	}

	var size float64
	for _, a := range m.Assets {
		if strings.HasPrefix(a.URI, "../") {
			continue
		}
		size += a.Size
		item.Files = append(item.Files, a.URI)
	}
	l.total.Add(int64(size))
}
