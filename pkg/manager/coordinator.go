package manager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/ddi/internal/download"
	"github.com/blacktop/ddi/pkg/ddi"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ProgressFunc receives the bytes received so far and the expected total of one transfer
type ProgressFunc = download.ProgressFunc

// Fetcher saves the file at url to dest
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, progress ProgressFunc) error
}

// transfer is one half of a paired download
type transfer struct {
	url      string
	dest     string
	received int64
	// counted is set once the transfer's size has been added to the pair total
	counted bool
}

// pair is the image + signature download of one version
type pair struct {
	id      string
	version string
	image   *transfer
	sig     *transfer
	cancel  context.CancelFunc

	totalSize     int64
	totalReceived int64
	lastPercent   int
	// emitMu keeps percentage computation and delivery in one order
	emitMu sync.Mutex
}

// Coordinator runs paired image/signature downloads
type Coordinator struct {
	fetcher  Fetcher
	root     string
	manifest func() ddi.Manifest
	events   *Events

	mu        sync.Mutex
	pairs     map[string]*pair
	byVersion map[string]string
}

// NewCoordinator creates a download coordinator saving versions under root
func NewCoordinator(fetcher Fetcher, root string, manifest func() ddi.Manifest, events *Events) *Coordinator {
	if events == nil {
		events = NewEvents()
	}
	return &Coordinator{
		fetcher:   fetcher,
		root:      root,
		manifest:  manifest,
		events:    events,
		pairs:     make(map[string]*pair),
		byVersion: make(map[string]string),
	}
}

// destName derives the local file name from the last element of the URL path
func destName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || len(name) == 0 {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}
	return name, nil
}

// DownloadVersion starts downloading the image and signature of version and
// returns the download id. The pair's outcome is reported once through the
// download-finished event. Errors returned here are also reported there,
// except ErrDownloadInProgress.
func (c *Coordinator) DownloadVersion(ctx context.Context, version string) (string, error) {
	p, pctx, err := c.start(ctx, version)
	if err != nil {
		if !errors.Is(err, ddi.ErrDownloadInProgress) {
			log.WithError(err).WithField("version", version).Error("failed to start disk image download")
			c.events.emitDownloadFinished(version, err)
		}
		return "", err
	}
	go c.run(pctx, p)
	return p.id, nil
}

func (c *Coordinator) start(ctx context.Context, version string) (*pair, context.Context, error) {
	set, ok := c.manifest()[version]
	if !ok || !set.Eligible() {
		return nil, nil, fmt.Errorf("%w: %s", ddi.ErrUnknownVersion, version)
	}

	dir := ddi.ImageDir(c.root, version)

	image := &transfer{url: set.ImageURL}
	sig := &transfer{url: set.SignatureURL}
	for _, t := range []*transfer{image, sig} {
		name, err := destName(t.url)
		if err != nil {
			return nil, nil, err
		}
		t.dest = filepath.Join(dir, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.byVersion[version]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ddi.ErrDownloadInProgress, version)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("could not create directory %s: %w", dir, err)
	}

	p := &pair{
		id:          uuid.NewString(),
		version:     version,
		image:       image,
		sig:         sig,
		lastPercent: -1,
	}
	pctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	c.pairs[p.id] = p
	c.byVersion[version] = p.id

	log.WithFields(log.Fields{"version": version, "id": p.id}).Debug("starting disk image download")

	return p, pctx, nil
}

func (c *Coordinator) run(ctx context.Context, p *pair) {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range []*transfer{p.image, p.sig} {
		g.Go(func() error {
			if err := c.fetcher.Fetch(gctx, t.url, t.dest, func(received, total int64) {
				c.progress(p, t, received, total)
			}); err != nil {
				return fmt.Errorf("failed to download %s: %w", filepath.Base(t.dest), err)
			}
			log.WithField("path", t.dest).Debug("saved disk image file")
			return nil
		})
	}
	err := g.Wait()
	p.cancel()

	c.finish(p, err)
}

func (c *Coordinator) progress(p *pair, t *transfer, received, total int64) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	c.mu.Lock()
	if _, ok := c.pairs[p.id]; !ok {
		c.mu.Unlock()
		return
	}
	if !t.counted && total > 0 {
		p.totalSize += total
		t.counted = true
	}
	t.received = received
	p.totalReceived = p.image.received + p.sig.received

	percent := -1
	// a late transfer size can lower the ratio; the reported percentage never goes back
	if p.totalSize > 0 {
		if pct := int(p.totalReceived * 100 / p.totalSize); pct > p.lastPercent {
			p.lastPercent = pct
			percent = pct
		}
	}
	c.mu.Unlock()

	if percent >= 0 {
		c.events.emitDownloadProgress(p.version, percent)
	}
}

// finish releases the pair; it runs exactly once per pair
func (c *Coordinator) finish(p *pair, err error) {
	c.mu.Lock()
	delete(c.pairs, p.id)
	if c.byVersion[p.version] == p.id {
		delete(c.byVersion, p.version)
	}
	c.mu.Unlock()

	if err != nil {
		log.WithError(err).WithField("version", p.version).Error("disk image download failed")
	} else {
		log.WithField("version", p.version).Info("downloaded disk image")
	}
	c.events.emitDownloadFinished(p.version, err)
}

// Cancel aborts the in-flight download of version
func (c *Coordinator) Cancel(version string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byVersion[version]
	if !ok {
		return false
	}
	c.pairs[id].cancel()
	return true
}

// Active returns the versions currently downloading
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	versions := make([]string, 0, len(c.byVersion))
	for v := range c.byVersion {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
