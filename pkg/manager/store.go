package manager

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/ddi/internal/download"
	"github.com/blacktop/ddi/pkg/ddi"
)

// ManifestCacheName is the file the last good manifest is cached to
const ManifestCacheName = "DeveloperDiskImages.json"

// ManifestStore fetches and holds the parsed disk image manifest
type ManifestStore struct {
	client   *http.Client
	url      string
	cacheDir string
	events   *Events

	mu       sync.Mutex
	manifest ddi.Manifest
	ready    bool
	fetching bool
	waiters  listeners[func(error)]
}

// NewManifestStore creates a store for the manifest at url.
// When cacheDir is set the last good manifest is cached there.
func NewManifestStore(client *http.Client, url, cacheDir string, events *Events) *ManifestStore {
	if events == nil {
		events = NewEvents()
	}
	return &ManifestStore{
		client:   client,
		url:      url,
		cacheDir: cacheDir,
		events:   events,
		manifest: ddi.Manifest{},
	}
}

// Ready reports whether a manifest has been loaded
func (s *ManifestStore) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Manifest returns the current manifest
func (s *ManifestStore) Manifest() ddi.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// WhenReady calls fn once a manifest is available.
// If one already is, fn is called right away; otherwise it is called exactly
// once with the outcome of the next fetch.
func (s *ManifestStore) WhenReady(fn func(err error)) func() {
	cancel, _ := s.whenReady(fn)
	return cancel
}

// Await is WhenReady that also starts a fetch when fn had to be queued
func (s *ManifestStore) Await(ctx context.Context, fn func(err error)) func() {
	cancel, queued := s.whenReady(fn)
	if queued {
		s.Refresh(ctx)
	}
	return cancel
}

func (s *ManifestStore) whenReady(fn func(err error)) (func(), bool) {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		fn(nil)
		return func() {}, false
	}
	defer s.mu.Unlock()
	return s.waiters.add(fn, true), true
}

// Refresh starts a background fetch unless one is already running
func (s *ManifestStore) Refresh(ctx context.Context) {
	s.mu.Lock()
	if s.fetching {
		s.mu.Unlock()
		return
	}
	s.fetching = true
	s.mu.Unlock()

	go s.Fetch(ctx)
}

// Fetch downloads and parses the manifest.
// On failure the previous manifest is kept.
func (s *ManifestStore) Fetch(ctx context.Context) error {
	data, err := download.GetDDIManifest(ctx, s.client, s.url)
	if err == nil {
		err = s.load(data)
	}
	if err != nil {
		log.WithError(err).Error("failed to fetch disk image manifest")
	} else {
		s.cache(data)
	}

	s.mu.Lock()
	s.fetching = false
	s.mu.Unlock()

	s.notify(err)
	return err
}

// Load replaces the manifest with a parsed copy of data
func (s *ManifestStore) Load(data []byte) error {
	err := s.load(data)
	s.notify(err)
	return err
}

// LoadCached seeds the store from the cached manifest, if there is one
func (s *ManifestStore) LoadCached() error {
	if len(s.cacheDir) == 0 {
		return os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(s.cacheDir, ManifestCacheName))
	if err != nil {
		return err
	}
	if err := s.load(data); err != nil {
		return err
	}
	log.WithField("path", filepath.Join(s.cacheDir, ManifestCacheName)).Debug("loaded cached disk image manifest")
	s.notify(nil)
	return nil
}

func (s *ManifestStore) load(data []byte) error {
	m, err := ddi.ParseManifest(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.manifest = m
	s.ready = true
	s.mu.Unlock()
	log.WithField("images", len(m)).Debug("parsed disk image manifest")
	return nil
}

func (s *ManifestStore) cache(data []byte) {
	if len(s.cacheDir) == 0 {
		return
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		log.WithError(err).Warn("failed to create manifest cache directory")
		return
	}
	if err := os.WriteFile(filepath.Join(s.cacheDir, ManifestCacheName), data, 0o644); err != nil {
		log.WithError(err).Warn("failed to cache disk image manifest")
	}
}

func (s *ManifestStore) notify(err error) {
	for _, fn := range s.waiters.take() {
		fn(err)
	}
	s.events.emitManifestReady(err)
}
