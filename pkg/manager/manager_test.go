package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blacktop/ddi/pkg/ddi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// gatedFetcher blocks every fetch until the test releases it
type gatedFetcher struct {
	mu        sync.Mutex
	gates     map[string]chan error
	started   map[string]bool
	cancelled map[string]bool
	auto      bool
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		gates:     make(map[string]chan error),
		started:   make(map[string]bool),
		cancelled: make(map[string]bool),
	}
}

func (f *gatedFetcher) gate(name string) chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.gates[name]; !ok {
		f.gates[name] = make(chan error, 1)
	}
	return f.gates[name]
}

func (f *gatedFetcher) release(name string, err error) {
	f.gate(name) <- err
}

func (f *gatedFetcher) isStarted(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[name]
}

func (f *gatedFetcher) isCancelled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[name]
}

func (f *gatedFetcher) Fetch(ctx context.Context, url, dest string, progress ProgressFunc) error {
	name := path.Base(url)
	f.mu.Lock()
	f.started[name] = true
	auto := f.auto
	f.mu.Unlock()

	if progress != nil {
		progress(0, 10)
	}

	var err error
	if !auto {
		select {
		case err = <-f.gate(name):
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled[name] = true
			f.mu.Unlock()
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, []byte(name), 0o644); err != nil {
		return err
	}
	if progress != nil {
		progress(10, 10)
	}
	return nil
}

func testManifest(versions ...string) ddi.Manifest {
	m := ddi.Manifest{}
	for _, v := range versions {
		m[v] = ddi.ArtifactSet{
			Version:      v,
			ImageURL:     "https://example.com/" + v + "/" + ddi.ImageName,
			SignatureURL: "https://example.com/" + v + "/" + ddi.SignatureName,
		}
	}
	return m
}

type finishedEvent struct {
	version string
	err     error
}

func recordFinished(events *Events) (func() []finishedEvent, func()) {
	var mu sync.Mutex
	var got []finishedEvent
	unsubscribe := events.OnDownloadFinished(func(version string, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, finishedEvent{version, err})
	})
	return func() []finishedEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]finishedEvent(nil), got...)
	}, unsubscribe
}

func TestCoordinatorJointCompletion(t *testing.T) {
	orders := map[string][]string{
		"image then signature": {ddi.ImageName, ddi.SignatureName},
		"signature then image": {ddi.SignatureName, ddi.ImageName},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			fetcher := newGatedFetcher()
			events := NewEvents()
			finished, _ := recordFinished(events)
			manifest := testManifest("16.0")
			c := NewCoordinator(fetcher, root, func() ddi.Manifest { return manifest }, events)

			id, err := c.DownloadVersion(context.Background(), "16.0")
			require.NoError(t, err)
			require.NotEmpty(t, id)
			require.Eventually(t, func() bool {
				return fetcher.isStarted(ddi.ImageName) && fetcher.isStarted(ddi.SignatureName)
			}, waitFor, tick)

			fetcher.release(order[0], nil)
			assert.Never(t, func() bool { return len(finished()) > 0 }, 50*time.Millisecond, tick)
			fetcher.release(order[1], nil)

			require.Eventually(t, func() bool { return len(c.Active()) == 0 }, waitFor, tick)
			got := finished()
			require.Len(t, got, 1)
			assert.Equal(t, "16.0", got[0].version)
			assert.NoError(t, got[0].err)
			assert.True(t, ddi.IsDownloaded(root, "16.0"))
		})
	}
}

func TestCoordinatorPartialFailure(t *testing.T) {
	root := t.TempDir()
	fetcher := newGatedFetcher()
	events := NewEvents()
	finished, _ := recordFinished(events)
	manifest := testManifest("16.0")
	c := NewCoordinator(fetcher, root, func() ddi.Manifest { return manifest }, events)

	_, err := c.DownloadVersion(context.Background(), "16.0")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return fetcher.isStarted(ddi.ImageName) && fetcher.isStarted(ddi.SignatureName)
	}, waitFor, tick)

	boom := errors.New("connection refused")
	fetcher.release(ddi.ImageName, boom)

	require.Eventually(t, func() bool { return len(finished()) == 1 }, waitFor, tick)
	assert.True(t, fetcher.isCancelled(ddi.SignatureName), "signature transfer should be aborted")

	// give a stray second event a chance to show up
	time.Sleep(20 * time.Millisecond)
	got := finished()
	require.Len(t, got, 1)
	assert.Equal(t, "16.0", got[0].version)
	assert.ErrorIs(t, got[0].err, boom)
	assert.False(t, ddi.IsDownloaded(root, "16.0"))
	assert.Empty(t, c.Active())
}

func TestCoordinatorRejectsDuplicate(t *testing.T) {
	fetcher := newGatedFetcher()
	events := NewEvents()
	finished, _ := recordFinished(events)
	manifest := testManifest("16.0")
	c := NewCoordinator(fetcher, t.TempDir(), func() ddi.Manifest { return manifest }, events)

	_, err := c.DownloadVersion(context.Background(), "16.0")
	require.NoError(t, err)

	_, err = c.DownloadVersion(context.Background(), "16.0")
	assert.ErrorIs(t, err, ddi.ErrDownloadInProgress)
	assert.Equal(t, []string{"16.0"}, c.Active())
	assert.Empty(t, finished(), "a rejected duplicate must not report a result")

	assert.True(t, c.Cancel("16.0"))
	require.Eventually(t, func() bool { return len(finished()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, finished()[0].err, context.Canceled)
	assert.False(t, c.Cancel("16.0"))
}

func TestCoordinatorUnknownVersion(t *testing.T) {
	events := NewEvents()
	finished, _ := recordFinished(events)
	c := NewCoordinator(newGatedFetcher(), t.TempDir(), func() ddi.Manifest { return testManifest("16.0") }, events)

	_, err := c.DownloadVersion(context.Background(), "15.0")
	assert.ErrorIs(t, err, ddi.ErrUnknownVersion)
	got := finished()
	require.Len(t, got, 1)
	assert.Equal(t, "15.0", got[0].version)
	assert.Error(t, got[0].err)
}

func TestCoordinatorDirectoryFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, nil, 0o644))

	fetcher := newGatedFetcher()
	events := NewEvents()
	finished, _ := recordFinished(events)
	c := NewCoordinator(fetcher, root, func() ddi.Manifest { return testManifest("16.0") }, events)

	_, err := c.DownloadVersion(context.Background(), "16.0")
	require.Error(t, err)
	assert.Len(t, finished(), 1)
	assert.False(t, fetcher.isStarted(ddi.ImageName), "no transfer may start when the directory cannot be created")
	assert.Empty(t, c.Active())
}

func TestCoordinatorProgress(t *testing.T) {
	events := NewEvents()
	var got []int
	events.OnDownloadProgress(func(version string, percent int) {
		got = append(got, percent)
	})
	c := NewCoordinator(nil, t.TempDir(), func() ddi.Manifest { return nil }, events)

	p := &pair{id: "id", version: "16.0", image: &transfer{}, sig: &transfer{}, lastPercent: -1}
	c.pairs[p.id] = p

	c.progress(p, p.image, 0, -1) // size unknown, nothing to report
	c.progress(p, p.image, 150, 300)
	c.progress(p, p.image, 150, 300) // same percentage, total counted once
	c.progress(p, p.sig, 100, 100)
	c.progress(p, p.image, 300, 300)

	assert.Equal(t, []int{50, 62, 100}, got)
	assert.Equal(t, int64(400), p.totalSize)
	assert.Equal(t, int64(400), p.totalReceived)
}

func TestCoordinatorProgressLateTotal(t *testing.T) {
	events := NewEvents()
	var got []int
	events.OnDownloadProgress(func(version string, percent int) {
		got = append(got, percent)
	})
	c := NewCoordinator(nil, t.TempDir(), func() ddi.Manifest { return nil }, events)

	p := &pair{id: "id", version: "16.0", image: &transfer{}, sig: &transfer{}, lastPercent: -1}
	c.pairs[p.id] = p

	c.progress(p, p.image, 290, 300)
	c.progress(p, p.sig, 0, 100) // 290/400, lower than before
	c.progress(p, p.sig, 100, 100)
	c.progress(p, p.image, 300, 300)

	assert.Equal(t, []int{96, 97, 100}, got)
}

func TestCoordinatorProgressConcurrent(t *testing.T) {
	root := t.TempDir()
	for run := 0; run < 200; run++ {
		events := NewEvents()
		var (
			mu          sync.Mutex
			last        = -1
			regressions int
		)
		events.OnDownloadProgress(func(_ string, percent int) {
			mu.Lock()
			defer mu.Unlock()
			if percent < last {
				regressions++
			}
			last = percent
		})
		c := NewCoordinator(nil, root, func() ddi.Manifest { return nil }, events)
		p := &pair{id: "id", version: "16.0", image: &transfer{}, sig: &transfer{}, lastPercent: -1}
		c.pairs[p.id] = p

		var wg sync.WaitGroup
		for _, tr := range []*transfer{p.image, p.sig} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for received := int64(0); received <= 1000; received += 7 {
					c.progress(p, tr, received, 1000)
				}
			}()
		}
		wg.Wait()

		require.Zero(t, regressions, "run %d: progress went backwards", run)
	}
}

type fakeDevice struct {
	mu        sync.Mutex
	version   ddi.DeviceVersion
	signature []byte
	sigErr    error
	mountErr  error
	mounted   []string
}

func (d *fakeDevice) OSVersion(context.Context, string) (ddi.DeviceVersion, error) {
	return d.version, nil
}

func (d *fakeDevice) MountedSignature(context.Context, string) ([]byte, error) {
	return d.signature, d.sigErr
}

func (d *fakeDevice) Mount(_ context.Context, _ string, dir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mounted = append(d.mounted, dir)
	return d.mountErr
}

func (d *fakeDevice) mounts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.mounted...)
}

const manifestJSON = `{
	"Fallback": {"Image": ["https://example.com/f/DeveloperDiskImage.dmg"], "Signature": ["https://example.com/f/DeveloperDiskImage.dmg.signature"]},
	"16.4": {"Image": ["https://example.com/16.4/DeveloperDiskImage.dmg"], "Signature": ["https://example.com/16.4/DeveloperDiskImage.dmg.signature"]},
	"16.0": {"Image": ["https://example.com/16.0/DeveloperDiskImage.dmg"], "Signature": ["https://example.com/16.0/DeveloperDiskImage.dmg.signature"]},
	"15.7": {"Image": ["https://example.com/15.7/DeveloperDiskImage.dmg"], "Signature": ["https://example.com/15.7/DeveloperDiskImage.dmg.signature"]}
}`

func seedImage(t *testing.T, root, version string) {
	t.Helper()
	dir := ddi.ImageDir(root, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ddi.ImageName), []byte("dmg"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ddi.SignatureName), []byte("sig"), 0o644))
}

func newTestManager(t *testing.T, dev *fakeDevice, fetcher Fetcher) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m := New(&Config{DownloadDir: root, Fetcher: fetcher, Device: dev})
	require.NoError(t, m.Store().Load([]byte(manifestJSON)))
	return m, root
}

func TestEnsureMountedPrefersLocalImage(t *testing.T) {
	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 17}, sigErr: ddi.ErrNotMounted}
	fetcher := newGatedFetcher()
	m, root := newTestManager(t, dev, fetcher)
	seedImage(t, root, "16.0")

	out, err := m.EnsureMounted(context.Background(), "udid")
	require.NoError(t, err)
	assert.Equal(t, StatusMounted, out.Status)
	assert.Equal(t, "16.0", out.Version)
	assert.Equal(t, []string{ddi.ImageDir(root, "16.0")}, dev.mounts())
	assert.False(t, fetcher.isStarted(ddi.ImageName), "no download when a compatible image is on disk")
}

func TestEnsureMountedAlreadyMounted(t *testing.T) {
	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 17}, signature: []byte("sig")}
	m, _ := newTestManager(t, dev, newGatedFetcher())

	out, err := m.EnsureMounted(context.Background(), "udid")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyMounted, out.Status)
	assert.Empty(t, dev.mounts())
}

func TestEnsureMountedLocked(t *testing.T) {
	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 17}, sigErr: ddi.ErrDeviceLocked}
	m, _ := newTestManager(t, dev, newGatedFetcher())

	out, err := m.EnsureMounted(context.Background(), "udid")
	assert.ErrorIs(t, err, ddi.ErrDeviceLocked)
	assert.Equal(t, StatusFailed, out.Status)
}

func TestEnsureMountedNoCompatibleImage(t *testing.T) {
	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 14, Minor: 2}, sigErr: ddi.ErrNotMounted}
	m, _ := newTestManager(t, dev, newGatedFetcher())

	out, err := m.EnsureMounted(context.Background(), "udid")
	assert.ErrorIs(t, err, ddi.ErrNoCompatibleImage)
	assert.Equal(t, StatusFailed, out.Status)
}

func TestEnsureMountedDownloadsThenMounts(t *testing.T) {
	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 17}, sigErr: ddi.ErrNotMounted}
	fetcher := newGatedFetcher()
	fetcher.auto = true
	m, root := newTestManager(t, dev, fetcher)

	out, err := m.EnsureMounted(context.Background(), "udid")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)
	assert.Equal(t, "16.4", out.Version)

	select {
	case err := <-out.Done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("mount did not finish")
	}
	assert.Equal(t, []string{ddi.ImageDir(root, "16.4")}, dev.mounts())
}

func TestEnsureMountedDownloadFailureSkipsMount(t *testing.T) {
	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 17}, sigErr: ddi.ErrNotMounted}
	fetcher := newGatedFetcher()
	m, _ := newTestManager(t, dev, fetcher)

	out, err := m.EnsureMounted(context.Background(), "udid")
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)

	require.Eventually(t, func() bool { return fetcher.isStarted(ddi.SignatureName) }, waitFor, tick)
	fetcher.release(ddi.SignatureName, errors.New("404"))

	select {
	case err := <-out.Done:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("download failure not reported")
	}
	assert.Empty(t, dev.mounts())
}

func TestEnsureMountedWaitsForManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(manifestJSON))
	}))
	defer srv.Close()

	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 17}, sigErr: ddi.ErrNotMounted}
	root := t.TempDir()
	seedImage(t, root, "16.0")
	m := New(&Config{ManifestURL: srv.URL, Client: srv.Client(), DownloadDir: root, Fetcher: newGatedFetcher(), Device: dev})
	require.False(t, m.Store().Ready())

	out, err := m.EnsureMounted(context.Background(), "udid")
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)

	select {
	case err := <-out.Done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("mount did not run after manifest fetch")
	}
	assert.True(t, m.Store().Ready())
	assert.Equal(t, []string{ddi.ImageDir(root, "16.0")}, dev.mounts())
}

func TestEnsureMountedManifestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 17}, sigErr: ddi.ErrNotMounted}
	m := New(&Config{ManifestURL: srv.URL, Client: srv.Client(), DownloadDir: t.TempDir(), Fetcher: newGatedFetcher(), Device: dev})

	out, err := m.EnsureMounted(context.Background(), "udid")
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)

	select {
	case err := <-out.Done:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("manifest failure not reported")
	}
	assert.Empty(t, dev.mounts())
}

func TestDownloadCompatible(t *testing.T) {
	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 15, Minor: 7}}
	fetcher := newGatedFetcher()
	fetcher.auto = true
	m, root := newTestManager(t, dev, fetcher)

	out, err := m.DownloadCompatible(context.Background(), "udid")
	require.NoError(t, err)
	require.Equal(t, StatusPending, out.Status)
	assert.Equal(t, "15.7", out.Version)
	select {
	case err := <-out.Done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("download did not finish")
	}
	assert.True(t, ddi.IsDownloaded(root, "15.7"))

	out, err = m.DownloadCompatible(context.Background(), "udid")
	require.NoError(t, err)
	assert.Equal(t, StatusDownloaded, out.Status)
	assert.Equal(t, "15.7", out.Version)
}

func TestMountVersionRequiresDownload(t *testing.T) {
	dev := &fakeDevice{version: ddi.DeviceVersion{Major: 17}}
	m, _ := newTestManager(t, dev, newGatedFetcher())

	err := m.MountVersion(context.Background(), "udid", "16.4")
	assert.ErrorIs(t, err, ddi.ErrNotDownloaded)
	assert.Empty(t, dev.mounts())
}
