// Package manager downloads and mounts Developer Disk Images
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/apex/log"
	"github.com/blacktop/ddi/internal/download"
	"github.com/blacktop/ddi/pkg/ddi"
)

// Status is the outcome of a manager operation
type Status int

const (
	StatusFailed Status = iota
	// StatusAlreadyMounted means the device already had a developer image mounted
	StatusAlreadyMounted
	// StatusMounted means a local image was mounted
	StatusMounted
	// StatusDownloaded means a compatible image was already on disk
	StatusDownloaded
	// StatusPending means work continues in the background; see Outcome.Done
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusAlreadyMounted:
		return "already mounted"
	case StatusMounted:
		return "mounted"
	case StatusDownloaded:
		return "downloaded"
	case StatusPending:
		return "pending"
	default:
		return "failed"
	}
}

// Outcome describes what EnsureMounted or DownloadCompatible did
type Outcome struct {
	Status  Status
	Version string
	// Done receives the final result exactly once when Status is StatusPending
	Done <-chan error
}

// Config is the manager config
type Config struct {
	ManifestURL string
	DownloadDir string
	Client      *http.Client
	// Fetcher defaults to a resuming download.Downloader using Client
	Fetcher Fetcher
	Device  Device
}

// Manager ties the manifest store, the download coordinator and the device together
type Manager struct {
	root   string
	device Device
	events *Events
	store  *ManifestStore
	coord  *Coordinator
}

// New creates a new Manager
func New(conf *Config) *Manager {
	if conf.Client == nil {
		conf.Client = http.DefaultClient
	}
	if conf.Fetcher == nil {
		conf.Fetcher = download.NewDownloader(conf.Client, true)
	}
	m := &Manager{
		root:   conf.DownloadDir,
		device: conf.Device,
		events: NewEvents(),
	}
	m.store = NewManifestStore(conf.Client, conf.ManifestURL, conf.DownloadDir, m.events)
	m.coord = NewCoordinator(conf.Fetcher, conf.DownloadDir, m.store.Manifest, m.events)
	return m
}

// Events returns the manager's event hub
func (m *Manager) Events() *Events { return m.events }

// Store returns the manager's manifest store
func (m *Manager) Store() *ManifestStore { return m.store }

// Root returns the directory images are downloaded to
func (m *Manager) Root() string { return m.root }

// Start seeds the manifest from cache and starts a fresh fetch
func (m *Manager) Start(ctx context.Context) {
	if err := m.store.LoadCached(); err != nil {
		log.WithError(err).Debug("no cached disk image manifest")
	}
	m.store.Refresh(ctx)
}

// Images resolves the current manifest against a device version.
// mounted is the device's mounted signature, or nil.
func (m *Manager) Images(dev ddi.DeviceVersion, mounted []byte) ddi.Result {
	return ddi.Resolve(m.store.Manifest(), dev, mounted, m.root)
}

// IsDownloaded reports whether version is fully downloaded
func (m *Manager) IsDownloaded(version string) bool {
	return ddi.IsDownloaded(m.root, version)
}

// Download starts a paired download of version
func (m *Manager) Download(ctx context.Context, version string) (string, error) {
	return m.coord.DownloadVersion(ctx, version)
}

// CancelDownload aborts the in-flight download of version
func (m *Manager) CancelDownload(version string) bool {
	return m.coord.Cancel(version)
}

// ActiveDownloads returns the versions currently downloading
func (m *Manager) ActiveDownloads() []string {
	return m.coord.Active()
}

// MountedSignature returns the device's mounted image signature
func (m *Manager) MountedSignature(ctx context.Context, udid string) ([]byte, error) {
	if m.device == nil {
		return nil, fmt.Errorf("no device service configured")
	}
	return m.device.MountedSignature(ctx, udid)
}

// MountVersion mounts a downloaded image version
func (m *Manager) MountVersion(ctx context.Context, udid, version string) error {
	if m.device == nil {
		return fmt.Errorf("no device service configured")
	}
	if !m.IsDownloaded(version) {
		return fmt.Errorf("%w: %s", ddi.ErrNotDownloaded, version)
	}
	log.WithFields(log.Fields{"udid": udid, "version": version}).Info("mounting disk image")
	if err := m.device.Mount(ctx, udid, ddi.ImageDir(m.root, version)); err != nil {
		return fmt.Errorf("failed to mount disk image %s: %w", version, err)
	}
	return nil
}

// EnsureMounted makes sure a compatible developer image is mounted on the device.
//
// An already mounted image is left alone. Otherwise the newest compatible
// image on disk is mounted, or the newest compatible image is downloaded and
// mounted once both of its files are saved. When the manifest has not been
// fetched yet resolution waits for it and the outcome is StatusPending.
func (m *Manager) EnsureMounted(ctx context.Context, udid string) (*Outcome, error) {
	if m.device == nil {
		return &Outcome{Status: StatusFailed}, fmt.Errorf("no device service configured")
	}

	sig, err := m.device.MountedSignature(ctx, udid)
	switch {
	case err == nil && len(sig) > 0:
		log.WithField("udid", udid).Info("a disk image is already mounted")
		return &Outcome{Status: StatusAlreadyMounted}, nil
	case errors.Is(err, ddi.ErrDeviceLocked):
		return &Outcome{Status: StatusFailed}, err
	case err != nil && !errors.Is(err, ddi.ErrNotMounted):
		log.WithError(err).WithField("udid", udid).Warn("failed to look up mounted image")
	}

	dev, err := m.device.OSVersion(ctx, udid)
	if err != nil {
		return &Outcome{Status: StatusFailed}, fmt.Errorf("failed to get device version: %w", err)
	}

	return m.afterManifest(ctx, func() (*Outcome, error) {
		return m.mountCompatible(ctx, udid, dev)
	})
}

// DownloadCompatible makes sure a compatible developer image is on disk,
// downloading the newest compatible one if none is.
func (m *Manager) DownloadCompatible(ctx context.Context, udid string) (*Outcome, error) {
	if m.device == nil {
		return &Outcome{Status: StatusFailed}, fmt.Errorf("no device service configured")
	}

	dev, err := m.device.OSVersion(ctx, udid)
	if err != nil {
		return &Outcome{Status: StatusFailed}, fmt.Errorf("failed to get device version: %w", err)
	}

	return m.afterManifest(ctx, func() (*Outcome, error) {
		res := m.Images(dev, nil)
		if info, ok := res.NewestDownloaded(); ok {
			log.WithField("version", info.Version).Debug("compatible disk image already downloaded")
			return &Outcome{Status: StatusDownloaded, Version: info.Version}, nil
		}
		return m.downloadNewest(ctx, res, dev, func(version string, err error) error {
			return err
		})
	})
}

// afterManifest runs step now if the manifest is loaded, otherwise once it is
func (m *Manager) afterManifest(ctx context.Context, step func() (*Outcome, error)) (*Outcome, error) {
	if m.store.Ready() {
		return step()
	}

	log.Debug("disk image manifest not ready, waiting for it to be fetched...")

	done := make(chan error, 1)
	m.store.Await(ctx, func(err error) {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			done <- fmt.Errorf("disk image manifest unavailable: %w", err)
			return
		}
		out, err := step()
		switch {
		case err != nil:
			done <- err
		case out.Done != nil:
			go func() { done <- <-out.Done }()
		default:
			done <- nil
		}
	})

	return &Outcome{Status: StatusPending, Done: done}, nil
}

func (m *Manager) mountCompatible(ctx context.Context, udid string, dev ddi.DeviceVersion) (*Outcome, error) {
	res := m.Images(dev, nil)

	if info, ok := res.NewestDownloaded(); ok {
		log.WithField("version", info.Version).Debug("found compatible disk image on disk")
		if err := m.MountVersion(ctx, udid, info.Version); err != nil {
			return &Outcome{Status: StatusFailed, Version: info.Version}, err
		}
		return &Outcome{Status: StatusMounted, Version: info.Version}, nil
	}

	return m.downloadNewest(ctx, res, dev, func(version string, err error) error {
		if err != nil {
			return err
		}
		return m.MountVersion(ctx, udid, version)
	})
}

// downloadNewest downloads the newest compatible image and hands the
// download result to then, whose return value is delivered on Outcome.Done.
func (m *Manager) downloadNewest(ctx context.Context, res ddi.Result, dev ddi.DeviceVersion, then func(version string, err error) error) (*Outcome, error) {
	info, ok := res.Newest()
	if !ok {
		return &Outcome{Status: StatusFailed}, fmt.Errorf("%w for iOS %s", ddi.ErrNoCompatibleImage, dev)
	}

	log.WithField("version", info.Version).Info("no compatible disk image found locally, downloading")

	done := make(chan error, 1)
	unsubscribe := m.events.OnceDownloadFinished(info.Version, func(version string, err error) {
		done <- then(version, err)
	})

	if _, err := m.coord.DownloadVersion(ctx, info.Version); err != nil {
		if !errors.Is(err, ddi.ErrDownloadInProgress) {
			unsubscribe()
			return &Outcome{Status: StatusFailed, Version: info.Version}, err
		}
		log.WithField("version", info.Version).Debug("waiting on download already in progress")
	}

	return &Outcome{Status: StatusPending, Version: info.Version, Done: done}, nil
}
