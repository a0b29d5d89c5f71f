// Package ddi resolves which Developer Disk Images are usable on a device.
package ddi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ImageName is the on-disk name of a developer disk image
	ImageName = "DeveloperDiskImage.dmg"
	// SignatureName is the on-disk name of a developer disk image signature
	SignatureName = ImageName + ".signature"
	// TrustcacheName is the on-disk name of a personalized image trustcache (iOS 17+)
	TrustcacheName = "Image.dmg.trustcache"
	// BuildManifestName is the on-disk name of a personalized image build manifest (iOS 17+)
	BuildManifestName = "BuildManifest.plist"

	// FallbackKey is a reserved manifest key that is not an OS version
	FallbackKey = "Fallback"

	// universalMajor is the image family every iOS 16+ device mounts
	universalMajor = 16
)

var (
	ErrDeviceLocked       = errors.New("device is locked")
	ErrNotMounted         = errors.New("no disk image mounted")
	ErrNoCompatibleImage  = errors.New("no compatible disk image")
	ErrUnknownVersion     = errors.New("disk image version not found")
	ErrDownloadInProgress = errors.New("disk image download already in progress")
	ErrNotDownloaded      = errors.New("disk image not downloaded")
)

// ArtifactSet is the set of artifact URLs the manifest lists for one OS version
type ArtifactSet struct {
	Version          string `json:"version"`
	ImageURL         string `json:"image_url"`
	SignatureURL     string `json:"signature_url"`
	TrustcacheURL    string `json:"trustcache_url,omitempty"`
	BuildManifestURL string `json:"build_manifest_url,omitempty"`
}

// Eligible reports whether the set has both an image and a signature
func (a ArtifactSet) Eligible() bool {
	return len(a.ImageURL) > 0 && len(a.SignatureURL) > 0
}

// Manifest maps OS version strings to their artifacts
type Manifest map[string]ArtifactSet

// ImageInfo is an ArtifactSet annotated with device and local state
type ImageInfo struct {
	Version      string `json:"version"`
	DmgURL       string `json:"dmg_url"`
	SigURL       string `json:"sig_url"`
	IsCompatible bool   `json:"is_compatible"`
	IsDownloaded bool   `json:"is_downloaded"`
	IsMounted    bool   `json:"is_mounted"`
}

func (i ImageInfo) String() string {
	return fmt.Sprintf("%s compatible=%t downloaded=%t mounted=%t", i.Version, i.IsCompatible, i.IsDownloaded, i.IsMounted)
}

// ImageDir returns the directory a version's artifacts are stored in
func ImageDir(root, version string) string {
	return filepath.Join(root, version)
}

// IsDownloaded reports whether both the image and its signature exist under root/version
func IsDownloaded(root, version string) bool {
	dir := ImageDir(root, version)
	if _, err := os.Stat(filepath.Join(dir, ImageName)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, SignatureName)); err != nil {
		return false
	}
	return true
}
