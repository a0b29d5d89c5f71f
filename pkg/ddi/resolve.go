package ddi

import (
	"path/filepath"
	"sort"
)

// Result is the outcome of resolving a manifest against a device
type Result struct {
	Compatible []ImageInfo `json:"compatible"`
	Other      []ImageInfo `json:"other"`
}

// Newest returns the newest compatible image
func (r Result) Newest() (ImageInfo, bool) {
	if len(r.Compatible) == 0 {
		return ImageInfo{}, false
	}
	return r.Compatible[0], true
}

// NewestDownloaded returns the newest compatible image already on disk
func (r Result) NewestDownloaded() (ImageInfo, bool) {
	for _, info := range r.Compatible {
		if info.IsDownloaded {
			return info, true
		}
	}
	return ImageInfo{}, false
}

// Mounted returns the compatible image whose signature the device reported as mounted
func (r Result) Mounted() (ImageInfo, bool) {
	for _, info := range r.Compatible {
		if info.IsMounted {
			return info, true
		}
	}
	return ImageInfo{}, false
}

// Resolve annotates every eligible manifest entry with its compatibility,
// download and mount state and splits them into compatible and other images,
// each sorted newest first.
//
// mounted is the signature the device reports for its mounted image; nil
// skips the mount check.
func Resolve(m Manifest, dev DeviceVersion, mounted []byte, root string) Result {
	var res Result

	for version, set := range m {
		if version == FallbackKey || !set.Eligible() {
			continue
		}
		info := ImageInfo{
			Version:      version,
			DmgURL:       set.ImageURL,
			SigURL:       set.SignatureURL,
			IsDownloaded: IsDownloaded(root, version),
			IsCompatible: IsCompatible(version, dev),
		}
		if info.IsCompatible && info.IsDownloaded && mounted != nil {
			info.IsMounted = VerifySignature(filepath.Join(ImageDir(root, version), SignatureName), mounted)
		}
		if info.IsCompatible {
			res.Compatible = append(res.Compatible, info)
		} else {
			res.Other = append(res.Other, info)
		}
	}

	sortImages(res.Compatible)
	sortImages(res.Other)

	return res
}

func sortImages(images []ImageInfo) {
	sort.Slice(images, func(i, j int) bool {
		return ByVersionDesc{images[i].Version, images[j].Version}.Less(0, 1)
	})
}
