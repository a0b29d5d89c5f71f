package ddi

import (
	"encoding/json"
	"fmt"
)

// manifestEntry is the wire form of one version in DeveloperDiskImages.json
type manifestEntry struct {
	Image         []json.RawMessage `json:"Image,omitempty"`
	Signature     []json.RawMessage `json:"Signature,omitempty"`
	Trustcache    []json.RawMessage `json:"Trustcache,omitempty"`
	BuildManifest []json.RawMessage `json:"BuildManifest,omitempty"`
}

// first returns the URL at index 0; later elements are never looked at
func first(urls []json.RawMessage) string {
	if len(urls) == 0 {
		return ""
	}
	var u string
	if err := json.Unmarshal(urls[0], &u); err != nil {
		return ""
	}
	return u
}

// ParseManifest parses a DeveloperDiskImages.json payload.
//
// A payload that is not a JSON object yields an empty manifest and an error.
// Entries that do not decode, the Fallback entry and entries missing either
// an image or a signature URL are skipped.
func ParseManifest(data []byte) (Manifest, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return Manifest{}, fmt.Errorf("invalid disk image manifest: %w", err)
	}
	if root == nil {
		return Manifest{}, fmt.Errorf("invalid disk image manifest: not a JSON object")
	}

	m := make(Manifest, len(root))
	for version, raw := range root {
		if version == FallbackKey {
			continue
		}
		var entry manifestEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		set := ArtifactSet{
			Version:          version,
			ImageURL:         first(entry.Image),
			SignatureURL:     first(entry.Signature),
			TrustcacheURL:    first(entry.Trustcache),
			BuildManifestURL: first(entry.BuildManifest),
		}
		if !set.Eligible() {
			continue
		}
		m[version] = set
	}

	return m, nil
}

// Versions returns the manifest's versions, newest first
func (m Manifest) Versions() []string {
	versions := make([]string, 0, len(m))
	for v := range m {
		versions = append(versions, v)
	}
	SortVersions(versions)
	return versions
}
