package ddi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	semver "github.com/hashicorp/go-version"
)

// DeviceVersion is the major/minor OS version a device reports.
// The zero value means no device is connected.
type DeviceVersion struct {
	Major uint
	Minor uint
}

func (d DeviceVersion) String() string {
	return fmt.Sprintf("%d.%d", d.Major, d.Minor)
}

// Connected reports whether d describes a real device
func (d DeviceVersion) Connected() bool {
	return d.Major > 0
}

// ParseDeviceVersion converts a lockdown ProductVersion (e.g. 17.0.1) into a DeviceVersion
func ParseDeviceVersion(productVersion string) (DeviceVersion, error) {
	v, err := semver.NewVersion(productVersion)
	if err != nil {
		return DeviceVersion{}, fmt.Errorf("failed to parse device version %q: %w", productVersion, err)
	}
	segs := v.Segments()
	if len(segs) < 2 || segs[0] < 0 || segs[1] < 0 {
		return DeviceVersion{}, fmt.Errorf("invalid device version %q", productVersion)
	}
	return DeviceVersion{Major: uint(segs[0]), Minor: uint(segs[1])}, nil
}

// DeviceVersionFromPacked decodes a version packed as major<<16 | minor<<8 | patch
func DeviceVersionFromPacked(v uint32) DeviceVersion {
	return DeviceVersion{
		Major: uint((v >> 16) & 0xff),
		Minor: uint((v >> 8) & 0xff),
	}
}

func versionParts(v string) []int {
	fields := strings.Split(v, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		parts[i] = n
	}
	return parts
}

// CompareVersions compares two dotted version strings component by component.
// Missing and non-numeric components count as 0.
// The result will be 0 if v == w, -1 if v < w, or +1 if v > w.
func CompareVersions(v, w string) int {
	pv := versionParts(v)
	pw := versionParts(w)
	for i := 0; i < max(len(pv), len(pw)); i++ {
		var a, b int
		if i < len(pv) {
			a = pv[i]
		}
		if i < len(pw) {
			b = pw[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return +1
		}
	}
	return 0
}

// ByVersionDesc implements sort.Interface ordering version strings newest first
type ByVersionDesc []string

func (vs ByVersionDesc) Len() int      { return len(vs) }
func (vs ByVersionDesc) Swap(i, j int) { vs[i], vs[j] = vs[j], vs[i] }
func (vs ByVersionDesc) Less(i, j int) bool {
	if cmp := CompareVersions(vs[i], vs[j]); cmp != 0 {
		return cmp > 0
	}
	// "16.1" and "16.1.0" compare equal; keep the order total
	return vs[i] > vs[j]
}

// SortVersions sorts version strings newest first
func SortVersions(list []string) {
	sort.Sort(ByVersionDesc(list))
}

// imageVersion extracts the major/minor of an image version string.
// ok is false when either component is not an integer.
func imageVersion(v string) (major, minor int, ok bool) {
	fields := strings.Split(v, ".")
	major, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, false
	}
	if len(fields) < 2 {
		return major, 0, true
	}
	minor, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// IsCompatible reports whether an image version can be mounted on a device.
//
// From iOS 16 on every device mounts the single 16.x image family. Older
// devices need an image whose major and minor match exactly.
func IsCompatible(imageVer string, dev DeviceVersion) bool {
	if !dev.Connected() {
		return false
	}
	major, minor, ok := imageVersion(imageVer)
	if !ok {
		return false
	}
	if dev.Major >= universalMajor {
		return major == universalMajor
	}
	return major == int(dev.Major) && minor == int(dev.Minor)
}
