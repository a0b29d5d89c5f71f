package manager

import (
	"context"

	"github.com/blacktop/ddi/pkg/ddi"
)

// Device is the device side the manager talks to
type Device interface {
	// OSVersion returns the major/minor OS version of the device
	OSVersion(ctx context.Context, udid string) (ddi.DeviceVersion, error)
	// MountedSignature returns the signature of the currently mounted developer image.
	// It returns ddi.ErrDeviceLocked when the device is passcode locked and
	// ddi.ErrNotMounted when nothing is mounted.
	MountedSignature(ctx context.Context, udid string) ([]byte, error)
	// Mount uploads and mounts the image stored in imageDir
	Mount(ctx context.Context, udid, imageDir string) error
}
