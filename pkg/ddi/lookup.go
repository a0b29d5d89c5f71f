package ddi

import (
	"fmt"

	"github.com/blacktop/go-plist"
)

// LookupImageResponse is the mobile_image_mounter reply to a LookupImage command
type LookupImageResponse struct {
	Status         string   `plist:"Status,omitempty" json:"status,omitempty"`
	Error          string   `plist:"Error,omitempty" json:"error,omitempty"`
	DetailedError  string   `plist:"DetailedError,omitempty" json:"detailed_error,omitempty"`
	ImageSignature [][]byte `plist:"ImageSignature,omitempty" json:"image_signature,omitempty"`
}

// MountedSignature classifies a LookupImage reply.
// It returns ErrDeviceLocked when the device is passcode locked, ErrNotMounted
// when no image is mounted, and the first image signature otherwise.
func (r *LookupImageResponse) MountedSignature() ([]byte, error) {
	switch r.Error {
	case "":
	case "DeviceLocked":
		return nil, ErrDeviceLocked
	default:
		if len(r.DetailedError) > 0 {
			return nil, fmt.Errorf("lookup image failed: %s: %s", r.Error, r.DetailedError)
		}
		return nil, fmt.Errorf("lookup image failed: %s", r.Error)
	}
	if len(r.ImageSignature) == 0 || len(r.ImageSignature[0]) == 0 {
		return nil, ErrNotMounted
	}
	return r.ImageSignature[0], nil
}

// ParseLookupImageResponse decodes a raw LookupImage plist reply and classifies it
func ParseLookupImageResponse(data []byte) ([]byte, error) {
	resp := &LookupImageResponse{}
	if _, err := plist.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("failed to decode lookup image response: %w", err)
	}
	return resp.MountedSignature()
}
