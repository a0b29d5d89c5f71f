package ddi

import (
	"bytes"
	"os"

	"github.com/apex/log"
)

// VerifySignature reports whether the signature file at path holds exactly the
// mounted signature blob. This is an identity check against what the device
// already has mounted, NOT a validation of the signature itself.
func VerifySignature(path string, mounted []byte) bool {
	local, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("failed to read signature")
		return false
	}
	if len(local) != len(mounted) || !bytes.Equal(local, mounted) {
		log.WithField("path", path).Debug("signatures do not match")
		return false
	}
	return true
}
