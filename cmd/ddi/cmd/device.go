/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/ddi/pkg/ddi"
	"github.com/spf13/cobra"
)

// DefaultMounter uploads and mounts an image with the ipsw idev tooling
const DefaultMounter = "ipsw idev img mount --udid {udid} {image} {signature}"

// flagDevice describes a device from command line flags: its OS version, an
// optional saved mobile_image_mounter LookupImage response and the external
// command that mounts images on it.
type flagDevice struct {
	version ddi.DeviceVersion
	lookup  string
	mounter string
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("device-version", "d", "", "device OS version (e.g. 17.4 or packed 0x110400)")
	cmd.Flags().StringP("lookup", "l", "", "saved LookupImage plist response from the device")
}

// parseDeviceVersion accepts a ProductVersion or a major<<16|minor<<8|patch packed hex value
func parseDeviceVersion(v string) (ddi.DeviceVersion, error) {
	if hex, ok := strings.CutPrefix(strings.ToLower(v), "0x"); ok {
		packed, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return ddi.DeviceVersion{}, fmt.Errorf("invalid packed device version %q: %w", v, err)
		}
		return ddi.DeviceVersionFromPacked(uint32(packed)), nil
	}
	return ddi.ParseDeviceVersion(v)
}

func deviceFromFlags(cmd *cobra.Command) (*flagDevice, error) {
	productVersion, _ := cmd.Flags().GetString("device-version")
	lookup, _ := cmd.Flags().GetString("lookup")

	dev := &flagDevice{lookup: lookup, mounter: DefaultMounter}
	if cmd.Flags().Lookup("mounter") != nil {
		dev.mounter, _ = cmd.Flags().GetString("mounter")
	}
	if len(productVersion) > 0 {
		v, err := parseDeviceVersion(productVersion)
		if err != nil {
			return nil, err
		}
		dev.version = v
	}
	return dev, nil
}

func (d *flagDevice) OSVersion(context.Context, string) (ddi.DeviceVersion, error) {
	if !d.version.Connected() {
		return d.version, fmt.Errorf("no device version given (use --device-version)")
	}
	return d.version, nil
}

func (d *flagDevice) MountedSignature(context.Context, string) ([]byte, error) {
	if len(d.lookup) == 0 {
		return nil, ddi.ErrNotMounted
	}
	data, err := os.ReadFile(d.lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to read LookupImage response: %w", err)
	}
	return ddi.ParseLookupImageResponse(data)
}

// mounterArgs expands the {udid}, {image} and {signature} placeholders of the mounter command
func mounterArgs(mounter, udid, imageDir string) ([]string, error) {
	args := strings.Fields(mounter)
	if len(args) == 0 {
		return nil, fmt.Errorf("no mounter command configured")
	}
	r := strings.NewReplacer(
		"{udid}", udid,
		"{image}", filepath.Join(imageDir, ddi.ImageName),
		"{signature}", filepath.Join(imageDir, ddi.SignatureName),
	)
	for i, arg := range args {
		args[i] = r.Replace(arg)
	}
	return args, nil
}

func (d *flagDevice) Mount(ctx context.Context, udid, imageDir string) error {
	args, err := mounterArgs(d.mounter, udid, imageDir)
	if err != nil {
		return err
	}
	log.WithField("cmd", strings.Join(args, " ")).Debug("running mounter")

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", args[0], err)
	}
	return nil
}
