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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/ddi/internal/colors"
	"github.com/blacktop/ddi/pkg/ddi"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(lsCmd)
	addDeviceFlags(lsCmd)
	lsCmd.Flags().BoolP("all", "a", false, "also list images that are not compatible")
}

// lsCmd represents the ls command
var lsCmd = &cobra.Command{
	Use:           "ls",
	Aliases:       []string{"list"},
	Short:         "List disk images and their compatibility with a device",
	Example: heredoc.Doc(`
		# List every image in the manifest
		❯ ddi ls

		# Show which images an iOS 17.4 device can mount and which one is mounted
		❯ ddi ls --device-version 17.4 --lookup lookup.plist`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		showAll, _ := cmd.Flags().GetBool("all")

		dev, err := deviceFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()

		mgr, err := newManager(ctx, dev)
		if err != nil {
			return err
		}

		mounted, err := mgr.MountedSignature(ctx, "")
		if err != nil {
			if errors.Is(err, ddi.ErrDeviceLocked) {
				return fmt.Errorf("device is locked, unlock it to check the mounted image: %w", err)
			}
			if !errors.Is(err, ddi.ErrNotMounted) {
				log.WithError(err).Warn("failed to read mounted image signature")
			}
			mounted = nil
		}

		res := mgr.Images(dev.version, mounted)

		if info, ok := res.Mounted(); ok {
			fmt.Printf("%s %s\n\n", colors.Heading().Sprint("Mounted:"), colors.Mounted().Sprint(info.Version))
		} else if len(mounted) > 0 {
			fmt.Printf("%s %s\n\n", colors.Heading().Sprint("Mounted:"), colors.Faint().Sprint("an image not found in the download folder"))
		}

		if dev.version.Connected() {
			fmt.Println(colors.Heading().Sprintf("Compatible with iOS %s", dev.version))
			if len(res.Compatible) == 0 {
				fmt.Println(colors.Error().Sprint("  none"))
			}
			printImages(mgr.Root(), res.Compatible)
			if !showAll {
				return nil
			}
			fmt.Println()
			fmt.Println(colors.Heading().Sprint("Other"))
		}
		printImages(mgr.Root(), res.Other)

		return nil
	},
}

func printImages(root string, images []ddi.ImageInfo) {
	for _, img := range images {
		line := fmt.Sprintf("  %-8s %s", colors.Version().Sprint(img.Version), colors.State(img.IsDownloaded, img.IsMounted))
		if img.IsDownloaded {
			if fi, err := os.Stat(filepath.Join(ddi.ImageDir(root, img.Version), ddi.ImageName)); err == nil {
				line += colors.Faint().Sprintf(" (%s)", humanize.Bytes(uint64(fi.Size())))
			}
		}
		fmt.Println(line)
		log.WithFields(log.Fields{"dmg": img.DmgURL, "sig": img.SigURL}).Debug(img.Version)
	}
}
