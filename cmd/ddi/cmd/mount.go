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

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/ddi/internal/colors"
	"github.com/blacktop/ddi/pkg/ddi"
	"github.com/blacktop/ddi/pkg/manager"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(mountCmd)
	addDeviceFlags(mountCmd)
	mountCmd.Flags().StringP("udid", "u", "", "device UniqueDeviceID")
	mountCmd.Flags().String("mounter", DefaultMounter, "command that uploads and mounts {image} with {signature} on {udid}")
}

// mountCmd represents the mount command
var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount a compatible developer disk image, downloading it first if needed",
	Long: heredoc.Doc(`
		Make sure a developer disk image compatible with the device is mounted.

		Nothing happens when the LookupImage response shows an image is already
		mounted. Otherwise the newest compatible image on disk is mounted, or the
		newest compatible image is downloaded and then mounted.`),
	Example: heredoc.Doc(`
		❯ ddi mount --device-version 17.4 --udid 00008110-000A1B2C3D4E5F6G
		❯ ddi mount -d 15.7 --lookup lookup.plist --mounter "ideviceimagemounter -u {udid} {image} {signature}"`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		udid, _ := cmd.Flags().GetString("udid")

		dev, err := deviceFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mgr, err := buildManager(dev)
		if err != nil {
			return err
		}
		mgr.Events().OnceManifestReady(func(err error) {
			if err != nil {
				log.WithError(err).Warn("failed to refresh disk image manifest")
				return
			}
			log.Debug("disk image manifest refreshed")
		})
		mgr.Start(ctx)

		out, err := mgr.EnsureMounted(ctx, udid)
		if err != nil {
			if errors.Is(err, ddi.ErrDeviceLocked) {
				return fmt.Errorf("device is locked, unlock it and try again: %w", err)
			}
			return err
		}

		switch out.Status {
		case manager.StatusAlreadyMounted:
			log.Info("a developer disk image is already mounted")
			return nil
		case manager.StatusMounted:
			log.Infof("mounted disk image %s", colors.Version().Sprint(out.Version))
			return nil
		case manager.StatusPending:
		default:
			return fmt.Errorf("mount %s", out.Status)
		}

		bars := newProgressBars()
		unsubscribe := mgr.Events().OnDownloadProgress(bars.update)
		defer unsubscribe()

		var mountErr error
		if err := ctrlc.Default.Run(ctx, func() error {
			mountErr = <-out.Done
			return nil
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				cancelDownloads(mgr)
				bars.wait()
				return nil
			}
			return err
		}
		bars.finish(out.Version, mountErr)
		bars.wait()

		if mountErr != nil {
			return mountErr
		}
		log.Info("mounted compatible disk image")
		return nil
	},
}
