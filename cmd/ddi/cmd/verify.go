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
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/ddi/internal/colors"
	"github.com/blacktop/ddi/internal/config"
	"github.com/blacktop/ddi/pkg/ddi"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringP("lookup", "l", "", "saved LookupImage plist response from the device")
	verifyCmd.Flags().StringP("mounted", "m", "", "raw mounted image signature")
	verifyCmd.MarkFlagsOneRequired("lookup", "mounted")
	verifyCmd.MarkFlagsMutuallyExclusive("lookup", "mounted")
}

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:   "verify <VERSION|SIGNATURE>",
	Short: "Check whether a disk image is the one mounted on a device",
	Long: `Compare a local image signature with the signature the device reports
for its mounted image. The signatures must be byte for byte identical.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		lookup, _ := cmd.Flags().GetString("lookup")
		mountedPath, _ := cmd.Flags().GetString("mounted")

		var (
			mounted []byte
			err     error
		)
		if len(lookup) > 0 {
			mounted, err = (&flagDevice{lookup: lookup}).MountedSignature(cmd.Context(), "")
		} else {
			mounted, err = os.ReadFile(mountedPath)
		}
		if err != nil {
			return fmt.Errorf("failed to get mounted signature: %w", err)
		}

		sigPath := args[0]
		if _, err := os.Stat(sigPath); os.IsNotExist(err) {
			conf, err := config.LoadConfig()
			if err != nil {
				return err
			}
			sigPath = filepath.Join(ddi.ImageDir(conf.DownloadDir, args[0]), ddi.SignatureName)
		}
		log.WithField("path", sigPath).Debug("verifying signature")

		if !ddi.VerifySignature(sigPath, mounted) {
			fmt.Println(colors.Error().Sprint("✗ signature does not match the mounted image"))
			return fmt.Errorf("signature mismatch")
		}
		fmt.Println(colors.Mounted().Sprint("✓ signature matches the mounted image"))
		return nil
	},
}
