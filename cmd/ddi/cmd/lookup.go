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
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/blacktop/ddi/internal/colors"
	"github.com/blacktop/ddi/pkg/ddi"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(lookupCmd)
	lookupCmd.Flags().StringP("save", "s", "", "save the mounted signature to file")
}

// lookupCmd represents the lookup command
var lookupCmd = &cobra.Command{
	Use:           "lookup <PLIST>",
	Short:         "Decode a saved mobile_image_mounter LookupImage response",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("save")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		sig, err := ddi.ParseLookupImageResponse(data)
		switch {
		case errors.Is(err, ddi.ErrDeviceLocked):
			fmt.Println(colors.Error().Sprint("device is locked"))
			return err
		case errors.Is(err, ddi.ErrNotMounted):
			fmt.Println(colors.Missing().Sprint("no developer disk image mounted"))
			return nil
		case err != nil:
			return err
		}

		fmt.Printf("%s %s\n", colors.Mounted().Sprint("mounted image signature:"), colors.Faint().Sprint(hex.EncodeToString(sig)))
		if len(output) > 0 {
			if err := os.WriteFile(output, sig, 0o644); err != nil {
				return fmt.Errorf("failed to write signature: %w", err)
			}
		}
		return nil
	},
}
