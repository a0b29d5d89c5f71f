// Package colors provides the TTY-aware styles used to print disk image state.
//
// Colors are disabled when stdout is not a terminal; fatih/color detects this.
// Init overrides the detected setting from CLI flags.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting when forceColor is non-nil
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

func Heading() *color.Color { return color.New(color.Bold, color.FgHiBlue) }
func Version() *color.Color { return color.New(color.Bold, color.FgHiWhite) }
func Faint() *color.Color   { return color.New(color.Faint, color.FgWhite) }
func Error() *color.Color   { return color.New(color.Bold, color.FgHiRed) }

// Mounted marks the image currently mounted on the device
func Mounted() *color.Color { return color.New(color.Bold, color.FgHiGreen) }

// Downloaded marks an image whose image and signature are both on disk
func Downloaded() *color.Color { return color.New(color.FgGreen) }

// Missing marks an image that still has to be downloaded
func Missing() *color.Color { return color.New(color.FgYellow) }

// State renders the local state of an image
func State(downloaded, mounted bool) string {
	switch {
	case mounted:
		return Mounted().Sprint("mounted")
	case downloaded:
		return Downloaded().Sprint("downloaded")
	default:
		return Missing().Sprint("not downloaded")
	}
}
