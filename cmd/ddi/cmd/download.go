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
	"sync"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/ddi/internal/colors"
	"github.com/blacktop/ddi/pkg/manager"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

func init() {
	rootCmd.AddCommand(downloadCmd)
	addDeviceFlags(downloadCmd)
}

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:     "download [VERSION...]",
	Aliases: []string{"dl"},
	Short:   "Download disk images",
	Long: heredoc.Doc(`
		Download the image and signature of the given versions.

		With --device-version and no VERSION the newest image compatible with that
		device is downloaded, unless a compatible image is already on disk.
		With neither you are asked to pick from the manifest.`),
	Example: heredoc.Doc(`
		# Download specific versions
		❯ ddi download 16.4 15.7

		# Download the newest image an iOS 17.4 device can mount
		❯ ddi download --device-version 17.4`),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := deviceFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mgr, err := newManager(ctx, dev)
		if err != nil {
			return err
		}

		if len(args) == 0 && !dev.version.Connected() {
			args, err = pickVersions(mgr)
			if err != nil {
				if errors.Is(err, terminal.InterruptErr) {
					log.Warn("Exiting...")
					return nil
				}
				return err
			}
			if len(args) == 0 {
				return fmt.Errorf("no versions selected")
			}
		}

		bars := newProgressBars()
		defer bars.wait()
		unsubscribe := mgr.Events().OnDownloadProgress(bars.update)
		defer unsubscribe()

		if err := ctrlc.Default.Run(ctx, func() error {
			if len(args) == 0 {
				return downloadCompatible(ctx, mgr, bars)
			}
			return downloadVersions(ctx, mgr, bars, args)
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				cancelDownloads(mgr)
				return nil
			}
			return err
		}

		return nil
	},
}

func pickVersions(mgr *manager.Manager) ([]string, error) {
	var options []string
	for _, version := range mgr.Store().Manifest().Versions() {
		if mgr.IsDownloaded(version) {
			continue
		}
		options = append(options, version)
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("every disk image in the manifest is already downloaded")
	}

	var choices []string
	prompt := &survey.MultiSelect{
		Message:  "Choose disk image version(s):",
		Options:  options,
		PageSize: 25,
	}
	if err := survey.AskOne(prompt, &choices); err != nil {
		return nil, err
	}
	return choices, nil
}

func downloadCompatible(ctx context.Context, mgr *manager.Manager, bars *progressBars) error {
	out, err := mgr.DownloadCompatible(ctx, "")
	if err != nil {
		return err
	}
	switch out.Status {
	case manager.StatusDownloaded:
		log.Infof("compatible disk image %s already downloaded", colors.Version().Sprint(out.Version))
		return nil
	case manager.StatusPending:
		bars.add(out.Version)
		err := <-out.Done
		bars.finish(out.Version, err)
		return err
	default:
		return fmt.Errorf("download %s", out.Status)
	}
}

func downloadVersions(ctx context.Context, mgr *manager.Manager, bars *progressBars, versions []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(versions))
	for i, version := range versions {
		bars.add(version)
		wg.Add(1)
		mgr.Events().OnceDownloadFinished(version, func(v string, err error) {
			defer wg.Done()
			bars.finish(v, err)
			errs[i] = err
		})
		if _, err := mgr.Download(ctx, version); err != nil {
			log.WithError(err).WithField("version", version).Debug("download not started")
		}
	}
	wg.Wait()

	var failed int
	for i, err := range errs {
		if err != nil {
			log.WithError(err).WithField("version", versions[i]).Error("download failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(versions))
	}
	return nil
}

// progressBars renders one bar per downloading version, driven by the
// manager's aggregate progress events.
type progressBars struct {
	p    *mpb.Progress
	mu   sync.Mutex
	bars map[string]*mpb.Bar
}

func newProgressBars() *progressBars {
	return &progressBars{
		p: mpb.New(
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
		),
		bars: make(map[string]*mpb.Bar),
	}
}

func (b *progressBars) add(version string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bars[version]; ok {
		return
	}
	b.bars[version] = b.p.New(100,
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("\t%-8s", version)),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WCSyncSpace), "✅ "),
			decor.Name(" ] "),
		),
	)
}

func (b *progressBars) get(version string) *mpb.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bars[version]
}

func (b *progressBars) update(version string, percent int) {
	b.add(version)
	b.get(version).SetCurrent(int64(percent))
}

func (b *progressBars) finish(version string, err error) {
	bar := b.get(version)
	if bar == nil {
		return
	}
	if err != nil {
		bar.Abort(false)
		return
	}
	bar.SetCurrent(100)
}

func (b *progressBars) wait() {
	b.mu.Lock()
	for _, bar := range b.bars {
		if !bar.Completed() {
			bar.Abort(false)
		}
	}
	b.mu.Unlock()
	b.p.Wait()
}
