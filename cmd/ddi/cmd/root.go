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
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/blacktop/ddi/internal/colors"
	"github.com/blacktop/ddi/internal/config"
	"github.com/blacktop/ddi/internal/download"
	"github.com/blacktop/ddi/pkg/manager"
	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// Verbose boolean flag for verbose logging
	Verbose bool
	// Color boolean flag for colorized output
	Color bool
	// AppVersion stores the plugin's version
	AppVersion string
	// AppBuildTime stores the plugin's build time
	AppBuildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ddi",
	Short: "Find, download and verify Developer Disk Images",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		if viper.IsSet("color") {
			c := viper.GetBool("color")
			colors.Init(&c)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (%s)", AppVersion, AppBuildTime)
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/ddi/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	rootCmd.PersistentFlags().String("manifest-url", "", "disk image manifest URL")
	rootCmd.PersistentFlags().StringP("output", "o", "", "folder to download disk images to (default ./devdiskimages)")
	rootCmd.PersistentFlags().String("proxy", "", "HTTP/HTTPS proxy")
	rootCmd.PersistentFlags().Bool("insecure", false, "do not verify ssl certs")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindPFlag("manifest-url", rootCmd.PersistentFlags().Lookup("manifest-url"))
	viper.BindPFlag("download-dir", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("proxy", rootCmd.PersistentFlags().Lookup("proxy"))
	viper.BindPFlag("insecure", rootCmd.PersistentFlags().Lookup("insecure"))
	viper.BindEnv("color", "CLICOLOR")
	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "ddi"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("ddi")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.WithField("path", viper.ConfigFileUsed()).Debug("using config file")
	}
}

// buildManager builds a Manager from the loaded config without touching the network
func buildManager(dev manager.Device) (*manager.Manager, error) {
	conf, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	client := download.NewClient(conf.Proxy, conf.Insecure)
	return manager.New(&manager.Config{
		ManifestURL: conf.ManifestURL,
		DownloadDir: conf.DownloadDir,
		Client:      client,
		Fetcher:     download.NewDownloader(client, true),
		Device:      dev,
	}), nil
}

// newManager builds a Manager and makes sure it holds a manifest, falling back
// to the cached copy when the fetch fails.
func newManager(ctx context.Context, dev manager.Device) (*manager.Manager, error) {
	mgr, err := buildManager(dev)
	if err != nil {
		return nil, err
	}

	sp := spinner.New(spinner.CharSets[38], 100*time.Millisecond)
	sp.Prefix = colors.Heading().Sprint("   • Fetching disk image manifest... ")
	sp.Writer = os.Stderr
	sp.Start()
	err = mgr.Store().Fetch(ctx)
	sp.Stop()
	if err != nil {
		if cerr := mgr.Store().LoadCached(); cerr != nil {
			return nil, fmt.Errorf("failed to get disk image manifest: %w", err)
		}
		log.WithError(err).Warn("using cached disk image manifest")
	}

	return mgr, nil
}

// cancelDownloads aborts every in-flight download of mgr
func cancelDownloads(mgr *manager.Manager) {
	for _, version := range mgr.ActiveDownloads() {
		if mgr.CancelDownload(version) {
			log.WithField("version", version).Warn("download cancelled")
		}
	}
}
