// Package config is used to load the configuration file
package config

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/blacktop/ddi/internal/download"
	"github.com/spf13/viper"
)

// DefaultDownloadDir is where disk images are saved when download-dir is not set
const DefaultDownloadDir = "devdiskimages"

// Config is the configuration struct
type Config struct {
	ManifestURL string `mapstructure:"manifest-url"`
	DownloadDir string `mapstructure:"download-dir"`
	Proxy       string `mapstructure:"proxy"`
	Insecure    bool   `mapstructure:"insecure"`
}

func (c *Config) verify() error {
	if c.ManifestURL == "" {
		c.ManifestURL = download.DefaultDDIManifestURL
	} else if u, err := url.Parse(c.ManifestURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: invalid manifest-url %q", c.ManifestURL)
	}

	if c.DownloadDir == "" {
		c.DownloadDir = DefaultDownloadDir
	}
	dir, err := filepath.Abs(c.DownloadDir)
	if err != nil {
		return fmt.Errorf("config: failed to resolve download-dir: %v", err)
	}
	c.DownloadDir = dir

	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return fmt.Errorf("config: invalid proxy %q: %v", c.Proxy, err)
		}
	}

	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
