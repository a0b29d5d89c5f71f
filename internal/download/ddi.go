package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// DefaultDDIManifestURL is the community maintained list of Developer Disk Images
const DefaultDDIManifestURL = "https://raw.githubusercontent.com/uncor3/resources/refs/heads/main/DeveloperDiskImages.json"

// GetDDIManifest fetches the raw DeveloperDiskImages.json manifest
func GetDDIManifest(ctx context.Context, client *http.Client, manifestURL string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if len(manifestURL) == 0 {
		manifestURL = DefaultDDIManifestURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create http request")
	}
	req.Header.Add("User-Agent", userAgent)

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api returned status: %s", res.Status)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest body")
	}

	return body, nil
}
