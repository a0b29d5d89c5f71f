package download

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"syscall"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpproxy"
)

const (
	userAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"
	partialExt  = ".download"
	maxAttempts = 3
)

// ProgressFunc receives the bytes written so far and the expected total.
// total is <= 0 when the server did not report a size.
type ProgressFunc func(received, total int64)

// Download is a downloader object
type Download struct {
	URL      string
	DestName string
	Headers  map[string]string
	Progress ProgressFunc

	size         int64
	bytesResumed int64
	resume       bool
	canResume    bool
	resumeAll    bool
	attempts     int

	client *http.Client
}

// NewClient creates the http client shared by downloads
func NewClient(proxy string, insecure bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             GetProxy(proxy),
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: insecure},
			ForceAttemptHTTP2: true,
		},
	}
}

// GetProxy takes either an input string or read the enviornment and returns a proxy function
func GetProxy(proxy string) func(*http.Request) (*url.URL, error) {
	if len(proxy) > 0 {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			log.WithError(err).Error("bad proxy url")
		}
		log.Debugf("proxy set to: %s", proxyURL)

		return http.ProxyURL(proxyURL)
	}

	conf := httpproxy.FromEnvironment()
	if len(conf.HTTPProxy) > 0 || len(conf.HTTPSProxy) > 0 {
		log.WithFields(log.Fields{
			"http_proxy":  conf.HTTPProxy,
			"https_proxy": conf.HTTPSProxy,
			"no_proxy":    conf.NoProxy,
		}).Debugf("proxy info from environment")
	}

	return http.ProxyFromEnvironment
}

// Downloader fetches files to disk, resuming partial downloads when the server allows it
type Downloader struct {
	client *http.Client
	resume bool
}

// NewDownloader creates a new downloader
func NewDownloader(client *http.Client, resume bool) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{client: client, resume: resume}
}

// Fetch downloads url to dest reporting progress along the way
func (d *Downloader) Fetch(ctx context.Context, url, dest string, progress ProgressFunc) error {
	dl := &Download{
		URL:       url,
		DestName:  dest,
		Progress:  progress,
		resumeAll: d.resume,
		client:    d.client,
	}
	return dl.Do(ctx)
}

func (d *Download) getHEAD(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.URL, nil)
	if err != nil {
		return errors.Wrap(err, "cannot create http request")
	}
	req.Header.Add("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.ContentLength < 0 {
		return fmt.Errorf("content length is not set")
	}

	d.size = resp.ContentLength

	if resp.Header.Get("Accept-Ranges") == "bytes" {
		d.canResume = true
	}

	return nil
}

func (d *Download) report(received int64) {
	if d.Progress != nil {
		d.Progress(received, d.size)
	}
}

type progressWriter struct {
	d       *Download
	written int64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	w.d.report(w.d.bytesResumed + w.written)
	return len(p), nil
}

// Do will download a url to a local file. It writes to DestName.download as it
// downloads and renames it to DestName once the body has been fully read.
func (d *Download) Do(ctx context.Context) error {
	if err := d.getHEAD(ctx); err != nil {
		log.WithError(err).WithField("url", d.URL).Debug("HEAD request failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create http GET request: %v", err)
	}
	req.Header.Add("User-Agent", userAgent)

	for k, v := range d.Headers {
		req.Header.Add(k, v)
	}

	d.resume = false
	d.bytesResumed = 0
	if d.canResume && d.resumeAll {
		if f, err := os.Stat(d.DestName + partialExt); err == nil && f.Size() > 0 && (d.size <= 0 || f.Size() < d.size) {
			d.resume = true
			d.bytesResumed = f.Size()
			rangeHeader := fmt.Sprintf("bytes=%d-", d.bytesResumed)
			log.WithField("range", rangeHeader).Debug("Setting Header")
			req.Header.Add("Range", rangeHeader)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) && d.attempts < maxAttempts {
			d.attempts++
			log.WithError(err).Warn("connection reset, trying again...")
			return d.Do(ctx)
		}
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if d.resume {
			log.WithField("file", d.DestName).Warn("server ignored range request, restarting download")
			d.resume = false
			d.bytesResumed = 0
		}
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("server return status: %s", resp.Status)
	}

	if d.size <= 0 && resp.ContentLength > 0 {
		d.size = resp.ContentLength + d.bytesResumed
	}

	// Apple likes to return 200 OK even when the file is not found/or is not available
	if resp.Header.Get("Content-type") == "text/html; charset=UTF-8" {
		log.Warn("Server returned a HTML page")
	}

	var dest *os.File
	if d.resume {
		log.WithField("file", d.DestName).Debug("Resuming a previous download")
		dest, err = os.OpenFile(d.DestName+partialExt, os.O_APPEND|os.O_WRONLY, 0644)
	} else {
		dest, err = os.Create(d.DestName + partialExt)
	}
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", d.DestName+partialExt)
	}

	d.report(d.bytesResumed)

	if _, err := io.Copy(dest, io.TeeReader(resp.Body, &progressWriter{d: d})); err != nil {
		dest.Close()
		return errors.Wrap(err, "failed to copy body reader data")
	}

	dest.Sync()
	if err := dest.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %v", d.DestName+partialExt, err)
	}

	if err := os.Rename(d.DestName+partialExt, d.DestName); err != nil {
		if linkErr, ok := err.(*os.LinkError); ok {
			return fmt.Errorf("failed to rename %s to %s: link error: %v", d.DestName+partialExt, d.DestName, linkErr.Err)
		}
		return fmt.Errorf("failed to rename %s to %s: %v", d.DestName+partialExt, d.DestName, err)
	}

	return nil
}
