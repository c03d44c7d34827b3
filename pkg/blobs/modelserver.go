package blobs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// ModelServer downloads blobs over HTTP, from a blobserver or from absolute URLs.
type ModelServer struct {
	// BlobserverURL is the base URL to the blobserver, typically http://model-store.
	// When nil, BlobInfo.Key must be an absolute http or https URL.
	BlobserverURL *url.URL

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ BlobReader = &ModelServer{}

func (l *ModelServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	u := info.Key
	if l.BlobserverURL != nil {
		u = l.BlobserverURL.JoinPath(info.Key).String()
	}
	return l.downloadToFile(ctx, u, destPath)
}

func (l *ModelServer) downloadToFile(ctx context.Context, url string, destPath string) error {
	log := klog.FromContext(ctx)

	log.Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := l.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		if resp.StatusCode == 404 {
			return fmt.Errorf("blob not found at %q: %w", url, os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading from %q: %v", url, resp.Status)
	}

	n, err := WriteFile(ctx, resp.Body, destPath)
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", url, err)
	}

	log.Info("downloaded blob", "url", url, "bytes", n, "duration", time.Since(startedAt))

	return nil
}
