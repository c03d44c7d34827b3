package blobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

type Scheme string

const (
	SchemeFile Scheme = "file"
	SchemeGCS  Scheme = "gs"
	SchemeHTTP Scheme = "http"
)

// Location is where a model is read from or an export is written to.
type Location struct {
	Scheme Scheme
	// Path is the local path for file locations.
	Path string
	// Bucket and Key name a GCS object.
	Bucket string
	Key    string
	// URL is the full URL for http and https locations.
	URL string
}

func (l Location) String() string {
	switch l.Scheme {
	case SchemeGCS:
		return "gs://" + l.Bucket + "/" + l.Key
	case SchemeHTTP:
		return l.URL
	}
	return l.Path
}

// ParseLocation accepts a local path, gs://bucket/object, or an http(s) URL.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, fmt.Errorf("empty location")
	}
	switch {
	case strings.HasPrefix(s, "gs://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(s, "gs://"), "/")
		if !ok || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("GCS location %q must have the form gs://<bucket>/<object>", s)
		}
		return Location{Scheme: SchemeGCS, Bucket: bucket, Key: key}, nil
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		u, err := url.Parse(s)
		if err != nil {
			return Location{}, fmt.Errorf("parsing url %q: %w", s, err)
		}
		return Location{Scheme: SchemeHTTP, URL: u.String()}, nil
	case strings.HasPrefix(s, "file://"):
		s = strings.TrimPrefix(s, "file://")
	}
	if strings.HasPrefix(s, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Location{}, fmt.Errorf("getting home directory: %w", err)
		}
		s = filepath.Join(home, strings.TrimPrefix(s, "~/"))
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return Location{}, fmt.Errorf("resolving path %q: %w", s, err)
	}
	return Location{Scheme: SchemeFile, Path: abs}, nil
}

// Fetcher makes remote models available as local files in a cache directory.
type Fetcher struct {
	CacheDir string
	// GCS returns the store for a bucket; defaults to a GCSBlobstore.
	GCS func(bucket string) Blobstore
	// HTTP downloads absolute URLs; defaults to a ModelServer without a base URL.
	HTTP BlobReader

	// MaxDownloadAttempts is the number of times to attempt a download before failing.
	MaxDownloadAttempts int
	RetryDelay          time.Duration
}

func (f *Fetcher) gcs(bucket string) Blobstore {
	if f.GCS != nil {
		return f.GCS(bucket)
	}
	return &GCSBlobstore{Bucket: bucket}
}

// Fetch returns a local path holding the model at loc, downloading it into the cache if needed.
// The cached file keeps the remote file's extension, which selects the model loader.
func (f *Fetcher) Fetch(ctx context.Context, loc Location) (string, error) {
	log := klog.FromContext(ctx)

	var reader BlobReader
	var info BlobInfo
	var name string
	switch loc.Scheme {
	case SchemeFile:
		if _, err := os.Stat(loc.Path); err != nil {
			return "", fmt.Errorf("model file %q: %w", loc.Path, err)
		}
		return loc.Path, nil
	case SchemeGCS:
		reader, info, name = f.gcs(loc.Bucket), BlobInfo{Key: loc.Key}, loc.Key
	case SchemeHTTP:
		reader = f.HTTP
		if reader == nil {
			reader = &ModelServer{}
		}
		u, err := url.Parse(loc.URL)
		if err != nil {
			return "", fmt.Errorf("parsing url %q: %w", loc.URL, err)
		}
		info, name = BlobInfo{Key: loc.URL}, u.Path
	default:
		return "", fmt.Errorf("unsupported location scheme %q", loc.Scheme)
	}

	if f.CacheDir == "" {
		return "", fmt.Errorf("no cache directory configured for remote model %q", loc)
	}
	sum := sha256.Sum256([]byte(loc.String()))
	localPath := filepath.Join(f.CacheDir, hex.EncodeToString(sum[:8])+path.Ext(name))
	if _, err := os.Stat(localPath); err == nil {
		log.Info("using cached model", "location", loc.String(), "path", localPath)
		return localPath, nil
	}

	if err := f.downloadToFile(ctx, reader, info, localPath); err != nil {
		return "", fmt.Errorf("downloading model %q: %w", loc, err)
	}
	return localPath, nil
}

func (f *Fetcher) downloadToFile(ctx context.Context, reader BlobReader, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	maxAttempts := max(f.MaxDownloadAttempts, 1)
	attempt := 0
	for {
		attempt++

		err := reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts || errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "key", info.Key, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.RetryDelay):
		}
	}
}

// Store writes data to loc, a local path or a GCS object. Local files are replaced atomically.
func (f *Fetcher) Store(ctx context.Context, loc Location, data []byte) error {
	switch loc.Scheme {
	case SchemeFile:
		_, err := WriteFile(ctx, bytes.NewReader(data), loc.Path)
		return err
	case SchemeGCS:
		w, ok := f.gcs(loc.Bucket).(BlobWriter)
		if !ok {
			return fmt.Errorf("store for bucket %q is not writable", loc.Bucket)
		}
		return w.Put(ctx, BlobInfo{Key: loc.Key}, bytes.NewReader(data))
	}
	return fmt.Errorf("cannot write to %s locations", loc.Scheme)
}
