package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/blobs"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/strata/model-store"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	cacheBucket := os.Getenv("CACHE_BUCKET")
	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var")
	}
	if !strings.HasPrefix(cacheBucket, "gs://") {
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	}
	cacheBucket = strings.TrimPrefix(cacheBucket, "gs://")
	log.Info("using GCS cache", "bucket", cacheBucket)

	s := &httpServer{
		blobCache: &blobCache{
			BaseDir:   cacheDir,
			blobstore: &blobs.GCSBlobstore{Bucket: cacheBucket},
		},
	}

	klog.Infof("serving on %q", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		key := tokens[0]
		if !validKey(key) {
			http.Error(w, "invalid key", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.serveGETBlob(w, r, key)
			return
		case http.MethodPut:
			s.servePUTBlob(w, r, key)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

// validKey accepts model file names such as resnet18.onnx.
func validKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, `/\`)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	f, err := s.blobCache.GetBlob(ctx, key)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting blob")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	p := f.Name()

	log.Info("serving blob", "path", p)
	http.ServeFile(w, r, p)
}

func (s *httpServer) servePUTBlob(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	n, err := s.blobCache.PutBlob(ctx, key, r)
	if err != nil {
		log.Error(err, "error storing blob", "key", key)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	log.Info("stored blob", "key", key, "bytes", n)
	w.WriteHeader(http.StatusCreated)
}

type blobCache struct {
	BaseDir   string
	blobstore blobs.Blobstore
}

// GetBlob opens the cached copy of key, downloading it from the blobstore on a miss.
func (c *blobCache) GetBlob(ctx context.Context, key string) (*os.File, error) {
	log := klog.FromContext(ctx)

	localPath := filepath.Join(c.BaseDir, key)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", key, err)
	}

	log.Info("blob not in cache, downloading", "key", key)
	if err := c.blobstore.Download(ctx, blobs.BlobInfo{Key: key}, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %q not found", key)
		}
		return nil, fmt.Errorf("downloading blob %q: %w", key, err)
	}
	return os.Open(localPath)
}

// PutBlob caches the request body under key and uploads it to the blobstore.
func (c *blobCache) PutBlob(ctx context.Context, key string, r *http.Request) (int64, error) {
	localPath := filepath.Join(c.BaseDir, key)
	n, err := blobs.WriteFile(ctx, r.Body, localPath)
	if err != nil {
		return 0, err
	}
	if err := c.blobstore.Upload(ctx, localPath, blobs.BlobInfo{Key: key}); err != nil {
		return 0, fmt.Errorf("uploading blob %q: %w", key, err)
	}
	return n, nil
}
