package blobs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2/ktesting"
)

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("gs://models/vision/resnet.onnx")
	require.NoError(t, err)
	assert.Equal(t, Location{Scheme: SchemeGCS, Bucket: "models", Key: "vision/resnet.onnx"}, loc)
	assert.Equal(t, "gs://models/vision/resnet.onnx", loc.String())

	loc, err = ParseLocation("https://example.com/m/net.json")
	require.NoError(t, err)
	assert.Equal(t, SchemeHTTP, loc.Scheme)

	loc, err = ParseLocation("file:///tmp/net.onnx")
	require.NoError(t, err)
	assert.Equal(t, Location{Scheme: SchemeFile, Path: "/tmp/net.onnx"}, loc)

	for _, bad := range []string{"", "gs://bucket-only", "gs:///key"} {
		_, err := ParseLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestFetchHTTPWithRetries(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		switch r.URL.Path {
		case "/models/net.onnx":
			if n == 1 {
				http.Error(w, "try again", http.StatusServiceUnavailable)
				return
			}
			io.WriteString(w, "model-bytes")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := &Fetcher{CacheDir: t.TempDir(), MaxDownloadAttempts: 3, RetryDelay: time.Millisecond}

	loc, err := ParseLocation(srv.URL + "/models/net.onnx")
	require.NoError(t, err)
	p, err := f.Fetch(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, ".onnx", filepath.Ext(p))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(b))
	assert.Equal(t, int32(2), requests.Load())

	// A second fetch is served from the cache.
	_, err = f.Fetch(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())

	missing, err := ParseLocation(srv.URL + "/models/missing.onnx")
	require.NoError(t, err)
	_, err = f.Fetch(ctx, missing)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchLocal(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "net.json")
	require.NoError(t, os.WriteFile(p, []byte("{}"), 0644))

	f := &Fetcher{}
	got, err := f.Fetch(ctx, Location{Scheme: SchemeFile, Path: p})
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = f.Fetch(ctx, Location{Scheme: SchemeFile, Path: filepath.Join(dir, "nope.json")})
	require.ErrorIs(t, err, os.ErrNotExist)
}

type memoryStore struct {
	objects map[string][]byte
}

func (m *memoryStore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	b, ok := m.objects[info.Key]
	if !ok {
		return os.ErrNotExist
	}
	_, err := WriteFile(ctx, bytes.NewReader(b), destPath)
	return err
}

func (m *memoryStore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	b, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	m.objects[info.Key] = b
	return nil
}

func (m *memoryStore) Put(ctx context.Context, info BlobInfo, src io.Reader) error {
	b, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	m.objects[info.Key] = b
	return nil
}

func TestFetchAndStoreGCS(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	store := &memoryStore{objects: map[string][]byte{"nets/tiny.json": []byte(`{"modules": []}`)}}
	f := &Fetcher{
		CacheDir: t.TempDir(),
		GCS: func(bucket string) Blobstore {
			assert.Equal(t, "bucket", bucket)
			return store
		},
	}

	p, err := f.Fetch(ctx, Location{Scheme: SchemeGCS, Bucket: "bucket", Key: "nets/tiny.json"})
	require.NoError(t, err)
	assert.Equal(t, ".json", filepath.Ext(p))

	require.NoError(t, f.Store(ctx, Location{Scheme: SchemeGCS, Bucket: "bucket", Key: "exports/a.txt"}, []byte("1.5\n")))
	assert.Equal(t, "1.5\n", string(store.objects["exports/a.txt"]))

	local := filepath.Join(t.TempDir(), "sub", "a.txt")
	require.NoError(t, f.Store(ctx, Location{Scheme: SchemeFile, Path: local}, []byte("2.5\n")))
	b, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "2.5\n", string(b))

	entries, err := os.ReadDir(filepath.Dir(local))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
