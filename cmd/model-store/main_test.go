package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataviz/strata/pkg/blobs"
)

type fakeBlobstore struct {
	objects   map[string][]byte
	downloads int
}

func (f *fakeBlobstore) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	b, ok := f.objects[info.Key]
	if !ok {
		return os.ErrNotExist
	}
	f.downloads++
	_, err := blobs.WriteFile(ctx, bytes.NewReader(b), destPath)
	return err
}

func (f *fakeBlobstore) Upload(ctx context.Context, sourcePath string, info blobs.BlobInfo) error {
	if _, ok := f.objects[info.Key]; ok {
		return nil
	}
	b, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	f.objects[info.Key] = b
	return nil
}

func TestServeBlobs(t *testing.T) {
	store := &fakeBlobstore{objects: map[string][]byte{"mlp.onnx": []byte("model bytes")}}
	dir := t.TempDir()
	srv := httptest.NewServer(&httpServer{blobCache: &blobCache{BaseDir: dir, blobstore: store}})
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/mlp.onnx")
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "model bytes", string(b))
	}
	assert.Equal(t, 1, store.downloads, "second request is served from the cache")

	resp, err := http.Get(srv.URL + "/missing.onnx")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/tree.json", strings.NewReader(`{"modules": []}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"modules": []}`, string(store.objects["tree.json"]))
	_, err = os.Stat(filepath.Join(dir, "tree.json"))
	assert.NoError(t, err)

	resp, err = http.Get(srv.URL + "/a/b")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidKey(t *testing.T) {
	assert.True(t, validKey("resnet18.onnx"))
	for _, key := range []string{"", ".", "..", `a\b`} {
		assert.False(t, validKey(key), key)
	}
}
