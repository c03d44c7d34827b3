package inspector

import (
	"github.com/strataviz/strata/pkg/blobs"
	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/modelgraph"
)

type Option func(*Inspector)

// WithCacheDir sets where remote models are downloaded to.
func WithCacheDir(dir string) Option {
	return func(i *Inspector) {
		i.fetcher.CacheDir = dir
	}
}

// WithExecutionMode forces a capture mode. By default ONNX models use graph mode and module trees use
// hook mode; module trees always use hook mode.
func WithExecutionMode(mode engine.Mode) Option {
	return func(i *Inspector) {
		i.mode = mode
	}
}

// WithFetcher replaces the model fetcher and export writer.
func WithFetcher(f *blobs.Fetcher) Option {
	return func(i *Inspector) {
		i.fetcher = f
	}
}

// WithBlobstore sets the store used for gs:// locations.
func WithBlobstore(store func(bucket string) blobs.Blobstore) Option {
	return func(i *Inspector) {
		i.fetcher.GCS = store
	}
}

func WithTokenizer(t modelgraph.Tokenizer) Option {
	return func(i *Inspector) {
		i.tokenizer = t
	}
}
