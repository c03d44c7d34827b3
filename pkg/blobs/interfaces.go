package blobs

import (
	"context"
	"io"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore under info.Key.
	// If an object with the same key already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

type BlobWriter interface {
	// Put writes src to info.Key, replacing any existing object.
	Put(ctx context.Context, info BlobInfo, src io.Reader) error
}

type BlobInfo struct {
	// Key is the object name within the store, or a full URL for stores without a base URL.
	Key string
}
