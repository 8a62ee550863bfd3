package blobs

import (
	"context"
	"encoding/hex"
	"fmt"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore, using the given hash as the object key.
	// If an object with the same hash already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

// BlobInfo identifies a blob by the hex-encoded SHA-256 of its contents.
type BlobInfo struct {
	Hash string
}

func (i BlobInfo) String() string {
	return i.Hash
}

// Validate rejects hashes that could not have come from sha256, which also
// keeps them safe to use as object keys and file names.
func (i BlobInfo) Validate() error {
	b, err := hex.DecodeString(i.Hash)
	if err != nil {
		return fmt.Errorf("invalid blob hash %q: %w", i.Hash, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("invalid blob hash %q: expected 32 bytes, got %d", i.Hash, len(b))
	}
	return nil
}
