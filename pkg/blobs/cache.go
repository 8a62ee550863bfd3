package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Cache serves blobs from a local directory, filling misses from Upstream.
type Cache struct {
	BaseDir  string
	Upstream BlobReader
}

// Open returns the cached blob. A blob that neither the cache nor the
// upstream has is reported with codes.NotFound.
func (c *Cache) Open(ctx context.Context, info BlobInfo) (*os.File, error) {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	localPath := filepath.Join(c.BaseDir, info.Hash)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %v: %w", info, err)
	}

	if c.Upstream == nil {
		return nil, status.Errorf(codes.NotFound, "blob %v not found", info)
	}

	log.Info("blob not cached, fetching from upstream", "hash", info.Hash)
	if err := c.Upstream.Download(ctx, info, localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %v not found", info)
		}
		return nil, fmt.Errorf("fetching blob %v: %w", info, err)
	}
	return os.Open(localPath)
}
