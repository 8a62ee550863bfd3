package blobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// LocalBlobstore keeps blobs as files named by their hash in Dir.
type LocalBlobstore struct {
	Dir string
}

var _ Blobstore = (*LocalBlobstore)(nil)

func (l *LocalBlobstore) path(info BlobInfo) (string, error) {
	if err := info.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(l.Dir, info.Hash), nil
}

func (l *LocalBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	p, err := l.path(info)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		klog.FromContext(ctx).V(2).Info("blob already exists", "path", p)
		return nil
	}
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return fmt.Errorf("creating blob directory %q: %w", l.Dir, err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if _, err := writeToFile(ctx, src, p); err != nil {
		return fmt.Errorf("storing blob %v: %w", info, err)
	}
	return nil
}

func (l *LocalBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	p, err := l.path(info)
	if err != nil {
		return err
	}
	src, err := os.Open(p)
	if err != nil {
		// os.Open already wraps os.ErrNotExist.
		return fmt.Errorf("opening blob %v: %w", info, err)
	}
	defer src.Close()

	if _, err := writeToFile(ctx, src, destPath); err != nil {
		return fmt.Errorf("copying blob %v: %w", info, err)
	}
	return nil
}
