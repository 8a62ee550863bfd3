package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSBlobstore stores blobs as objects named Prefix + hash in a GCS bucket.
type GCSBlobstore struct {
	Bucket string
	Prefix string

	mutex  sync.Mutex
	client *storage.Client
}

var _ Blobstore = (*GCSBlobstore)(nil)

// ParseGCSURL splits gs://bucket/prefix into a GCSBlobstore.
func ParseGCSURL(u string) (*GCSBlobstore, error) {
	if !strings.HasPrefix(u, "gs://") {
		return nil, fmt.Errorf("%q is not a GCS bucket URL (gs://<bucketName>)", u)
	}
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u, "gs://"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("%q has no bucket name", u)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSBlobstore{Bucket: bucket, Prefix: prefix}, nil
}

func (j *GCSBlobstore) storageClient(ctx context.Context) (*storage.Client, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.client == nil {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating GCS storage client: %w", err)
		}
		j.client = client
	}
	return j.client, nil
}

// Close releases the storage client, if one was created.
func (j *GCSBlobstore) Close() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.client == nil {
		return nil
	}
	err := j.client.Close()
	j.client = nil
	return err
}

func (j *GCSBlobstore) object(ctx context.Context, info BlobInfo) (*storage.ObjectHandle, string, error) {
	if err := info.Validate(); err != nil {
		return nil, "", err
	}
	client, err := j.storageClient(ctx)
	if err != nil {
		return nil, "", err
	}
	objectKey := path.Join(j.Prefix, info.Hash)
	return client.Bucket(j.Bucket).Object(objectKey), "gs://" + j.Bucket + "/" + objectKey, nil
}

func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	obj, gcsURL, err := j.object(ctx, info)
	if err != nil {
		return err
	}

	if _, err := obj.Attrs(ctx); err == nil {
		log.Info("object already exists in GCS", "url", gcsURL)
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("getting object attributes for %q: %w", gcsURL, err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	log.Info("uploading blob to GCS", "source", sourcePath, "destination", gcsURL)

	startedAt := time.Now()
	// Fails instead of overwriting if a concurrent upload got there first.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded blob to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	obj, gcsURL, err := j.object(ctx, info)
	if err != nil {
		return err
	}

	log.Info("downloading blob from GCS", "source", gcsURL, "destination", destinationPath)

	startedAt := time.Now()
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("blob %q not found in GCS: %w", gcsURL, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded blob from GCS", "source", gcsURL, "destination", destinationPath, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

// writeToFile copies src into a temp file next to destinationPath and renames
// it into place, so readers never see a partial blob.
func writeToFile(ctx context.Context, src io.Reader, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("copying blob: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
