package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"k8s.io/examples/AI/fractal/pkg/blobs"
	"k8s.io/examples/AI/fractal/pkg/rnn"
	"k8s.io/klog/v2"
)

// Publish encodes states and uploads them to store under their SHA-256.
func Publish(ctx context.Context, store blobs.Blobstore, states []rnn.ConnectionState) (blobs.BlobInfo, error) {
	log := klog.FromContext(ctx)

	f, err := os.CreateTemp("", "checkpoint")
	if err != nil {
		return blobs.BlobInfo{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err := os.Remove(f.Name()); err != nil {
			log.Error(err, "removing temp file", "path", f.Name())
		}
	}()

	hasher := sha256.New()
	if err := Encode(io.MultiWriter(f, hasher), states); err != nil {
		f.Close()
		return blobs.BlobInfo{}, fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return blobs.BlobInfo{}, fmt.Errorf("closing temp file: %w", err)
	}

	info := blobs.BlobInfo{Hash: hex.EncodeToString(hasher.Sum(nil))}
	if err := store.Upload(ctx, f.Name(), info); err != nil {
		return blobs.BlobInfo{}, fmt.Errorf("uploading checkpoint: %w", err)
	}
	log.Info("published checkpoint", "hash", info.Hash, "connections", len(states))
	return info, nil
}

// Loader fetches checkpoints, retrying failed downloads.
type Loader struct {
	// Reader is the interface to fetch blobs
	Reader blobs.BlobReader

	// MaxDownloadAttempts is the number of times to attempt a download before failing
	MaxDownloadAttempts int

	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
}

// Fetch downloads the checkpoint, verifies its hash and decodes it. A
// missing blob is not retried.
func (l *Loader) Fetch(ctx context.Context, info blobs.BlobInfo) ([]rnn.ConnectionState, error) {
	f, err := os.CreateTemp("", "checkpoint")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	f.Close()
	p := f.Name()
	defer os.Remove(p)

	if err := l.downloadToFile(ctx, info, p); err != nil {
		return nil, fmt.Errorf("downloading checkpoint %v: %w", info, err)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != info.Hash {
		return nil, fmt.Errorf("checkpoint %v has hash %s: %w", info, got, ErrCorrupt)
	}
	return Decode(bytes.NewReader(data))
}

func (l *Loader) downloadToFile(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	attempt := 0
	for {
		attempt++

		err := l.Reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		if attempt >= l.MaxDownloadAttempts || errors.Is(err, os.ErrNotExist) {
			return err
		}

		log.Error(err, "downloading blob, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.RetryInterval):
		}
	}
}
