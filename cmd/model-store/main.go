package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/examples/AI/fractal/pkg/blobs"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	listen := os.Getenv("LISTEN")
	if listen == "" {
		listen = ":8080"
	}
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/blobserver/blobs"
	}
	cacheBucket := os.Getenv("CACHE_BUCKET")
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.StringVar(&cacheBucket, "cache-bucket", cacheBucket, "upstream for cache misses: gs://<bucketName>[/prefix] or a local directory")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	cacheDir, err := expandHome(cacheDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var or --cache-bucket")
	}

	var upstream blobs.BlobReader
	if strings.HasPrefix(cacheBucket, "gs://") {
		gcs, err := blobs.ParseGCSURL(cacheBucket)
		if err != nil {
			return err
		}
		defer gcs.Close()
		log.Info("using GCS cache", "bucket", gcs.Bucket, "prefix", gcs.Prefix)
		upstream = gcs
	} else {
		dir, err := expandHome(cacheBucket)
		if err != nil {
			return err
		}
		log.Info("using local blob directory", "dir", dir)
		upstream = &blobs.LocalBlobstore{Dir: dir}
	}

	handler := &blobs.Handler{
		Cache: &blobs.Cache{
			BaseDir:  cacheDir,
			Upstream: upstream,
		},
	}

	log.Info("serving blobs", "listen", listen)
	if err := http.ListenAndServe(listen, handler); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}
	return nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(p, "~/")), nil
}
