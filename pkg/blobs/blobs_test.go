package blobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func writeBlob(t *testing.T, dir string, data []byte) (string, BlobInfo) {
	sum := sha256.Sum256(data)
	info := BlobInfo{Hash: hex.EncodeToString(sum[:])}
	p := filepath.Join(dir, "source")
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("writing %q: %v", p, err)
	}
	return p, info
}

func TestValidate(t *testing.T) {
	grid := []struct {
		hash  string
		valid bool
	}{
		{hash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", valid: true},
		{hash: "e3b0c442", valid: false},
		{hash: "../../etc/passwd", valid: false},
		{hash: "", valid: false},
	}
	for _, g := range grid {
		err := BlobInfo{Hash: g.hash}.Validate()
		if (err == nil) != g.valid {
			t.Errorf("Validate(%q): expected valid=%v, got %v", g.hash, g.valid, err)
		}
	}
}

func TestLocalBlobstore(t *testing.T) {
	ctx := context.Background()
	data := []byte("some weights")
	source, info := writeBlob(t, t.TempDir(), data)

	store := &LocalBlobstore{Dir: filepath.Join(t.TempDir(), "blobs")}
	if err := store.Upload(ctx, source, info); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	// A second upload of the same hash is a no-op.
	if err := store.Upload(ctx, source, info); err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "dest")
	if err := store.Download(ctx, info, dest); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected %q, got %q", data, got)
	}

	missing := BlobInfo{Hash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}
	if err := store.Download(ctx, missing, dest); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestBlobServer(t *testing.T) {
	ctx := context.Background()
	data := []byte("checkpoint bytes")
	source, info := writeBlob(t, t.TempDir(), data)

	upstream := &LocalBlobstore{Dir: t.TempDir()}
	if err := upstream.Upload(ctx, source, info); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	cacheDir := t.TempDir()
	server := httptest.NewServer(&Handler{Cache: &Cache{BaseDir: cacheDir, Upstream: upstream}})
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing %q: %v", server.URL, err)
	}
	reader := &BlobServer{BlobserverURL: u, HTTPClient: server.Client()}

	dest := filepath.Join(t.TempDir(), "dest")
	if err := reader.Download(ctx, info, dest); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected %q, got %q", data, got)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, info.Hash)); err != nil {
		t.Errorf("blob was not cached: %v", err)
	}

	missing := BlobInfo{Hash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}
	if err := reader.Download(ctx, missing, dest); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}

	resp, err := server.Client().Get(server.URL + "/not-a-hash")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %v", resp.Status)
	}

	req, err := http.NewRequest(http.MethodPost, server.URL+"/"+info.Hash, nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	resp, err = server.Client().Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %v", resp.Status)
	}
}

func TestParseGCSURL(t *testing.T) {
	store, err := ParseGCSURL("gs://bucket/checkpoints")
	if err != nil {
		t.Fatalf("ParseGCSURL failed: %v", err)
	}
	if store.Bucket != "bucket" || store.Prefix != "checkpoints/" {
		t.Errorf("unexpected store %q %q", store.Bucket, store.Prefix)
	}
	if _, err := ParseGCSURL("s3://bucket"); err == nil {
		t.Errorf("expected an error for a non-GCS URL")
	}
}
