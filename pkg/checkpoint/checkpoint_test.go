package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"k8s.io/examples/AI/fractal/pkg/blobs"
	"k8s.io/examples/AI/fractal/pkg/engine/fallback"
	"k8s.io/examples/AI/fractal/pkg/rnn"
)

const architecture = `{
  "layers": [
    {"name": "in", "activation": "linear", "size": 2},
    {"name": "hidden", "activation": "tanh", "size": 3},
    {"name": "out", "activation": "linear", "size": 1}
  ],
  "connections": [
    {"source": "in", "destination": "hidden"},
    {"source": "hidden", "destination": "hidden", "delay": 1},
    {"source": "hidden", "destination": "out"}
  ],
  "inputs": ["in"],
  "outputs": ["out"],
  "init": {"mean": 0, "stdev": 1}
}`

func buildNetwork(t *testing.T, ctx context.Context, seed int64) *rnn.Network {
	a, err := rnn.ParseArchitecture([]byte(architecture))
	if err != nil {
		t.Fatalf("ParseArchitecture failed: %v", err)
	}
	e := fallback.New(fallback.Options{Seed: seed})
	n, err := a.Build(ctx, e, rnn.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() {
		n.Close()
		e.Close()
	})
	return n
}

func saveState(t *testing.T, ctx context.Context, seed int64) []rnn.ConnectionState {
	n := buildNetwork(t, ctx, seed)
	c, err := n.Rnn.Connection("hidden", "hidden")
	if err != nil {
		t.Fatalf("%v", err)
	}
	if err := c.InitAdadelta(ctx); err != nil {
		t.Fatalf("InitAdadelta failed: %v", err)
	}
	states, err := n.Rnn.SaveState(ctx)
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	return states
}

func TestEncodeDecode(t *testing.T) {
	ctx := context.Background()
	states := saveState(t, ctx, 1)

	var b bytes.Buffer
	if err := Encode(&b, states); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data := b.Bytes()
	decoded, err := Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(states, decoded) {
		t.Errorf("states changed in a round trip:\n%+v\n%+v", states, decoded)
	}

	for _, n := range []int{0, 3, len(data) / 2, len(data) - 1} {
		if _, err := Decode(bytes.NewReader(data[:n])); !errors.Is(err, ErrCorrupt) {
			t.Errorf("truncated to %d bytes: expected ErrCorrupt, got %v", n, err)
		}
	}
	if _, err := Decode(bytes.NewReader(append(data, 0))); !errors.Is(err, ErrCorrupt) {
		t.Errorf("trailing byte: expected ErrCorrupt, got %v", err)
	}

	bad := append([]rnn.ConnectionState(nil), states...)
	bad[0].Weights.Values = bad[0].Weights.Values[:1]
	if err := Encode(&b, bad); err == nil {
		t.Errorf("expected an error encoding a tensor that does not match its shape")
	}
}

// flakyReader fails the first failures downloads.
type flakyReader struct {
	blobs.BlobReader
	failures int
	attempts int
}

func (f *flakyReader) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	f.attempts++
	if f.attempts <= f.failures {
		return fmt.Errorf("connection reset")
	}
	return f.BlobReader.Download(ctx, info, destPath)
}

func TestPublishFetch(t *testing.T) {
	ctx := context.Background()
	states := saveState(t, ctx, 1)

	store := &blobs.LocalBlobstore{Dir: t.TempDir()}
	info, err := Publish(ctx, store, states)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := info.Validate(); err != nil {
		t.Errorf("Publish returned %v: %v", info, err)
	}

	reader := &flakyReader{BlobReader: store, failures: 2}
	loader := &Loader{Reader: reader, MaxDownloadAttempts: 3, RetryInterval: time.Millisecond}
	fetched, err := loader.Fetch(ctx, info)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if reader.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", reader.attempts)
	}
	if !reflect.DeepEqual(states, fetched) {
		t.Errorf("fetched states differ from published states")
	}

	target := buildNetwork(t, ctx, 2)
	if err := target.Rnn.LoadState(ctx, fetched); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	loaded, err := target.Rnn.SaveState(ctx)
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if !reflect.DeepEqual(states, loaded) {
		t.Errorf("loaded states differ from published states")
	}

	reader = &flakyReader{BlobReader: store}
	loader.Reader = reader
	missing := blobs.BlobInfo{Hash: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}
	if _, err := loader.Fetch(ctx, missing); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if reader.attempts != 1 {
		t.Errorf("missing blobs should not be retried, got %d attempts", reader.attempts)
	}

	reader = &flakyReader{BlobReader: store, failures: 5}
	loader.Reader = reader
	if _, err := loader.Fetch(ctx, info); err == nil {
		t.Errorf("expected Fetch to give up")
	}
	if reader.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", reader.attempts)
	}
}
