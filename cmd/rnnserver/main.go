// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"google.golang.org/grpc"
	api "k8s.io/examples/AI/fractal/api/v1alpha1"
	"k8s.io/examples/AI/fractal/pkg/blobs"
	"k8s.io/examples/AI/fractal/pkg/checkpoint"
	"k8s.io/examples/AI/fractal/pkg/engine"
	"k8s.io/examples/AI/fractal/pkg/engine/fallback"
	"k8s.io/examples/AI/fractal/pkg/rnn"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	listen := os.Getenv("LISTEN")
	if listen == "" {
		listen = ":9876"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")

	architecture := os.Getenv("ARCHITECTURE")
	flag.StringVar(&architecture, "architecture", architecture, "path to the network architecture (JSON)")

	checkpointHash := os.Getenv("CHECKPOINT")
	flag.StringVar(&checkpointHash, "checkpoint", checkpointHash, "hash of the checkpoint to load; empty keeps the initial weights")

	blobserver := os.Getenv("BLOBSERVER")
	if blobserver == "" {
		blobserver = "http://blobserver"
	}
	flag.StringVar(&blobserver, "blobserver", blobserver, "base url to blobserver")

	var engineOptions fallback.Options
	flag.Int64Var(&engineOptions.Seed, "seed", 0, "seed for weight initialization")
	flag.IntVar(&engineOptions.MaxStreams, "max-streams", 0, "maximum number of streams, 0 for the engine default")
	flag.Int64Var(&engineOptions.HostMemoryLimit, "host-memory-limit", 0, "host memory limit in bytes, 0 for unlimited")
	flag.Int64Var(&engineOptions.DeviceMemoryLimit, "device-memory-limit", 0, "device memory limit in bytes, 0 for unlimited")
	onDevice := false
	flag.BoolVar(&onDevice, "device", onDevice, "keep network buffers in device memory rather than host memory")
	maxColumns := int64(DefaultMaxColumns)
	flag.Int64Var(&maxColumns, "max-columns", maxColumns, "largest batchSize*numSteps accepted per request")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if architecture == "" {
		return fmt.Errorf("must specify --architecture or the ARCHITECTURE env var")
	}
	a, err := rnn.LoadArchitecture(architecture)
	if err != nil {
		return err
	}

	e := fallback.New(engineOptions)
	defer e.Close()

	network, err := a.Build(ctx, e, networkOptions(onDevice))
	if err != nil {
		return fmt.Errorf("building network: %w", err)
	}
	defer network.Close()

	if checkpointHash != "" {
		blobserverURL, err := url.Parse(blobserver)
		if err != nil {
			return fmt.Errorf("parsing blobserver url %q: %w", blobserver, err)
		}
		loader := &checkpoint.Loader{
			Reader:              &blobs.BlobServer{BlobserverURL: blobserverURL},
			MaxDownloadAttempts: 5,
			RetryInterval:       5 * time.Second,
		}
		states, err := loader.Fetch(ctx, blobs.BlobInfo{Hash: checkpointHash})
		if err != nil {
			return fmt.Errorf("fetching checkpoint: %w", err)
		}
		if err := network.Rnn.LoadState(ctx, states); err != nil {
			return fmt.Errorf("loading checkpoint: %w", err)
		}
		log.Info("loaded checkpoint", "hash", checkpointHash)
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", listen, err)
	}
	grpcServer := grpc.NewServer()
	rnnServer := NewRnnServer(network)
	rnnServer.MaxColumns = maxColumns
	api.RegisterRnnServer(grpcServer, rnnServer)

	log.Info("Starting rnnserver", "listen", listen)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving GRPC: %w", err)
	}
	return nil
}

// networkOptions places the network buffers in the memory that
// -host-memory-limit or -device-memory-limit bounds.
func networkOptions(onDevice bool) rnn.Options {
	if onDevice {
		return rnn.Options{Location: fallback.DeviceLocation}
	}
	return rnn.Options{Location: engine.HostLocation}
}
