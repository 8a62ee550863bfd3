package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	api "k8s.io/examples/AI/fractal/api/v1alpha1"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	serverAddr := "127.0.0.1:9876"
	flag.StringVar(&serverAddr, "server", serverAddr, "address of the rnnserver")

	requestPath := ""
	flag.StringVar(&requestPath, "request", requestPath, "path to an EvaluateRequest (JSON); - for stdin")

	timeout := 30 * time.Second
	flag.DurationVar(&timeout, "timeout", timeout, "timeout for the request")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	request, err := readRequest(requestPath)
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server %q: %w", serverAddr, err)
	}
	defer conn.Close()
	client := api.NewRnnClient(conn)

	log.Info("Starting rnnclient", "server", serverAddr)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := client.Evaluate(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to evaluate: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(response)
}

func readRequest(p string) (*api.EvaluateRequest, error) {
	if p == "" {
		return nil, fmt.Errorf("must specify --request")
	}
	var data []byte
	var err error
	if p == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(p)
	}
	if err != nil {
		return nil, fmt.Errorf("reading request %q: %w", p, err)
	}
	request := &api.EvaluateRequest{}
	if err := json.Unmarshal(data, request); err != nil {
		return nil, fmt.Errorf("parsing request %q: %w", p, err)
	}
	return request, nil
}
