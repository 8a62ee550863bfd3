package main

import (
	"context"
	"net"
	"reflect"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	api "k8s.io/examples/AI/fractal/api/v1alpha1"
	"k8s.io/examples/AI/fractal/pkg/engine/fallback"
	"k8s.io/examples/AI/fractal/pkg/rnn"
)

const chainArchitecture = `{
  "layers": [
    {"name": "in", "activation": "linear", "size": 2},
    {"name": "hidden", "activation": "linear", "size": 2},
    {"name": "out", "activation": "linear", "size": 1}
  ],
  "connections": [
    {"source": "in", "destination": "hidden"},
    {"source": "hidden", "destination": "hidden", "delay": 1},
    {"source": "hidden", "destination": "out"}
  ],
  "inputs": ["in"],
  "outputs": ["out"]
}`

var chainInput = []float32{1, 0, 1, 10, 2, 0, 2, 10, 3, 0, 3, 10}

func chainNetwork(t *testing.T, ctx context.Context) *rnn.Network {
	return chainNetworkWith(t, ctx, fallback.Options{}, rnn.Options{})
}

func chainNetworkWith(t *testing.T, ctx context.Context, engineOptions fallback.Options, options rnn.Options) *rnn.Network {
	a, err := rnn.ParseArchitecture([]byte(chainArchitecture))
	if err != nil {
		t.Fatalf("ParseArchitecture failed: %v", err)
	}
	e := fallback.New(engineOptions)
	n, err := a.Build(ctx, e, options)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() {
		n.Close()
		e.Close()
	})

	weights := map[string][]float32{
		"in->hidden":     {1, 0, 0, 1},
		"hidden->hidden": {0.5, 0, 0, 0.5},
		"hidden->out":    {1, 1},
	}
	for _, c := range n.Rnn.Connections() {
		if err := c.WriteWeights(ctx, weights[c.ID()]); err != nil {
			t.Fatalf("WriteWeights failed: %v", err)
		}
	}
	return n
}

func newClient(t *testing.T, server api.RnnServer) api.RnnClient {
	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	api.RegisterRnnServer(grpcServer, server)
	go grpcServer.Serve(lis)
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to connect to server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return api.NewRnnClient(conn)
}

func TestEvaluateRoundTrip(t *testing.T) {
	ctx := context.Background()
	n := chainNetwork(t, ctx)

	local, err := n.Evaluate(ctx, 2, 3, map[string][]float32{"in": chainInput}, []string{"out"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	client := newClient(t, NewRnnServer(n))
	response, err := client.Evaluate(ctx, &api.EvaluateRequest{
		BatchSize: 2,
		NumSteps:  3,
		Inputs:    []*api.Tensor{{Name: "in", Values: chainInput}},
		Outputs:   []string{"out"},
	})
	if err != nil {
		t.Fatalf("Evaluate RPC failed: %v", err)
	}
	out := response.Output("out")
	if out == nil {
		t.Fatalf("no output %q in %+v", "out", response)
	}
	if !reflect.DeepEqual(out.Values, local["out"]) {
		t.Errorf("expected %v, got %v", local["out"], out.Values)
	}
	want := []float32{1, 11, 2.5, 17.5, 4.25, 21.75}
	if !reflect.DeepEqual(out.Values, want) {
		t.Errorf("expected %v, got %v", want, out.Values)
	}
}

func TestEvaluateErrors(t *testing.T) {
	ctx := context.Background()
	client := newClient(t, NewRnnServer(chainNetwork(t, ctx)))

	grid := []struct {
		name    string
		request *api.EvaluateRequest
		want    codes.Code
	}{
		{
			name:    "batch",
			request: &api.EvaluateRequest{NumSteps: 3, Inputs: []*api.Tensor{{Name: "in", Values: chainInput}}},
			want:    codes.InvalidArgument,
		},
		{
			name:    "missing input",
			request: &api.EvaluateRequest{BatchSize: 2, NumSteps: 3, Outputs: []string{"out"}},
			want:    codes.InvalidArgument,
		},
		{
			name: "duplicate input",
			request: &api.EvaluateRequest{BatchSize: 2, NumSteps: 3, Inputs: []*api.Tensor{
				{Name: "in", Values: chainInput},
				{Name: "in", Values: chainInput},
			}},
			want: codes.InvalidArgument,
		},
		{
			name:    "input length",
			request: &api.EvaluateRequest{BatchSize: 1, NumSteps: 3, Inputs: []*api.Tensor{{Name: "in", Values: chainInput}}},
			want:    codes.InvalidArgument,
		},
		{
			name:    "too many columns",
			request: &api.EvaluateRequest{BatchSize: 1 << 30, NumSteps: 1 << 30, Inputs: []*api.Tensor{{Name: "in", Values: chainInput}}},
			want:    codes.ResourceExhausted,
		},
		{
			name:    "unknown output",
			request: &api.EvaluateRequest{BatchSize: 2, NumSteps: 3, Inputs: []*api.Tensor{{Name: "in", Values: chainInput}}, Outputs: []string{"hidden"}},
			want:    codes.InvalidArgument,
		},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			_, err := client.Evaluate(ctx, g.request)
			if got := status.Code(err); got != g.want {
				t.Errorf("expected %v, got %v (%v)", g.want, got, err)
			}
		})
	}
}

func TestMemoryLimitFollowsLocation(t *testing.T) {
	ctx := context.Background()
	// Room for the weights, not for a 2 x 3 frame.
	engineOptions := fallback.Options{HostMemoryLimit: 128, DeviceMemoryLimit: 128}

	grid := []struct {
		name     string
		onDevice bool
	}{
		{name: "host", onDevice: false},
		{name: "device", onDevice: true},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			n := chainNetworkWith(t, ctx, engineOptions, networkOptions(g.onDevice))
			client := newClient(t, NewRnnServer(n))

			request := &api.EvaluateRequest{BatchSize: 2, NumSteps: 3, Inputs: []*api.Tensor{{Name: "in", Values: chainInput}}, Outputs: []string{"out"}}
			_, err := client.Evaluate(ctx, request)
			if got := status.Code(err); got != codes.ResourceExhausted {
				t.Errorf("expected ResourceExhausted, got %v (%v)", got, err)
			}
		})
	}

	// Only the device is bounded here.
	n := chainNetworkWith(t, ctx, fallback.Options{DeviceMemoryLimit: 128}, networkOptions(false))
	client := newClient(t, NewRnnServer(n))
	request := &api.EvaluateRequest{BatchSize: 2, NumSteps: 3, Inputs: []*api.Tensor{{Name: "in", Values: chainInput}}, Outputs: []string{"out"}}
	if _, err := client.Evaluate(ctx, request); err != nil {
		t.Errorf("host network with a device limit failed: %v", err)
	}
}
