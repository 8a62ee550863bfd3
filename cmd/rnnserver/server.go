package main

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	api "k8s.io/examples/AI/fractal/api/v1alpha1"
	"k8s.io/examples/AI/fractal/pkg/rnn"
	"k8s.io/klog/v2"
)

// DefaultMaxColumns bounds batchSize*numSteps of one request.
const DefaultMaxColumns = 1 << 16

// RnnServer serves Evaluate from a single network. Requests are serialized.
type RnnServer struct {
	api.UnimplementedRnnServer

	// MaxColumns bounds batchSize*numSteps of one request.
	MaxColumns int64

	mutex   sync.Mutex
	network *rnn.Network
}

func NewRnnServer(network *rnn.Network) *RnnServer {
	return &RnnServer{network: network, MaxColumns: DefaultMaxColumns}
}

func (s *RnnServer) Evaluate(ctx context.Context, req *api.EvaluateRequest) (*api.EvaluateResponse, error) {
	log := klog.FromContext(ctx)

	if req.BatchSize <= 0 || req.NumSteps <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "batchSize and numSteps must be positive, got %d and %d", req.BatchSize, req.NumSteps)
	}
	if columns := int64(req.BatchSize) * int64(req.NumSteps); columns > s.MaxColumns {
		return nil, status.Errorf(codes.ResourceExhausted, "batchSize*numSteps is %d, the limit is %d", columns, s.MaxColumns)
	}
	inputs := make(map[string][]float32, len(req.Inputs))
	for _, t := range req.Inputs {
		if t == nil {
			return nil, status.Errorf(codes.InvalidArgument, "null input tensor")
		}
		if _, found := inputs[t.Name]; found {
			return nil, status.Errorf(codes.InvalidArgument, "input %q given twice", t.Name)
		}
		inputs[t.Name] = t.Values
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Engine errors carry their gRPC status.
	results, err := s.network.Evaluate(ctx, int(req.BatchSize), int(req.NumSteps), inputs, req.Outputs)
	if err != nil {
		log.Error(err, "evaluate failed")
		return nil, err
	}

	response := &api.EvaluateResponse{}
	for _, name := range req.Outputs {
		response.Outputs = append(response.Outputs, &api.Tensor{Name: name, Values: results[name]})
	}
	return response, nil
}
