package v1alpha1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Rnn_Evaluate_FullMethodName = "/fractal.v1alpha1.Rnn/Evaluate"
)

type RnnClient interface {
	Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error)
}

type rnnClient struct {
	cc grpc.ClientConnInterface
}

func NewRnnClient(cc grpc.ClientConnInterface) RnnClient {
	return &rnnClient{cc}
}

func (c *rnnClient) Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	cOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	out := new(EvaluateResponse)
	if err := c.cc.Invoke(ctx, Rnn_Evaluate_FullMethodName, in, out, cOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RnnServer must embed UnimplementedRnnServer.
type RnnServer interface {
	Evaluate(context.Context, *EvaluateRequest) (*EvaluateResponse, error)
	mustEmbedUnimplementedRnnServer()
}

type UnimplementedRnnServer struct{}

func (UnimplementedRnnServer) Evaluate(context.Context, *EvaluateRequest) (*EvaluateResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Evaluate not implemented")
}
func (UnimplementedRnnServer) mustEmbedUnimplementedRnnServer() {}

func RegisterRnnServer(s grpc.ServiceRegistrar, srv RnnServer) {
	s.RegisterService(&Rnn_ServiceDesc, srv)
}

func _Rnn_Evaluate_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EvaluateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RnnServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Rnn_Evaluate_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RnnServer).Evaluate(ctx, req.(*EvaluateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var Rnn_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fractal.v1alpha1.Rnn",
	HandlerType: (*RnnServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Evaluate",
			Handler:    _Rnn_Evaluate_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/v1alpha1/service.go",
}
