package rpc

import (
	"context"

	"google.golang.org/grpc"

	"oneshot.link/internal/models"
)

// service is what serviceDesc dispatches to.
type service interface {
	Create(context.Context, *CreateRequest) (*CreateResponse, error)
	Reveal(context.Context, *RevealRequest) (*RevealResponse, error)
	Burn(context.Context, *BurnRequest) (*BurnResponse, error)
	GetReceipt(context.Context, *GetReceiptRequest) (*models.Receipt, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unary("Create", service.Create)},
		{MethodName: "Reveal", Handler: unary("Reveal", service.Reveal)},
		{MethodName: "Burn", Handler: unary("Burn", service.Burn)},
		{MethodName: "GetReceipt", Handler: unary("GetReceipt", service.GetReceipt)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "oneshot/v1/secrets",
}

// unary adapts a typed method expression to a grpc.MethodDesc handler.
func unary[Req, Resp any](method string, call func(service, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}

		svc := srv.(service)
		if interceptor == nil {
			return call(svc, ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*Req))
		})
	}
}
