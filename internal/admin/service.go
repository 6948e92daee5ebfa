// Package admin exposes ring membership over gRPC so deployment tooling can
// register the same nodes on every member before traffic begins. Messages
// use the well-known protobuf types, so the service needs no generated code.
package admin

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ringkv.admin.v1.Admin"

// ProtoFile names the descriptor registered for the service, so reflection
// clients such as grpcurl can describe it.
const ProtoFile = "ringkv/admin/v1/admin.proto"

// AdminServer is the server API for the Admin service.
type AdminServer interface {
	// AddNode places host:port on the ring and returns its descriptor and position.
	AddNode(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// RemoveNode takes host:port off the ring. Removing an absent node is a no-op.
	RemoveNode(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// ListNodes returns the ring in position order.
	ListNodes(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Locate returns the position, primary and replica chain of a key.
	Locate(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("AddNode", AdminServer.AddNode),
		unaryMethod("RemoveNode", AdminServer.RemoveNode),
		unaryMethod("ListNodes", AdminServer.ListNodes),
		unaryMethod("Locate", AdminServer.Locate),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: ProtoFile,
}

func init() {
	fd, err := protodesc.NewFile(fileDescriptor(), protoregistry.GlobalFiles)
	if err != nil {
		panic("admin: build descriptor: " + err.Error())
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic("admin: register descriptor: " + err.Error())
	}
}

// fileDescriptor describes the service as admin.proto would:
//
//	service Admin {
//	  rpc AddNode(google.protobuf.StringValue) returns (google.protobuf.Struct);
//	  rpc RemoveNode(google.protobuf.StringValue) returns (google.protobuf.Empty);
//	  rpc ListNodes(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Locate(google.protobuf.StringValue) returns (google.protobuf.Struct);
//	}
func fileDescriptor() *descriptorpb.FileDescriptorProto {
	const (
		str   = ".google.protobuf.StringValue"
		strct = ".google.protobuf.Struct"
		empty = ".google.protobuf.Empty"
	)
	method := func(name, in, out string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(in),
			OutputType: proto.String(out),
		}
	}
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(ProtoFile),
		Package: proto.String("ringkv.admin.v1"),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			"google/protobuf/empty.proto",
			"google/protobuf/struct.proto",
			"google/protobuf/wrappers.proto",
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Admin"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("AddNode", str, strct),
				method("RemoveNode", str, empty),
				method("ListNodes", empty, strct),
				method("Locate", str, strct),
			},
		}},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unaryMethod builds the handler that decodes a Req, runs interceptors and
// calls the server method.
func unaryMethod[Req, Resp any](name string, call func(AdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
