package admin

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ringkv/internal/coordinator"
	"ringkv/internal/logging"
	"ringkv/internal/replication"
	"ringkv/internal/ring"
)

// Cluster is the node state the admin service reads and mutates.
type Cluster interface {
	Self() ring.Descriptor
	Ring() *ring.Ring
	Policy() *replication.Policy
	Locate(key string) (coordinator.Location, error)
}

// Server implements AdminServer.
type Server struct {
	cluster Cluster
	log     zerolog.Logger
}

var _ AdminServer = (*Server)(nil)

// NewServer creates a new admin server.
func NewServer(c Cluster, log zerolog.Logger) *Server {
	return &Server{
		cluster: c,
		log:     logging.For(log, "admin").With().Str("node", c.Self().String()).Logger(),
	}
}

// NewGRPCServer returns a gRPC server carrying the admin, health and
// reflection services. The health server reports SERVING for the admin
// service and the node as a whole.
func NewGRPCServer(c Cluster, log zerolog.Logger) (*grpc.Server, *health.Server) {
	srv := NewServer(c, log)
	g := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(srv.log)))
	RegisterAdminServer(g, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)

	// Enable gRPC reflection for grpcurl
	reflection.Register(g)
	return g, hs
}

// AddNode handles AddNode requests.
func (s *Server) AddNode(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	node, err := ring.ParseDescriptor(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	pos, err := s.cluster.Ring().AddNode(node)
	if errors.Is(err, ring.ErrDuplicatePosition) {
		return nil, status.Error(codes.AlreadyExists, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	s.log.Info().Str("peer", node.String()).Str("id", node.ShortID()).Uint32("position", uint32(pos)).Msg("node added")
	return structpb.NewStruct(memberMap(ring.Member{Position: pos, Node: node}))
}

// RemoveNode handles RemoveNode requests.
func (s *Server) RemoveNode(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	node, err := ring.ParseDescriptor(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if s.cluster.Ring().RemoveNode(node) {
		s.log.Info().Str("peer", node.String()).Msg("node removed")
	} else {
		s.log.Debug().Str("peer", node.String()).Msg("remove of unknown node ignored")
	}
	return &emptypb.Empty{}, nil
}

// ListNodes handles ListNodes requests.
func (s *Server) ListNodes(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	members := s.cluster.Ring().Members()
	nodes := make([]any, 0, len(members))
	for _, m := range members {
		nodes = append(nodes, memberMap(m))
	}

	self := s.cluster.Self()
	return structpb.NewStruct(map[string]any{
		"self":               nodeMap(self),
		"replication_factor": s.cluster.Policy().Factor(),
		"nodes":              nodes,
	})
}

// Locate handles Locate requests.
func (s *Server) Locate(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	key := in.GetValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}

	loc, err := s.cluster.Locate(key)
	if errors.Is(err, ring.ErrEmptyRing) {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	replicas := make([]any, 0, len(loc.Replicas))
	for _, r := range loc.Replicas {
		replicas = append(replicas, nodeMap(r))
	}
	return structpb.NewStruct(map[string]any{
		"key":      loc.Key,
		"position": uint32(loc.Position),
		"primary":  nodeMap(loc.Primary),
		"replicas": replicas,
	})
}

func nodeMap(d ring.Descriptor) map[string]any {
	return map[string]any{
		"id":      d.ID,
		"address": d.Address,
		"port":    d.Port,
	}
}

func memberMap(m ring.Member) map[string]any {
	out := nodeMap(m.Node)
	out["position"] = uint32(m.Position)
	return out
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("admin call")
		return resp, err
	}
}
