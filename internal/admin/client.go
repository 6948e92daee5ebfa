package admin

import (
	"context"

	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NodeInfo describes one ring member as reported by a node.
type NodeInfo struct {
	ID       string
	Address  string
	Port     int
	Position uint32
}

// ClusterInfo is the answer to ListNodes.
type ClusterInfo struct {
	Self              NodeInfo
	ReplicationFactor int
	Nodes             []NodeInfo
}

// LocationInfo is the answer to Locate.
type LocationInfo struct {
	Key      string
	Position uint32
	Primary  NodeInfo
	Replicas []NodeInfo
}

// Client calls the Admin service of one node.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to the admin endpoint at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, xerrors.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// AddNode registers hostport on the remote node's ring.
func (c *Client) AddNode(ctx context.Context, hostport string) (NodeInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("AddNode"), wrapperspb.String(hostport), out); err != nil {
		return NodeInfo{}, err
	}
	return nodeFromMap(out.AsMap()), nil
}

// RemoveNode removes hostport from the remote node's ring.
func (c *Client) RemoveNode(ctx context.Context, hostport string) error {
	return c.cc.Invoke(ctx, fullMethod("RemoveNode"), wrapperspb.String(hostport), new(emptypb.Empty))
}

// ListNodes returns the remote node's ring.
func (c *Client) ListNodes(ctx context.Context) (ClusterInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("ListNodes"), &emptypb.Empty{}, out); err != nil {
		return ClusterInfo{}, err
	}

	m := out.AsMap()
	info := ClusterInfo{
		Self:              nodeFromMap(asMap(m["self"])),
		ReplicationFactor: asInt(m["replication_factor"]),
	}
	for _, n := range asList(m["nodes"]) {
		info.Nodes = append(info.Nodes, nodeFromMap(asMap(n)))
	}
	return info, nil
}

// Locate asks the remote node where key lives.
func (c *Client) Locate(ctx context.Context, key string) (LocationInfo, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Locate"), wrapperspb.String(key), out); err != nil {
		return LocationInfo{}, err
	}

	m := out.AsMap()
	loc := LocationInfo{
		Key:      asString(m["key"]),
		Position: uint32(asInt(m["position"])),
		Primary:  nodeFromMap(asMap(m["primary"])),
	}
	for _, r := range asList(m["replicas"]) {
		loc.Replicas = append(loc.Replicas, nodeFromMap(asMap(r)))
	}
	return loc, nil
}

func nodeFromMap(m map[string]any) NodeInfo {
	return NodeInfo{
		ID:       asString(m["id"]),
		Address:  asString(m["address"]),
		Port:     asInt(m["port"]),
		Position: uint32(asInt(m["position"])),
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt reads a JSON number, which structpb always carries as float64.
func asInt(v any) int {
	f, _ := v.(float64)
	return int(f)
}
