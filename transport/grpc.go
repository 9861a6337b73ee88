package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/MMw-Unibo/tempos4nfv/mom"
)

const (
	AdminServiceName    = "tempos.admin.v1.Admin"
	adminSnapshotMethod = "/" + AdminServiceName + "/Snapshot"
)

// SnapshotSource is a broker whose registry can be inspected.
type SnapshotSource interface {
	Class() mom.Class
	Snapshot() *mom.Snapshot
}

// AdminServer is the server API of the admin service. Snapshot takes a quality
// class ("" for all brokers) and returns the registries as a Struct.
type AdminServer interface {
	Snapshot(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: adminSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tempos/admin/v1/admin.proto",
}

func adminSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: adminSnapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).Snapshot(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

// adminService serves snapshots of a fixed set of brokers.
type adminService struct {
	sources []SnapshotSource
}

func (a *adminService) Snapshot(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	class := mom.Class(req.GetValue())

	var snaps []*mom.Snapshot
	for _, src := range a.sources {
		if class != "" && src.Class() != class {
			continue
		}
		if s := src.Snapshot(); s != nil {
			snaps = append(snaps, s)
		}
	}
	if class != "" && len(snaps) == 0 {
		return nil, status.Errorf(codes.NotFound, "no broker for class %q", class)
	}

	st, err := SnapshotsToStruct(snaps)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return st, nil
}

// Admin hosts the admin gRPC service for the brokers of one MOM process.
type Admin struct {
	addr string
	srv  *grpc.Server
	log  *zap.Logger

	mu  sync.Mutex
	lis net.Listener
}

// NewAdmin creates an admin server for sources listening on addr.
func NewAdmin(addr string, log *zap.Logger, sources ...SnapshotSource) (*Admin, error) {
	if addr == "" || !strings.Contains(addr, ":") {
		return nil, fmt.Errorf("invalid address: %s", addr)
	}
	if len(sources) == 0 {
		return nil, errors.New("at least one broker must be provided")
	}
	if log == nil {
		log = zap.NewNop()
	}

	srv := grpc.NewServer()
	RegisterAdminServer(srv, &adminService{sources: sources})
	// Reflection for grpcurl and similar tools.
	reflection.Register(srv)

	return &Admin{addr: addr, srv: srv, log: log}, nil
}

// Start binds synchronously and serves in a background goroutine, so binding
// errors (e.g. port already in use) are returned here.
func (a *Admin) Start() error {
	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	a.mu.Lock()
	a.lis = lis
	a.mu.Unlock()

	go func() {
		if err := a.Serve(lis); err != nil {
			a.log.Error("admin server stopped", zap.Error(err))
		}
	}()
	a.log.Info("admin server listening", zap.Stringer("addr", lis.Addr()))
	return nil
}

// Serve serves on lis until Stop. It blocks.
func (a *Admin) Serve(lis net.Listener) error {
	err := a.srv.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Addr returns the bound address, or "" before Start.
func (a *Admin) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lis == nil {
		return ""
	}
	return a.lis.Addr().String()
}

func (a *Admin) Stop() {
	a.srv.GracefulStop()
}

// AdminClient queries a remote admin service.
type AdminClient struct {
	conn *grpc.ClientConn
}

// DialAdmin connects to target without transport security. Extra options are
// appended to the defaults.
func DialAdmin(target string, opts ...grpc.DialOption) (*AdminClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return &AdminClient{conn: conn}, nil
}

// Snapshot fetches the registry of the broker of class, or of every broker
// when class is empty.
func (c *AdminClient) Snapshot(ctx context.Context, class mom.Class) ([]*mom.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, adminSnapshotMethod, wrapperspb.String(string(class)), out); err != nil {
		return nil, err
	}
	return SnapshotsFromStruct(out)
}

func (c *AdminClient) Close() error {
	return c.conn.Close()
}

// SnapshotsToStruct encodes snapshots as {"brokers": [{class, nodes, topics}]}.
func SnapshotsToStruct(snaps []*mom.Snapshot) (*structpb.Struct, error) {
	brokers := make([]interface{}, 0, len(snaps))
	for _, s := range snaps {
		nodes := make([]interface{}, 0, len(s.Nodes))
		for _, n := range s.Nodes {
			endpoint := ""
			if n.Endpoint.IsValid() {
				endpoint = n.Endpoint.String()
			}
			nodes = append(nodes, map[string]interface{}{
				"id":       float64(n.ID),
				"endpoint": endpoint,
				"load":     float64(n.Load),
			})
		}
		topics := make([]interface{}, 0, len(s.Topics))
		for _, t := range s.Topics {
			ids := make([]interface{}, 0, len(t.Nodes))
			for _, id := range t.Nodes {
				ids = append(ids, float64(id))
			}
			topics = append(topics, map[string]interface{}{
				"name":  t.Name,
				"nodes": ids,
			})
		}
		brokers = append(brokers, map[string]interface{}{
			"class":  string(s.Class),
			"nodes":  nodes,
			"topics": topics,
		})
	}
	return structpb.NewStruct(map[string]interface{}{"brokers": brokers})
}

// SnapshotsFromStruct reverses SnapshotsToStruct.
func SnapshotsFromStruct(st *structpb.Struct) ([]*mom.Snapshot, error) {
	var snaps []*mom.Snapshot
	for _, bv := range st.GetFields()["brokers"].GetListValue().GetValues() {
		b := bv.GetStructValue().GetFields()
		s := &mom.Snapshot{
			Class:  mom.Class(b["class"].GetStringValue()),
			Nodes:  []mom.Node{},
			Topics: []mom.Topic{},
		}
		for _, nv := range b["nodes"].GetListValue().GetValues() {
			n := nv.GetStructValue().GetFields()
			node := mom.Node{
				ID:   uint32(n["id"].GetNumberValue()),
				Load: uint8(n["load"].GetNumberValue()),
			}
			if ep := n["endpoint"].GetStringValue(); ep != "" {
				addr, err := netip.ParseAddrPort(ep)
				if err != nil {
					return nil, fmt.Errorf("node %d endpoint: %w", node.ID, err)
				}
				node.Endpoint = addr
			}
			s.Nodes = append(s.Nodes, node)
		}
		for _, tv := range b["topics"].GetListValue().GetValues() {
			t := tv.GetStructValue().GetFields()
			topic := mom.Topic{Name: t["name"].GetStringValue(), Nodes: []uint32{}}
			for _, id := range t["nodes"].GetListValue().GetValues() {
				topic.Nodes = append(topic.Nodes, uint32(id.GetNumberValue()))
			}
			s.Topics = append(s.Topics, topic)
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}
