package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/gochord/internal/chord"
	"github.com/zde37/gochord/internal/clock"
	"github.com/zde37/gochord/pkg"
)

// RingNode is the part of a chord.Node the admin service drives. Every call
// is made on the node's goroutine through the executor.
type RingNode interface {
	Snapshot() chord.Snapshot
	Join(landmark netip.Addr) error
	Leave() error
	Stabilize() error
	FixFingers() error
	RingWalk() error
	SendPing(addr netip.Addr, payload string) (uint32, error)
}

var _ RingNode = (*chord.Node)(nil)

// Server implements RingAdminServer on top of a ring node.
type Server struct {
	node      RingNode
	exec      clock.Executor
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string

	address  string
	listener net.Listener
}

var _ RingAdminServer = (*Server)(nil)

// NewServer creates an admin server for node. Commands are run through exec.
func NewServer(node RingNode, exec clock.Executor, address string, authToken string, logger *pkg.Logger) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Server{
		node:      node,
		exec:      exec,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "admin_server"}),
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1 * 1024 * 1024),
		grpc.MaxSendMsgSize(4 * 1024 * 1024),
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
	}
	s.server = grpc.NewServer(opts...)
	RegisterRingAdminServer(s.server, s)
	reflection.Register(s.server)

	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve serves on an existing listener in the background.
func (s *Server) Serve(listener net.Listener) {
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting admin gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("admin gRPC server error")
		}
	}()
}

// Addr returns the address the server is listening on, or the configured
// address before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin gRPC server")
	s.server.GracefulStop()
	return nil
}

// result carries a value computed on the node's goroutine back to the RPC.
type result[T any] struct {
	value T
	err   error
}

// call executes fn on the node's goroutine and maps its error to a status.
// The result travels over a buffered channel, so a task that runs after the
// RPC gave up writes nothing the handler still reads.
func call[T any](ctx context.Context, s *Server, method string, fn func() (T, error)) (T, error) {
	var zero T
	done := make(chan result[T], 1)
	if err := s.exec.Do(ctx, func() {
		v, err := fn()
		done <- result[T]{value: v, err: err}
	}); err != nil {
		return zero, toStatus(err)
	}

	res := <-done
	if res.err != nil {
		s.logger.Debug().Err(res.err).Str("method", method).Msg("Admin command rejected")
		return zero, toStatus(res.err)
	}
	return res.value, nil
}

func (s *Server) run(ctx context.Context, method string, fn func() error) error {
	_, err := call(ctx, s, method, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (s *Server) snapshot(ctx context.Context) (chord.Snapshot, error) {
	return call(ctx, s, MethodGetRingState, func() (chord.Snapshot, error) {
		return s.node.Snapshot(), nil
	})
}

// GetRingState returns the node's state and neighbours.
func (s *Server) GetRingState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(ringStateMap(snap))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode ring state: %v", err)
	}
	return out, nil
}

// GetFingerTable returns the node's finger table.
func (s *Server) GetFingerTable(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(fingerTableMap(snap))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode finger table: %v", err)
	}
	return out, nil
}

// Join joins the ring through the given landmark address.
func (s *Server) Join(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	landmark, err := parseIPv4(req.GetValue())
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("landmark", landmark.String()).Msg("Join requested")
	if err := s.run(ctx, MethodJoin, func() error { return s.node.Join(landmark) }); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Leave leaves the ring.
func (s *Server) Leave(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.logger.Info().Msg("Leave requested")
	if err := s.run(ctx, MethodLeave, s.node.Leave); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Stabilize runs one stabilization round.
func (s *Server) Stabilize(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.run(ctx, MethodStabilize, s.node.Stabilize); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// FixFingers starts a finger table rebuild.
func (s *Server) FixFingers(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.run(ctx, MethodFixFingers, s.node.FixFingers); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// RingWalk starts a ring walk; each node reports through its own hooks.
func (s *Server) RingWalk(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.run(ctx, MethodRingWalk, s.node.RingWalk); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Ping sends an application ping. The request carries "address" and an
// optional "payload"; the reply is the transaction id.
func (s *Server) Ping(ctx context.Context, req *structpb.Struct) (*wrapperspb.UInt32Value, error) {
	fields := req.GetFields()
	addr, err := parseIPv4(fields["address"].GetStringValue())
	if err != nil {
		return nil, err
	}
	payload := fields["payload"].GetStringValue()

	txn, err := call(ctx, s, MethodPing, func() (uint32, error) {
		return s.node.SendPing(addr, payload)
	})
	if err != nil {
		return nil, err
	}
	return wrapperspb.UInt32(txn), nil
}

// DumpRing returns a human readable dump of the node's state.
func (s *Server) DumpRing(ctx context.Context, _ *emptypb.Empty) (*httpbody.HttpBody, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &httpbody.HttpBody{
		ContentType: "text/plain; charset=utf-8",
		Data:        []byte(dumpSnapshot(snap)),
	}, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, status.Error(codes.InvalidArgument, "address is required")
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, status.Errorf(codes.InvalidArgument, "invalid address %q: %v", s, err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, status.Errorf(codes.InvalidArgument, "address %q is not IPv4", s)
	}
	return addr, nil
}

// toStatus maps node and executor errors to gRPC status errors.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, pkg.ErrNotInRing),
		errors.Is(err, pkg.ErrAlreadyInRing),
		errors.Is(err, pkg.ErrNodeLeaving):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, pkg.ErrUnroutableDestination),
		errors.Is(err, clock.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
