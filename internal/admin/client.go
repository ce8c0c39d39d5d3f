package admin

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/gochord/pkg"
)

// Client calls the RingAdmin service of one node.
type Client struct {
	conn    *grpc.ClientConn
	logger  *pkg.Logger
	timeout time.Duration
}

// Dial connects to the admin service at address. Extra options are appended
// after the defaults, which lets tests install a bufconn dialer.
func Dial(address, authToken string, timeout time.Duration, logger *pkg.Logger, extra ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(tokenInterceptor(authToken)),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger.WithFields(pkg.Fields{"component": "admin_client"}),
		timeout: timeout,
	}
	c.logger.Debug().Str("address", address).Msg("Created admin client")
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

// GetRingState fetches the node's state and neighbours.
func (c *Client) GetRingState(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodGetRingState, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetFingerTable fetches the node's finger table.
func (c *Client) GetFingerTable(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodGetFingerTable, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Join asks the node to join through landmark.
func (c *Client) Join(ctx context.Context, landmark string) error {
	return c.invoke(ctx, MethodJoin, wrapperspb.String(landmark), &emptypb.Empty{})
}

// Leave asks the node to leave the ring.
func (c *Client) Leave(ctx context.Context) error {
	return c.invoke(ctx, MethodLeave, &emptypb.Empty{}, &emptypb.Empty{})
}

// Stabilize runs one stabilization round on the node.
func (c *Client) Stabilize(ctx context.Context) error {
	return c.invoke(ctx, MethodStabilize, &emptypb.Empty{}, &emptypb.Empty{})
}

// FixFingers starts a finger rebuild on the node.
func (c *Client) FixFingers(ctx context.Context) error {
	return c.invoke(ctx, MethodFixFingers, &emptypb.Empty{}, &emptypb.Empty{})
}

// RingWalk starts a ring walk from the node.
func (c *Client) RingWalk(ctx context.Context) error {
	return c.invoke(ctx, MethodRingWalk, &emptypb.Empty{}, &emptypb.Empty{})
}

// Ping sends an application ping from the node and returns its transaction id.
func (c *Client) Ping(ctx context.Context, address, payload string) (uint32, error) {
	in, err := structpb.NewStruct(map[string]any{
		"address": address,
		"payload": payload,
	})
	if err != nil {
		return 0, err
	}
	out := new(wrapperspb.UInt32Value)
	if err := c.invoke(ctx, MethodPing, in, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// DumpRing fetches the node's text dump.
func (c *Client) DumpRing(ctx context.Context) (*httpbody.HttpBody, error) {
	out := new(httpbody.HttpBody)
	if err := c.invoke(ctx, MethodDumpRing, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
