// Package api serves the HTTP gateway in front of the admin service and the
// websocket stream of ring updates.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/gochord/internal/admin"
	"github.com/zde37/gochord/pkg"
)

// AdminClient is the admin API the gateway forwards to. admin.Client
// implements it.
type AdminClient interface {
	GetRingState(ctx context.Context) (*structpb.Struct, error)
	GetFingerTable(ctx context.Context) (*structpb.Struct, error)
	DumpRing(ctx context.Context) (*httpbody.HttpBody, error)
	Join(ctx context.Context, landmark string) error
	Leave(ctx context.Context) error
	Stabilize(ctx context.Context) error
	FixFingers(ctx context.Context) error
	RingWalk(ctx context.Context) error
	Ping(ctx context.Context, address, payload string) (uint32, error)
}

var _ AdminClient = (*admin.Client)(nil)

// Server represents the HTTP API gateway server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	wsHub      *WebSocketHub
	admin      AdminClient
	gateway    *runtime.ServeMux
	logger     *pkg.Logger
	port       int
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort int
}

// NewServer creates a new HTTP API gateway server.
func NewServer(cfg *Config, client AdminClient, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("admin client cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Server{
		logger: logger.WithFields(pkg.Fields{"component": "http_api"}),
		admin:  client,
		wsHub:  NewWebSocketHub(logger),
		port:   cfg.HTTPPort,
	}

	s.gateway = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.HTTPBodyMarshaler{
			Marshaler: &runtime.JSONPb{
				MarshalOptions:   protojson.MarshalOptions{EmitUnpopulated: true},
				UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
			},
		}),
	)
	if err := s.registerRoutes(); err != nil {
		return nil, fmt.Errorf("failed to register gateway routes: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(s.gateway))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	s.handler = httpMux

	return s, nil
}

// Hub returns the websocket hub; register it as the node's broadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) registerRoutes() error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/ring", s.forward(func(ctx context.Context, _ *http.Request, _ runtime.Marshaler) (proto.Message, error) {
			return s.admin.GetRingState(ctx)
		})},
		{http.MethodGet, "/api/v1/fingers", s.forward(func(ctx context.Context, _ *http.Request, _ runtime.Marshaler) (proto.Message, error) {
			return s.admin.GetFingerTable(ctx)
		})},
		{http.MethodGet, "/api/v1/ring/dump", s.forward(func(ctx context.Context, _ *http.Request, _ runtime.Marshaler) (proto.Message, error) {
			return s.admin.DumpRing(ctx)
		})},
		{http.MethodPost, "/api/v1/join", s.forward(func(ctx context.Context, r *http.Request, in runtime.Marshaler) (proto.Message, error) {
			body, err := decodeBody(r, in)
			if err != nil {
				return nil, err
			}
			return empty(s.admin.Join(ctx, body.GetFields()["landmark"].GetStringValue()))
		})},
		{http.MethodPost, "/api/v1/leave", s.forward(func(ctx context.Context, _ *http.Request, _ runtime.Marshaler) (proto.Message, error) {
			return empty(s.admin.Leave(ctx))
		})},
		{http.MethodPost, "/api/v1/stabilize", s.forward(func(ctx context.Context, _ *http.Request, _ runtime.Marshaler) (proto.Message, error) {
			return empty(s.admin.Stabilize(ctx))
		})},
		{http.MethodPost, "/api/v1/fingers/fix", s.forward(func(ctx context.Context, _ *http.Request, _ runtime.Marshaler) (proto.Message, error) {
			return empty(s.admin.FixFingers(ctx))
		})},
		{http.MethodPost, "/api/v1/ring/walk", s.forward(func(ctx context.Context, _ *http.Request, _ runtime.Marshaler) (proto.Message, error) {
			return empty(s.admin.RingWalk(ctx))
		})},
		{http.MethodPost, "/api/v1/ping", s.forward(func(ctx context.Context, r *http.Request, in runtime.Marshaler) (proto.Message, error) {
			body, err := decodeBody(r, in)
			if err != nil {
				return nil, err
			}
			fields := body.GetFields()
			txn, err := s.admin.Ping(ctx, fields["address"].GetStringValue(), fields["payload"].GetStringValue())
			if err != nil {
				return nil, err
			}
			return wrapperspb.UInt32(txn), nil
		})},
	}

	for _, rt := range routes {
		if err := s.gateway.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

type call func(ctx context.Context, r *http.Request, in runtime.Marshaler) (proto.Message, error)

// forward runs fn and writes its result, or its gRPC status as an HTTP
// error, with the gateway's marshalers.
func (s *Server) forward(fn call) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		ctx := runtime.NewServerMetadataContext(r.Context(), runtime.ServerMetadata{})
		inbound, outbound := runtime.MarshalerForRequest(s.gateway, r)

		resp, err := fn(ctx, r, inbound)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Gateway request failed")
			runtime.HTTPError(ctx, s.gateway, outbound, w, r, err)
			return
		}
		runtime.ForwardResponseMessage(ctx, s.gateway, outbound, w, r, resp)
	}
}

func decodeBody(r *http.Request, in runtime.Marshaler) (*structpb.Struct, error) {
	body := &structpb.Struct{}
	if err := in.NewDecoder(r.Body).Decode(body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
	}
	return body, nil
}

func empty(err error) (proto.Message, error) {
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
