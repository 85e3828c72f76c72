package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/config"
	"github.com/matheus3301/chatlog/internal/contextapi"
	"github.com/matheus3301/chatlog/internal/profile"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server manages the gRPC server lifecycle for a profile daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the profile's Unix domain socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	timelineSvc *api.TimelineService,
	contactSvc *api.ContactService,
	conversationSvc *api.ConversationService,
	statusSvc *api.StatusService,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	api.Register(srv, api.Services{
		Timeline:     timelineSvc,
		Contacts:     contactSvc,
		Conversation: conversationSvc,
		Status:       statusSvc,
	})

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// ContextServer serves the context HTTP API and the MCP tools on a TCP address.
type ContextServer struct {
	srv    *http.Server
	addr   string
	bound  chan struct{}
	logger *zap.Logger
}

// NewContextServer builds the context server. It returns nil when the
// context API is disabled in config.
func NewContextServer(p Params, cfg *config.Config, mgr *timeline.Manager, logger *zap.Logger) *ContextServer {
	if !cfg.ContextAPI.Enabled {
		return nil
	}
	acc := contextapi.FromManager(mgr)
	token := cfg.ContextAPI.Token

	var mcpHandler http.Handler = server.NewStreamableHTTPServer(contextapi.NewMCPServer(acc, p.Version))
	if token != "" {
		mcpHandler = contextapi.BearerAuth(token)(mcpHandler)
	}

	r := chi.NewRouter()
	r.Handle("/mcp", mcpHandler)
	r.Mount("/", contextapi.NewHandler(acc, token, logger))

	return &ContextServer{
		srv: &http.Server{
			Addr:              cfg.ContextAPI.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr:   cfg.ContextAPI.Addr,
		bound:  make(chan struct{}),
		logger: logger,
	}
}

// Start binds the address and serves in the background.
func (c *ContextServer) Start() error {
	lis, err := net.Listen("tcp", c.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen context api: %w", err)
	}
	c.addr = lis.Addr().String()
	close(c.bound)
	c.logger.Info("context api listening", zap.String("addr", c.addr))

	go func() {
		if err := c.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("context api error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start has run.
func (c *ContextServer) Addr() string {
	<-c.bound
	return c.addr
}

// Stop shuts the server down, waiting for in-flight requests up to ctx.
func (c *ContextServer) Stop(ctx context.Context) {
	if err := c.srv.Shutdown(ctx); err != nil {
		c.logger.Warn("context api shutdown", zap.Error(err))
	}
}
