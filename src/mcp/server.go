package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/nfshanq/ptyctl/src/registry"
)

// Server wraps the official MCP SDK server plus the Gin engine it's mounted
// on.
type Server struct {
	mcpServer *mcp.Server
	registry  *registry.Registry
	engine    *gin.Engine
}

// NewServer creates the MCP server, registers the four ptyctl tools, and
// mounts the streamable HTTP transport on ginEngine at /mcp. authMiddleware,
// when non-nil, gates the /mcp mount with a bearer-token check; pass nil to
// leave it open (the default when no token is configured).
func NewServer(ginEngine *gin.Engine, reg *registry.Registry, authMiddleware gin.HandlerFunc) (*Server, error) {
	logrus.Info("creating MCP server")

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "ptyctl",
			Version: "1.0.0",
		},
		nil,
	)

	server := &Server{
		mcpServer: mcpServer,
		registry:  reg,
		engine:    ginEngine,
	}

	if err := server.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	logrus.Info("tools registered")

	server.setupHTTPEndpoints(authMiddleware)

	return server, nil
}

// Serve is a no-op: the server is driven by Gin's HTTP endpoints and/or the
// stdio transport started separately by main.go.
func (s *Server) Serve() error {
	return nil
}

// ServeStdio runs the MCP server over newline-delimited JSON-RPC on
// stdin/stdout. Blocks until ctx is canceled or the peer closes stdin.
// Diagnostics go to stderr (via logrus' default output) so stdout stays
// reserved for protocol frames.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) setupHTTPEndpoints(authMiddleware gin.HandlerFunc) {
	httpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)

	group := s.engine.Group("/mcp")
	if authMiddleware != nil {
		group.Use(authMiddleware)
	}
	group.Any("/*path", gin.WrapH(http.StripPrefix("/mcp", httpHandler)))
	group.Any("", gin.WrapH(httpHandler))

	logrus.Info("MCP HTTP endpoint configured at /mcp")
}

func (s *Server) registerTools() error {
	s.registerSessionTool()
	logrus.Info("ptyctl_session registered")

	s.registerSessionExecTool()
	logrus.Info("ptyctl_session_exec registered")

	s.registerSessionIOTool()
	logrus.Info("ptyctl_session_io registered")

	s.registerSessionConfigTool()
	logrus.Info("ptyctl_session_config registered")

	return nil
}
