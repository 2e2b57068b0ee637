package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nfshanq/ptyctl/docs" // swagger generated docs
	"github.com/nfshanq/ptyctl/src/api"
	"github.com/nfshanq/ptyctl/src/config"
	"github.com/nfshanq/ptyctl/src/mcp"
	"github.com/nfshanq/ptyctl/src/registry"
	"github.com/nfshanq/ptyctl/src/rpcserver"
)

// @title           ptyctl
// @version         1.0.0-preview
// @description     Interactive SSH/Telnet session controller, driven over JSON-RPC/MCP.

// @host      localhost:8088
// @BasePath  /
func main() {
	configPath := flag.String("config", os.Getenv("PTYCTL_CONFIG"), "path to a YAML/JSON config file")
	transport := flag.String("transport", "", "transport override: stdio|http (defaults to config/env)")
	listen := flag.String("listen", "", "HTTP listen address override (defaults to config/env)")
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	defer watcher.Close()

	cfg := watcher.Current()
	if *transport != "" {
		cfg.Transport = *transport
	}
	if *listen != "" {
		cfg.HTTPListen = *listen
	}
	if lvl, lvlErr := logrus.ParseLevel(cfg.LogLevel); lvlErr == nil {
		logrus.SetLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("shutdown signal received")
		cancel()
	}()

	reg := registry.New(registry.Limits{
		MaxSessions:          cfg.MaxSessions,
		OutputBufferMaxBytes: cfg.OutputBufferMaxBytes,
		OutputBufferMaxLines: cfg.OutputBufferMaxLines,
		IdleTimeoutMs:        cfg.IdleTimeoutMs,
	}, 10*time.Second)
	defer reg.Stop()

	var authCheck api.AuthChecker
	if token := os.Getenv("PTYCTL_BEARER_TOKEN"); token != "" {
		authCheck = func(got string) bool { return got == token }
	}

	router := api.SetupRouter(reg, authCheck, false, true)
	docs.SwaggerInfo.Host = cfg.HTTPListen

	mcpServer, err := mcp.NewServer(router, reg, api.MCPAuthMiddleware(authCheck))
	if err != nil {
		logrus.WithError(err).Fatal("failed to create MCP server")
	}

	if err := startControlSocket(ctx, cfg, reg); err != nil {
		logrus.WithError(err).Fatal("failed to start control socket")
	}

	switch cfg.Transport {
	case "stdio":
		logrus.Info("serving MCP over stdio")
		if err := mcpServer.ServeStdio(ctx); err != nil {
			logrus.WithError(err).Fatal("stdio transport exited with error")
		}
	case "http":
		logrus.WithField("addr", cfg.HTTPListen).Info("serving MCP over HTTP")
		httpServer := &http.Server{Addr: cfg.HTTPListen, Handler: router}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP transport exited with error")
		}
	default:
		logrus.Fatalf("unknown PTYCTL_TRANSPORT %q: want stdio or http", cfg.Transport)
	}
}

// startControlSocket binds the read-only operator control socket,
// unless control_mode is "disabled". The socket path follows the search
// order in rpcserver.SocketPath unless PTYCTL_CONTROL_SOCKET overrides it.
func startControlSocket(ctx context.Context, cfg config.Config, reg *registry.Registry) error {
	if cfg.ControlMode == config.ControlDisabled {
		logrus.Info("control socket disabled (control_mode=disabled)")
		return nil
	}

	path := cfg.ControlSocket
	if path == "" {
		path = rpcserver.SocketPath()
	}

	srv, err := rpcserver.NewControlServer(reg, path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	if cfg.ControlMode == config.ControlReadwrite {
		logrus.Warn("control_mode=readwrite is accepted but not yet implemented; the control socket remains read-only")
	}

	go func() {
		if serveErr := srv.Serve(); serveErr != nil {
			logrus.WithError(serveErr).Warn("control socket stopped serving")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Stop()
	}()

	logrus.WithField("path", path).Info("control socket listening")
	return nil
}
