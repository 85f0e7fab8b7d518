package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	auth "github.com/instana/mcp-instana-auth"
	"github.com/instana/mcp-instana-auth/dynamic"
	"github.com/instana/mcp-instana-auth/instrumentation"
	"github.com/instana/mcp-instana-auth/mark3labs"
)

type serveOptions struct {
	transport string
	port      int
	telemetry bool
}

func runServe(ctx context.Context, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := auth.FromEnv()
	if err != nil {
		return fmt.Errorf("invalid auth configuration: %w", err)
	}
	if opts.transport != "" {
		cfg.Transport = auth.Transport(opts.transport)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid auth configuration: %w", err)
		}
	}
	logger := auth.DefaultLogger()
	cfg.Logger = logger

	inst, err := instrumentation.New(instrumentation.Config{Enabled: opts.telemetry})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	cfg.Instrumentation = inst

	var manager *dynamic.Manager
	dynCfg, err := dynamic.FromEnv()
	if err != nil {
		return fmt.Errorf("invalid dynamic auth configuration: %w", err)
	}
	if dynCfg != nil {
		dynCfg.Logger = logger
		dynCfg.Instrumentation = inst
		if manager, err = dynamic.NewManager(*dynCfg); err != nil {
			return err
		}
		logger.Info("Dynamic auth: %s strategy configured", manager.Strategy().Name())
	}

	mux := http.NewServeMux()
	authServer, authOption, err := mark3labs.WithInstanaAuth(mux, cfg)
	if err != nil {
		return err
	}
	defer authServer.Close()
	authServer.LogStartup()

	mcpServer := mcpserver.NewMCPServer("mcp-instana-auth", version, authOption)
	registerTools(mcpServer, manager)

	if cfg.Transport == auth.TransportStdio {
		logger.Info("Serving MCP over stdio")
		return mcpserver.ServeStdio(mcpServer)
	}

	streamable := mcpserver.NewStreamableHTTPServer(mcpServer,
		append(mark3labs.HTTPServerOptions(), mcpserver.WithEndpointPath("/mcp"))...,
	)
	mux.Handle("/mcp", authServer.WrapHandler(streamable))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving MCP over streamable-http on %s/mcp", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
