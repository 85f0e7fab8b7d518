package mark3labs

import (
	"fmt"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	auth "github.com/instana/mcp-instana-auth"
)

// WithInstanaAuth returns a server option that resolves Instana credentials
// for every tool call of a mark3labs/mcp-go server.
//
// Usage:
//
//	mux := http.NewServeMux()
//	authServer, authOption, err := mark3labs.WithInstanaAuth(mux, cfg)
//	mcpServer := mcpserver.NewMCPServer("Instana MCP", "1.0.0", authOption)
//	streamable := mcpserver.NewStreamableHTTPServer(mcpServer, mark3labs.HTTPServerOptions()...)
//	mux.Handle("/mcp", authServer.WrapHandler(streamable))
//
// OAuth endpoints are registered on mux when OAuth is enabled. mux may be
// nil in stdio mode.
func WithInstanaAuth(mux *http.ServeMux, cfg *auth.Config) (*auth.Server, mcpserver.ServerOption, error) {
	authServer, err := auth.NewServer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create auth server: %w", err)
	}

	if mux != nil {
		authServer.RegisterHandlers(mux)
	}

	return authServer, mcpserver.WithToolHandlerMiddleware(NewMiddleware(authServer.Resolver())), nil
}

// HTTPServerOptions returns the StreamableHTTPServer options that carry
// request headers and the bearer token into tool call contexts.
func HTTPServerOptions() []mcpserver.StreamableHTTPOption {
	return []mcpserver.StreamableHTTPOption{
		mcpserver.WithHTTPContextFunc(auth.CreateHTTPContextFunc()),
	}
}
