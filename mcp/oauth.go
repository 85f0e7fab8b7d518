package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	auth "github.com/instana/mcp-instana-auth"
)

// WithInstanaAuth returns an HTTP handler serving mcpServer over streamable
// HTTP for the official modelcontextprotocol/go-sdk, with credential
// resolution on every tool call.
//
// Usage:
//
//	mux := http.NewServeMux()
//	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "instana", Version: "1.0.0"}, nil)
//	authServer, handler, err := mcpauth.WithInstanaAuth(mux, cfg, mcpServer)
//	mux.Handle("/mcp", handler)
//
// This function:
// - Creates the auth server and registers OAuth endpoints on mux
// - Installs the credential-resolving receiving middleware on mcpServer
// - Wraps the StreamableHTTPHandler so request headers reach the middleware
//
// Tool handlers read the credential via auth.CredentialFromContext(ctx).
func WithInstanaAuth(mux *http.ServeMux, cfg *auth.Config, mcpServer *mcp.Server) (*auth.Server, http.Handler, error) {
	authServer, err := auth.NewServer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create auth server: %w", err)
	}

	if mux != nil {
		authServer.RegisterHandlers(mux)
	}

	mcpServer.AddReceivingMiddleware(NewMiddleware(authServer.Resolver()))

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	return authServer, authServer.WrapHandler(mcpHandler), nil
}

// NewMiddleware returns a receiving middleware that resolves the Instana
// credential before each tools/call. Other methods pass through untouched.
// Resolution failures become tool error results.
func NewMiddleware(resolver *auth.CredentialResolver) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if _, ok := req.(*mcp.CallToolRequest); !ok {
				return next(ctx, method, req)
			}

			cred, err := resolver.ResolveContext(ctx)
			if err != nil {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{
						&mcp.TextContent{Text: auth.ResolutionErrorMessage(err)},
					},
				}, nil
			}
			return next(auth.WithCredential(ctx, cred), method, req)
		}
	}
}
