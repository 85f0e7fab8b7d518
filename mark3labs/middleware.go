package mark3labs

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	auth "github.com/instana/mcp-instana-auth"
)

// NewMiddleware creates a tool handler middleware for mark3labs/mcp-go that
// resolves the Instana credential for every tool call.
//
// The middleware:
//  1. Reads the request headers and bearer token captured by auth.CreateHTTPContextFunc
//  2. Resolves the credential with the CredentialResolver
//  3. Adds the credential to the context via auth.WithCredential
//  4. Passes the request to the tool handler
//
// Resolution failures become tool error results so the session survives.
// Use auth.CredentialFromContext(ctx) in tool handlers.
func NewMiddleware(resolver *auth.CredentialResolver) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			cred, err := resolver.ResolveContext(ctx)
			if err != nil {
				return mcp.NewToolResultError(auth.ResolutionErrorMessage(err)), nil
			}
			return next(auth.WithCredential(ctx, cred), req)
		}
	}
}
