package auth

import (
	"context"
	"net/http"
)

// CreateHTTPContextFunc creates an HTTP context function that carries the
// inbound request headers and bearer token into the MCP request context, so
// tool-level middleware can resolve credentials per call.
//
// Example:
//
//	streamableServer := mcpserver.NewStreamableHTTPServer(
//	    mcpServer,
//	    mcpserver.WithHTTPContextFunc(auth.CreateHTTPContextFunc()),
//	)
func CreateHTTPContextFunc() func(context.Context, *http.Request) context.Context {
	return func(ctx context.Context, r *http.Request) context.Context {
		return withRequest(ctx, r)
	}
}

// CaptureHeaders is the net/http equivalent of CreateHTTPContextFunc for
// transports that take a plain http.Handler.
func CaptureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(withRequest(r.Context(), r)))
	})
}

func withRequest(ctx context.Context, r *http.Request) context.Context {
	ctx = WithHeaders(ctx, r.Header.Clone())
	if token, ok := bearerToken(r.Header); ok {
		ctx = WithOAuthToken(ctx, token)
	}
	return ctx
}
