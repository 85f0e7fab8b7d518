package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/instana/mcp-instana-auth"
)

func newResolver(t *testing.T, transport auth.Transport) *auth.CredentialResolver {
	t.Helper()
	cfg := &auth.Config{Transport: transport, Logger: auth.DefaultLogger()}
	require.NoError(t, cfg.Validate())
	return auth.NewCredentialResolver(cfg, auth.NewAuthContext(), nil)
}

func TestNewMiddleware(t *testing.T) {
	mw := NewMiddleware(newResolver(t, auth.TransportHTTP))

	t.Run("ToolCallGetsCredential", func(t *testing.T) {
		var got *auth.Credential
		next := func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			got, _ = auth.CredentialFromContext(ctx)
			return &mcp.CallToolResult{}, nil
		}

		ctx := auth.WithHeaders(context.Background(), http.Header{
			"Instana-Jwt-Token": {"header-token"},
			"Instana-Base-Url":  {"https://tenant.instana.io"},
		})
		_, err := mw(next)(ctx, "tools/call", &mcp.CallToolRequest{})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "header-token", got.Token)
		assert.Equal(t, auth.SourceHeader, got.Source)
	})

	t.Run("UnresolvedToolCallReturnsToolError", func(t *testing.T) {
		called := false
		next := func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			called = true
			return &mcp.CallToolResult{}, nil
		}

		res, err := mw(next)(context.Background(), "tools/call", &mcp.CallToolRequest{})
		require.NoError(t, err)
		result, ok := res.(*mcp.CallToolResult)
		require.True(t, ok)
		assert.True(t, result.IsError)
		require.Len(t, result.Content, 1)
		text, ok := result.Content[0].(*mcp.TextContent)
		require.True(t, ok)
		assert.Contains(t, text.Text, "Instana credentials unavailable")
		assert.False(t, called)
	})

	t.Run("OtherMethodsPassThrough", func(t *testing.T) {
		called := false
		next := func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			called = true
			_, ok := auth.CredentialFromContext(ctx)
			assert.False(t, ok)
			return &mcp.ListToolsResult{}, nil
		}

		_, err := mw(next)(context.Background(), "tools/list", &mcp.ListToolsRequest{})
		require.NoError(t, err)
		assert.True(t, called)
	})
}

type whoamiArgs struct{}

func TestReceivingMiddleware_StdioEnvironment(t *testing.T) {
	t.Setenv("INSTANA_JWT_TOKEN", "env-token")
	t.Setenv("INSTANA_BASE_URL", "https://env.instana.io")

	server := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "1.0.0"}, nil)
	server.AddReceivingMiddleware(NewMiddleware(newResolver(t, auth.TransportStdio)))
	mcp.AddTool(server, &mcp.Tool{Name: "whoami", Description: "report base URL"},
		func(ctx context.Context, _ *mcp.CallToolRequest, _ whoamiArgs) (*mcp.CallToolResult, any, error) {
			cred, ok := auth.CredentialFromContext(ctx)
			if !ok {
				return nil, nil, assert.AnError
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: cred.BaseURL + " via " + cred.Source}},
			}, nil, nil
		})

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "whoami"})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "https://env.instana.io via environment", text.Text)
}

func TestWithInstanaAuth(t *testing.T) {
	t.Run("JWTRequiresBearer", func(t *testing.T) {
		cfg := &auth.Config{
			Transport: auth.TransportHTTP,
			JWT: auth.JWTConfig{
				Enabled:   true,
				Audience:  "mcp-instana",
				Algorithm: "HS256",
				PublicKey: "test-secret-key-must-be-32-bytes-long!",
			},
		}
		server := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "1.0.0"}, nil)

		authServer, handler, err := WithInstanaAuth(http.NewServeMux(), cfg, server)
		require.NoError(t, err)
		defer authServer.Close()

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := &auth.Config{Transport: "carrier-pigeon"}
		server := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "1.0.0"}, nil)
		_, _, err := WithInstanaAuth(nil, cfg, server)
		assert.Error(t, err)
	})
}
