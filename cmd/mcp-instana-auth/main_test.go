package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/instana/mcp-instana-auth"
	"github.com/instana/mcp-instana-auth/dynamic"
)

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()

	port := cmd.Flags().Lookup("port")
	require.NotNil(t, port)
	assert.Equal(t, "8080", port.DefValue)

	transport := cmd.Flags().Lookup("transport")
	require.NotNil(t, transport)
	assert.Empty(t, transport.DefValue)

	require.NotNil(t, cmd.Flags().Lookup("telemetry"))
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestWhoamiHandler(t *testing.T) {
	t.Run("no credential", func(t *testing.T) {
		res, err := whoamiHandler(nil)(context.Background(), mcp.CallToolRequest{})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("reports source without token", func(t *testing.T) {
		ctx := auth.WithCredential(context.Background(), &auth.Credential{
			BaseURL: "https://tenant.instana.io",
			Token:   "secret-token",
			Source:  auth.SourceHeader,
		})
		res, err := whoamiHandler(nil)(ctx, mcp.CallToolRequest{})
		require.NoError(t, err)
		require.False(t, res.IsError)

		text := resultText(t, res)
		assert.Contains(t, text, "https://tenant.instana.io")
		assert.Contains(t, text, auth.SourceHeader)
		assert.NotContains(t, text, "secret-token")
	})

	t.Run("probes through dynamic manager", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			if id, secret, ok := r.BasicAuth(); !ok || id != "user" || secret != "pass" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"dynamic-token","expires_in":3600}`))
		})
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer dynamic-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		backend := httptest.NewServer(mux)
		defer backend.Close()

		manager, err := dynamic.NewManager(dynamic.Config{
			Strategy: dynamic.BasicStrategy{TokenURL: backend.URL + "/token", ID: "user", Secret: "pass"},
		})
		require.NoError(t, err)

		ctx := auth.WithCredential(context.Background(), &auth.Credential{
			BaseURL: backend.URL,
			Source:  auth.SourceEnvironment,
		})
		res, err := whoamiHandler(manager)(ctx, mcp.CallToolRequest{})
		require.NoError(t, err)

		text := resultText(t, res)
		assert.Contains(t, text, "Dynamic auth strategy: basic")
		assert.Contains(t, text, "HTTP 204")
	})
}
