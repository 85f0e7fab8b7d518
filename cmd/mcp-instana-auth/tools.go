package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	auth "github.com/instana/mcp-instana-auth"
	"github.com/instana/mcp-instana-auth/dynamic"
)

func registerTools(s *mcpserver.MCPServer, manager *dynamic.Manager) {
	s.AddTool(
		mcp.NewTool("whoami",
			mcp.WithDescription("Reports which Instana backend this call resolved to and how the credential was obtained"),
		),
		whoamiHandler(manager),
	)
}

func whoamiHandler(manager *dynamic.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cred, ok := auth.CredentialFromContext(ctx)
		if !ok {
			return mcp.NewToolResultError("Instana credentials unavailable"), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Instana base URL: %s\n", cred.BaseURL)
		fmt.Fprintf(&b, "Credential source: %s\n", cred.Source)

		if manager != nil {
			fmt.Fprintf(&b, "Dynamic auth strategy: %s\n", manager.Strategy().Name())
			status, err := probe(ctx, manager, cred.BaseURL)
			if err != nil {
				fmt.Fprintf(&b, "Dynamic auth probe failed: %v\n", err)
			} else {
				fmt.Fprintf(&b, "Dynamic auth probe: HTTP %d\n", status)
			}
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func probe(ctx context.Context, manager *dynamic.Manager, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := manager.HTTPClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
