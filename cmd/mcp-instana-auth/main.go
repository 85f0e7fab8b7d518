package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "mcp-instana-auth",
		Short: "MCP server that resolves Instana credentials per tool call",
		Long: `mcp-instana-auth runs an MCP server whose tools receive an Instana base URL
and API token resolved from request headers, an OAuth-issued MCP token, a
self-issued JWT, or (stdio only) the environment.

Authentication is configured through environment variables such as
ENABLE_OAUTH, OAUTH_*, FASTMCP_AUTH_JWT_*, INSTANA_BASE_URL and INSTANA_AUTH_*.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.SetVersionTemplate(`{{printf "mcp-instana-auth version %s\n" .Version}}`)

	cmd.Flags().StringVar(&opts.transport, "transport", "", fmt.Sprintf("transport: %s or %s (overrides MCP_TRANSPORT)", "stdio", "streamable-http"))
	cmd.Flags().IntVar(&opts.port, "port", 8080, "listen port for streamable-http")
	cmd.Flags().BoolVar(&opts.telemetry, "telemetry", false, "record OpenTelemetry metrics and traces through the global providers")

	return cmd
}
