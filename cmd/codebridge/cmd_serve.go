package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codebridge/internal/httpapi"
	"codebridge/internal/mcp"
)

var (
	httpHost string
	httpPort int
)

var serveMCPCmd = &cobra.Command{
	Use:   "serve-mcp",
	Short: "Serve execute_python and execute_shell over MCP on stdio",
	Long: `Runs the executor as an MCP server speaking newline-delimited JSON-RPC 2.0
on stdin/stdout. Logs go to stderr. The server exits when stdin closes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		exec, _ := buildExecutor(ctx)
		srv := mcp.NewServer(exec)
		logger.Info("MCP executor serving on stdio", zap.String("server", mcp.ServerName), zap.String("version", mcp.Version))
		if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
			return err
		}
		logger.Info("MCP executor stopped")
		return nil
	},
}

var serveHTTPCmd = &cobra.Command{
	Use:   "serve-http",
	Short: "Serve /execute, /health and MCP over HTTP",
	Long: `Runs the HTTP front end:

  POST /execute   {"code": "...", "timeout": 30, "self_correct": false}
  GET  /health
  POST /mcp       JSON-RPC 2.0, one message per request
  GET  /mcp/ws    JSON-RPC 2.0 over WebSocket
  GET  /stats`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		if cmd.Flags().Changed("host") {
			cfg.HTTP.Host = httpHost
		}
		if cmd.Flags().Changed("port") {
			cfg.HTTP.Port = httpPort
		}

		fixer, stopFixer, err := buildFixer(ctx)
		if err != nil {
			return err
		}
		defer stopFixer()

		exec, audit := buildExecutor(ctx)
		srv, b, err := httpapi.NewStack(ctx, exec, bridgeOptions(fixer),
			httpapi.WithAuditLogger(audit),
			httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
			httpapi.WithMaxConnections(cfg.HTTP.MaxConnections),
			httpapi.WithReadTimeout(cfg.GetReadTimeout()),
		)
		if err != nil {
			return err
		}
		defer b.Close()

		addr := cfg.HTTP.Addr()
		logger.Info("HTTP executor starting", zap.String("addr", addr))
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveHTTPCmd.Flags().StringVar(&httpHost, "host", "127.0.0.1", "Bind address")
	serveHTTPCmd.Flags().IntVar(&httpPort, "port", 8081, "Port")
}
