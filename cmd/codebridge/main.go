// Command codebridge runs the self-correcting code execution bridge: the
// executor as an MCP server (stdio or HTTP) and the client side that drives
// it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codebridge/internal/config"
	"codebridge/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "codebridge",
	Short: "Self-correcting remote code execution over MCP",
	Long: `codebridge runs Python code and shell commands in isolated subprocesses
behind an MCP (JSON-RPC 2.0) tool server, and drives that server from a client
that retries failed Python with automatic repairs (missing imports,
indentation, legacy print statements).

Start an executor with serve-mcp (stdio) or serve-http, or let exec and
shell spawn one for you.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// stdout may be the MCP channel; zap's production sink is stderr.
		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		if cfg.Logging.Format == "json" {
			zc.Encoding = "json"
		}
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		level, err := zapcore.ParseLevel(cfg.Logging.ToLogging(verbose).Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
		if cfg.Logging.File != "" {
			zc.OutputPaths = []string{cfg.Logging.File}
			zc.ErrorOutputPaths = []string{cfg.Logging.File}
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.UseLogger(logger, cfg.Logging.Categories)
		logging.BootDebug("Loaded config from %s", configPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "codebridge.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveMCPCmd)
	rootCmd.AddCommand(serveHTTPCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(stressCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var exit exitCodeError
		if errors.As(err, &exit) {
			code = exit.code
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
