package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"codebridge/internal/bridge"
	"codebridge/internal/mcp"
	"codebridge/internal/repair"
	"codebridge/internal/tactile"
)

// buildExecutor creates the audited subprocess executor described by the
// executor config section. A missing interpreter is logged, not fatal:
// shell commands still work.
func buildExecutor(ctx context.Context) (*tactile.AuditedExecutorWrapper, *tactile.AuditLogger) {
	factory := tactile.NewFactoryFromSettings(cfg.Executor)
	if env, err := factory.ResolvePython(ctx); err != nil {
		logger.Warn("Python interpreter not found", zap.String("python", cfg.Executor.Python), zap.Error(err))
	} else {
		logger.Debug("Python interpreter", zap.String("path", env.Interpreter), zap.String("version", env.Version))
	}
	audit := tactile.NewAuditLogger()
	return factory.CreateAudited(audit), audit
}

// buildFixer returns the repair table for the controller. With a policy file
// and repair.watch set, edits to the file take effect without a restart;
// the returned stop function ends the watch.
func buildFixer(ctx context.Context) (repair.Fixer, func(), error) {
	path := cfg.Repair.PolicyFile
	if path == "" {
		return repair.NewTable(), func() {}, nil
	}
	if !cfg.Repair.Watch {
		table, err := repair.LoadTable(path)
		if err != nil {
			return nil, nil, err
		}
		return table, func() {}, nil
	}
	w, err := repair.NewWatcher(path)
	if err != nil {
		return nil, nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, nil, err
	}
	return w, w.Stop, nil
}

// bridgeOptions translates the bridge config section.
func bridgeOptions(fixer repair.Fixer) []bridge.Option {
	return []bridge.Option{
		bridge.WithFixer(fixer),
		bridge.WithMaxAttempts(cfg.Bridge.MaxAttempts),
		bridge.WithCallGrace(cfg.GetCallGrace()),
	}
}

// clientTransport builds the transport to the executor. For stdio the
// executor is this binary's serve-mcp unless bridge.server_command says
// otherwise.
func clientTransport() (mcp.MCPTransport, error) {
	switch mcp.Protocol(cfg.Bridge.Transport) {
	case mcp.ProtocolStdio, "":
		if len(cfg.Bridge.ServerCommand) > 0 {
			return mcp.NewStdioTransportCommand(cfg.Bridge.ServerCommand[0], cfg.Bridge.ServerCommand[1:]...), nil
		}
		if cfg.Bridge.Endpoint != "" {
			return mcp.NewStdioTransport(cfg.Bridge.Endpoint), nil
		}
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot locate own executable: %w", err)
		}
		args := []string{"serve-mcp", "--config", configPath}
		if verbose {
			args = append(args, "--verbose")
		}
		return mcp.NewStdioTransportCommand(exe, args...), nil
	default:
		return mcp.NewTransport(mcp.TransportConfig{
			Protocol: mcp.Protocol(cfg.Bridge.Transport),
			Endpoint: cfg.Bridge.Endpoint,
			Timeout:  30 * time.Second,
		})
	}
}

// openBridge connects a Bridge to the configured executor. The returned
// closer stops the bridge and any policy watcher.
func openBridge(ctx context.Context) (*bridge.Bridge, func(), error) {
	fixer, stopFixer, err := buildFixer(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load repair policy: %w", err)
	}
	transport, err := clientTransport()
	if err != nil {
		stopFixer()
		return nil, nil, err
	}
	b, err := bridge.New(ctx, transport, bridgeOptions(fixer)...)
	if err != nil {
		stopFixer()
		return nil, nil, err
	}
	return b, func() {
		_ = b.Close()
		stopFixer()
	}, nil
}
