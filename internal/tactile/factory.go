package tactile

import (
	"context"

	"codebridge/internal/config"
	"codebridge/internal/tactile/python"
)

// ConfigFromSettings converts the YAML executor section.
func ConfigFromSettings(s config.ExecutorConfig) ExecutorConfig {
	c := DefaultExecutorConfig()
	if s.Python != "" {
		c.Python = s.Python
	}
	if s.Shell != "" {
		c.Shell = s.Shell
	}
	c.ScriptTimeout = s.GetScriptTimeout()
	c.ShellTimeout = s.GetShellTimeout()
	c.MaxTimeout = s.GetMaxTimeout()
	if s.MaxOutputBytes > 0 {
		c.MaxOutputBytes = s.MaxOutputBytes
	}
	c.MaxConcurrency = s.MaxConcurrency
	c.DefaultWorkingDir = s.WorkingDirectory
	if len(s.AllowedEnvVars) > 0 {
		c.AllowedEnvironment = append([]string(nil), s.AllowedEnvVars...)
	}
	c.Denylist = DefaultDenylist().With(s.ExtraDenylist...)
	return c
}

// ExecutorFactory builds executors from one shared configuration.
type ExecutorFactory struct {
	config ExecutorConfig
}

// NewExecutorFactory creates a factory with the given config.
func NewExecutorFactory(config ExecutorConfig) *ExecutorFactory {
	return &ExecutorFactory{config: config}
}

// NewFactoryFromSettings creates a factory from the YAML executor section.
func NewFactoryFromSettings(s config.ExecutorConfig) *ExecutorFactory {
	return NewExecutorFactory(ConfigFromSettings(s))
}

// ResolvePython replaces the configured interpreter name with the path of
// an interpreter that actually exists, falling back to python3/python.
func (f *ExecutorFactory) ResolvePython(ctx context.Context) (*python.Environment, error) {
	env, err := python.Detect(ctx, f.config.Python)
	if err != nil {
		return nil, err
	}
	f.config.Python = env.Interpreter
	return env, nil
}

// Config returns the factory's config.
func (f *ExecutorFactory) Config() ExecutorConfig {
	return f.config
}

// CreateDirect creates a direct executor.
func (f *ExecutorFactory) CreateDirect() *DirectExecutor {
	return NewDirectExecutorWithConfig(f.config)
}

// CreateAudited creates a direct executor wired to an audit logger.
func (f *ExecutorFactory) CreateAudited(logger *AuditLogger) *AuditedExecutorWrapper {
	return NewAuditedExecutor(f.CreateDirect(), logger)
}
