package config

import "time"

// ExecutorConfig configures the subprocess executor.
type ExecutorConfig struct {
	// Interpreter for script mode
	Python string `yaml:"python" json:"python,omitempty"`

	// Shell used for shell mode (invoked as <shell> -c <cmd>)
	Shell string `yaml:"shell" json:"shell,omitempty"`

	// Default timeouts when a request carries none
	ScriptTimeout string `yaml:"script_timeout" json:"script_timeout,omitempty"`
	ShellTimeout  string `yaml:"shell_timeout" json:"shell_timeout,omitempty"`

	// Upper bound for any caller-supplied timeout
	MaxTimeout string `yaml:"max_timeout" json:"max_timeout,omitempty"`

	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes,omitempty"`

	// Concurrent subprocesses; 0 means unlimited
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency,omitempty"`

	WorkingDirectory string `yaml:"working_directory" json:"working_directory,omitempty"`

	// Environment variables to pass
	AllowedEnvVars []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`

	// Patterns added to the built-in denylist
	ExtraDenylist []string `yaml:"extra_denylist" json:"extra_denylist,omitempty"`
}

// GetScriptTimeout returns the default script timeout.
func (c *ExecutorConfig) GetScriptTimeout() time.Duration {
	return parseDuration(c.ScriptTimeout, 30*time.Second)
}

// GetShellTimeout returns the default shell timeout.
func (c *ExecutorConfig) GetShellTimeout() time.Duration {
	return parseDuration(c.ShellTimeout, 15*time.Second)
}

// GetMaxTimeout returns the timeout ceiling.
func (c *ExecutorConfig) GetMaxTimeout() time.Duration {
	return parseDuration(c.MaxTimeout, 10*time.Minute)
}
