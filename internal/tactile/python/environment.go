// Package python holds the Python-specific pieces of the executor: locating an
// interpreter and normalizing source text before it is passed to `-c`.
package python

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"codebridge/internal/logging"
)

// ErrNoInterpreter is returned when no Python 3 interpreter can be found.
var ErrNoInterpreter = errors.New("no python interpreter found")

// fallbackInterpreters are tried, in order, after the configured one.
var fallbackInterpreters = []string{"python3", "python"}

// Environment describes the interpreter the executor will spawn.
type Environment struct {
	Interpreter string `json:"interpreter"` // absolute path
	Version     string `json:"version"`     // e.g. "3.12.1"
}

// FindInterpreter resolves preferred (a name or path) on PATH, falling back to
// python3 then python.
func FindInterpreter(preferred string) (string, error) {
	candidates := fallbackInterpreters
	if preferred != "" {
		candidates = append([]string{preferred}, fallbackInterpreters...)
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w (tried %s)", ErrNoInterpreter, strings.Join(candidates, ", "))
}

// Detect finds an interpreter and asks it for its version.
func Detect(ctx context.Context, preferred string) (*Environment, error) {
	path, err := FindInterpreter(preferred)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-c", "import sys; print('.'.join(map(str, sys.version_info[:3])))").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s version: %w", path, err)
	}
	version := strings.TrimSpace(string(out))
	if !strings.HasPrefix(version, "3.") {
		return nil, fmt.Errorf("%w: %s reports version %q", ErrNoInterpreter, path, version)
	}

	logging.ExecutorDebug("Detected python %s at %s", version, path)
	return &Environment{Interpreter: path, Version: version}, nil
}
