package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codebridge/internal/bridge"
	"codebridge/internal/mcp"
	"codebridge/internal/tactile"
)

var (
	execTimeout   float64
	noSelfCorrect bool
	showTrace     bool
	remoteTools   bool
)

var execCmd = &cobra.Command{
	Use:   "exec [code|-]",
	Short: "Run Python code through the self-correcting bridge",
	Long: `Runs Python code on the configured executor and prints the result JSON.
Failed runs are repaired and retried up to bridge.max_attempts times.
With "-" or no argument the code is read from stdin.

Example:
  codebridge exec 'print(math.factorial(20))'
  echo 'print("hi")' | codebridge exec -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readCode(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		b, closeBridge, err := openBridge(ctx)
		if err != nil {
			return err
		}
		defer closeBridge()

		opts := []bridge.CallOption{
			bridge.WithTimeout(seconds(execTimeout)),
			bridge.WithSelfCorrect(cfg.Bridge.SelfCorrect && !noSelfCorrect),
		}
		result, trace := b.ExecutePythonTrace(ctx, code, opts...)
		if showTrace {
			if err := printJSON(cmd.ErrOrStderr(), trace); err != nil {
				return err
			}
		}
		return finish(cmd.OutOrStdout(), result)
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell <cmd>...",
	Short: "Run a shell command on the executor",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		b, closeBridge, err := openBridge(ctx)
		if err != nil {
			return err
		}
		defer closeBridge()

		result := b.ExecuteShell(ctx, strings.Join(args, " "), bridge.WithTimeout(seconds(execTimeout)))
		return finish(cmd.OutOrStdout(), result)
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool catalog",
	Long: `Prints the execute_python / execute_shell descriptors. With --remote the
catalog is fetched from the configured executor and checked against the
local one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !remoteTools {
			return printJSON(cmd.OutOrStdout(), mcp.Catalog())
		}
		ctx, cancel := signalContext()
		defer cancel()
		b, closeBridge, err := openBridge(ctx)
		if err != nil {
			return err
		}
		defer closeBridge()
		return printJSON(cmd.OutOrStdout(), b.Tools())
	},
}

func init() {
	for _, c := range []*cobra.Command{execCmd, shellCmd} {
		c.Flags().Float64VarP(&execTimeout, "timeout", "t", 0, "Timeout in seconds (0 = tool default)")
	}
	execCmd.Flags().BoolVar(&noSelfCorrect, "no-self-correct", false, "Run once without repairs")
	execCmd.Flags().BoolVar(&showTrace, "trace", false, "Print state transitions to stderr")
	toolsCmd.Flags().BoolVar(&remoteTools, "remote", false, "Fetch the catalog from the executor")
}

func readCode(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read code from stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("no code provided")
	}
	return string(data), nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCodeError makes the process exit with code without printing anything
// more; the result JSON already went to stdout.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// finish prints the result and turns a failed run into a non-zero exit.
func finish(w io.Writer, result *tactile.ExecutionResult) error {
	if err := printJSON(w, result); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return exitCodeError{code: 1}
	}
	return nil
}
