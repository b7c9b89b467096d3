package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"codebridge/internal/bridge"
	"codebridge/internal/tactile"
	"codebridge/internal/tools/codeexec"
)

var (
	passStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22c55e"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ef4444"))
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#60a5fa"))
	titleStyle = lipgloss.NewStyle().Bold(true).
			Border(lipgloss.NormalBorder(), true, false).
			Padding(0, 2)
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run end-to-end scenarios against the executor",
	Long: `Connects to the configured executor and runs a fixed set of scenarios:
plain execution, heavy math, data processing, missing-import repair, shell,
timeout, syntax errors, the tool adapter and concurrent execution. Exits
non-zero if any scenario fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render("codebridge self-correcting execution stress test"))
		fmt.Fprintln(out, "Connecting to MCP server...")

		b, closeBridge, err := openBridge(ctx)
		if err != nil {
			return err
		}
		defer closeBridge()
		fmt.Fprintf(out, "Connected to %s.\n\n", b.Capabilities().ServerName)

		adapter, err := codeexec.New(b)
		if err != nil {
			return err
		}
		defer adapter.Close()

		r := &stressReport{w: out}
		for _, s := range stressScenarios {
			ok, detail := s.run(ctx, b, adapter)
			r.add(s.name, ok, detail)
		}
		return r.finish()
	},
}

type stressScenario struct {
	name string
	run  func(ctx context.Context, b *bridge.Bridge, a *codeexec.Adapter) (bool, string)
}

type stressReport struct {
	w      io.Writer
	passed int
	failed []string
}

func (r *stressReport) add(name string, ok bool, detail string) {
	mark := passStyle.Render("PASS")
	if ok {
		r.passed++
	} else {
		mark = failStyle.Render("FAIL")
		r.failed = append(r.failed, name)
	}
	fmt.Fprintf(r.w, "  %s  %s\n", mark, name)
	for _, line := range strings.Split(strings.TrimSpace(detail), "\n") {
		if line != "" {
			fmt.Fprintf(r.w, "      %s %s\n", infoStyle.Render("·"), line)
		}
	}
}

func (r *stressReport) finish() error {
	total := r.passed + len(r.failed)
	summary := fmt.Sprintf("%d/%d scenarios passed", r.passed, total)
	if len(r.failed) == 0 {
		fmt.Fprintln(r.w, "\n"+titleStyle.Render(passStyle.Render(summary)))
		return nil
	}
	fmt.Fprintln(r.w, "\n"+titleStyle.Render(failStyle.Render(summary)))
	fmt.Fprintln(r.w, "  FAILED:")
	for _, name := range r.failed {
		fmt.Fprintf(r.w, "    %s  %s\n", failStyle.Render("x"), name)
	}
	return exitCodeError{code: 1}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

const mathScenario = `
import math
from decimal import Decimal, getcontext

def sieve(n):
    is_prime = [True] * (n + 1)
    is_prime[0] = is_prime[1] = False
    for i in range(2, int(n**0.5) + 1):
        if is_prime[i]:
            for j in range(i*i, n+1, i):
                is_prime[j] = False
    return [x for x in range(2, n+1) if is_prime[x]]

primes = sieve(1000)
print(f"Primes <= 1000: {len(primes)} found, last={primes[-1]}")

def mat_mul(A, B):
    return [
        [A[0][0]*B[0][0] + A[0][1]*B[1][0], A[0][0]*B[0][1] + A[0][1]*B[1][1]],
        [A[1][0]*B[0][0] + A[1][1]*B[1][0], A[1][0]*B[0][1] + A[1][1]*B[1][1]],
    ]
def mat_pow(M, n):
    if n == 1: return M
    if n % 2 == 0:
        half = mat_pow(M, n // 2)
        return mat_mul(half, half)
    return mat_mul(M, mat_pow(M, n - 1))
def fib(n):
    if n <= 1: return n
    return mat_pow([[1,1],[1,0]], n)[0][1]

print(f"Fib(50) = {fib(50)}")
print(f"Fib(100) = {fib(100)}")

getcontext().prec = 110
four = Decimal(4)
def atan_dec(x):
    x = Decimal(x)
    result = x; power = x; sign = -1
    for k in range(1, 200):
        power *= x * x
        term = power / (2*k + 1)
        result += sign * term
        sign = -sign
    return result
pi = four * (four * atan_dec(Decimal(1)/5) - atan_dec(Decimal(1)/239))
print(f"pi (100 dp): {str(pi)[:103]}")

base, exp, mod = 65537, 2**31 - 1, 10**18 + 9
print(f"pow({base}, 2^31-1, 10^18+9) = {pow(base, exp, mod)}")
`

const dataScenario = `
import json, statistics, hashlib, collections, functools

def caesar(text, shift):
    out = []
    for c in text:
        if c.isalpha():
            base = ord('A') if c.isupper() else ord('a')
            out.append(chr((ord(c) - base + shift) % 26 + base))
        else:
            out.append(c)
    return ''.join(out)

msg = "codebridge is chaotic neutral"
assert caesar(caesar(msg, 13), 13) == msg, "Caesar round-trip failed"
print(f"Caesar ROT13 round-trip OK: {caesar(msg, 13)[:20]}")

data = [x**2 - 3*x + 1 for x in range(-20, 21)]
print(f"Dataset n={len(data)}, mean={statistics.mean(data):.2f}, "
      f"stdev={statistics.stdev(data):.2f}, median={statistics.median(data)}")

words = "the quick brown fox jumps over the lazy dog the fox".split()
print(f"Top-3 words: {collections.Counter(words).most_common(3)}")

h = "codebridge"
for _ in range(10):
    h = hashlib.sha256(h.encode()).hexdigest()
print(f"SHA-256 chain (10x): {h[:32]}")

nested = [[3,1,4],[1,5,9],[2,6,5],[3,5],[8,9,7,9]]
print(f"Flatten+dedup+sort: {sorted(set(functools.reduce(lambda a,b: a+b, nested)))}")
`

var stressScenarios = []stressScenario{
	{"Basic execution", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		r := b.ExecutePython(ctx, "print('codebridge MCP bridge online')")
		return r.ExitCode == 0 && strings.Contains(r.Stdout, "online"), r.Stdout
	}},
	{"Complex math (sieve + fib-matrix + decimal pi + modexp)", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		r := b.ExecutePython(ctx, mathScenario)
		return r.ExitCode == 0 && strings.Contains(r.Stdout, "Fib(100)"), clip(r.Stdout+r.Stderr, 600)
	}},
	{"Data manipulation (cipher, stats, counter, hash, reduce)", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		r := b.ExecutePython(ctx, dataScenario)
		return r.ExitCode == 0 && strings.Contains(r.Stdout, "SHA-256"), clip(r.Stdout+r.Stderr, 400)
	}},
	{"Self-correction (auto-inject missing import)", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		r := b.ExecutePython(ctx, "result = math.factorial(20)\nprint(f'20! = {result}')")
		ok := r.ExitCode == 0 && strings.Contains(r.Stdout, "2432902008176640000") && r.Attempts > 1
		return ok, fmt.Sprintf("attempts=%d, stdout=%s", r.Attempts, r.Stdout)
	}},
	{"Multi-import repair (math then json)", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		r, trace := b.ExecutePythonTrace(ctx, "print(json.dumps({'sqrt': math.sqrt(2)}))")
		ok := r.ExitCode == 0 && r.Attempts == 3 && strings.Contains(r.Stdout, "sqrt")
		return ok, fmt.Sprintf("attempts=%d, rules=%v, stdout=%s", r.Attempts, trace.Rules(), r.Stdout)
	}},
	{"Shell execution (uname + python version + df)", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		r := b.ExecuteShell(ctx, "uname -s && python3 --version && df -h / | tail -1")
		return r.ExitCode == 0 && r.Stdout != "", r.Stdout + r.Error
	}},
	{"Timeout guard (infinite loop killed in 2s)", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		r := b.ExecutePython(ctx, "while True: pass", bridge.WithTimeout(2*time.Second), bridge.WithSelfCorrect(false))
		ok := r.ExitCode == -1 || strings.Contains(strings.ToLower(r.Error), "timed out")
		return ok, r.Error
	}},
	{"Error propagation (SyntaxError captured, not raised)", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		r := b.ExecutePython(ctx, "def f(:\n    pass", bridge.WithSelfCorrect(false))
		ok := r.ExitCode != 0 && (strings.Contains(r.Stderr, "SyntaxError") || r.ExitCode == 1)
		return ok, clip(r.Stderr, 120)
	}},
	{"Tool adapter", func(ctx context.Context, _ *bridge.Bridge, a *codeexec.Adapter) (bool, string) {
		if n := len(a.Tools()); n != 2 {
			return false, fmt.Sprintf("adapter exposes %d tools", n)
		}
		raw := a.RunPython("import sys; print(f'Python {sys.version_info.major}.{sys.version_info.minor} via tool adapter')", 0)
		var r tactile.ExecutionResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return false, err.Error()
		}
		return r.ExitCode == 0 && strings.Contains(r.Stdout, "via tool adapter"), r.Stdout
	}},
	{"Concurrent execution (4 tasks in parallel)", func(ctx context.Context, b *bridge.Bridge, _ *codeexec.Adapter) (bool, string) {
		snippets := []string{
			"import time; time.sleep(0.1); print('task A done')",
			"print(sum(range(1_000_000)))",
			"print([x*x for x in range(10)])",
			"print('hello from task D')",
		}
		start := time.Now()
		results, err := b.ExecuteMany(ctx, snippets)
		if err != nil {
			return false, err.Error()
		}
		lines := []string{fmt.Sprintf("%.2fs total", time.Since(start).Seconds())}
		ok := true
		for _, r := range results {
			ok = ok && r.ExitCode == 0
			lines = append(lines, clip(r.Stdout, 60))
		}
		return ok, strings.Join(lines, "\n")
	}},
}
