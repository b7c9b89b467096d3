package tactile

import (
	"fmt"
	"strings"
)

// defaultDenylist is shared by every front end. Matching is a plain substring
// test on the literal command text; it is a coarse guard, not a sandbox.
var defaultDenylist = []string{
	"rm -rf /",
	"mkfs",
	"dd if=/dev/zero",
	":(){",
	"fork bomb",
}

// Denylist is an ordered set of forbidden shell substrings.
type Denylist []string

// DefaultDenylist returns a copy of the built-in patterns.
func DefaultDenylist() Denylist {
	out := make(Denylist, len(defaultDenylist))
	copy(out, defaultDenylist)
	return out
}

// With returns a new denylist with extra patterns appended. Empty and
// duplicate patterns are skipped.
func (d Denylist) With(extra ...string) Denylist {
	out := make(Denylist, 0, len(d)+len(extra))
	seen := make(map[string]bool, len(d)+len(extra))
	for _, p := range append(append([]string{}, d...), extra...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Match returns the first pattern contained in cmd.
func (d Denylist) Match(cmd string) (string, bool) {
	for _, p := range d {
		if strings.Contains(cmd, p) {
			return p, true
		}
	}
	return "", false
}

// BlockedMessage is the error text for a denylisted command.
func BlockedMessage(pattern string) string {
	return fmt.Sprintf("Blocked pattern detected: '%s'", pattern)
}

// TimeoutMessage is the error text for a killed execution.
func TimeoutMessage(mode Mode, seconds float64) string {
	if mode == ModeShell {
		return fmt.Sprintf("Shell command timed out after %gs", seconds)
	}
	return fmt.Sprintf("Execution timed out after %gs", seconds)
}
