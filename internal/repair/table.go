// Package repair implements the self-correction heuristics: an ordered list
// of (pattern, transform) rules that map a failing script and its stderr to a
// patched script. The first rule that produces a patch wins. A Table has no
// mutable state, so Fix is a pure function of its arguments.
package repair

import (
	"fmt"
	"regexp"
	"strings"

	"codebridge/internal/logging"
	"codebridge/internal/tactile/python"
)

// Fixer is consumed by the retry controller. Implementations must be pure:
// identical (code, stderr) always yields the identical answer.
type Fixer interface {
	Fix(code, stderr string) (patched string, ok bool)
}

// Rule is one repair heuristic. Apply reports ok=false when the rule does not
// match or would leave the code unchanged.
type Rule struct {
	Name  string
	Apply func(t *Table, code, stderr string) (string, bool)
}

// Rule names, usable in a policy's disabled_rules list.
const (
	RuleUndefinedName = "undefined-name"
	RuleMissingModule = "missing-module"
	RuleIndentation   = "indentation"
	RuleLegacyPrint   = "legacy-print"
)

var (
	nameErrorRe    = regexp.MustCompile(`NameError: name '(\w+)'`)
	moduleErrorRe  = regexp.MustCompile(`ModuleNotFoundError: No module named '(\w+)'`)
	legacyPrintRe  = regexp.MustCompile(`\bprint\s+[^(]`)
	printRewriteRe = regexp.MustCompile(`\bprint\s+(.+)`)
)

// pipFallbackTemplate installs a package before the original code runs.
// Whether the install succeeded is not checked before the retry.
const pipFallbackTemplate = "import subprocess, sys\n" +
	"subprocess.check_call([sys.executable, '-m', 'pip', 'install', '--quiet', '%s'])\n"

// DefaultRules returns the built-in rules in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleUndefinedName, Apply: fixUndefinedName},
		{Name: RuleMissingModule, Apply: fixMissingModule},
		{Name: RuleIndentation, Apply: fixIndentation},
		{Name: RuleLegacyPrint, Apply: fixLegacyPrint},
	}
}

// Table is an immutable rule list plus the symbol→import mapping the rules
// consult.
type Table struct {
	rules       []Rule
	imports     ImportMap
	pipFallback bool
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithImports merges extra symbol→import entries over the defaults.
func WithImports(extra ImportMap) TableOption {
	return func(t *Table) {
		t.imports = t.imports.Merge(extra)
	}
}

// WithoutPipFallback makes unmapped missing modules a "no fix".
func WithoutPipFallback() TableOption {
	return func(t *Table) { t.pipFallback = false }
}

// WithoutRules drops rules by name.
func WithoutRules(names ...string) TableOption {
	return func(t *Table) {
		drop := make(map[string]bool, len(names))
		for _, n := range names {
			drop[n] = true
		}
		kept := t.rules[:0:0]
		for _, r := range t.rules {
			if !drop[r.Name] {
				kept = append(kept, r)
			}
		}
		t.rules = kept
	}
}

// WithRule appends a custom rule after the built-ins.
func WithRule(r Rule) TableOption {
	return func(t *Table) {
		t.rules = append(t.rules[:len(t.rules):len(t.rules)], r)
	}
}

// NewTable builds a table from the default rules and imports.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		rules:       DefaultRules(),
		imports:     DefaultImports(),
		pipFallback: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fix returns the first rule's patch, or ok=false if no rule applies.
func (t *Table) Fix(code, stderr string) (string, bool) {
	for _, r := range t.rules {
		if patched, ok := r.Apply(t, code, stderr); ok {
			logging.RepairDebug("Rule %s matched", r.Name)
			return patched, true
		}
	}
	return "", false
}

// Match is Fix that also names the rule that fired.
func (t *Table) Match(code, stderr string) (rule string, patched string, ok bool) {
	for _, r := range t.rules {
		if patched, ok := r.Apply(t, code, stderr); ok {
			return r.Name, patched, true
		}
	}
	return "", "", false
}

// RuleNames lists the active rules in order.
func (t *Table) RuleNames() []string {
	names := make([]string, len(t.rules))
	for i, r := range t.rules {
		names[i] = r.Name
	}
	return names
}

// Imports returns a copy of the symbol→import mapping.
func (t *Table) Imports() ImportMap {
	return t.imports.Merge(nil)
}

func prepend(line, code string) string {
	return line + "\n" + code
}

func fixUndefinedName(t *Table, code, stderr string) (string, bool) {
	m := nameErrorRe.FindStringSubmatch(stderr)
	if m == nil {
		return "", false
	}
	imp, ok := t.imports[m[1]]
	if !ok {
		return "", false
	}
	return prepend(imp, code), true
}

func fixMissingModule(t *Table, code, stderr string) (string, bool) {
	m := moduleErrorRe.FindStringSubmatch(stderr)
	if m == nil {
		return "", false
	}
	if imp, ok := t.imports[m[1]]; ok {
		return prepend(imp, code), true
	}
	if !t.pipFallback {
		return "", false
	}
	return fmt.Sprintf(pipFallbackTemplate, m[1]) + code, true
}

// fixIndentation only fires for callers of Fix; the bridge dedents before
// the first attempt.
func fixIndentation(_ *Table, code, stderr string) (string, bool) {
	if !strings.Contains(stderr, "IndentationError") {
		return "", false
	}
	fixed := python.Dedent(code)
	if fixed == code {
		return "", false
	}
	return fixed, true
}

func fixLegacyPrint(_ *Table, code, stderr string) (string, bool) {
	if !strings.Contains(stderr, "SyntaxError") || !legacyPrintRe.MatchString(code) {
		return "", false
	}
	fixed := printRewriteRe.ReplaceAllStringFunc(code, func(s string) string {
		return "print(" + printRewriteRe.FindStringSubmatch(s)[1] + ")"
	})
	if fixed == code {
		return "", false
	}
	return fixed, true
}
