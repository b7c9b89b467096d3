package python

import "strings"

// Dedent removes the longest common run of leading spaces and tabs from every
// non-blank line. Lines holding only spaces and tabs become empty and do not
// take part in the margin computation. Tabs and spaces are not equivalent:
// "\t" and "    " share no margin.
func Dedent(text string) string {
	lines := strings.Split(text, "\n")

	margin := ""
	first := true
	for i, line := range lines {
		if strings.Trim(line, " \t") == "" {
			lines[i] = strings.TrimLeft(line, " \t")
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		switch {
		case first:
			margin = indent
			first = false
		case strings.HasPrefix(indent, margin):
			// current margin still common
		case strings.HasPrefix(margin, indent):
			margin = indent
		default:
			margin = commonPrefix(margin, indent)
		}
	}

	if margin != "" {
		for i, line := range lines {
			lines[i] = strings.TrimPrefix(line, margin)
		}
	}
	return strings.Join(lines, "\n")
}

// Normalize dedents and strips surrounding whitespace, the form code takes
// before its first execution attempt.
func Normalize(code string) string {
	return strings.TrimSpace(Dedent(code))
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}
