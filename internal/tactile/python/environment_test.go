package python

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedent(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no indent", "a = 1\nprint(a)", "a = 1\nprint(a)"},
		{"uniform spaces", "    a = 1\n    print(a)", "a = 1\nprint(a)"},
		{"nested block keeps relative indent", "  if x:\n      y()\n  z()", "if x:\n    y()\nz()"},
		{"blank lines ignored for margin", "    a\n\n    b", "a\n\nb"},
		{"whitespace-only lines emptied", "    a\n  \t\n    b", "a\n\nb"},
		{"tabs", "\ta\n\tb", "a\nb"},
		{"mixed tab and space share nothing", "\ta\n    b", "\ta\n    b"},
		{"shorter second margin wins", "        a\n    b", "    a\nb"},
		{"partial common prefix", "  \ta\n   b", "\ta\n b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Dedent(tc.in))
		})
	}
}

func TestNormalize(t *testing.T) {
	in := "\n\n    import math\n    print(math.pi)\n\n"
	assert.Equal(t, "import math\nprint(math.pi)", Normalize(in))
}

func TestFindInterpreter_Unknown(t *testing.T) {
	path, err := FindInterpreter("definitely-not-a-python-binary-xyz")
	if err != nil {
		// No python on this machine at all.
		assert.True(t, errors.Is(err, ErrNoInterpreter))
		return
	}
	assert.NotEmpty(t, path, "fallback interpreter should resolve")
}

func TestDetect(t *testing.T) {
	if _, err := FindInterpreter(""); err != nil {
		t.Skip("python not available")
	}
	env, err := Detect(context.Background(), "")
	require.NoError(t, err)
	assert.Regexp(t, `^3\.\d+\.\d+$`, env.Version)
	assert.NotEmpty(t, env.Interpreter)
}
