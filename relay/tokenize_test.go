package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitWhitespace(t *testing.T) {
	cases := []struct {
		name string
		line string
		exp  []string
	}{
		{name: "single token", line: "whoami", exp: []string{"whoami"}},
		{name: "args", line: "echo hello world", exp: []string{"echo", "hello", "world"}},
		{name: "runs of whitespace", line: "  ls \t -l   /tmp  ", exp: []string{"ls", "-l", "/tmp"}},
		{name: "quotes are not special", line: `echo "a b"`, exp: []string{"echo", `"a`, `b"`}},
		{name: "metacharacters are not special", line: "echo a | wc", exp: []string{"echo", "a", "|", "wc"}},
		{name: "vertical tab and form feed", line: "a\vb\fc", exp: []string{"a", "b", "c"}},
		{name: "non-ASCII spaces are not separators", line: "echo a\u00a0b c\u0085d", exp: []string{"echo", "a\u00a0b", "c\u0085d"}},
		{name: "empty", line: "", exp: nil},
		{name: "only whitespace", line: " \t  ", exp: nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tokens, err := SplitWhitespace(c.line)
			require.NoError(t, err)
			if c.exp == nil {
				assert.Empty(t, tokens)
				return
			}
			assert.Equal(t, c.exp, tokens)
		})
	}
}

func TestSplitShell(t *testing.T) {
	tokens, err := SplitShell(`sh -c 'printf "%s" hi'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", `printf "%s" hi`}, tokens)

	tokens, err = SplitShell("   ")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	_, err = SplitShell(`echo "unterminated`)
	assert.Error(t, err)
}

func TestTokenizerByName(t *testing.T) {
	for _, name := range []string{"", "whitespace", "shell"} {
		tok, err := TokenizerByName(name)
		require.NoError(t, err)
		assert.NotNil(t, tok)
	}
	_, err := TokenizerByName("regex")
	assert.Error(t, err)
}

func TestTrimCommand(t *testing.T) {
	cases := []struct {
		in  string
		exp string
	}{
		{in: "echo hi\n", exp: "echo hi"},
		{in: "echo hi\r\n", exp: "echo hi"},
		{in: "echo hi\n\n\r", exp: "echo hi"},
		{in: "echo hi\x00garbage", exp: "echo hi"},
		{in: "echo hi  ", exp: "echo hi  "},
		{in: "\n", exp: ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.exp, trimCommand([]byte(c.in)), "input %q", c.in)
	}
}
