package relay

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Tokenizer splits a command line into a program name followed by its arguments.
// An empty result is valid and means there is nothing to run.
type Tokenizer func(line string) ([]string, error)

// SplitWhitespace splits on runs of ASCII whitespace. There is no quoting or escaping,
// and non-ASCII spaces such as U+00A0 stay inside their token.
func SplitWhitespace(line string) ([]string, error) {
	return strings.FieldsFunc(line, isASCIISpace), nil
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// SplitShell splits like a POSIX shell would for quoting and escaping, but never interprets
// pipes, redirections, globs or variables.
func SplitShell(line string) ([]string, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("splitting %q: %w", line, err)
	}
	return tokens, nil
}

// TokenizerByName maps a config name to a Tokenizer.
func TokenizerByName(name string) (Tokenizer, error) {
	switch name {
	case "", "whitespace":
		return SplitWhitespace, nil
	case "shell":
		return SplitShell, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}

// trimCommand cuts the received bytes at the first NUL and strips trailing line endings.
func trimCommand(b []byte) string {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	return strings.TrimRight(string(b), "\r\n")
}
