package lifecycle

import (
	"errors"
	"strings"
)

var errUnterminatedQuote = errors.New("unterminated quote")

const escapable = "\"'\\ \t"

// SplitCommand splits a command line into arguments. Whitespace separates
// arguments; single and double quotes group them and are removed. A
// backslash outside single quotes escapes a following quote, backslash or
// blank and is kept literally before anything else, so Windows paths survive.
func SplitCommand(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			if !strings.ContainsRune(escapable, r) {
				cur.WriteRune('\\')
			}
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\\':
			inArg = true
			escaped = true
		case quote == '"':
			if r == '"' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			inArg = true
			quote = r
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			inArg = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, errUnterminatedQuote
	}
	if escaped {
		cur.WriteRune('\\')
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
