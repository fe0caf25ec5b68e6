package parser

import (
	"regexp"
	"strings"
)

// placeholderRe matches {variable} references in parameter values.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substitute resolves {variable} references in val. Keys present in static
// are replaced immediately; keys present in deferred (context values a deploy
// action publishes at run time) are left intact for the executor to resolve.
// Any other reference fails with UnresolvedVariableError.
func substitute(action, val string, static map[string]string, deferred map[string]bool) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(val, func(m string) string {
		key := strings.Trim(m, "{}")
		if v, ok := static[key]; ok {
			return v
		}
		if deferred[key] {
			return m
		}
		if firstErr == nil {
			firstErr = &UnresolvedVariableError{Action: action, Variable: key}
		}
		return m
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
