package executor

import "strings"

// Separator ends a statement.
const Separator = ";"

// Split breaks a script into statements on every Separator, trimming
// whitespace and dropping empty fragments. It is purely lexical: a separator
// inside a string literal, a comment, or a procedural block still splits.
func Split(script string) []string {
	fragments := strings.Split(script, Separator)
	statements := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if s := strings.TrimSpace(f); s != "" {
			statements = append(statements, s)
		}
	}
	return statements
}
