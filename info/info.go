// Package info provides utility functions for manipulating the info lines
// returned by the modem in response to AT commands - lines carrying a
// literal prefix such as "+CWJAP:" or "SDK version:".
package info

import "strings"

// HasPrefix returns true if line begins with the literal prefix.
func HasPrefix(line, prefix string) bool {
	return strings.HasPrefix(line, prefix)
}

// TrimPrefix removes prefix, if present, and any immediately following
// spaces from line.
func TrimPrefix(line, prefix string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, prefix), " ")
}
