package util

import (
	"strconv"
	"strings"
)

// StripLine trims leading blanks and removes everything from the first '#'
// onward, then trims trailing whitespace. Used by the line-oriented config
// parsers.
func StripLine(line string) string {
	line = strings.TrimLeft(line, " \t")
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimRight(line, " \t\r\n")
}

// ParseInt parses a decimal integer constrained to [min, max].
// Returns (value, true) on success.
func ParseInt(s string, min, max int) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < min || n > max {
		return 0, false
	}
	return n, true
}
