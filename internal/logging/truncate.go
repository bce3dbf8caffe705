package logging

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxLogFieldLength bounds string fields such as remote stdout or command bundles.
const MaxLogFieldLength = 1024

// Truncate shortens s to MaxLogFieldLength characters.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to at most n bytes and appends "..." when something
// was cut. The cut never splits a UTF-8 sequence.
func TruncateN(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// TruncateSlice keeps the first maxItems entries and summarizes the rest.
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	out := make([]string, 0, maxItems+1)
	out = append(out, items[:maxItems]...)
	return append(out, "... and "+strconv.Itoa(len(items)-maxItems)+" more")
}

// EscapeNewlines keeps multi-line output on a single log line.
func EscapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// Tail returns the last n lines of s.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
