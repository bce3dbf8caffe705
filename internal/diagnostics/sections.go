// Package diagnostics turns unstructured shell and console output into
// structured reports. Nothing in here returns an error: malformed input
// produces fewer populated fields.
package diagnostics

import (
	"regexp"
	"strings"
)

var sectionHeader = regexp.MustCompile(`(?m)^[ \t]*===[ \t]*(.*?)[ \t]*===[ \t]*\r?$`)

// ParseSections splits raw into sections introduced by "=== NAME ===" lines.
// Each body runs until the next header or end of input and is trimmed. Text
// before the first header is ignored; a repeated name keeps the last body.
func ParseSections(raw string) map[string]string {
	sections := make(map[string]string)
	matches := sectionHeader.FindAllStringSubmatchIndex(raw, -1)
	for i, m := range matches {
		name := strings.TrimSpace(raw[m[2]:m[3]])
		if name == "" {
			continue
		}
		end := len(raw)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections[name] = strings.TrimSpace(raw[m[1]:end])
	}
	return sections
}

// SectionHeader formats a header line ParseSections recognizes.
func SectionHeader(name string) string {
	return "=== " + name + " ==="
}
