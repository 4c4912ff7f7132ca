package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxOutputChars bounds exec output before it reaches the agent
// (output.py "DEFAULT_MAX_OUTPUT_CHARS").
const DefaultMaxOutputChars = 100_000

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences from command output
// (output.py "strip_ansi").
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// TruncateOutput bounds s to maxChars, keeping a 20%/80% head/tail split
// around a marker describing how much was dropped (output.py
// "truncate_output"). A non-positive maxChars falls back to
// DefaultMaxOutputChars.
func TruncateOutput(s string, maxChars int) (string, bool) {
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}
	if len(s) <= maxChars {
		return s, false
	}
	headLen := maxChars * 20 / 100
	tailLen := maxChars - headLen
	dropped := len(s) - headLen - tailLen
	marker := fmt.Sprintf("\n--- truncated %d characters ---\n", dropped)
	return s[:headLen] + marker + s[len(s)-tailLen:], true
}

// IsBinary reports whether data looks like binary content, checked by
// scanning the first 8KB for a NUL byte (output.py "is_binary").
func IsBinary(data []byte) bool {
	n := len(data)
	if n > 8192 {
		n = 8192
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

// ParseGrepOutput parses `grep -rn` style "path:line:text" output into
// structured matches (output.py "parse_grep_output").
func ParseGrepOutput(output string) []GrepMatch {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	matches := make([]GrepMatch, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		path, lineNo, text, ok := splitGrepLine(line)
		if !ok {
			continue
		}
		matches = append(matches, GrepMatch{Path: path, Line: lineNo, Text: text})
	}
	return matches
}

// splitGrepLine splits "path:lineno:text", tolerating colons inside
// path by scanning for the first numeric field.
func splitGrepLine(line string) (path string, lineNo int, text string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] != ':' {
			continue
		}
		rest := line[i+1:]
		j := strings.IndexByte(rest, ':')
		if j <= 0 {
			continue
		}
		if n, err := strconv.Atoi(rest[:j]); err == nil {
			return line[:i], n, rest[j+1:], true
		}
	}
	return "", 0, "", false
}
