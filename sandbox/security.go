package sandbox

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/polosdev/polos-go/poloserr"
)

var globSpecialChars = regexp.MustCompile(`[.+?^${}()|\[\]\\]`)

// MatchGlob matches text against a simple glob pattern where "*" matches
// any sequence of characters (security.py "match_glob").
func MatchGlob(text, pattern string) bool {
	escaped := globSpecialChars.ReplaceAllStringFunc(pattern, func(c string) string {
		return "\\" + c
	})
	regexStr := "^" + strings.ReplaceAll(escaped, "*", ".*") + "$"
	re, err := regexp.Compile(regexStr)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

// EvaluateAllowlist reports whether the trimmed command matches any of
// the allowlist glob patterns (security.py "evaluate_allowlist").
func EvaluateAllowlist(command string, patterns []string) bool {
	trimmed := strings.TrimSpace(command)
	for _, p := range patterns {
		if MatchGlob(trimmed, p) {
			return true
		}
	}
	return false
}

// IsWithinRestriction reports whether resolvedPath is restriction itself
// or a descendant of it (security.py "is_within_restriction").
func IsWithinRestriction(resolvedPath, restriction string) bool {
	base, err := filepath.Abs(restriction)
	if err != nil {
		return false
	}
	return resolvedPath == base || strings.HasPrefix(resolvedPath, base+string(filepath.Separator))
}

// AssertSafePath returns an error if filePath, resolved relative to
// restriction, would escape it (security.py "assert_safe_path").
func AssertSafePath(filePath, restriction string) error {
	base, err := filepath.Abs(restriction)
	if err != nil {
		return poloserr.Wrap(poloserr.KindValidation, err, "sandbox: resolve restriction %q", restriction)
	}
	resolved, err := filepath.Abs(filepath.Join(base, filePath))
	if err != nil {
		return poloserr.Wrap(poloserr.KindValidation, err, "sandbox: resolve path %q", filePath)
	}
	if !IsWithinRestriction(resolved, base) {
		return poloserr.New(poloserr.KindValidation, "sandbox: path traversal detected: %q resolves outside of %q", filePath, restriction)
	}
	return nil
}
