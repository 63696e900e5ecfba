package memory

import (
	"regexp"
	"strings"
)

// parseSelector splits a selector of the form name = 'value' or
// name LIKE 'pattern'.
func parseSelector(selector string) (name, op, value string, ok bool) {
	s := strings.TrimSpace(selector)
	for _, candidate := range []string{" LIKE ", " like ", "="} {
		i := strings.Index(s, candidate)
		if i <= 0 {
			continue
		}
		name = strings.TrimSpace(s[:i])
		value = strings.TrimSpace(s[i+len(candidate):])
		if len(value) < 2 || value[0] != '\'' || value[len(value)-1] != '\'' {
			return "", "", "", false
		}
		op = strings.ToUpper(strings.TrimSpace(candidate))
		return name, op, value[1 : len(value)-1], true
	}
	return "", "", "", false
}

// likePattern converts a SQL LIKE pattern to an anchored regexp
func likePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
