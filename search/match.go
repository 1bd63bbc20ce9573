package search

import "strings"

// tokenize splits a query into lowercase keyword tokens.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !isWordRune(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	}
	return r > 127
}

// matchesTags reports whether any query keyword relates to any node
// tag. Matching is case-insensitive and symmetric: "neuro" matches the
// tag "neuroscience" and "neuroscience" matches the tag "neuro".
func matchesTags(keywords, tags []string) bool {
	if len(tags) == 0 {
		return false
	}
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(t, kw) || strings.Contains(kw, t) {
				return true
			}
		}
	}
	return false
}
