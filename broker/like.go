package broker

import (
	"slices"
	"strings"
)

// LikePatterns translates a routing key pattern into SQL LIKE expressions
// for label filtering brokers. "*" becomes "%". "#" matches zero or more
// segments, so every "#" yields one expression without the segment and one
// with "%" in its place. A pattern that is only "#" matches everything and
// reports matchAll.
func LikePatterns(key string) (patterns []string, matchAll bool) {
	if key == "#" {
		return []string{"%"}, true
	}
	variants := [][]string{nil}
	for _, seg := range strings.Split(key, ".") {
		next := make([][]string, 0, len(variants)*2)
		for _, v := range variants {
			switch seg {
			case "*":
				next = append(next, append(slices.Clone(v), "%"))
			case "#":
				next = append(next, slices.Clone(v), append(slices.Clone(v), "%"))
			default:
				next = append(next, append(slices.Clone(v), seg))
			}
		}
		variants = next
	}
	seen := map[string]bool{}
	for _, v := range variants {
		p := strings.Join(v, ".")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		patterns = append(patterns, p)
	}
	return patterns, false
}

// MatchLike evaluates a LIKE pattern in which only "%" is special.
func MatchLike(pattern, s string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, last)
}
