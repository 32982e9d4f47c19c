package kinelink

import (
	"strings"
)

// MatchRoute returns the first rule matching the request method and path.
func MatchRoute(rules []RouteRule, method, path string) (RouteRule, bool) {
	for _, rule := range rules {
		if rule.Method != "*" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		if matchPattern(rule.Pattern, path) {
			if rule.Class == "" {
				rule.Class = rule.Pattern
			}
			return rule, true
		}
	}
	return RouteRule{}, false
}

func matchPattern(pattern, path string) bool {
	pSegs := splitPath(pattern)
	segs := splitPath(path)

	for i, p := range pSegs {
		if p == "*" && i == len(pSegs)-1 {
			return len(segs) >= i
		}
		if i >= len(segs) {
			return false
		}
		if p == "*" || strings.HasPrefix(p, ":") {
			continue
		}
		if p != segs[i] {
			return false
		}
	}
	return len(segs) == len(pSegs)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
