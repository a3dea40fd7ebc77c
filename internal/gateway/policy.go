package gateway

import "strings"

// CallerPolicy decides whether a browser caller may use the gateway, based on
// the Origin and Referer headers it sent. The zero value rejects everything.
type CallerPolicy struct {
	allowed []string
}

// NewCallerPolicy builds a policy from a list of allowed callers. Each entry
// is matched exactly against Origin and as a prefix against Referer. Empty
// entries are ignored since they would match any Referer.
func NewCallerPolicy(allowed []string) CallerPolicy {
	p := CallerPolicy{allowed: make([]string, 0, len(allowed))}
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			p.allowed = append(p.allowed, a)
		}
	}
	return p
}

// Allow reports whether a request with the given Origin and Referer header
// values is accepted. Either header may be empty.
func (p CallerPolicy) Allow(origin, referer string) bool {
	for _, a := range p.allowed {
		if origin != "" && origin == a {
			return true
		}
		if referer != "" && strings.HasPrefix(referer, a) {
			return true
		}
	}
	return false
}
