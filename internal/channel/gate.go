package channel

import "strings"

// Gate is the fixed allow-list of origins trusted to talk to a session.
type Gate struct {
	allowed map[string]struct{}
}

func NewGate(origins ...string) *Gate {
	g := &Gate{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		if origin = normalizeOrigin(origin); origin != "" {
			g.allowed[origin] = struct{}{}
		}
	}
	return g
}

// Allows reports whether origin is on the list. The comparison ignores case
// and a trailing slash.
func (g *Gate) Allows(origin string) bool {
	if g == nil {
		return false
	}
	origin = normalizeOrigin(origin)
	if origin == "" {
		return false
	}
	_, ok := g.allowed[origin]
	return ok
}

// Origins returns the allow-list entries.
func (g *Gate) Origins() []string {
	out := make([]string, 0, len(g.allowed))
	for origin := range g.allowed {
		out = append(out, origin)
	}
	return out
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}
