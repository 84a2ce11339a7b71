package mesh

import (
	"sort"
	"sync"
)

// RoutingTable maps a destination device id to an ordered list of next-hop candidates
type RoutingTable struct {
	mu     sync.RWMutex
	routes map[string][]string
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{routes: make(map[string][]string)}
}

// Update replaces all candidates for dest. An empty list removes the entry.
func (t *RoutingTable) Update(dest string, candidates []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(candidates) == 0 {
		delete(t.routes, dest)
		return
	}
	cp := make([]string, len(candidates))
	copy(cp, candidates)
	t.routes[dest] = cp
}

// Lookup returns a copy of the candidates for dest
func (t *RoutingTable) Lookup(dest string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := t.routes[dest]
	if c == nil {
		return nil
	}
	out := make([]string, len(c))
	copy(out, c)
	return out
}

func (t *RoutingTable) Remove(dest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, dest)
}

// Destinations returns every destination with a route, sorted
func (t *RoutingTable) Destinations() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.routes))
	for d := range t.routes {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
