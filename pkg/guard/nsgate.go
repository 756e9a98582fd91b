package guard

import "sync"

// NamespaceGate caps concurrent operations per namespace. The server
// wraps retrievals in Acquire/release so one hot tenant cannot starve
// the others.
//
// It is safe for concurrent use.
type NamespaceGate struct {
	limit int

	mu     sync.Mutex
	active map[string]int
}

// NewNamespaceGate creates a gate admitting up to limit concurrent
// holders per namespace. A non-positive limit disables the gate.
func NewNamespaceGate(limit int) *NamespaceGate {
	return &NamespaceGate{
		limit:  limit,
		active: make(map[string]int),
	}
}

// Acquire reserves a slot for the namespace. When it returns ok, the
// caller must invoke release exactly once; release is idempotent so a
// deferred call in a panicking handler stays safe.
func (g *NamespaceGate) Acquire(ns string) (release func(), ok bool) {
	if g == nil || g.limit <= 0 {
		return func() {}, true
	}

	g.mu.Lock()
	if g.active[ns] >= g.limit {
		g.mu.Unlock()
		return nil, false
	}
	g.active[ns]++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if g.active[ns] <= 1 {
				delete(g.active, ns)
			} else {
				g.active[ns]--
			}
			g.mu.Unlock()
		})
	}, true
}

// Active returns the number of live holders for the namespace.
func (g *NamespaceGate) Active(ns string) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[ns]
}
