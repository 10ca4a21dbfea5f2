package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps file name suffixes to drivers.
type Registry struct {
	mu       sync.RWMutex
	bySuffix map[string]Driver
	byScheme map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySuffix: make(map[string]Driver),
		byScheme: make(map[string]Driver),
	}
}

// Register adds d and detects it by each of suffixes, for example ".zip".
func (r *Registry) Register(d Driver, suffixes ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if other, ok := r.byScheme[d.Scheme()]; ok && other != d {
		return fmt.Errorf("scheme %q already registered", d.Scheme())
	}
	for _, s := range suffixes {
		s = normalizeSuffix(s)
		if s == "." {
			return fmt.Errorf("empty suffix for scheme %q", d.Scheme())
		}
		if other, ok := r.bySuffix[s]; ok && other != d {
			return fmt.Errorf("suffix %q already registered for scheme %q", s, other.Scheme())
		}
	}
	r.byScheme[d.Scheme()] = d
	for _, s := range suffixes {
		r.bySuffix[normalizeSuffix(s)] = d
	}
	return nil
}

func normalizeSuffix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	return s
}

// Lookup finds the driver for scheme.
func (r *Registry) Lookup(scheme string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byScheme[scheme]
	return d, ok
}

// Detect finds the driver whose longest suffix matches base, the last
// segment of a path. A bare suffix such as ".zip" is not an archive name.
func (r *Registry) Detect(base string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(base)
	var (
		best    Driver
		bestLen int
	)
	for s, d := range r.bySuffix {
		if len(s) > bestLen && len(lower) > len(s) && strings.HasSuffix(lower, s) {
			best, bestLen = d, len(s)
		}
	}
	return best, best != nil
}

// Schemes lists the registered schemes in order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byScheme))
	for s := range r.byScheme {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
