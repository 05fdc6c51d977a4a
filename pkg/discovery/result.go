package discovery

import "sync"

// Result is the deduplicated, insertion-ordered set of identifiers found for
// one entity.
type Result struct {
	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

// NewResult creates an empty result.
func NewResult() *Result {
	return &Result{seen: make(map[string]struct{})}
}

// Add appends identifiers not yet present and returns how many were new.
// Callers validate first.
func (r *Result) Add(ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, id := range ids {
		if _, ok := r.seen[id]; ok {
			continue
		}
		r.seen[id] = struct{}{}
		r.order = append(r.order, id)
		added++
	}
	return added
}

// Len returns the number of distinct identifiers.
func (r *Result) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Items returns a copy of the identifiers in insertion order.
func (r *Result) Items() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
