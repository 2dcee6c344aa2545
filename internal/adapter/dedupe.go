package adapter

import "sync"

// dedupeCeiling bounds the per-adapter set of recently seen event ids.
const dedupeCeiling = 10_000

// dedupeSet is a bounded set with insertion-order eviction. Single writer
// per adapter, but guarded anyway since emission paths may differ.
type dedupeSet struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string
	ceiling int
}

func newDedupeSet(ceiling int) *dedupeSet {
	if ceiling <= 0 {
		ceiling = dedupeCeiling
	}
	return &dedupeSet{
		seen:    make(map[string]struct{}, ceiling),
		ceiling: ceiling,
	}
}

// Observe records id and reports whether it was already present.
func (d *dedupeSet) Observe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.ceiling {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// Len returns the current set size.
func (d *dedupeSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
