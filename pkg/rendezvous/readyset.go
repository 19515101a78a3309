package rendezvous

import (
	"sort"

	"github.com/vango-dev/wavebench/pkg/mux"
)

// Entry is one admitted worker.
type Entry struct {
	ID   string
	Conn *mux.Conn

	// Seq is the 0-based arrival position.
	Seq int
}

// ReadySet holds admitted workers keyed by id, in arrival order. It only
// grows, and stops accepting additions once frozen.
type ReadySet struct {
	byID   map[string]*Entry
	order  []*Entry
	frozen bool
}

// NewReadySet creates an empty ReadySet.
func NewReadySet() *ReadySet {
	return &ReadySet{byID: make(map[string]*Entry)}
}

// Add admits id on c. It returns false if id is already admitted or the set
// is frozen.
func (r *ReadySet) Add(id string, c *mux.Conn) bool {
	if r.frozen {
		return false
	}
	if _, ok := r.byID[id]; ok {
		return false
	}
	e := &Entry{ID: id, Conn: c, Seq: len(r.order)}
	r.byID[id] = e
	r.order = append(r.order, e)
	return true
}

// Has reports whether id is admitted.
func (r *ReadySet) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Len returns the number of admitted workers.
func (r *ReadySet) Len() int {
	return len(r.order)
}

// Freeze stops further admissions.
func (r *ReadySet) Freeze() {
	r.frozen = true
}

// Frozen reports whether Freeze was called.
func (r *ReadySet) Frozen() bool {
	return r.frozen
}

// Arrival returns admitted ids in arrival order.
func (r *ReadySet) Arrival() []string {
	ids := make([]string, len(r.order))
	for i, e := range r.order {
		ids[i] = e.ID
	}
	return ids
}

// Sorted returns admitted entries ordered by id.
func (r *ReadySet) Sorted() []Entry {
	out := make([]Entry, len(r.order))
	for i, e := range r.order {
		out[i] = *e
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
