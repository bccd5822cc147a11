package resolver

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/modrt/resource"
)

var (
	ErrUnknownResource   = errors.New("resource is not installed in the environment")
	ErrDuplicateResource = errors.New("resource already installed in the environment")
	ErrAlreadyResolved   = errors.New("resource already resolved")
)

// Environment holds the installed resources and their wirings. Readers take a
// Snapshot without locking; writers are serialised and publish a new snapshot
// atomically, so no reader ever observes a partially applied change.
type Environment struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

func NewEnvironment() *Environment {
	e := &Environment{}
	e.snap.Store(&Snapshot{
		wirings: map[*resource.Resource]*resource.Wiring{},
		pending: map[*resource.Resource]bool{},
		order:   map[*resource.Resource]int{},
	})
	return e
}

// Snapshot returns the current immutable view.
func (e *Environment) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Update runs fn against a private copy of the current snapshot and publishes
// it when fn returns nil. A failing fn leaves the environment untouched.
func (e *Environment) Update(fn func(tx *Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := &Tx{next: e.snap.Load().clone()}
	if err := fn(tx); err != nil {
		return err
	}
	e.snap.Store(tx.next)
	return nil
}

// Snapshot is an immutable view of the environment.
type Snapshot struct {
	resources []*resource.Resource
	order     map[*resource.Resource]int
	wirings   map[*resource.Resource]*resource.Wiring
	pending   map[*resource.Resource]bool
	seq       int
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		resources: append([]*resource.Resource(nil), s.resources...),
		order:     make(map[*resource.Resource]int, len(s.order)),
		wirings:   make(map[*resource.Resource]*resource.Wiring, len(s.wirings)),
		pending:   make(map[*resource.Resource]bool, len(s.pending)),
		seq:       s.seq,
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	for k, v := range s.wirings {
		c.wirings[k] = v
	}
	for k, v := range s.pending {
		c.pending[k] = v
	}
	return c
}

// Resources returns the installed resources in installation order.
func (s *Snapshot) Resources() []*resource.Resource {
	return append([]*resource.Resource(nil), s.resources...)
}

func (s *Snapshot) Contains(r *resource.Resource) bool {
	_, ok := s.order[r]
	return ok
}

// Order returns the installation sequence number of r, used as the final
// tie-break between otherwise equal candidates.
func (s *Snapshot) Order(r *resource.Resource) int {
	if o, ok := s.order[r]; ok {
		return o
	}
	return int(^uint(0) >> 1)
}

// Wiring returns the wiring of r, or nil when r is not resolved.
func (s *Snapshot) Wiring(r *resource.Resource) *resource.Wiring {
	return s.wirings[r]
}

func (s *Snapshot) IsResolved(r *resource.Resource) bool {
	_, ok := s.wirings[r]
	return ok
}

// RemovalPending reports whether r was removed from use but is still wired.
// Such resources are never offered as candidates for new wires.
func (s *Snapshot) RemovalPending(r *resource.Resource) bool {
	return s.pending[r]
}

// PendingResources returns the removal-pending resources in installation order.
func (s *Snapshot) PendingResources() []*resource.Resource {
	var out []*resource.Resource
	for _, r := range s.resources {
		if s.pending[r] {
			out = append(out, r)
		}
	}
	return out
}

// Dependents returns the resources holding a wire to r, in installation order.
func (s *Snapshot) Dependents(r *resource.Resource) []*resource.Resource {
	w := s.wirings[r]
	if w == nil {
		return nil
	}
	seen := map[*resource.Resource]bool{}
	for _, p := range w.Provided {
		if p.Requirer != r {
			seen[p.Requirer] = true
		}
	}
	var out []*resource.Resource
	for _, x := range s.resources {
		if seen[x] {
			out = append(out, x)
		}
	}
	return out
}

// HostOf returns the hosts a resolved fragment is attached to.
func (s *Snapshot) HostOf(fragment *resource.Resource) []*resource.Resource {
	w := s.wirings[fragment]
	if w == nil {
		return nil
	}
	var out []*resource.Resource
	for _, wire := range w.RequiredWires(resource.NamespaceHost) {
		out = append(out, wire.Provider)
	}
	return out
}

// Tx is a pending change to the environment.
type Tx struct {
	next *Snapshot
}

// Snapshot returns the view including the changes made so far.
func (tx *Tx) Snapshot() *Snapshot { return tx.next }

// Add installs r.
func (tx *Tx) Add(r *resource.Resource) error {
	if tx.next.Contains(r) {
		return fmt.Errorf("%w: %s", ErrDuplicateResource, r)
	}
	tx.next.seq++
	tx.next.order[r] = tx.next.seq
	tx.next.resources = append(tx.next.resources, r)
	return nil
}

// MarkRemovalPending flags r so it stops being a candidate for new wires.
func (tx *Tx) MarkRemovalPending(r *resource.Resource) error {
	if !tx.next.Contains(r) {
		return fmt.Errorf("%w: %s", ErrUnknownResource, r)
	}
	tx.next.pending[r] = true
	return nil
}

// Remove drops r and its wiring from the environment.
func (tx *Tx) Remove(r *resource.Resource) error {
	if !tx.next.Contains(r) {
		return fmt.Errorf("%w: %s", ErrUnknownResource, r)
	}
	tx.Unresolve(r)
	delete(tx.next.order, r)
	delete(tx.next.pending, r)
	out := tx.next.resources[:0:0]
	for _, x := range tx.next.resources {
		if x != r {
			out = append(out, x)
		}
	}
	tx.next.resources = out
	return nil
}

// Unresolve drops the wirings of rs and every wire that touches them.
func (tx *Tx) Unresolve(rs ...*resource.Resource) {
	drop := map[*resource.Resource]bool{}
	for _, r := range rs {
		if _, ok := tx.next.wirings[r]; ok {
			drop[r] = true
		}
	}
	if len(drop) == 0 {
		return
	}
	for r := range drop {
		delete(tx.next.wirings, r)
	}
	touches := func(w *resource.Wire) bool { return drop[w.Requirer] || drop[w.Provider] }
	for r, w := range tx.next.wirings {
		if !anyWire(w.Required, touches) && !anyWire(w.Provided, touches) && !containsAny(w.Fragments, drop) {
			continue
		}
		tx.next.wirings[r] = &resource.Wiring{
			Resource:  r,
			Required:  keepWires(w.Required, touches),
			Provided:  keepWires(w.Provided, touches),
			Fragments: keepResources(w.Fragments, drop),
		}
	}
}

// Apply commits a resolver result: every resource in it gains a wiring and
// every provider gains the corresponding provided wires.
func (tx *Tx) Apply(res *Result) error {
	for _, r := range res.Resolved {
		if !tx.next.Contains(r) {
			return fmt.Errorf("%w: %s", ErrUnknownResource, r)
		}
		if tx.next.IsResolved(r) {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, r)
		}
	}

	fresh := map[*resource.Resource]*resource.Wiring{}
	for _, r := range res.Resolved {
		w := &resource.Wiring{
			Resource:  r,
			Required:  append([]*resource.Wire(nil), res.Wires[r]...),
			Fragments: append([]*resource.Resource(nil), res.Fragments[r]...),
		}
		fresh[r] = w
		tx.next.wirings[r] = w
	}

	copied := map[*resource.Resource]bool{}
	for _, r := range res.Resolved {
		for _, wire := range res.Wires[r] {
			pw := tx.next.wirings[wire.Provider]
			if pw == nil {
				return fmt.Errorf("%w: provider %s of %s", ErrUnknownResource, wire.Provider, r)
			}
			if fresh[wire.Provider] == nil && !copied[wire.Provider] {
				pw = &resource.Wiring{
					Resource:  pw.Resource,
					Required:  pw.Required,
					Provided:  append([]*resource.Wire(nil), pw.Provided...),
					Fragments: pw.Fragments,
				}
				tx.next.wirings[wire.Provider] = pw
				copied[wire.Provider] = true
			}
			pw.Provided = append(pw.Provided, wire)
		}
	}
	return nil
}

func anyWire(ws []*resource.Wire, pred func(*resource.Wire) bool) bool {
	for _, w := range ws {
		if pred(w) {
			return true
		}
	}
	return false
}

func keepWires(ws []*resource.Wire, drop func(*resource.Wire) bool) []*resource.Wire {
	var out []*resource.Wire
	for _, w := range ws {
		if !drop(w) {
			out = append(out, w)
		}
	}
	return out
}

func containsAny(rs []*resource.Resource, set map[*resource.Resource]bool) bool {
	for _, r := range rs {
		if set[r] {
			return true
		}
	}
	return false
}

func keepResources(rs []*resource.Resource, drop map[*resource.Resource]bool) []*resource.Resource {
	var out []*resource.Resource
	for _, r := range rs {
		if !drop[r] {
			out = append(out, r)
		}
	}
	return out
}
