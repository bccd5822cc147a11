// Package resolver computes wirings for resources and keeps the environment
// of installed resources and their current wirings.
//
// Resolution is a pure function over an environment snapshot: it gathers
// candidate capabilities for every requirement, discards resources whose
// mandatory requirements cannot be met, and then searches candidate
// permutations until every resource's package space is consistent. The result
// is applied by the caller through Environment.Update.
package resolver

import (
	"sort"

	"github.com/GoCodeAlone/modrt/resource"
)

// DefaultMaxPermutations bounds the consistency search of one Resolve call.
const DefaultMaxPermutations = 512

// Resolver computes wirings. It keeps no state between calls.
type Resolver struct {
	MaxPermutations int
}

// New returns a Resolver with default limits.
func New() *Resolver {
	return &Resolver{MaxPermutations: DefaultMaxPermutations}
}

// Options selects what to resolve.
type Options struct {
	// Mandatory resources must all resolve or Resolve fails.
	Mandatory []*resource.Resource
	// Optional resources are resolved when possible.
	Optional []*resource.Resource
	// FilterMatches may remove candidates of a requirement. Capabilities it
	// adds are ignored.
	FilterMatches func(q *resource.Requirement, candidates []*resource.Capability) []*resource.Capability
	// Excluded resources are neither resolved nor used as providers or hosts.
	Excluded func(r *resource.Resource) bool
}

// Result is the computed wiring of every newly resolved resource.
type Result struct {
	// Resolved lists the newly resolved resources in installation order.
	Resolved []*resource.Resource
	// Wires holds the required wires of each newly resolved resource.
	Wires map[*resource.Resource][]*resource.Wire
	// Fragments lists the fragments attached to each newly resolved host.
	Fragments map[*resource.Resource][]*resource.Resource
}

// Contains reports whether r is part of the result.
func (r *Result) Contains(res *resource.Resource) bool {
	for _, x := range r.Resolved {
		if x == res {
			return true
		}
	}
	return false
}

type role int

const (
	roleDependency role = iota
	roleOptional
	roleMandatory
)

type candidate struct {
	cap      *resource.Capability
	provider *resource.Resource
}

type reqKey struct {
	host *resource.Resource
	req  *resource.Requirement
}

type session struct {
	snap *Snapshot
	opts Options

	roles    map[*resource.Resource]role
	scope    []*resource.Resource
	attached map[*resource.Resource][]*resource.Resource
	hosts    map[*resource.Resource][]*resource.Resource
	keys     []reqKey
	keyIndex map[reqKey]int
	cands    map[reqKey][]candidate
	filtered map[reqKey][]*resource.Capability
	failed   map[*resource.Resource]*ResolutionError
}

// Resolve computes wires for the unresolved resources among opts.Mandatory and
// opts.Optional and for every unresolved resource they transitively depend on.
// It does not modify snap.
func (rv *Resolver) Resolve(snap *Snapshot, opts Options) (*Result, error) {
	s := &session{
		snap:     snap,
		opts:     opts,
		roles:    map[*resource.Resource]role{},
		attached: map[*resource.Resource][]*resource.Resource{},
		hosts:    map[*resource.Resource][]*resource.Resource{},
		keyIndex: map[reqKey]int{},
		cands:    map[reqKey][]candidate{},
		filtered: map[reqKey][]*resource.Capability{},
		failed:   map[*resource.Resource]*ResolutionError{},
	}

	for _, r := range opts.Mandatory {
		if !snap.Contains(r) {
			return nil, NewResolutionError(ErrUnknownResource, r, nil, "")
		}
		if s.excluded(r) {
			return nil, NewResolutionError(ErrExcluded, r, nil, "")
		}
		s.add(r, roleMandatory)
	}
	for _, r := range opts.Optional {
		if snap.Contains(r) {
			s.add(r, roleOptional)
		}
	}

	s.attachFragments()
	s.populate()
	s.enforceSingletons()
	s.eliminate()
	if err := s.mandatoryFailure(); err != nil {
		return nil, err
	}

	limit := rv.MaxPermutations
	if limit <= 0 {
		limit = DefaultMaxPermutations
	}
	perm, err := s.search(limit)
	if err != nil {
		return nil, err
	}
	return s.result(perm), nil
}

func (s *session) excluded(r *resource.Resource) bool {
	return s.opts.Excluded != nil && s.opts.Excluded(r)
}

func (s *session) add(r *resource.Resource, ro role) {
	if s.snap.IsResolved(r) || s.snap.RemovalPending(r) || s.excluded(r) {
		return
	}
	if cur, ok := s.roles[r]; ok {
		if ro > cur {
			s.roles[r] = ro
		}
		return
	}
	s.roles[r] = ro
	s.scope = append(s.scope, r)
}

func (s *session) attachFragments() {
	for _, f := range append([]*resource.Resource(nil), s.scope...) {
		if !f.IsFragment() || f.Host == nil {
			continue
		}
		detail := ""
		for _, h := range s.snap.resources {
			if h.Kind != resource.KindHost || s.snap.RemovalPending(h) || s.excluded(h) {
				continue
			}
			if !matchesAny(f.Host, h.Capabilities(resource.NamespaceHost)) {
				continue
			}
			if s.snap.IsResolved(h) {
				detail = "matching host " + h.String() + " is already resolved"
				continue
			}
			s.add(h, roleDependency)
			s.attached[h] = append(s.attached[h], f)
			s.hosts[f] = append(s.hosts[f], h)
		}
		if len(s.hosts[f]) == 0 {
			s.failed[f] = NewResolutionError(ErrNoHost, f, f.Host, detail)
		}
	}
}

func matchesAny(q *resource.Requirement, caps []*resource.Capability) bool {
	for _, c := range caps {
		if q.Matches(c) {
			return true
		}
	}
	return false
}

// populate gathers candidates for every requirement of every host in scope,
// pulling unresolved providers into scope as it goes.
func (s *session) populate() {
	for i := 0; i < len(s.scope); i++ {
		r := s.scope[i]
		if r.IsFragment() {
			continue
		}
		for _, q := range s.requirementsOf(r, s.attached[r]) {
			k := reqKey{host: r, req: q}
			s.keyIndex[k] = len(s.keys)
			s.keys = append(s.keys, k)
			s.cands[k] = s.gather(k)
		}
	}
}

func (s *session) requirementsOf(h *resource.Resource, fragments []*resource.Resource) []*resource.Requirement {
	var out []*resource.Requirement
	for _, q := range resource.EffectiveRequirements(h, fragments, "") {
		if q.Namespace != resource.NamespaceHost {
			out = append(out, q)
		}
	}
	return out
}

func (s *session) gather(k reqKey) []candidate {
	q := k.req
	var out []candidate
	for _, x := range s.snap.resources {
		if x.IsFragment() || s.snap.RemovalPending(x) || s.excluded(x) {
			continue
		}
		var caps []*resource.Capability
		if w := s.snap.Wiring(x); w != nil {
			caps = w.Capabilities(q.Namespace)
		} else {
			caps = resource.EffectiveCapabilities(x, s.attached[x], q.Namespace)
		}
		for _, c := range caps {
			if q.Matches(c) {
				out = append(out, candidate{cap: c, provider: x})
			}
		}
	}

	if s.opts.FilterMatches != nil && len(out) > 0 {
		caps := make([]*resource.Capability, len(out))
		for i, c := range out {
			caps[i] = c.cap
		}
		kept := map[*resource.Capability]bool{}
		for _, c := range s.opts.FilterMatches(q, caps) {
			kept[c] = true
		}
		filtered := out[:0:0]
		for _, c := range out {
			if kept[c.cap] {
				filtered = append(filtered, c)
			} else {
				s.filtered[k] = append(s.filtered[k], c.cap)
			}
		}
		out = filtered
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].cap.Version().Compare(out[j].cap.Version()); c != 0 {
			return c > 0
		}
		ri, rj := s.snap.IsResolved(out[i].provider), s.snap.IsResolved(out[j].provider)
		if ri != rj {
			return ri
		}
		return s.snap.Order(out[i].provider) < s.snap.Order(out[j].provider)
	})

	for _, c := range out {
		if !s.snap.IsResolved(c.provider) {
			s.add(c.provider, roleDependency)
		}
	}
	return out
}

// enforceSingletons fails every unresolved singleton whose symbolic name is
// already taken by a resolved singleton or by a higher-priority one in scope.
func (s *session) enforceSingletons() {
	taken := map[string]*resource.Resource{}
	for _, r := range s.snap.resources {
		if r.Singleton && s.snap.IsResolved(r) {
			taken[r.SymbolicName] = r
		}
	}
	ordered := append([]*resource.Resource(nil), s.scope...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if s.roles[ordered[i]] != s.roles[ordered[j]] {
			return s.roles[ordered[i]] > s.roles[ordered[j]]
		}
		return s.snap.Order(ordered[i]) < s.snap.Order(ordered[j])
	})
	for _, r := range ordered {
		if !r.Singleton || r.IsFragment() || s.failed[r] != nil {
			continue
		}
		if other, ok := taken[r.SymbolicName]; ok {
			s.failed[r] = NewResolutionError(ErrSingletonCollision, r, nil, "collides with "+other.String())
			continue
		}
		taken[r.SymbolicName] = r
	}
}

func (s *session) liveHosts(f *resource.Resource) []*resource.Resource {
	var out []*resource.Resource
	for _, h := range s.hosts[f] {
		if s.failed[h] == nil {
			out = append(out, h)
		}
	}
	return out
}

func (s *session) liveAttached(h *resource.Resource) []*resource.Resource {
	var out []*resource.Resource
	for _, f := range s.attached[h] {
		if s.failed[f] == nil {
			out = append(out, f)
		}
	}
	return out
}

func (s *session) detach(f, h *resource.Resource) {
	s.attached[h] = removeResource(s.attached[h], f)
	s.hosts[f] = removeResource(s.hosts[f], h)
}

func removeResource(list []*resource.Resource, r *resource.Resource) []*resource.Resource {
	var out []*resource.Resource
	for _, x := range list {
		if x != r {
			out = append(out, x)
		}
	}
	return out
}

func (s *session) providerAlive(c candidate) bool {
	p := c.provider
	if s.snap.IsResolved(p) {
		return true
	}
	if _, ok := s.roles[p]; !ok || s.failed[p] != nil {
		return false
	}
	if f := c.cap.Resource(); f != p {
		for _, a := range s.liveAttached(p) {
			if a == f {
				return true
			}
		}
		return false
	}
	return true
}

func (s *session) alive(k reqKey) []candidate {
	var out []candidate
	for _, c := range s.cands[k] {
		if s.providerAlive(c) {
			out = append(out, c)
		}
	}
	return out
}

// eliminate fails resources until every remaining one has a live candidate
// for each of its mandatory requirements.
func (s *session) eliminate() {
	for changed := true; changed; {
		changed = false
		for _, r := range s.scope {
			if s.failed[r] != nil {
				continue
			}
			if r.IsFragment() {
				if len(s.liveHosts(r)) == 0 {
					s.failed[r] = NewResolutionError(ErrNoHost, r, r.Host, "")
					changed = true
				}
				continue
			}
			for _, q := range s.requirementsOf(r, s.liveAttached(r)) {
				k := reqKey{host: r, req: q}
				if q.Optional() || len(s.alive(k)) > 0 {
					continue
				}
				if owner := q.Resource(); owner != r {
					s.detach(owner, r)
					changed = true
					continue
				}
				s.failed[r] = s.missing(k)
				changed = true
				break
			}
		}
	}
}

func (s *session) missing(k reqKey) *ResolutionError {
	err := NewResolutionError(ErrMissingRequirement, k.host, k.req, "")
	for _, c := range s.cands[k] {
		reason := "provider cannot resolve"
		if perr := s.failed[c.provider]; perr != nil {
			reason = "provider cannot resolve: " + perr.cause.Error()
		} else if c.cap.Resource() != c.provider {
			reason = "contributing fragment is not attached"
		}
		err.Reasons = append(err.Reasons, CandidateReason{Capability: c.cap, Reason: reason})
	}
	for _, c := range s.filtered[k] {
		err.Reasons = append(err.Reasons, CandidateReason{Capability: c, Reason: "filtered by resolver hook"})
	}
	return err
}

func (s *session) mandatoryFailure() error {
	for _, r := range s.opts.Mandatory {
		if err := s.failed[r]; err != nil {
			return err
		}
	}
	return nil
}

// result builds wires for the resources reachable from the roots.
func (s *session) result(p permutation) *Result {
	res := &Result{
		Wires:     map[*resource.Resource][]*resource.Wire{},
		Fragments: map[*resource.Resource][]*resource.Resource{},
	}
	var resolved []*resource.Resource
	for _, h := range s.reachable(p) {
		resolved = append(resolved, h)
		res.Wires[h] = nil
		for _, q := range s.requirementsOf(h, s.liveAttached(h)) {
			c, ok := s.choose(p, reqKey{host: h, req: q})
			if !ok || c.provider == h {
				continue
			}
			res.Wires[h] = append(res.Wires[h], &resource.Wire{
				Requirer:    h,
				Requirement: q,
				Provider:    c.provider,
				Capability:  c.cap,
			})
		}
		frags := s.liveAttached(h)
		if len(frags) == 0 {
			continue
		}
		res.Fragments[h] = frags
		for _, f := range frags {
			var hostCap *resource.Capability
			for _, hc := range h.Capabilities(resource.NamespaceHost) {
				if f.Host.Matches(hc) {
					hostCap = hc
					break
				}
			}
			if _, seen := res.Wires[f]; !seen {
				resolved = append(resolved, f)
			}
			res.Wires[f] = append(res.Wires[f], &resource.Wire{
				Requirer:    f,
				Requirement: f.Host,
				Provider:    h,
				Capability:  hostCap,
			})
		}
	}
	sort.SliceStable(resolved, func(i, j int) bool {
		return s.snap.Order(resolved[i]) < s.snap.Order(resolved[j])
	})
	res.Resolved = resolved
	return res
}
