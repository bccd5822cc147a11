package resolver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/modrt/resource"
)

// permutation selects, per requirement, an index into its live candidates.
// Missing entries select the first (preferred) candidate.
type permutation map[reqKey]int

func (p permutation) with(k reqKey, idx int) permutation {
	next := make(permutation, len(p)+1)
	for key, v := range p {
		next[key] = v
	}
	next[k] = idx
	return next
}

func (s *session) signature(p permutation) string {
	var b strings.Builder
	for i, k := range s.keys {
		if v := p[k]; v > 0 {
			b.WriteString(strconv.Itoa(i))
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(v))
			b.WriteByte(',')
		}
	}
	return b.String()
}

func (s *session) choose(p permutation, k reqKey) (candidate, bool) {
	live := s.alive(k)
	if len(live) == 0 {
		return candidate{}, false
	}
	idx := p[k]
	if idx >= len(live) {
		idx = len(live) - 1
	}
	return live[idx], true
}

// reachable returns the unresolved hosts the roots pull in under p, in
// installation order.
func (s *session) reachable(p permutation) []*resource.Resource {
	seen := map[*resource.Resource]bool{}
	var queue []*resource.Resource
	push := func(r *resource.Resource) {
		if !seen[r] && s.failed[r] == nil && !s.snap.IsResolved(r) {
			seen[r] = true
			queue = append(queue, r)
		}
	}
	for _, r := range s.scope {
		if s.roles[r] == roleDependency || s.failed[r] != nil {
			continue
		}
		if r.IsFragment() {
			for _, h := range s.liveHosts(r) {
				push(h)
			}
			continue
		}
		push(r)
	}
	for i := 0; i < len(queue); i++ {
		h := queue[i]
		for _, q := range s.requirementsOf(h, s.liveAttached(h)) {
			if c, ok := s.choose(p, reqKey{host: h, req: q}); ok {
				push(c.provider)
			}
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return s.snap.Order(queue[i]) < s.snap.Order(queue[j])
	})
	return queue
}

// search looks for a permutation under which every reachable resource has a
// consistent package space. Resources that cannot be made consistent are
// dropped unless mandatory.
func (s *session) search(limit int) (permutation, error) {
	for {
		p, c := s.searchOnce(limit)
		if c == nil {
			return p, nil
		}
		if s.roles[c.Resource] == roleMandatory {
			return nil, c
		}
		s.failed[c.Resource] = c
		s.eliminate()
		if err := s.mandatoryFailure(); err != nil {
			return nil, err
		}
	}
}

func (s *session) searchOnce(limit int) (permutation, *ResolutionError) {
	queue := []permutation{{}}
	seen := map[string]bool{"": true}
	var first *ResolutionError
	for n := 0; len(queue) > 0 && n < limit; n++ {
		p := queue[0]
		queue = queue[1:]

		c := s.check(p)
		if c == nil {
			return p, nil
		}
		if first == nil {
			first = c.err
		}
		for _, k := range c.keys {
			idx := p[k] + 1
			if idx >= len(s.alive(k)) {
				continue
			}
			next := p.with(k, idx)
			if sig := s.signature(next); !seen[sig] {
				seen[sig] = true
				queue = append(queue, next)
			}
		}
	}
	return nil, first
}

type conflict struct {
	err  *ResolutionError
	keys []reqKey
}

// space is the set of packages visible to one resource.
type space struct {
	exports     map[string]candidate
	imports     map[string]candidate
	importKeys  map[string]reqKey
	required    map[string][]candidate
	requireKeys map[string]reqKey
}

type checker struct {
	s      *session
	p      permutation
	spaces map[*resource.Resource]*space
}

func (s *session) check(p permutation) *conflict {
	ck := &checker{s: s, p: p, spaces: map[*resource.Resource]*space{}}
	for _, h := range s.reachable(p) {
		if c := ck.checkSpace(h); c != nil {
			return c
		}
	}
	return nil
}

// bundleDep is a require-bundle edge of a resource.
type bundleDep struct {
	provider *resource.Resource
	reexport bool
	key      reqKey
}

func (ck *checker) dependencies(r *resource.Resource) (imports []candidate, importKeys []reqKey, bundles []bundleDep) {
	if w := ck.s.snap.Wiring(r); w != nil {
		for _, wire := range w.RequiredWires(resource.NamespacePackage) {
			imports = append(imports, candidate{cap: wire.Capability, provider: wire.Provider})
			importKeys = append(importKeys, reqKey{})
		}
		for _, wire := range w.RequiredWires(resource.NamespaceBundle) {
			bundles = append(bundles, bundleDep{provider: wire.Provider, reexport: wire.Requirement.Reexport()})
		}
		return imports, importKeys, bundles
	}
	for _, q := range ck.s.requirementsOf(r, ck.s.liveAttached(r)) {
		k := reqKey{host: r, req: q}
		c, ok := ck.s.choose(ck.p, k)
		if !ok {
			continue
		}
		switch q.Namespace {
		case resource.NamespacePackage:
			if c.provider != r {
				imports = append(imports, c)
				importKeys = append(importKeys, k)
			}
		case resource.NamespaceBundle:
			bundles = append(bundles, bundleDep{provider: c.provider, reexport: q.Reexport(), key: k})
		}
	}
	return imports, importKeys, bundles
}

func (ck *checker) exportsOf(r *resource.Resource) map[string]candidate {
	var caps []*resource.Capability
	if w := ck.s.snap.Wiring(r); w != nil {
		caps = w.Capabilities(resource.NamespacePackage)
	} else {
		caps = resource.EffectiveCapabilities(r, ck.s.liveAttached(r), resource.NamespacePackage)
	}
	out := map[string]candidate{}
	for _, c := range caps {
		out[c.Name()] = candidate{cap: c, provider: r}
	}
	return out
}

// visibleThrough returns the packages a requirer of b sees: b's exports plus
// those of the bundles b re-exports.
func (ck *checker) visibleThrough(b *resource.Resource, visited map[*resource.Resource]bool) map[string][]candidate {
	out := map[string][]candidate{}
	if visited[b] {
		return out
	}
	visited[b] = true
	for name, c := range ck.exportsOf(b) {
		out[name] = append(out[name], c)
	}
	_, _, deps := ck.dependencies(b)
	for _, d := range deps {
		if !d.reexport {
			continue
		}
		for name, cs := range ck.visibleThrough(d.provider, visited) {
			out[name] = appendUnique(out[name], cs...)
		}
	}
	return out
}

func appendUnique(list []candidate, cs ...candidate) []candidate {
	for _, c := range cs {
		dup := false
		for _, x := range list {
			if x.cap == c.cap {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, c)
		}
	}
	return list
}

func (ck *checker) spaceOf(r *resource.Resource) *space {
	if sp, ok := ck.spaces[r]; ok {
		return sp
	}
	sp := &space{
		exports:     ck.exportsOf(r),
		imports:     map[string]candidate{},
		importKeys:  map[string]reqKey{},
		required:    map[string][]candidate{},
		requireKeys: map[string]reqKey{},
	}
	ck.spaces[r] = sp

	imports, keys, deps := ck.dependencies(r)
	for i, c := range imports {
		sp.imports[c.cap.Name()] = c
		sp.importKeys[c.cap.Name()] = keys[i]
	}
	for _, d := range deps {
		for name, cs := range ck.visibleThrough(d.provider, map[*resource.Resource]bool{}) {
			sp.required[name] = appendUnique(sp.required[name], cs...)
			if _, ok := sp.requireKeys[name]; !ok {
				sp.requireKeys[name] = d.key
			}
		}
	}
	return sp
}

// binding returns the capability r uses for pkg: its import, else its own
// export, else the first package reached through a required bundle.
func (ck *checker) binding(r *resource.Resource, pkg string) (candidate, reqKey, bool) {
	sp := ck.spaceOf(r)
	if c, ok := sp.imports[pkg]; ok {
		return c, sp.importKeys[pkg], true
	}
	if c, ok := sp.exports[pkg]; ok {
		return c, reqKey{}, true
	}
	if cs := sp.required[pkg]; len(cs) > 0 {
		return cs[0], sp.requireKeys[pkg], true
	}
	return candidate{}, reqKey{}, false
}

func (ck *checker) view(sp *space, pkg string) []candidate {
	if c, ok := sp.imports[pkg]; ok {
		return []candidate{c}
	}
	if c, ok := sp.exports[pkg]; ok {
		return []candidate{c}
	}
	return sp.required[pkg]
}

type usedPackage struct {
	pkg  string
	cand candidate
	key  reqKey
}

// usesClosure follows uses directives from c transitively, resolving each
// used package in the space of the resource that declares the use.
func (ck *checker) usesClosure(c candidate) []usedPackage {
	var out []usedPackage
	visited := map[*resource.Capability]bool{}
	var walk func(c candidate)
	walk = func(c candidate) {
		if visited[c.cap] {
			return
		}
		visited[c.cap] = true
		for _, u := range c.cap.Uses() {
			b, k, ok := ck.binding(c.provider, u)
			if !ok {
				continue
			}
			out = append(out, usedPackage{pkg: u, cand: b, key: k})
			walk(b)
		}
	}
	walk(c)
	return out
}

func (ck *checker) checkSpace(h *resource.Resource) *conflict {
	sp := ck.spaceOf(h)

	for _, name := range sortedNames(sp.imports) {
		imp := sp.imports[name]
		for _, rc := range sp.required[name] {
			if rc.cap != imp.cap {
				return ck.conflict(h, sp.importKeys[name], fmt.Sprintf("package %s imported from %s is also visible from %s", name, imp.provider, rc.provider),
					sp.importKeys[name], sp.requireKeys[name])
			}
		}
	}
	for _, name := range sortedNames(sp.required) {
		cs := sp.required[name]
		if _, imported := sp.imports[name]; imported || len(cs) < 2 {
			continue
		}
		return ck.conflict(h, sp.requireKeys[name], fmt.Sprintf("package %s is split between %s and %s", name, cs[0].provider, cs[1].provider),
			sp.requireKeys[name])
	}

	type visible struct {
		name string
		cand candidate
		key  reqKey
	}
	var seen []visible
	for _, name := range sortedNames(sp.imports) {
		seen = append(seen, visible{name, sp.imports[name], sp.importKeys[name]})
	}
	for _, name := range sortedNames(sp.required) {
		if _, ok := sp.imports[name]; !ok {
			seen = append(seen, visible{name, sp.required[name][0], sp.requireKeys[name]})
		}
	}
	for _, name := range sortedNames(sp.exports) {
		if _, ok := sp.imports[name]; !ok {
			seen = append(seen, visible{name, sp.exports[name], reqKey{}})
		}
	}

	for _, v := range seen {
		for _, used := range ck.usesClosure(v.cand) {
			for _, mine := range ck.view(sp, used.pkg) {
				if mine.cap == used.cand.cap {
					continue
				}
				mineKey := sp.importKeys[used.pkg]
				if _, ok := sp.imports[used.pkg]; !ok {
					mineKey = sp.requireKeys[used.pkg]
				}
				detail := fmt.Sprintf("package %s from %s uses %s from %s, but %s sees it from %s",
					v.name, v.cand.provider, used.pkg, used.cand.provider, h, mine.provider)
				return ck.conflict(h, v.key, detail, mineKey, v.key, used.key)
			}
		}
	}
	return nil
}

func (ck *checker) conflict(h *resource.Resource, primary reqKey, detail string, keys ...reqKey) *conflict {
	c := &conflict{err: NewResolutionError(ErrUsesConflict, h, primary.req, detail)}
	for _, k := range keys {
		if k.req != nil {
			c.keys = append(c.keys, k)
		}
	}
	return c
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
