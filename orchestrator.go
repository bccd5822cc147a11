package modrt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/modrt/loader"
	"github.com/GoCodeAlone/modrt/native"
	"github.com/GoCodeAlone/modrt/resolver"
	"github.com/GoCodeAlone/modrt/resource"
)

// orchestrator runs resolutions: it consults resolver hooks, applies the
// singleton policy, selects native code, then runs the resolver and commits
// the result to the environment and the loader backend. Only the last two
// steps hold the wiring lock.
type orchestrator struct {
	fw       *Framework
	resolver *resolver.Resolver

	mu sync.Mutex
}

func newOrchestrator(fw *Framework) *orchestrator {
	return &orchestrator{fw: fw, resolver: resolver.New()}
}

// resolvingKey marks a context handed to resolver hooks.
type resolvingKey struct{}

func isResolving(ctx context.Context) bool {
	v, _ := ctx.Value(resolvingKey{}).(bool)
	return v
}

type resolveRun struct {
	o        *orchestrator
	snap     *resolver.Snapshot
	hooks    []ResolverHook
	roles    map[*resource.Resource]int
	excluded map[*resource.Resource]bool
	natives  map[*resource.Resource][]string
	// errs holds why a native code check excluded a resource.
	errs map[*resource.Resource]error
}

func (r *resolveRun) callHook(name string, fn func()) bool {
	return r.o.fw.callHook(name, fn)
}

const (
	roleOther = iota
	roleOptional
	roleMandatory
)

// resolve resolves mandatory, which must all succeed, and as many of
// optional as possible. Nothing is committed when it fails. A resolve whose
// ctx came from a resolver hook fails with ErrReentrantResolve; any other
// caller waits for the resolution in progress.
func (o *orchestrator) resolve(ctx context.Context, mandatory, optional []*resource.Resource) error {
	if isResolving(ctx) {
		return ErrReentrantResolve
	}
	ctx = context.WithValue(ctx, resolvingKey{}, true)

	started := time.Now()
	resolved, err := o.run(ctx, mandatory, optional)

	o.fw.metrics.ObserveResolution(err == nil, time.Since(started))
	o.fw.metrics.SetUnresolved(o.fw.unresolvedCount())
	if err != nil {
		o.fw.logger.Debug("Resolution failed", "error", err)
		return err
	}
	for _, b := range resolved {
		o.fw.fireBundleEvent(BundleResolved, b, nil)
	}
	return nil
}

func (o *orchestrator) run(ctx context.Context, mandatory, optional []*resource.Resource) ([]*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &resolveRun{
		o:        o,
		snap:     o.fw.env.Snapshot(),
		roles:    map[*resource.Resource]int{},
		excluded: map[*resource.Resource]bool{},
		natives:  map[*resource.Resource][]string{},
		errs:     map[*resource.Resource]error{},
	}
	mandatory = r.unresolved(mandatory)
	optional = r.unresolved(optional)
	if len(mandatory) == 0 && len(optional) == 0 {
		return nil, nil
	}
	for _, x := range optional {
		r.roles[x] = roleOptional
	}
	for _, x := range mandatory {
		r.roles[x] = roleMandatory
	}

	r.beginHooks(ctx, append(append([]*resource.Resource(nil), mandatory...), optional...))
	defer r.endHooks()

	r.filterResolvable()
	r.selectSingletons()
	optional = r.expandOptional(mandatory, optional)
	r.selectNativeCode()

	for _, x := range mandatory {
		if r.excluded[x] {
			return nil, r.exclusionError(x)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Another resolution may have committed while the hooks ran.
	r.snap = o.fw.env.Snapshot()
	mandatory = r.unresolved(mandatory)
	var opt []*resource.Resource
	for _, x := range r.unresolved(optional) {
		if !r.excluded[x] {
			opt = append(opt, x)
		}
	}
	if len(mandatory) == 0 && len(opt) == 0 {
		return nil, nil
	}

	res, err := o.resolver.Resolve(r.snap, resolver.Options{
		Mandatory:     mandatory,
		Optional:      opt,
		FilterMatches: r.filterMatches,
		Excluded:      func(x *resource.Resource) bool { return r.excluded[x] },
	})
	if err != nil {
		return nil, err
	}
	if len(res.Resolved) == 0 {
		return nil, nil
	}
	return o.commit(res, r.natives)
}

// unresolved keeps the installed, unresolved, non-pending entries of rs.
func (r *resolveRun) unresolved(rs []*resource.Resource) []*resource.Resource {
	var out []*resource.Resource
	for _, x := range rs {
		if r.snap.Contains(x) && !r.snap.IsResolved(x) && !r.snap.RemovalPending(x) {
			out = append(out, x)
		}
	}
	return out
}

func (r *resolveRun) beginHooks(ctx context.Context, triggers []*resource.Resource) {
	for _, f := range hookServices[ResolverHookFactory](r.o.fw, ResolverHookFactoryClass) {
		var h ResolverHook
		if r.callHook("resolver begin", func() { h = f.Begin(ctx, append([]*resource.Resource(nil), triggers...)) }) && h != nil {
			r.hooks = append(r.hooks, h)
		}
	}
}

func (r *resolveRun) endHooks() {
	for _, h := range r.hooks {
		r.callHook("resolver end", h.End)
	}
}

// candidates returns every installed resource the run may resolve.
func (r *resolveRun) candidates() []*resource.Resource {
	var out []*resource.Resource
	for _, x := range r.snap.Resources() {
		if !r.snap.IsResolved(x) && !r.snap.RemovalPending(x) {
			out = append(out, x)
		}
	}
	return out
}

func (r *resolveRun) filterResolvable() {
	if len(r.hooks) == 0 {
		return
	}
	all := r.candidates()
	allowed := all
	for _, h := range r.hooks {
		var out []*resource.Resource
		if r.callHook("filter resolvable", func() { out = h.FilterResolvable(append([]*resource.Resource(nil), allowed...)) }) {
			allowed = shrink(allowed, out)
		}
	}
	keep := map[*resource.Resource]bool{}
	for _, x := range allowed {
		keep[x] = true
	}
	for _, x := range all {
		if !keep[x] {
			r.excluded[x] = true
		}
	}
}

func identityOf(x *resource.Resource) *resource.Capability {
	if ids := x.Capabilities(resource.NamespaceIdentity); len(ids) > 0 {
		return ids[0]
	}
	return nil
}

// selectSingletons keeps at most one singleton per symbolic name. Resolved
// singletons win, then mandatory, then optional ones; within a role the
// policy picks the first installed or the highest version. Hooks may narrow
// which capabilities count as collisions.
func (r *resolveRun) selectSingletons() {
	groups := map[string][]*resource.Resource{}
	var names []string
	for _, x := range r.snap.Resources() {
		if !x.Singleton || x.IsFragment() || r.excluded[x] {
			continue
		}
		if r.snap.RemovalPending(x) && !r.snap.IsResolved(x) {
			continue
		}
		if _, ok := groups[x.SymbolicName]; !ok {
			names = append(names, x.SymbolicName)
		}
		groups[x.SymbolicName] = append(groups[x.SymbolicName], x)
	}
	highest := r.o.fw.cfg.SingletonPolicy == SingletonPolicyHighest
	for _, name := range names {
		group := groups[name]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			ra, rb := r.snap.IsResolved(a), r.snap.IsResolved(b)
			if ra != rb {
				return ra
			}
			if r.roles[a] != r.roles[b] {
				return r.roles[a] > r.roles[b]
			}
			if highest {
				if c := a.Version.Compare(b.Version); c != 0 {
					return c > 0
				}
			}
			return r.snap.Order(a) < r.snap.Order(b)
		})

		collides := map[*resource.Resource]map[*resource.Resource]bool{}
		for _, x := range group {
			own := identityOf(x)
			var others []*resource.Capability
			for _, y := range group {
				if y != x {
					if c := identityOf(y); c != nil {
						others = append(others, c)
					}
				}
			}
			for _, h := range r.hooks {
				var out []*resource.Capability
				if r.callHook("filter singleton collisions", func() {
					out = h.FilterSingletonCollisions(own, append([]*resource.Capability(nil), others...))
				}) {
					others = shrink(others, out)
				}
			}
			collides[x] = map[*resource.Resource]bool{}
			for _, c := range others {
				collides[x][c.Resource()] = true
			}
		}

		var chosen []*resource.Resource
		for _, x := range group {
			clash := false
			for _, y := range chosen {
				if collides[x][y] || collides[y][x] {
					clash = true
					break
				}
			}
			if !clash {
				chosen = append(chosen, x)
				continue
			}
			if !r.snap.IsResolved(x) {
				r.excluded[x] = true
				r.o.fw.logger.Debug("Singleton excluded from resolution", "resource", x.String())
			}
		}
	}
}

// expandOptional adds fragments that could attach to the requested hosts
// and, when a mandatory resource has optional package imports, every other
// installed host so those requirements get a chance to be satisfied.
func (r *resolveRun) expandOptional(mandatory, optional []*resource.Resource) []*resource.Resource {
	in := map[*resource.Resource]bool{}
	for _, x := range mandatory {
		in[x] = true
	}
	for _, x := range optional {
		in[x] = true
	}
	out := append([]*resource.Resource(nil), optional...)
	add := func(x *resource.Resource) {
		if !in[x] && !r.excluded[x] {
			in[x] = true
			out = append(out, x)
		}
	}

	requested := append(append([]*resource.Resource(nil), mandatory...), optional...)
	for _, f := range r.candidates() {
		if !f.IsFragment() || f.Host == nil {
			continue
		}
		for _, h := range requested {
			if matchesAny(f.Host, h.Capabilities(resource.NamespaceHost)) {
				add(f)
				break
			}
		}
	}

	wantsAll := false
	for _, x := range mandatory {
		for _, q := range x.Requirements(resource.NamespacePackage) {
			if q.Optional() {
				wantsAll = true
				break
			}
		}
	}
	if wantsAll {
		for _, x := range r.candidates() {
			if !x.IsFragment() && x.Kind != resource.KindSystem {
				add(x)
			}
		}
	}
	return out
}

func matchesAny(q *resource.Requirement, caps []*resource.Capability) bool {
	for _, c := range caps {
		if q.Matches(c) {
			return true
		}
	}
	return false
}

// selectNativeCode picks the native libraries of every candidate declaring
// native code. Candidates without a matching clause are excluded.
func (r *resolveRun) selectNativeCode() {
	platform := r.o.fw.platform()
	for _, x := range r.candidates() {
		if len(x.NativeCode) == 0 || r.excluded[x] {
			continue
		}
		paths, err := native.Select(x.NativeCode, x.NativeOptional, platform)
		if err != nil {
			r.o.fw.logger.Debug("Native code does not match platform", "resource", x.String(), "error", err)
			r.excluded[x] = true
			r.errs[x] = err
			continue
		}
		r.natives[x] = paths
	}
}

func (r *resolveRun) exclusionError(x *resource.Resource) error {
	if err, ok := r.errs[x]; ok {
		return resolver.NewResolutionError(err, x, nil, "native code")
	}
	if x.Singleton {
		return resolver.NewResolutionError(resolver.ErrSingletonCollision, x, nil, "excluded by singleton selection or resolver hook")
	}
	return resolver.NewResolutionError(resolver.ErrExcluded, x, nil, "excluded by resolver hook")
}

// filterMatches lets every hook shrink the candidates of a requirement.
func (r *resolveRun) filterMatches(q *resource.Requirement, caps []*resource.Capability) []*resource.Capability {
	for _, h := range r.hooks {
		var out []*resource.Capability
		if r.callHook("filter matches", func() { out = h.FilterMatches(q, append([]*resource.Capability(nil), caps...)) }) {
			caps = shrink(caps, out)
		}
	}
	return caps
}

// commit applies res to the environment and materializes loaders for the
// newly resolved resources. Either all of it takes effect or none.
func (o *orchestrator) commit(res *resolver.Result, natives map[*resource.Resource][]string) ([]*Bundle, error) {
	loaders := map[*resource.Resource]loader.Loader{}
	err := o.fw.env.Update(func(tx *resolver.Tx) error {
		if err := tx.Apply(res); err != nil {
			return err
		}
		next := tx.Snapshot()
		for _, x := range res.Resolved {
			l, err := o.fw.backend.Materialize(x, next.Wiring(x))
			if err != nil {
				return fmt.Errorf("materialize %s: %w", x, err)
			}
			loaders[x] = l
		}
		return nil
	})
	if err != nil {
		for _, l := range loaders {
			o.fw.backend.Remove(l)
		}
		return nil, err
	}

	var out []*Bundle
	for _, x := range res.Resolved {
		b := o.fw.bundleOf(x)
		if b == nil {
			continue
		}
		b.mu.Lock()
		b.loaders[x] = loaders[x]
		if x == b.revisions[len(b.revisions)-1] {
			b.nativePaths = natives[x]
		}
		current := x == b.revisions[len(b.revisions)-1]
		b.mu.Unlock()
		if current && b.State() == StateInstalled {
			b.setState(StateResolved)
			out = append(out, b)
		}
	}
	o.fw.logger.Debug("Resolved", "resources", len(res.Resolved))
	return out, nil
}
