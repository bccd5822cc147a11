package modrt

import (
	"context"

	"github.com/GoCodeAlone/modrt/resource"
)

// Class names hooks are registered under.
const (
	ResolverHookFactoryClass = "modrt.hooks.resolver.ResolverHookFactory"
	ServiceFindHookClass     = "modrt.hooks.service.FindHook"
	EventListenerHookClass   = "modrt.hooks.service.EventListenerHook"
	ListenerHookClass        = "modrt.hooks.service.ListenerHook"
	BundleFindHookClass      = "modrt.hooks.bundle.FindHook"
)

// ResolverHookFactory starts a ResolverHook for one resolution. Triggers are
// the resources whose resolution was requested. Framework calls made by the
// hook must use ctx; a resolution started with it fails with
// ErrReentrantResolve.
type ResolverHookFactory interface {
	Begin(ctx context.Context, triggers []*resource.Resource) ResolverHook
}

// ResolverHook may shrink the inputs of one resolution. Anything a method
// adds to its input is ignored.
type ResolverHook interface {
	// FilterResolvable removes resources that must not resolve.
	FilterResolvable(candidates []*resource.Resource) []*resource.Resource
	// FilterSingletonCollisions removes capabilities that should not be
	// treated as colliding with singleton.
	FilterSingletonCollisions(singleton *resource.Capability, collisions []*resource.Capability) []*resource.Capability
	// FilterMatches removes candidates of a requirement.
	FilterMatches(req *resource.Requirement, candidates []*resource.Capability) []*resource.Capability
	// End is called once the resolution finished, successfully or not.
	End()
}

// ServiceFindHook may remove references from lookup results.
type ServiceFindHook interface {
	Find(ctx *BundleContext, className, filter string, allServices bool, refs []*ServiceReference) []*ServiceReference
}

// EventListenerHook may hide a service event from the listeners registered
// through some contexts.
type EventListenerHook interface {
	Event(ev ServiceEvent, contexts []*BundleContext) []*BundleContext
}

// ListenerInfo describes a service listener registration.
type ListenerInfo struct {
	Context *BundleContext
	Filter  string
	Removed bool
}

// ListenerHook is told about service listeners being added and removed.
type ListenerHook interface {
	Added(listeners []ListenerInfo)
	Removed(listeners []ListenerInfo)
}

// BundleFindHook may remove bundles from what a context can find.
type BundleFindHook interface {
	FindBundles(ctx *BundleContext, bundles []*Bundle) []*Bundle
}

// hookServices returns the live hook objects registered under class, ordered
// by ranking descending then service id ascending. Objects that do not
// implement T are reported and skipped.
func hookServices[T any](fw *Framework, class string) []T {
	refs := fw.registry.references(class, nil)
	out := make([]T, 0, len(refs))
	for _, ref := range refs {
		obj := fw.registry.hookObject(fw.system, ref)
		if obj == nil {
			continue
		}
		h, ok := obj.(T)
		if !ok {
			fw.logger.Warn("Ignoring hook of unexpected type", "class", class, "service", ref.ID())
			continue
		}
		out = append(out, h)
	}
	return out
}

// shrink keeps the elements of in that are also in out, preserving the order
// of in.
func shrink[T comparable](in, out []T) []T {
	keep := make(map[T]bool, len(out))
	for _, x := range out {
		keep[x] = true
	}
	res := in[:0:0]
	for _, x := range in {
		if keep[x] {
			res = append(res, x)
		}
	}
	return res
}

// callHook runs one hook callback and reports a failure as a framework
// WARNING attributed to the hook's registrant. It returns false when the
// callback failed.
func (fw *Framework) callHook(name string, fn func()) bool {
	if err := safeCall(fn); err != nil {
		fw.logger.Error("Hook failed", "hook", name, "error", err)
		fw.dispatcher.fireFrameworkEvent(FrameworkEvent{Type: FrameworkWarning, Bundle: fw.system, Err: err})
		return false
	}
	return true
}

func (fw *Framework) filterServiceRefs(ctx *BundleContext, className, expr string, all bool, refs []*ServiceReference) []*ServiceReference {
	for _, h := range hookServices[ServiceFindHook](fw, ServiceFindHookClass) {
		var out []*ServiceReference
		if fw.callHook("find", func() { out = h.Find(ctx, className, expr, all, append([]*ServiceReference(nil), refs...)) }) {
			refs = shrink(refs, out)
		}
	}
	return refs
}

func (fw *Framework) filterEventContexts(ev ServiceEvent, ctxs []*BundleContext) []*BundleContext {
	for _, h := range hookServices[EventListenerHook](fw, EventListenerHookClass) {
		var out []*BundleContext
		if fw.callHook("event", func() { out = h.Event(ev, append([]*BundleContext(nil), ctxs...)) }) {
			ctxs = shrink(ctxs, out)
		}
	}
	return ctxs
}

func (fw *Framework) filterBundles(ctx *BundleContext, bundles []*Bundle) []*Bundle {
	for _, h := range hookServices[BundleFindHook](fw, BundleFindHookClass) {
		var out []*Bundle
		if fw.callHook("bundle find", func() { out = h.FindBundles(ctx, append([]*Bundle(nil), bundles...)) }) {
			bundles = shrink(bundles, out)
		}
	}
	return bundles
}

func (fw *Framework) notifyListenerHooks(added, removed []ListenerInfo) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	for _, h := range hookServices[ListenerHook](fw, ListenerHookClass) {
		if len(removed) > 0 {
			fw.callHook("listener", func() { h.Removed(removed) })
		}
		if len(added) > 0 {
			fw.callHook("listener", func() { h.Added(added) })
		}
	}
}
