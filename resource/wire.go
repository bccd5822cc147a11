package resource

import "fmt"

// Wire is an immutable edge from a requirement to the capability that
// satisfies it. For requirements and capabilities contributed by a fragment,
// Requirer or Provider is the host the fragment is attached to.
type Wire struct {
	Requirer    *Resource
	Requirement *Requirement
	Provider    *Resource
	Capability  *Capability
}

func (w *Wire) String() string {
	return fmt.Sprintf("%s -> %s (%s)", w.Requirer, w.Provider, w.Capability)
}

// Wiring is the resolved state of one resource: the wires it requires, the
// wires other resources hold to it, and the fragments attached to it.
type Wiring struct {
	Resource  *Resource
	Required  []*Wire
	Provided  []*Wire
	Fragments []*Resource
}

// RequiredWires returns the required wires in namespace, or all of them.
func (w *Wiring) RequiredWires(namespace string) []*Wire {
	return filterWires(w.Required, namespace, func(x *Wire) string { return x.Requirement.Namespace })
}

// ProvidedWires returns the provided wires in namespace, or all of them.
func (w *Wiring) ProvidedWires(namespace string) []*Wire {
	return filterWires(w.Provided, namespace, func(x *Wire) string { return x.Capability.Namespace })
}

// Capabilities returns the capabilities the wiring offers: those of the
// resource plus those of its attached fragments, except fragment identity.
func (w *Wiring) Capabilities(namespace string) []*Capability {
	out := w.Resource.Capabilities(namespace)
	for _, f := range w.Fragments {
		for _, c := range f.Capabilities(namespace) {
			if c.Namespace != NamespaceIdentity {
				out = append(out, c)
			}
		}
	}
	return out
}

// Requirements returns the requirements the wiring honours: those of the
// resource plus those of its attached fragments, except their host requirement.
func (w *Wiring) Requirements(namespace string) []*Requirement {
	return EffectiveRequirements(w.Resource, w.Fragments, namespace)
}

// InUse reports whether another resource still holds a wire to this one.
func (w *Wiring) InUse() bool {
	for _, p := range w.Provided {
		if p.Requirer != w.Resource && !containsResource(w.Fragments, p.Requirer) {
			return true
		}
	}
	return false
}

// EffectiveRequirements merges the requirements of host and fragments.
func EffectiveRequirements(host *Resource, fragments []*Resource, namespace string) []*Requirement {
	out := host.Requirements(namespace)
	for _, f := range fragments {
		for _, q := range f.Requirements(namespace) {
			if q != f.Host {
				out = append(out, q)
			}
		}
	}
	return out
}

// EffectiveCapabilities merges the capabilities of host and fragments.
func EffectiveCapabilities(host *Resource, fragments []*Resource, namespace string) []*Capability {
	return (&Wiring{Resource: host, Fragments: fragments}).Capabilities(namespace)
}

func filterWires(wires []*Wire, namespace string, ns func(*Wire) string) []*Wire {
	if namespace == "" {
		return append([]*Wire(nil), wires...)
	}
	var out []*Wire
	for _, w := range wires {
		if ns(w) == namespace {
			out = append(out, w)
		}
	}
	return out
}

func containsResource(list []*Resource, r *Resource) bool {
	for _, x := range list {
		if x == r {
			return true
		}
	}
	return false
}
