package modrt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/GoCodeAlone/modrt/loader"
)

// Standard service properties. The framework sets them on every registration
// and ignores caller supplied values for all but service.ranking.
const (
	PropObjectClass     = "objectClass"
	PropServiceID       = "service.id"
	PropServiceBundleID = "service.bundleid"
	PropServiceScope    = "service.scope"
	PropServiceRanking  = "service.ranking"

	ScopeSingleton = "singleton"
	ScopeBundle    = "bundle"
)

// Properties is a service property dictionary. Lookups ignore key case.
type Properties map[string]any

// Get returns the value stored under key, ignoring case.
func (p Properties) Get(key string) (any, bool) {
	if v, ok := p[key]; ok {
		return v, true
	}
	for k, v := range p {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Keys returns the keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Properties) clone() Properties {
	c := make(Properties, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// ranking reads service.ranking; anything but an integer counts as 0.
func (p Properties) ranking() int {
	v, _ := p.Get(PropServiceRanking)
	switch r := v.(type) {
	case int:
		return r
	case int32:
		return int(r)
	case int64:
		return int(r)
	}
	return 0
}

// ServiceReference is a handle to a registration that stays usable after the
// service is unregistered; its accessors then report the final state.
type ServiceReference struct {
	reg *ServiceRegistration
}

// ID returns the service.id property.
func (r *ServiceReference) ID() int64 { return r.reg.id }

// Property returns a property value, ignoring key case.
func (r *ServiceReference) Property(key string) any {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	v, _ := r.reg.props.Get(key)
	return v
}

// Properties returns a copy of the current properties.
func (r *ServiceReference) Properties() Properties {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return r.reg.props.clone()
}

func (r *ServiceReference) Ranking() int {
	r.reg.mu.RLock()
	defer r.reg.mu.RUnlock()
	return r.reg.ranking
}

// Classes returns the class names the service was registered under.
func (r *ServiceReference) Classes() []string {
	return append([]string(nil), r.reg.classes...)
}

// Bundle returns the registering bundle, or nil once unregistered.
func (r *ServiceReference) Bundle() *Bundle {
	if r.reg.isUnregistered() {
		return nil
	}
	return r.reg.bundle
}

// UsingBundles returns the bundles currently holding the service, by id.
func (r *ServiceReference) UsingBundles() []*Bundle {
	r.reg.mu.RLock()
	out := make([]*Bundle, 0, len(r.reg.usages))
	for b, u := range r.reg.usages {
		if u.count > 0 {
			out = append(out, b)
		}
	}
	r.reg.mu.RUnlock()
	sortBundles(out)
	return out
}

// IsAssignableTo reports whether b sees the package of className from the
// same source as the registering bundle. A bundle that has no loader for the
// package, on either side, is not constrained.
func (r *ServiceReference) IsAssignableTo(b *Bundle, className string) bool {
	owner := r.Bundle()
	if owner == nil {
		return false
	}
	if b == nil || b == owner {
		return true
	}
	pkg, _ := loader.SplitTypeName(className)
	requester, registrant := b.loader(), owner.loader()
	if requester == nil || registrant == nil {
		return true
	}
	rs, ok1 := requester.PackageSource(pkg)
	ws, ok2 := registrant.PackageSource(pkg)
	if !ok1 || !ok2 {
		return true
	}
	return rs == ws
}

// Less orders references the way lookups return them: higher ranking first,
// then lower service id.
func (r *ServiceReference) Less(o *ServiceReference) bool {
	ri, ro := r.Ranking(), o.Ranking()
	if ri != ro {
		return ri > ro
	}
	return r.ID() < o.ID()
}

func (r *ServiceReference) String() string {
	return fmt.Sprintf("service %d %v", r.reg.id, r.reg.classes)
}

func sortReferences(refs []*ServiceReference) {
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
}
