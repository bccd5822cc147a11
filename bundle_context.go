package modrt

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/GoCodeAlone/modrt/filter"
)

// BundleContext is a bundle's handle to the framework. It is valid from the
// moment the bundle starts until it stops; afterwards every call fails with
// ErrInvalidContext or returns nothing.
type BundleContext struct {
	bundle *Bundle
	fw     *Framework
	valid  atomic.Bool
}

func newBundleContext(b *Bundle) *BundleContext {
	c := &BundleContext{bundle: b, fw: b.fw}
	c.valid.Store(true)
	return c
}

func (c *BundleContext) invalidate() { c.valid.Store(false) }

func (c *BundleContext) check() error {
	if !c.valid.Load() {
		return fmt.Errorf("%w: %s", ErrInvalidContext, c.bundle)
	}
	return nil
}

// Bundle returns the bundle owning the context.
func (c *BundleContext) Bundle() *Bundle { return c.bundle }

func (c *BundleContext) String() string {
	if c == nil {
		return "<nil>"
	}
	return "context of " + c.bundle.String()
}

// Property returns a framework property.
func (c *BundleContext) Property(key string) string {
	return c.fw.Property(key)
}

// Install installs a bundle, or returns the one already installed at location.
func (c *BundleContext) Install(ctx context.Context, location string, content []byte) (*Bundle, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.fw.install(ctx, location, content, c.bundle)
}

// Bundle returns the installed bundle with id, as far as bundle find hooks
// let this context see it.
func (c *BundleContext) GetBundle(id int64) *Bundle {
	b := c.fw.Bundle(id)
	if b == nil {
		return nil
	}
	if visible := c.fw.filterBundles(c, []*Bundle{b}); len(visible) == 0 {
		return nil
	}
	return b
}

// Bundles returns the installed bundles this context may see, by id.
func (c *BundleContext) Bundles() []*Bundle {
	return c.fw.filterBundles(c, c.fw.Bundles())
}

// validListener reports whether l can identify a registration. Listeners
// are compared by identity, so their dynamic type must be comparable;
// pointers always are.
func validListener(l any) bool {
	return l != nil && reflect.ValueOf(l).Comparable()
}

func (c *BundleContext) AddBundleListener(l BundleListener) error {
	if err := c.check(); err != nil {
		return err
	}
	if !validListener(l) {
		return ErrInvalidListener
	}
	c.fw.dispatcher.addBundleListener(c, l)
	return nil
}

func (c *BundleContext) RemoveBundleListener(l BundleListener) {
	if !validListener(l) {
		return
	}
	c.fw.dispatcher.removeBundleListener(c, l)
}

func (c *BundleContext) AddFrameworkListener(l FrameworkListener) error {
	if err := c.check(); err != nil {
		return err
	}
	if !validListener(l) {
		return ErrInvalidListener
	}
	c.fw.dispatcher.addFrameworkListener(c, l)
	return nil
}

func (c *BundleContext) RemoveFrameworkListener(l FrameworkListener) {
	if !validListener(l) {
		return
	}
	c.fw.dispatcher.removeFrameworkListener(c, l)
}

// AddServiceListener registers l for service events whose properties match
// expr; an empty expr matches everything. Adding a listener again replaces
// its filter.
func (c *BundleContext) AddServiceListener(l ServiceListener, expr string) error {
	if err := c.check(); err != nil {
		return err
	}
	if !validListener(l) {
		return ErrInvalidListener
	}
	replaced, added, err := c.fw.dispatcher.addServiceListener(c, l, expr)
	if err != nil {
		return err
	}
	var removed []ListenerInfo
	if replaced != nil {
		removed = append(removed, *replaced)
	}
	c.fw.notifyListenerHooks([]ListenerInfo{added}, removed)
	return nil
}

func (c *BundleContext) RemoveServiceListener(l ServiceListener) {
	if !validListener(l) {
		return
	}
	if info, ok := c.fw.dispatcher.removeServiceListener(c, l); ok {
		c.fw.notifyListenerHooks(nil, []ListenerInfo{info})
	}
}

// RegisterService publishes svc under classes. A svc implementing
// ServiceFactory is asked for a separate object per consuming bundle.
func (c *BundleContext) RegisterService(classes []string, svc any, props map[string]any) (*ServiceRegistration, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	reg, err := c.fw.registry.register(c.bundle, classes, svc, props)
	if err != nil {
		return nil, err
	}
	for _, class := range classes {
		if class == ListenerHookClass {
			c.fw.announceListeners(reg.ref)
			break
		}
	}
	return reg, nil
}

// GetServiceReference returns the best service registered under class that
// is assignable to this bundle, or nil.
func (c *BundleContext) GetServiceReference(class string) *ServiceReference {
	refs, err := c.GetServiceReferences(class, "")
	if err != nil || len(refs) == 0 {
		return nil
	}
	return refs[0]
}

// GetServiceReferences returns the services under class matching expr whose
// classes this bundle sees from the same source as the registrant.
func (c *BundleContext) GetServiceReferences(class, expr string) ([]*ServiceReference, error) {
	return c.lookup(class, expr, false)
}

// GetAllServiceReferences is GetServiceReferences without the assignability
// check.
func (c *BundleContext) GetAllServiceReferences(class, expr string) ([]*ServiceReference, error) {
	return c.lookup(class, expr, true)
}

func (c *BundleContext) lookup(class, expr string, all bool) ([]*ServiceReference, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	f, err := filter.Compile(expr)
	if err != nil {
		return nil, err
	}
	refs := c.fw.registry.references(class, f)
	if !all {
		refs = removeWhere(refs, func(r *ServiceReference) bool { return !c.fw.assignable(r, c.bundle, class) })
	}
	return c.fw.filterServiceRefs(c, class, expr, all, refs), nil
}

// GetService returns the service object and counts one use, or nil when the
// service is gone or its factory failed.
func (c *BundleContext) GetService(ref *ServiceReference) any {
	if ref == nil || c.check() != nil {
		return nil
	}
	return c.fw.registry.getService(c.bundle, ref)
}

// UngetService drops one use of the service. It returns false when the
// bundle held none.
func (c *BundleContext) UngetService(ref *ServiceReference) bool {
	if ref == nil || c.check() != nil {
		return false
	}
	return c.fw.registry.ungetService(c.bundle, ref)
}
