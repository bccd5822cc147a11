package modrt

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/modrt/filter"
	"github.com/GoCodeAlone/modrt/internal/metrics"
	"github.com/GoCodeAlone/modrt/loader"
	"golang.org/x/sync/singleflight"
)

// ServiceFactory creates one service object per consuming bundle.
type ServiceFactory interface {
	GetService(b *Bundle, reg *ServiceRegistration) (any, error)
	UngetService(b *Bundle, reg *ServiceRegistration, service any)
}

const (
	regRegistered int32 = iota
	regUnregistering
	regUnregistered
)

type serviceUsage struct {
	count int
	value any
}

// ServiceRegistration is the registrant's handle to a published service.
type ServiceRegistration struct {
	registry *serviceRegistry
	id       int64
	bundle   *Bundle
	classes  []string
	value    any
	factory  ServiceFactory
	ref      *ServiceReference
	state    atomic.Int32

	mu      sync.RWMutex
	props   Properties
	ranking int
	usages  map[*Bundle]*serviceUsage
}

// Reference returns the reference to the service.
func (r *ServiceRegistration) Reference() *ServiceReference { return r.ref }

func (r *ServiceRegistration) isUnregistered() bool {
	return r.state.Load() == regUnregistered
}

// SetProperties replaces the properties and fires MODIFIED, or
// MODIFIED_ENDMATCH for listeners that only matched the old properties.
func (r *ServiceRegistration) SetProperties(props map[string]any) error {
	if r.state.Load() != regRegistered {
		return ErrServiceUnregistered
	}
	next, err := r.registry.buildProperties(r, props)
	if err != nil {
		return err
	}
	r.mu.Lock()
	prev := r.props
	r.props = next
	r.ranking = next.ranking()
	r.mu.Unlock()

	r.registry.logger.Debug("Service modified", "service", r.id)
	r.registry.metrics.ServiceEvent(ServiceModified.String())
	r.registry.fire(ServiceEvent{Type: ServiceModified, Reference: r.ref}, prev)
	return nil
}

// Unregister withdraws the service. Calling it again does nothing.
func (r *ServiceRegistration) Unregister() {
	r.registry.unregister(r)
}

// serviceRegistry indexes registrations by class name. Its locks are never
// held while events are delivered or factories run.
type serviceRegistry struct {
	logger  Logger
	metrics *metrics.Metrics
	// fire delivers a service event synchronously.
	fire func(ev ServiceEvent, previous Properties)
	// report funnels errors of factories into framework ERROR events.
	report func(b *Bundle, err error)

	nextID atomic.Int64
	flight singleflight.Group

	mu       sync.RWMutex
	byClass  map[string][]*ServiceRegistration
	byBundle map[*Bundle][]*ServiceRegistration
}

func newServiceRegistry(logger Logger, m *metrics.Metrics) *serviceRegistry {
	return &serviceRegistry{
		logger:   logger,
		metrics:  m,
		byClass:  map[string][]*ServiceRegistration{},
		byBundle: map[*Bundle][]*ServiceRegistration{},
		fire:     func(ServiceEvent, Properties) {},
		report:   func(*Bundle, error) {},
	}
}

// checkClass verifies that obj can be used as className from owner's view.
// Type names the owner cannot load are accepted unchecked.
func checkClass(owner *Bundle, className string, obj any) error {
	l := owner.loader()
	if l == nil {
		return nil
	}
	t, _, err := l.LoadType(className)
	if err != nil {
		if errors.Is(err, loader.ErrTypeNotFound) || errors.Is(err, loader.ErrNotMaterialized) {
			return nil
		}
		return err
	}
	ot := reflect.TypeOf(obj)
	if t.Kind() == reflect.Interface {
		if ot.Implements(t) {
			return nil
		}
	} else if ot.AssignableTo(t) || (ot.Kind() == reflect.Ptr && ot.Elem().AssignableTo(t)) {
		return nil
	}
	return fmt.Errorf("%w: %s is not a %s", ErrNotAssignable, ot, className)
}

func (s *serviceRegistry) buildProperties(reg *ServiceRegistration, in map[string]any) (Properties, error) {
	props := make(Properties, len(in)+5)
	seen := map[string]string{}
	for k, v := range in {
		lk := strings.ToLower(k)
		if prev, dup := seen[lk]; dup {
			return nil, fmt.Errorf("%w: %q and %q", ErrDuplicatePropertyKey, prev, k)
		}
		seen[lk] = k
		switch lk {
		case strings.ToLower(PropObjectClass), PropServiceID, PropServiceBundleID, PropServiceScope:
			continue
		}
		props[k] = v
	}
	scope := ScopeSingleton
	if reg.factory != nil {
		scope = ScopeBundle
	}
	props[PropObjectClass] = append([]string(nil), reg.classes...)
	props[PropServiceID] = reg.id
	props[PropServiceBundleID] = reg.bundle.ID()
	props[PropServiceScope] = scope
	return props, nil
}

func (s *serviceRegistry) register(owner *Bundle, classes []string, obj any, props map[string]any) (*ServiceRegistration, error) {
	if len(classes) == 0 {
		return nil, ErrNoObjectClass
	}
	for _, c := range classes {
		if strings.TrimSpace(c) == "" {
			return nil, ErrNoObjectClass
		}
	}
	if obj == nil {
		return nil, ErrNilService
	}
	reg := &ServiceRegistration{
		registry: s,
		bundle:   owner,
		classes:  append([]string(nil), classes...),
		usages:   map[*Bundle]*serviceUsage{},
	}
	if f, ok := obj.(ServiceFactory); ok {
		reg.factory = f
	} else {
		reg.value = obj
		for _, c := range classes {
			if err := checkClass(owner, c, obj); err != nil {
				return nil, err
			}
		}
	}
	reg.ref = &ServiceReference{reg: reg}
	reg.id = s.nextID.Add(1)
	p, err := s.buildProperties(reg, props)
	if err != nil {
		return nil, err
	}
	reg.props = p
	reg.ranking = p.ranking()

	s.mu.Lock()
	for _, c := range reg.classes {
		s.byClass[c] = append(s.byClass[c], reg)
	}
	s.byBundle[owner] = append(s.byBundle[owner], reg)
	s.mu.Unlock()

	s.metrics.ServiceRegistered()
	s.metrics.ServiceEvent(ServiceRegistered.String())
	s.logger.Debug("Service registered", "service", reg.id, "classes", reg.classes, "bundle", owner.ID())
	s.fire(ServiceEvent{Type: ServiceRegistered, Reference: reg.ref}, nil)
	return reg, nil
}

func (s *serviceRegistry) unregister(reg *ServiceRegistration) {
	if !reg.state.CompareAndSwap(regRegistered, regUnregistering) {
		return
	}
	s.metrics.ServiceEvent(ServiceUnregistering.String())
	s.fire(ServiceEvent{Type: ServiceUnregistering, Reference: reg.ref}, nil)

	s.mu.Lock()
	for _, c := range reg.classes {
		s.byClass[c] = removeWhere(s.byClass[c], func(x *ServiceRegistration) bool { return x == reg })
		if len(s.byClass[c]) == 0 {
			delete(s.byClass, c)
		}
	}
	s.mu.Unlock()

	reg.mu.Lock()
	usages := reg.usages
	reg.usages = map[*Bundle]*serviceUsage{}
	reg.state.Store(regUnregistered)
	reg.mu.Unlock()
	users := make([]*Bundle, 0, len(usages))
	for b := range usages {
		users = append(users, b)
	}
	sortBundles(users)
	for _, b := range users {
		s.release(reg, b, usages[b].value)
	}

	s.mu.Lock()
	s.byBundle[reg.bundle] = removeWhere(s.byBundle[reg.bundle], func(x *ServiceRegistration) bool { return x == reg })
	if len(s.byBundle[reg.bundle]) == 0 {
		delete(s.byBundle, reg.bundle)
	}
	s.mu.Unlock()

	s.metrics.ServiceUnregistered()
	s.logger.Debug("Service unregistered", "service", reg.id)
}

// release gives a factory back the object it created for b.
func (s *serviceRegistry) release(reg *ServiceRegistration, b *Bundle, obj any) {
	if reg.factory == nil || obj == nil {
		return
	}
	if err := safeCall(func() { reg.factory.UngetService(b, reg, obj) }); err != nil {
		s.report(reg.bundle, &ServiceError{Kind: ServiceFactoryPanic, ServiceID: reg.id, Err: err})
	}
}

// references returns live registrations under class (all of them when class
// is empty) whose properties match f, in ranking order.
func (s *serviceRegistry) references(class string, f *filter.Filter) []*ServiceReference {
	s.mu.RLock()
	var regs []*ServiceRegistration
	if class == "" {
		seen := map[*ServiceRegistration]bool{}
		for _, list := range s.byClass {
			for _, r := range list {
				if !seen[r] {
					seen[r] = true
					regs = append(regs, r)
				}
			}
		}
	} else {
		regs = append(regs, s.byClass[class]...)
	}
	s.mu.RUnlock()

	out := make([]*ServiceReference, 0, len(regs))
	for _, r := range regs {
		if r.isUnregistered() {
			continue
		}
		r.mu.RLock()
		ok := f.MatchesFold(r.props)
		r.mu.RUnlock()
		if ok {
			out = append(out, r.ref)
		}
	}
	sortReferences(out)
	return out
}

// registered returns the live registrations of b in id order.
func (s *serviceRegistry) registered(b *Bundle) []*ServiceRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := removeWhere(append([]*ServiceRegistration(nil), s.byBundle[b]...), (*ServiceRegistration).isUnregistered)
	return out
}

// inUse returns the references b currently holds, in ranking order.
func (s *serviceRegistry) inUse(b *Bundle) []*ServiceReference {
	var out []*ServiceReference
	for _, ref := range s.references("", nil) {
		ref.reg.mu.RLock()
		u := ref.reg.usages[b]
		ref.reg.mu.RUnlock()
		if u != nil && u.count > 0 {
			out = append(out, ref)
		}
	}
	return out
}

// getService returns the service object for requester and counts the use.
// Factory objects are created once per requester; concurrent first gets
// share one factory call. Failures are reported and yield nil.
func (s *serviceRegistry) getService(requester *Bundle, ref *ServiceReference) any {
	reg := ref.reg
	if reg.isUnregistered() {
		return nil
	}
	if reg.factory == nil {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		if reg.isUnregistered() {
			return nil
		}
		u := reg.usages[requester]
		if u == nil {
			u = &serviceUsage{value: reg.value}
			reg.usages[requester] = u
		}
		u.count++
		return reg.value
	}

	if v := reg.reuse(requester); v != nil {
		return v
	}
	key := fmt.Sprintf("%d/%d", reg.id, requester.ID())
	_, err, _ := s.flight.Do(key, func() (any, error) {
		reg.mu.RLock()
		u := reg.usages[requester]
		reg.mu.RUnlock()
		if u != nil {
			return u.value, nil
		}
		obj, err := s.callFactory(reg, requester)
		if err != nil {
			return nil, err
		}
		reg.mu.Lock()
		if reg.isUnregistered() {
			reg.mu.Unlock()
			s.release(reg, requester, obj)
			return nil, ErrServiceUnregistered
		}
		reg.usages[requester] = &serviceUsage{value: obj}
		reg.mu.Unlock()
		return obj, nil
	})
	if err != nil {
		if !errors.Is(err, ErrServiceUnregistered) {
			s.logger.Error("Service factory failed", "service", reg.id, "bundle", requester.ID(), "error", err)
			s.report(reg.bundle, err)
		}
		return nil
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	u := reg.usages[requester]
	if u == nil {
		return nil
	}
	u.count++
	return u.value
}

// reuse returns the cached factory object of b, counting the use.
func (r *ServiceRegistration) reuse(b *Bundle) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u := r.usages[b]; u != nil && u.value != nil {
		u.count++
		return u.value
	}
	return nil
}

func (s *serviceRegistry) callFactory(reg *ServiceRegistration, requester *Bundle) (any, error) {
	var obj any
	var ferr error
	if err := safeCall(func() { obj, ferr = reg.factory.GetService(requester, reg) }); err != nil {
		return nil, &ServiceError{Kind: ServiceFactoryPanic, ServiceID: reg.id, Err: fmt.Errorf("%w: %w", ErrFactoryPanic, err)}
	}
	if ferr != nil {
		return nil, &ServiceError{Kind: ServiceFactoryError, ServiceID: reg.id, Err: ferr}
	}
	if obj == nil {
		return nil, &ServiceError{Kind: ServiceFactoryReturnedNil, ServiceID: reg.id, Err: ErrFactoryReturnedNil}
	}
	for _, c := range reg.classes {
		if err := checkClass(reg.bundle, c, obj); err != nil {
			return nil, &ServiceError{Kind: ServiceInvalidObjectClass, ServiceID: reg.id, Err: err}
		}
	}
	return obj, nil
}

// ungetService drops one use. The factory gets its object back when the
// count reaches zero.
func (s *serviceRegistry) ungetService(requester *Bundle, ref *ServiceReference) bool {
	reg := ref.reg
	reg.mu.Lock()
	u := reg.usages[requester]
	if u == nil || u.count == 0 {
		reg.mu.Unlock()
		return false
	}
	u.count--
	if u.count > 0 {
		reg.mu.Unlock()
		return true
	}
	delete(reg.usages, requester)
	reg.mu.Unlock()
	s.release(reg, requester, u.value)
	return true
}

// hookObject returns the object the framework itself uses for a hook service,
// taking a single use on first access.
func (s *serviceRegistry) hookObject(system *Bundle, ref *ServiceReference) any {
	reg := ref.reg
	reg.mu.RLock()
	u := reg.usages[system]
	reg.mu.RUnlock()
	if u != nil {
		return u.value
	}
	return s.getService(system, ref)
}

// unregisterAll withdraws every service of b.
func (s *serviceRegistry) unregisterAll(b *Bundle) {
	for _, reg := range s.registered(b) {
		reg.Unregister()
	}
}

// ungetAll releases every service b still uses.
func (s *serviceRegistry) ungetAll(b *Bundle) {
	for _, ref := range s.inUse(b) {
		for s.ungetService(b, ref) {
		}
	}
}
