package modrt

import "fmt"

// BundleEventType is the kind of a BundleEvent.
type BundleEventType int

const (
	BundleInstalled BundleEventType = 1 << iota
	BundleStarted
	BundleStopped
	BundleUpdated
	BundleUninstalled
	BundleResolved
	BundleUnresolved
	BundleStarting
	BundleStopping
	BundleLazyActivation
)

// asyncBundleEvents are the types delivered to asynchronous bundle listeners.
// Transitional types only reach synchronous listeners.
const asyncBundleEvents = BundleInstalled | BundleResolved | BundleStarted | BundleStopped |
	BundleUpdated | BundleUnresolved | BundleUninstalled

var bundleEventNames = map[BundleEventType]string{
	BundleInstalled:      "INSTALLED",
	BundleStarted:        "STARTED",
	BundleStopped:        "STOPPED",
	BundleUpdated:        "UPDATED",
	BundleUninstalled:    "UNINSTALLED",
	BundleResolved:       "RESOLVED",
	BundleUnresolved:     "UNRESOLVED",
	BundleStarting:       "STARTING",
	BundleStopping:       "STOPPING",
	BundleLazyActivation: "LAZY_ACTIVATION",
}

func (t BundleEventType) String() string {
	if s, ok := bundleEventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("BundleEventType(%d)", int(t))
}

// BundleEvent reports a lifecycle change of Bundle. Origin is the bundle
// whose call caused the change; for most events it is the bundle itself or
// the system bundle.
type BundleEvent struct {
	Type   BundleEventType
	Bundle *Bundle
	Origin *Bundle
}

func (e BundleEvent) String() string {
	return fmt.Sprintf("%s %s", e.Type, e.Bundle)
}

// FrameworkEventType is the kind of a FrameworkEvent.
type FrameworkEventType int

const (
	FrameworkStarted FrameworkEventType = 1 << iota
	FrameworkError
	FrameworkPackagesRefreshed
	FrameworkStartLevelChanged
	FrameworkWarning
	FrameworkInfo
	FrameworkStopped
)

var frameworkEventNames = map[FrameworkEventType]string{
	FrameworkStarted:           "STARTED",
	FrameworkError:             "ERROR",
	FrameworkPackagesRefreshed: "PACKAGES_REFRESHED",
	FrameworkStartLevelChanged: "STARTLEVEL_CHANGED",
	FrameworkWarning:           "WARNING",
	FrameworkInfo:              "INFO",
	FrameworkStopped:           "STOPPED",
}

func (t FrameworkEventType) String() string {
	if s, ok := frameworkEventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("FrameworkEventType(%d)", int(t))
}

// FrameworkEvent carries framework-wide notifications and the errors of
// parties that have no synchronous caller to report to.
type FrameworkEvent struct {
	Type   FrameworkEventType
	Bundle *Bundle
	Err    error
}

func (e FrameworkEvent) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Type, e.Bundle, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Type, e.Bundle)
}

// ServiceEventType is the kind of a ServiceEvent.
type ServiceEventType int

const (
	ServiceRegistered ServiceEventType = 1 << iota
	ServiceModified
	ServiceUnregistering
	ServiceModifiedEndMatch
)

var serviceEventNames = map[ServiceEventType]string{
	ServiceRegistered:       "REGISTERED",
	ServiceModified:         "MODIFIED",
	ServiceUnregistering:    "UNREGISTERING",
	ServiceModifiedEndMatch: "MODIFIED_ENDMATCH",
}

func (t ServiceEventType) String() string {
	if s, ok := serviceEventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ServiceEventType(%d)", int(t))
}

// ServiceEvent reports a change of a service registration.
type ServiceEvent struct {
	Type      ServiceEventType
	Reference *ServiceReference
}

func (e ServiceEvent) String() string {
	return fmt.Sprintf("%s %s", e.Type, e.Reference)
}

// BundleListener receives bundle events.
type BundleListener interface {
	BundleChanged(BundleEvent)
}

// SynchronousBundleListener marks a BundleListener that is called on the
// thread that caused the event, before that call returns.
type SynchronousBundleListener interface {
	BundleListener
	Synchronous()
}

// FrameworkListener receives framework events.
type FrameworkListener interface {
	FrameworkEvent(FrameworkEvent)
}

// ServiceListener receives service events.
type ServiceListener interface {
	ServiceChanged(ServiceEvent)
}

// AllServiceListener marks a ServiceListener that receives events for
// services whose classes are not assignable from its bundle.
type AllServiceListener interface {
	ServiceListener
	AllServices()
}

type bundleListenerFunc struct {
	fn func(BundleEvent)
}

func (l *bundleListenerFunc) BundleChanged(e BundleEvent) { l.fn(e) }

type syncBundleListenerFunc struct {
	bundleListenerFunc
}

func (*syncBundleListenerFunc) Synchronous() {}

// NewBundleListener wraps fn. When synchronous is set the listener is
// delivered inline. Each call returns a distinct listener identity.
func NewBundleListener(fn func(BundleEvent), synchronous bool) BundleListener {
	if synchronous {
		return &syncBundleListenerFunc{bundleListenerFunc{fn: fn}}
	}
	return &bundleListenerFunc{fn: fn}
}

type frameworkListenerFunc struct {
	fn func(FrameworkEvent)
}

func (l *frameworkListenerFunc) FrameworkEvent(e FrameworkEvent) { l.fn(e) }

// NewFrameworkListener wraps fn.
func NewFrameworkListener(fn func(FrameworkEvent)) FrameworkListener {
	return &frameworkListenerFunc{fn: fn}
}

type serviceListenerFunc struct {
	fn func(ServiceEvent)
}

func (l *serviceListenerFunc) ServiceChanged(e ServiceEvent) { l.fn(e) }

type allServiceListenerFunc struct {
	serviceListenerFunc
}

func (*allServiceListenerFunc) AllServices() {}

// NewServiceListener wraps fn. With all set the listener also sees services
// its bundle cannot assign.
func NewServiceListener(fn func(ServiceEvent), all bool) ServiceListener {
	if all {
		return &allServiceListenerFunc{serviceListenerFunc{fn: fn}}
	}
	return &serviceListenerFunc{fn: fn}
}
