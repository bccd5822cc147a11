// Package modrt is a dynamic module runtime. Bundles are installed from
// descriptors, resolved against each other's capabilities, started and
// stopped through activators, and collaborate through a service registry.
//
// Framework events can additionally be observed as CloudEvents through the
// Observer and Subject interfaces in this file.
package modrt

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is notified of framework activity as CloudEvents.
type Observer interface {
	// OnEvent is called for every event the observer subscribed to. It runs
	// on its own goroutine and should return quickly.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID identifies the observer for registration and logging.
	ObserverID() string
}

// Subject is implemented by Framework.
type Subject interface {
	// RegisterObserver subscribes observer to eventTypes, or to every event
	// when none are given. Registering an id again replaces the subscription.
	RegisterObserver(observer Observer, eventTypes ...string) error
	// UnregisterObserver is idempotent.
	UnregisterObserver(observer Observer) error
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// CloudEvent types emitted by the framework.
const (
	EventTypeBundleInstalled      = "com.modrt.bundle.installed"
	EventTypeBundleResolved       = "com.modrt.bundle.resolved"
	EventTypeBundleStarting       = "com.modrt.bundle.starting"
	EventTypeBundleStarted        = "com.modrt.bundle.started"
	EventTypeBundleStopping       = "com.modrt.bundle.stopping"
	EventTypeBundleStopped        = "com.modrt.bundle.stopped"
	EventTypeBundleUpdated        = "com.modrt.bundle.updated"
	EventTypeBundleUnresolved     = "com.modrt.bundle.unresolved"
	EventTypeBundleUninstalled    = "com.modrt.bundle.uninstalled"
	EventTypeBundleLazyActivation = "com.modrt.bundle.lazy_activation"

	EventTypeServiceRegistered       = "com.modrt.service.registered"
	EventTypeServiceModified         = "com.modrt.service.modified"
	EventTypeServiceModifiedEndMatch = "com.modrt.service.modified_endmatch"
	EventTypeServiceUnregistering    = "com.modrt.service.unregistering"

	EventTypeFrameworkStarted           = "com.modrt.framework.started"
	EventTypeFrameworkStopped           = "com.modrt.framework.stopped"
	EventTypeFrameworkError             = "com.modrt.framework.error"
	EventTypeFrameworkWarning           = "com.modrt.framework.warning"
	EventTypeFrameworkInfo              = "com.modrt.framework.info"
	EventTypeFrameworkPackagesRefreshed = "com.modrt.framework.packages_refreshed"
	EventTypeFrameworkStartLevelChanged = "com.modrt.framework.startlevel_changed"
)

// FunctionalObserver adapts a function to Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.id }

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// observers is the Subject state embedded in Framework.
type observers struct {
	mu   sync.RWMutex
	regs map[string]*observerRegistration
}

func (fw *Framework) RegisterObserver(observer Observer, eventTypes ...string) error {
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	fw.obs.mu.Lock()
	if fw.obs.regs == nil {
		fw.obs.regs = map[string]*observerRegistration{}
	}
	fw.obs.regs[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   types,
		registeredAt: time.Now(),
	}
	fw.obs.mu.Unlock()
	fw.logger.Info("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

func (fw *Framework) UnregisterObserver(observer Observer) error {
	fw.obs.mu.Lock()
	defer fw.obs.mu.Unlock()
	if _, ok := fw.obs.regs[observer.ObserverID()]; ok {
		delete(fw.obs.regs, observer.ObserverID())
		fw.logger.Info("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// NotifyObservers validates event and hands it to every interested observer
// on its own goroutine, or inline when ctx carries
// WithSynchronousNotification.
func (fw *Framework) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		fw.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}
	fw.obs.mu.RLock()
	defer fw.obs.mu.RUnlock()
	for _, reg := range fw.obs.regs {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		if IsSynchronousNotification(ctx) {
			fw.deliver(ctx, reg.observer, event)
			continue
		}
		go fw.deliver(ctx, reg.observer, event)
	}
	return nil
}

func (fw *Framework) deliver(ctx context.Context, o Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			fw.logger.Error("Observer panicked", "observerID", o.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := o.OnEvent(ctx, event); err != nil {
		fw.logger.Error("Observer error", "observerID", o.ObserverID(), "event", event.Type(), "error", err)
	}
}

func (fw *Framework) GetObservers() []ObserverInfo {
	fw.obs.mu.RLock()
	defer fw.obs.mu.RUnlock()
	out := make([]ObserverInfo, 0, len(fw.obs.regs))
	for id, reg := range fw.obs.regs {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		out = append(out, ObserverInfo{ID: id, EventTypes: types, RegisteredAt: reg.registeredAt})
	}
	return out
}

func (fw *Framework) hasObservers() bool {
	fw.obs.mu.RLock()
	defer fw.obs.mu.RUnlock()
	return len(fw.obs.regs) > 0
}

// observe converts a dispatched event and forwards it to observers.
func (fw *Framework) observe(ev any) {
	if !fw.hasObservers() {
		return
	}
	ce, ok := fw.toCloudEvent(ev)
	if !ok {
		return
	}
	_ = fw.NotifyObservers(context.Background(), ce)
}
