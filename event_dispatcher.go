package modrt

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/GoCodeAlone/modrt/filter"
	"github.com/GoCodeAlone/modrt/internal/metrics"
)

type bundleListenerEntry struct {
	ctx  *BundleContext
	l    BundleListener
	sync bool
}

type frameworkListenerEntry struct {
	ctx *BundleContext
	l   FrameworkListener
}

type serviceListenerEntry struct {
	ctx    *BundleContext
	l      ServiceListener
	filter *filter.Filter
	expr   string
	all    bool
}

func (e *serviceListenerEntry) info(removed bool) ListenerInfo {
	return ListenerInfo{Context: e.ctx, Filter: e.expr, Removed: removed}
}

// eventDispatcher delivers bundle, framework and service events. Synchronous
// bundle listeners and all service listeners run on the firing goroutine.
// Asynchronous bundle listeners run on one goroutine and framework listeners
// on another, each in submission order.
type eventDispatcher struct {
	logger  Logger
	metrics *metrics.Metrics

	// visible applies event hooks to the contexts holding service listeners.
	visible func(ev ServiceEvent, ctxs []*BundleContext) []*BundleContext
	// assignable reports whether b may see the classes of ref.
	assignable func(ref *ServiceReference, b *Bundle) bool
	// observe forwards every fired event to observers.
	observe func(ev any)

	mu        sync.RWMutex
	bundle    []*bundleListenerEntry
	framework []*frameworkListenerEntry
	service   []*serviceListenerEntry

	bundleQ    *deliveryQueue
	frameworkQ *deliveryQueue
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// newEventDispatcher starts the delivery goroutines. backlog is the queue
// length above which a warning is logged; queues never block the firing
// goroutine, which may itself be a delivery goroutine.
func newEventDispatcher(logger Logger, m *metrics.Metrics, backlog int) *eventDispatcher {
	d := &eventDispatcher{
		logger:     logger,
		metrics:    m,
		bundleQ:    newDeliveryQueue("bundle", logger, backlog),
		frameworkQ: newDeliveryQueue("framework", logger, backlog),
	}
	d.wg.Add(2)
	go d.run(d.bundleQ)
	go d.run(d.frameworkQ)
	return d
}

func (d *eventDispatcher) run(q *deliveryQueue) {
	defer d.wg.Done()
	for {
		fn, ok := q.pop()
		if !ok {
			return
		}
		fn()
	}
}

// stop drains both queues and ends the delivery goroutines. Events fired
// while draining are dropped.
func (d *eventDispatcher) stop() {
	d.stopOnce.Do(func() {
		d.bundleQ.close()
		d.frameworkQ.close()
		d.wg.Wait()
	})
}

// deliveryQueue is an unbounded FIFO drained by one goroutine.
type deliveryQueue struct {
	name   string
	logger Logger
	warnAt int

	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	warned bool
}

func newDeliveryQueue(name string, logger Logger, warnAt int) *deliveryQueue {
	q := &deliveryQueue{name: name, logger: logger, warnAt: warnAt}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends fn. It reports false once the queue is closed.
func (q *deliveryQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	warn := len(q.items) > q.warnAt && !q.warned
	if warn {
		q.warned = true
	}
	backlog := len(q.items)
	q.mu.Unlock()
	q.cond.Signal()

	if warn {
		q.logger.Warn("Event backlog exceeds queue size", "queue", q.name, "backlog", backlog, "queueSize", q.warnAt)
	}
	return true
}

// pop waits for the next item. It reports false when the queue is closed
// and empty.
func (q *deliveryQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
		q.warned = false
	}
	return fn, true
}

func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (d *eventDispatcher) addBundleListener(ctx *BundleContext, l BundleListener) {
	_, synchronous := l.(SynchronousBundleListener)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.bundle {
		if e.ctx == ctx && e.l == l {
			return
		}
	}
	d.bundle = append(d.bundle, &bundleListenerEntry{ctx: ctx, l: l, sync: synchronous})
}

func (d *eventDispatcher) removeBundleListener(ctx *BundleContext, l BundleListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundle = removeWhere(d.bundle, func(e *bundleListenerEntry) bool { return e.ctx == ctx && e.l == l })
}

func (d *eventDispatcher) addFrameworkListener(ctx *BundleContext, l FrameworkListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.framework {
		if e.ctx == ctx && e.l == l {
			return
		}
	}
	d.framework = append(d.framework, &frameworkListenerEntry{ctx: ctx, l: l})
}

func (d *eventDispatcher) removeFrameworkListener(ctx *BundleContext, l FrameworkListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.framework = removeWhere(d.framework, func(e *frameworkListenerEntry) bool { return e.ctx == ctx && e.l == l })
}

// addServiceListener registers l or replaces its filter. It returns the info
// of the replaced registration, if any, and of the new one.
func (d *eventDispatcher) addServiceListener(ctx *BundleContext, l ServiceListener, expr string) (replaced *ListenerInfo, added ListenerInfo, err error) {
	f, err := filter.Compile(expr)
	if err != nil {
		return nil, ListenerInfo{}, err
	}
	_, all := l.(AllServiceListener)
	entry := &serviceListenerEntry{ctx: ctx, l: l, filter: f, expr: expr, all: all}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.service {
		if e.ctx == ctx && e.l == l {
			old := e.info(true)
			d.service[i] = entry
			return &old, entry.info(false), nil
		}
	}
	d.service = append(d.service, entry)
	return nil, entry.info(false), nil
}

func (d *eventDispatcher) removeServiceListener(ctx *BundleContext, l ServiceListener) (ListenerInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.service {
		if e.ctx == ctx && e.l == l {
			d.service = append(d.service[:i:i], d.service[i+1:]...)
			return e.info(true), true
		}
	}
	return ListenerInfo{}, false
}

// removeAll drops every listener registered through ctx and returns the
// removed service listeners.
func (d *eventDispatcher) removeAll(ctx *BundleContext) []ListenerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundle = removeWhere(d.bundle, func(e *bundleListenerEntry) bool { return e.ctx == ctx })
	d.framework = removeWhere(d.framework, func(e *frameworkListenerEntry) bool { return e.ctx == ctx })
	var removed []ListenerInfo
	d.service = removeWhere(d.service, func(e *serviceListenerEntry) bool {
		if e.ctx == ctx {
			removed = append(removed, e.info(true))
			return true
		}
		return false
	})
	return removed
}

// serviceListeners returns the infos of all current service listeners.
func (d *eventDispatcher) serviceListeners() []ListenerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ListenerInfo, 0, len(d.service))
	for _, e := range d.service {
		out = append(out, e.info(false))
	}
	return out
}

func (d *eventDispatcher) fireBundleEvent(ev BundleEvent) {
	if d.observe != nil {
		d.observe(ev)
	}
	d.mu.RLock()
	var syncs, asyncs []*bundleListenerEntry
	for _, e := range d.bundle {
		if e.sync {
			syncs = append(syncs, e)
		} else if ev.Type&asyncBundleEvents != 0 {
			asyncs = append(asyncs, e)
		}
	}
	d.mu.RUnlock()

	for _, e := range syncs {
		d.deliverBundle(e, ev)
	}
	if len(asyncs) == 0 {
		return
	}
	if !d.bundleQ.push(func() {
		for _, e := range asyncs {
			d.deliverBundle(e, ev)
		}
	}) {
		d.logger.Debug("Dropping bundle event after dispatcher stop", "event", ev.String())
	}
}

func (d *eventDispatcher) deliverBundle(e *bundleListenerEntry, ev BundleEvent) {
	d.metrics.Delivered("bundle")
	if err := safeCall(func() { e.l.BundleChanged(ev) }); err != nil {
		d.metrics.ListenerFailed("bundle")
		d.logger.Error("Bundle listener failed", "event", ev.String(), "listener", e.ctx.String(), "error", err)
		d.fireFrameworkEvent(FrameworkEvent{Type: FrameworkError, Bundle: e.ctx.bundle, Err: err})
	}
}

// fireFrameworkEvent queues ev for the framework delivery goroutine. A
// listener failing on a non-error event raises an ERROR event that is
// delivered right after, on the same goroutine. Failures while delivering
// ERROR events are only logged.
func (d *eventDispatcher) fireFrameworkEvent(ev FrameworkEvent) {
	if d.observe != nil {
		d.observe(ev)
	}
	d.mu.RLock()
	listeners := append([]*frameworkListenerEntry(nil), d.framework...)
	d.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	if !d.frameworkQ.push(func() { d.deliverFramework(listeners, ev) }) {
		d.logger.Debug("Dropping framework event after dispatcher stop", "event", ev.String())
	}
}

func (d *eventDispatcher) deliverFramework(listeners []*frameworkListenerEntry, ev FrameworkEvent) {
	var failures []FrameworkEvent
	for _, e := range listeners {
		d.metrics.Delivered("framework")
		err := safeCall(func() { e.l.FrameworkEvent(ev) })
		if err == nil {
			continue
		}
		d.metrics.ListenerFailed("framework")
		d.logger.Error("Framework listener failed", "event", ev.String(), "listener", e.ctx.String(), "error", err)
		if ev.Type != FrameworkError {
			failures = append(failures, FrameworkEvent{Type: FrameworkError, Bundle: e.ctx.bundle, Err: err})
		}
	}
	for _, f := range failures {
		if d.observe != nil {
			d.observe(f)
		}
		d.deliverFramework(listeners, f)
	}
}

// fireServiceEvent delivers ev synchronously. previous holds the properties
// before a modification; listeners that matched them but no longer match
// receive MODIFIED_ENDMATCH instead.
func (d *eventDispatcher) fireServiceEvent(ev ServiceEvent, previous Properties) {
	if d.observe != nil {
		d.observe(ev)
	}
	d.mu.RLock()
	listeners := append([]*serviceListenerEntry(nil), d.service...)
	d.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	allowed := map[*BundleContext]bool{}
	var ctxs []*BundleContext
	for _, e := range listeners {
		if !allowed[e.ctx] {
			allowed[e.ctx] = true
			ctxs = append(ctxs, e.ctx)
		}
	}
	if d.visible != nil {
		shrunk := d.visible(ev, ctxs)
		allowed = make(map[*BundleContext]bool, len(shrunk))
		for _, c := range shrunk {
			allowed[c] = true
		}
	}

	props := ev.Reference.Properties()
	for _, e := range listeners {
		if !allowed[e.ctx] {
			continue
		}
		if !e.all && d.assignable != nil && !d.assignable(ev.Reference, e.ctx.bundle) {
			continue
		}
		deliver := ev
		if !e.filter.MatchesFold(props) {
			if ev.Type != ServiceModified || previous == nil || !e.filter.MatchesFold(previous) {
				continue
			}
			deliver = ServiceEvent{Type: ServiceModifiedEndMatch, Reference: ev.Reference}
		}
		d.metrics.Delivered("service")
		if err := safeCall(func() { e.l.ServiceChanged(deliver) }); err != nil {
			d.metrics.ListenerFailed("service")
			d.logger.Error("Service listener failed", "event", deliver.String(), "listener", e.ctx.String(), "error", err)
			d.fireFrameworkEvent(FrameworkEvent{Type: FrameworkError, Bundle: e.ctx.bundle, Err: err})
		}
	}
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w\n%s", e, debug.Stack())
				return
			}
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
	return nil
}

func removeWhere[T any](list []T, drop func(T) bool) []T {
	out := list[:0:0]
	for _, x := range list {
		if !drop(x) {
			out = append(out, x)
		}
	}
	return out
}
