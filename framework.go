package modrt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/GoCodeAlone/modrt/filter"
	"github.com/GoCodeAlone/modrt/internal/metrics"
	"github.com/GoCodeAlone/modrt/loader"
	"github.com/GoCodeAlone/modrt/manifest"
	"github.com/GoCodeAlone/modrt/native"
	"github.com/GoCodeAlone/modrt/resolver"
	"github.com/GoCodeAlone/modrt/resource"
	"github.com/GoCodeAlone/modrt/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// Framework properties always set by the framework.
const (
	PropFrameworkUUID      = "org.osgi.framework.uuid"
	PropFrameworkVersion   = "org.osgi.framework.version"
	PropFrameworkStorage   = "org.osgi.framework.storage"
	PropFrameworkOSName    = "org.osgi.framework.os.name"
	PropFrameworkOSVersion = "org.osgi.framework.os.version"
	PropFrameworkProcessor = "org.osgi.framework.processor"
	PropFrameworkLanguage  = "org.osgi.framework.language"
)

const (
	SystemBundleSymbolicName = "modrt.system"
	SystemBundleLocation     = "System Bundle"
	FrameworkVersion         = "1.0.0"
)

// ActivatorFactory creates the activator a bundle descriptor names.
type ActivatorFactory func() Activator

// Option configures a Framework.
type Option func(*Framework) error

func WithConfig(cfg *Config) Option {
	return func(fw *Framework) error {
		if cfg == nil {
			return ErrConfigNil
		}
		fw.cfg = cfg
		return nil
	}
}

func WithLogger(logger Logger) Option {
	return func(fw *Framework) error {
		fw.logger = logger
		return nil
	}
}

// WithStore replaces the store chosen from Config.StorageDir.
func WithStore(store storage.Store) Option {
	return func(fw *Framework) error {
		fw.store = store
		return nil
	}
}

// WithBackend replaces the in-memory loader backend.
func WithBackend(backend loader.Backend) Option {
	return func(fw *Framework) error {
		fw.backend = backend
		return nil
	}
}

// WithMetricsRegistry registers the framework metrics in reg instead of a
// private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(fw *Framework) error {
		fw.promReg = reg
		return nil
	}
}

func WithActivator(name string, factory ActivatorFactory) Option {
	return func(fw *Framework) error {
		fw.RegisterActivator(name, factory)
		return nil
	}
}

// Framework hosts the bundles. Its own lifecycle is that of the system
// bundle: INSTALLED until Init, STARTING until Start completes, ACTIVE, and
// RESOLVED again once stopped. A stopped framework cannot be restarted.
type Framework struct {
	cfg          *Config
	logger       Logger
	store        storage.Store
	backend      loader.Backend
	promReg      *prometheus.Registry
	metrics      *metrics.Metrics
	env          *resolver.Environment
	orchestrator *orchestrator
	registry     *serviceRegistry
	dispatcher   *eventDispatcher
	system       *Bundle
	uuid         string
	properties   map[string]string
	obs          observers

	mu         sync.RWMutex
	bundles    map[int64]*Bundle
	byLocation map[string]*Bundle
	byResource map[*resource.Resource]*Bundle
	nextID     int64
	installMu  sync.Mutex

	activatorsMu sync.RWMutex
	activators   map[string]ActivatorFactory

	startLevel atomic.Int32
	slMu       sync.Mutex
	startSeq   atomic.Int64

	stateMu   sync.Mutex
	cron      *cron.Cron
	done      chan struct{}
	stopEvent FrameworkEvent
}

// NewFramework creates a framework in the INSTALLED state.
func NewFramework(opts ...Option) (*Framework, error) {
	fw := &Framework{
		bundles:    map[int64]*Bundle{},
		byLocation: map[string]*Bundle{},
		byResource: map[*resource.Resource]*Bundle{},
		activators: map[string]ActivatorFactory{},
		nextID:     1,
		done:       make(chan struct{}),
		uuid:       uuid.NewString(),
	}
	for _, opt := range opts {
		if err := opt(fw); err != nil {
			return nil, err
		}
	}
	if fw.cfg == nil {
		fw.cfg = DefaultConfig()
	} else {
		if err := ValidateConfig(fw.cfg); err != nil {
			return nil, err
		}
		fw.cfg.fillPlatform()
	}
	if fw.logger == nil {
		fw.logger = newDefaultLogger(os.Stderr)
	}
	if fw.promReg == nil {
		fw.promReg = prometheus.NewRegistry()
	}
	fw.metrics = metrics.New(fw.promReg)
	if fw.store == nil {
		if fw.cfg.StorageDir != "" {
			fs, err := storage.NewFileStore(fw.cfg.StorageDir)
			if err != nil {
				return nil, fmt.Errorf("open storage: %w", err)
			}
			fw.store = fs
		} else {
			fw.store = storage.NewMemoryStore()
		}
	}
	fw.env = resolver.NewEnvironment()
	if fw.backend == nil {
		fw.backend = loader.NewMemory()
	}
	if mem, ok := fw.backend.(*loader.Memory); ok {
		if mem.Wirings == nil {
			mem.Wirings = func(r *resource.Resource) *resource.Wiring { return fw.env.Snapshot().Wiring(r) }
		}
		if mem.OnLoad == nil {
			mem.OnLoad = fw.onTypeLoaded
		}
	}
	fw.orchestrator = newOrchestrator(fw)
	fw.registry = newServiceRegistry(fw.logger, fw.metrics)
	fw.dispatcher = newEventDispatcher(fw.logger, fw.metrics, fw.cfg.EventQueueSize)
	fw.dispatcher.visible = fw.filterEventContexts
	fw.dispatcher.assignable = func(ref *ServiceReference, b *Bundle) bool { return fw.assignable(ref, b, "") }
	fw.dispatcher.observe = fw.observe
	fw.registry.fire = fw.dispatcher.fireServiceEvent
	fw.registry.report = fw.reportError

	fw.properties = map[string]string{}
	for k, v := range fw.cfg.Properties {
		fw.properties[k] = v
	}
	fw.properties[PropFrameworkUUID] = fw.uuid
	fw.properties[PropFrameworkVersion] = FrameworkVersion
	fw.properties[PropFrameworkStorage] = fw.cfg.StorageDir
	fw.properties[PropFrameworkOSName] = fw.cfg.OSName
	fw.properties[PropFrameworkOSVersion] = fw.cfg.OSVersion
	fw.properties[PropFrameworkProcessor] = fw.cfg.Processor
	fw.properties[PropFrameworkLanguage] = fw.cfg.Language

	sys, err := fw.systemResource()
	if err != nil {
		return nil, err
	}
	fw.system = newBundle(fw, 0, SystemBundleLocation, sys, nil)
	return fw, nil
}

var hookTypes = map[string]reflect.Type{
	ResolverHookFactoryClass: reflect.TypeOf((*ResolverHookFactory)(nil)).Elem(),
	ServiceFindHookClass:     reflect.TypeOf((*ServiceFindHook)(nil)).Elem(),
	EventListenerHookClass:   reflect.TypeOf((*EventListenerHook)(nil)).Elem(),
	ListenerHookClass:        reflect.TypeOf((*ListenerHook)(nil)).Elem(),
	BundleFindHookClass:      reflect.TypeOf((*BundleFindHook)(nil)).Elem(),
}

// systemResource declares the hook packages and types and one execution
// environment capability per configured environment.
func (fw *Framework) systemResource() (*resource.Resource, error) {
	b := resource.NewBuilder(SystemBundleSymbolicName, FrameworkVersion).System().
		ExportPackage("modrt.hooks.resolver", FrameworkVersion).
		ExportPackage("modrt.hooks.service", FrameworkVersion).
		ExportPackage("modrt.hooks.bundle", FrameworkVersion).
		Types(ResolverHookFactoryClass, ServiceFindHookClass, EventListenerHookClass, ListenerHookClass, BundleFindHookClass)
	ees, err := fw.cfg.ParseExecutionEnvironments()
	if err != nil {
		return nil, err
	}
	for _, ee := range ees {
		b.ProvideCapability(resource.NamespaceEE, map[string]any{
			resource.NamespaceEE: ee.Name,
			resource.AttrVersion: ee.Version,
		}, nil)
	}
	return b.Build()
}

// Init prepares the framework: the system bundle is resolved and given a
// context, and bundles persisted by an earlier run are installed again.
func (fw *Framework) Init(ctx context.Context) error {
	fw.stateMu.Lock()
	defer fw.stateMu.Unlock()
	return fw.init(ctx)
}

func (fw *Framework) init(ctx context.Context) error {
	if fw.isHalted() {
		return ErrFrameworkStopped
	}
	if fw.system.inState(StateStarting | StateActive) {
		return nil
	}
	sys := fw.system.Revision()
	if err := fw.env.Update(func(tx *resolver.Tx) error { return tx.Add(sys) }); err != nil {
		return err
	}
	fw.mu.Lock()
	fw.bundles[0] = fw.system
	fw.byLocation[SystemBundleLocation] = fw.system
	fw.byResource[sys] = fw.system
	fw.mu.Unlock()
	if mem, ok := fw.backend.(*loader.Memory); ok {
		for name, t := range hookTypes {
			if _, exists := mem.Type(name); !exists {
				if err := mem.RegisterType(name, t); err != nil {
					return err
				}
			}
		}
	}
	if err := fw.orchestrator.resolve(ctx, []*resource.Resource{sys}, nil); err != nil {
		return fmt.Errorf("resolve system bundle: %w", err)
	}
	fw.system.attachContext()

	if err := fw.restore(); err != nil {
		return err
	}
	if fw.cfg.RefreshSchedule != "" {
		fw.cron = cron.New()
		if _, err := fw.cron.AddFunc(fw.cfg.RefreshSchedule, fw.scheduledRefresh); err != nil {
			return fmt.Errorf("refreshSchedule: %w", err)
		}
	}
	fw.system.setState(StateStarting)
	fw.logger.Info("Framework initialized", "uuid", fw.uuid, "bundles", len(fw.Bundles())-1)
	return nil
}

// restore installs the bundles found in the store, keeping their ids.
func (fw *Framework) restore() error {
	ids, err := fw.store.IDs()
	if err != nil {
		return fmt.Errorf("list stored bundles: %w", err)
	}
	for _, id := range ids {
		st, err := fw.store.ReadState(id)
		if err != nil {
			fw.logger.Error("Skipping stored bundle", "id", id, "error", err)
			continue
		}
		content, err := fw.store.ReadBlob(id)
		if err != nil {
			fw.logger.Error("Skipping stored bundle", "id", id, "error", err)
			continue
		}
		desc, rev, err := manifest.ParseResource(content, manifest.FormatForPath(st.Location))
		if err != nil {
			fw.logger.Error("Skipping stored bundle", "id", id, "location", st.Location, "error", err)
			continue
		}
		b := newBundle(fw, id, st.Location, rev, desc)
		b.persistentlyStarted = st.PersistentlyStarted
		b.usesActivationPolicy = st.UsesActivationPolicy
		b.startLevel = st.StartLevel
		if b.startLevel < 1 {
			b.startLevel = fw.cfg.InitialBundleStartLevel
		}
		if !st.LastModified.IsZero() {
			b.lastModified = st.LastModified
		}
		if err := fw.env.Update(func(tx *resolver.Tx) error { return tx.Add(rev) }); err != nil {
			fw.logger.Error("Skipping stored bundle", "id", id, "error", err)
			continue
		}
		fw.mu.Lock()
		fw.bundles[id] = b
		fw.byLocation[b.location] = b
		fw.byResource[rev] = b
		if id >= fw.nextID {
			fw.nextID = id + 1
		}
		fw.mu.Unlock()
		fw.logger.Debug("Restored bundle", "bundle", b.String())
	}
	return nil
}

// Start initializes the framework if needed, raises the start level to the
// configured beginning level and fires STARTED.
func (fw *Framework) Start(ctx context.Context) error {
	fw.stateMu.Lock()
	if err := fw.init(ctx); err != nil {
		fw.stateMu.Unlock()
		return err
	}
	if fw.system.State() == StateActive {
		fw.stateMu.Unlock()
		return nil
	}
	fw.stateMu.Unlock()

	fw.setStartLevel(ctx, fw.cfg.BeginningStartLevel)
	fw.system.setState(StateActive)
	if fw.cron != nil {
		fw.cron.Start()
	}
	fw.logger.Info("Framework started", "startLevel", fw.StartLevel())
	fw.dispatcher.fireFrameworkEvent(FrameworkEvent{Type: FrameworkStarted, Bundle: fw.system})
	return nil
}

// Stop lowers the start level to zero, stopping every bundle in reverse
// order, fires STOPPED and drains the event queues.
func (fw *Framework) Stop(ctx context.Context) error {
	fw.stateMu.Lock()
	if !fw.system.inState(StateStarting | StateActive) {
		fw.stateMu.Unlock()
		return nil
	}
	fw.system.setState(StateStopping)
	fw.stateMu.Unlock()

	if fw.cron != nil {
		<-fw.cron.Stop().Done()
	}
	fw.setStartLevel(ctx, 0)
	fw.system.cleanup()
	fw.system.setState(StateResolved)

	ev := FrameworkEvent{Type: FrameworkStopped, Bundle: fw.system}
	fw.logger.Info("Framework stopped")
	fw.dispatcher.fireFrameworkEvent(ev)
	fw.dispatcher.stop()

	fw.stateMu.Lock()
	fw.stopEvent = ev
	close(fw.done)
	fw.stateMu.Unlock()
	return nil
}

func (fw *Framework) isHalted() bool {
	select {
	case <-fw.done:
		return true
	default:
		return false
	}
}

// WaitForStop blocks until the framework has stopped or ctx ends.
func (fw *Framework) WaitForStop(ctx context.Context) (FrameworkEvent, error) {
	select {
	case <-fw.done:
		fw.stateMu.Lock()
		defer fw.stateMu.Unlock()
		return fw.stopEvent, nil
	case <-ctx.Done():
		return FrameworkEvent{}, ctx.Err()
	}
}

// Run starts the framework and blocks until SIGINT, SIGTERM, ctx ending or
// the system bundle being stopped, then stops it.
func (fw *Framework) Run(ctx context.Context) error {
	if err := fw.Start(ctx); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		fw.logger.Info("Received signal, shutting down", "signal", sig)
	case <-ctx.Done():
		fw.logger.Info("Context done, shutting down")
	case <-fw.done:
		return nil
	}
	return fw.Stop(context.Background())
}

// State returns the system bundle state.
func (fw *Framework) State() BundleState { return fw.system.State() }

func (fw *Framework) UUID() string { return fw.uuid }

func (fw *Framework) Config() *Config { return fw.cfg }

func (fw *Framework) Logger() Logger { return fw.logger }

// MetricsRegistry returns the registry the framework metrics live in.
func (fw *Framework) MetricsRegistry() *prometheus.Registry { return fw.promReg }

// Property returns a framework property.
func (fw *Framework) Property(key string) string {
	return fw.properties[key]
}

// SystemBundle returns bundle 0.
func (fw *Framework) SystemBundle() *Bundle { return fw.system }

// Context returns the system bundle's context.
func (fw *Framework) Context() *BundleContext { return fw.system.Context() }

// RegisterActivator makes factory available to descriptors naming it.
func (fw *Framework) RegisterActivator(name string, factory ActivatorFactory) {
	fw.activatorsMu.Lock()
	defer fw.activatorsMu.Unlock()
	fw.activators[name] = factory
}

func (fw *Framework) newActivator(name string) (act Activator, err error) {
	if name == "" {
		return nil, nil
	}
	fw.activatorsMu.RLock()
	factory, ok := fw.activators[name]
	fw.activatorsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActivatorNotRegistered, name)
	}
	if perr := safeCall(func() { act = factory() }); perr != nil {
		return nil, fmt.Errorf("%w: %w", ErrActivatorPanic, perr)
	}
	return act, nil
}

// Install installs a bundle from descriptor content. A location that is
// already installed returns the existing bundle.
func (fw *Framework) Install(ctx context.Context, location string, content []byte) (*Bundle, error) {
	return fw.install(ctx, location, content, fw.system)
}

func (fw *Framework) install(ctx context.Context, location string, content []byte, origin *Bundle) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fw.system.inState(StateStarting | StateActive) {
		if fw.isHalted() {
			return nil, ErrFrameworkStopped
		}
		return nil, ErrFrameworkNotInitialized
	}
	fw.installMu.Lock()
	defer fw.installMu.Unlock()

	if b := fw.BundleByLocation(location); b != nil {
		return b, nil
	}
	desc, rev, err := manifest.ParseResource(content, manifest.FormatForPath(location))
	if err != nil {
		return nil, newBundleError(KindReadError, nil, "install", fmt.Errorf("%s: %w", location, err))
	}
	if other := fw.bundleByIdentity(rev.SymbolicName, rev.Version.String()); other != nil {
		return nil, newBundleError(KindDuplicate, nil, "install", fmt.Errorf("%w: %s", ErrDuplicateBundle, other))
	}

	fw.mu.Lock()
	id := fw.nextID
	fw.nextID++
	fw.mu.Unlock()

	b := newBundle(fw, id, location, rev, desc)
	b.startLevel = fw.cfg.InitialBundleStartLevel
	if desc.StartLevel > 0 {
		b.startLevel = desc.StartLevel
	}
	if err := fw.store.WriteBlob(id, content); err != nil {
		return nil, newBundleError(KindUnspecified, b, "install", err)
	}
	if err := fw.env.Update(func(tx *resolver.Tx) error { return tx.Add(rev) }); err != nil {
		_ = fw.store.Delete(id)
		return nil, newBundleError(KindUnspecified, b, "install", err)
	}
	fw.mu.Lock()
	fw.bundles[id] = b
	fw.byLocation[location] = b
	fw.byResource[rev] = b
	fw.mu.Unlock()
	b.persist()
	fw.metrics.Transition("", StateInstalled.String())
	fw.metrics.SetUnresolved(fw.unresolvedCount())
	fw.logger.Info("Bundle installed", "bundle", b.String(), "location", location)
	fw.fireBundleEvent(BundleInstalled, b, origin)
	return b, nil
}

// Bundle returns the installed bundle with id, or nil.
func (fw *Framework) Bundle(id int64) *Bundle {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.bundles[id]
}

// Bundles returns the installed bundles, including the system bundle, by id.
func (fw *Framework) Bundles() []*Bundle {
	fw.mu.RLock()
	out := make([]*Bundle, 0, len(fw.bundles))
	for _, b := range fw.bundles {
		out = append(out, b)
	}
	fw.mu.RUnlock()
	sortBundles(out)
	return out
}

// FindBundles returns the bundles whose id, symbolicName, version, location
// or state match the filter expr. Attribute names ignore case.
func (fw *Framework) FindBundles(expr string) ([]*Bundle, error) {
	f, err := filter.Compile(expr)
	if err != nil {
		return nil, err
	}
	return removeWhere(fw.Bundles(), func(b *Bundle) bool { return !b.matchesFilter(f) }), nil
}

func (fw *Framework) BundleByLocation(location string) *Bundle {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.byLocation[location]
}

func (fw *Framework) bundleByIdentity(name, ver string) *Bundle {
	for _, b := range fw.Bundles() {
		rev := b.Revision()
		if rev.SymbolicName == name && rev.Version.String() == ver {
			return b
		}
	}
	return nil
}

// bundleOf maps any known revision, current or stale, to its bundle.
func (fw *Framework) bundleOf(r *resource.Resource) *Bundle {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.byResource[r]
}

// forget drops an uninstalled bundle from the installed set. Its revisions
// stay known until collected.
func (fw *Framework) forget(b *Bundle) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	delete(fw.bundles, b.id)
	if fw.byLocation[b.location] == b {
		delete(fw.byLocation, b.location)
	}
}

func (fw *Framework) trackRevision(r *resource.Resource, b *Bundle) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.byResource[r] = b
}

// collect removes every removal-pending revision no other bundle is wired
// to. Removing one may free others, so it repeats until nothing changes.
func (fw *Framework) collect() {
	var removed []*resource.Resource
	err := fw.env.Update(func(tx *resolver.Tx) error {
		removed = removed[:0]
		for changed := true; changed; {
			changed = false
			snap := tx.Snapshot()
			for _, r := range snap.PendingResources() {
				if w := snap.Wiring(r); w != nil {
					if w.InUse() || (r.IsFragment() && len(snap.HostOf(r)) > 0) {
						continue
					}
				}
				if err := tx.Remove(r); err != nil {
					return err
				}
				removed = append(removed, r)
				changed = true
			}
		}
		return nil
	})
	if err != nil {
		fw.reportError(fw.system, err)
		return
	}
	fw.release(removed)
}

// release frees the loaders of revisions that left the environment and
// deletes the storage of uninstalled bundles that have nothing left.
func (fw *Framework) release(removed []*resource.Resource) {
	snap := fw.env.Snapshot()
	touched := map[*Bundle]bool{}
	for _, r := range removed {
		b := fw.bundleOf(r)
		if b == nil {
			continue
		}
		touched[b] = true
		b.mu.Lock()
		if l := b.loaders[r]; l != nil {
			fw.backend.Remove(l)
			delete(b.loaders, r)
		}
		if len(b.revisions) > 1 {
			b.revisions = removeWhere(b.revisions, func(x *resource.Resource) bool { return x == r })
		}
		b.mu.Unlock()
		fw.logger.Debug("Revision removed", "revision", r.String(), "bundle", b.id)
	}
	for b := range touched {
		if b.State() != StateUninstalled {
			continue
		}
		gone := true
		for _, r := range b.Revisions() {
			if snap.Contains(r) {
				gone = false
			}
		}
		if !gone {
			continue
		}
		fw.mu.Lock()
		for _, r := range b.Revisions() {
			delete(fw.byResource, r)
		}
		fw.mu.Unlock()
		if err := fw.store.Delete(b.id); err != nil {
			fw.reportError(b, err)
		}
	}
	for _, r := range removed {
		if b := fw.bundleOf(r); b != nil && b.State() != StateUninstalled {
			fw.mu.Lock()
			delete(fw.byResource, r)
			fw.mu.Unlock()
		}
	}
	fw.metrics.SetUnresolved(fw.unresolvedCount())
}

// ResolveBundles resolves as many of bundles as possible, or of all
// installed bundles when none are given. It reports whether every requested
// bundle is resolved afterwards.
func (fw *Framework) ResolveBundles(ctx context.Context, bundles ...*Bundle) bool {
	if len(bundles) == 0 {
		bundles = fw.Bundles()
	}
	var revs []*resource.Resource
	for _, b := range bundles {
		if b.State() != StateUninstalled {
			revs = append(revs, b.Revision())
		}
	}
	if err := fw.orchestrator.resolve(ctx, nil, revs); err != nil {
		fw.logger.Debug("Resolve failed", "error", err)
	}
	snap := fw.env.Snapshot()
	for _, b := range bundles {
		if b.State() == StateUninstalled || !snap.IsResolved(b.Revision()) {
			return false
		}
	}
	return true
}

// TriggerClassLoad reports that typeName was loaded from b, which activates
// b when it waits for lazy activation and typeName is in a trigger package.
func (fw *Framework) TriggerClassLoad(b *Bundle, typeName string) {
	if b == nil || b.isSystem() {
		return
	}
	if b.isFragment() {
		snap := fw.env.Snapshot()
		for _, h := range snap.HostOf(b.Revision()) {
			if hb := fw.bundleOf(h); hb != nil {
				hb.lazyTrigger(typeName)
			}
		}
		return
	}
	b.lazyTrigger(typeName)
}

func (fw *Framework) onTypeLoaded(source *resource.Resource, typeName string) {
	fw.TriggerClassLoad(fw.bundleOf(source), typeName)
}

func (fw *Framework) platform() native.Platform {
	props := make(map[string]any, len(fw.properties))
	for k, v := range fw.properties {
		props[k] = v
	}
	return native.Platform{
		OSName:     fw.cfg.OSName,
		Processor:  fw.cfg.Processor,
		OSVersion:  fw.cfg.OSVersion,
		Language:   fw.cfg.Language,
		Properties: props,
	}
}

func (fw *Framework) unresolvedCount() int {
	n := 0
	for _, b := range fw.Bundles() {
		if b.State() == StateInstalled {
			n++
		}
	}
	return n
}

// assignable reports whether b sees class, or every class of ref when class
// is empty, from the same source as the registrant.
func (fw *Framework) assignable(ref *ServiceReference, b *Bundle, class string) bool {
	classes := []string{class}
	if class == "" {
		classes = ref.Classes()
	}
	for _, c := range classes {
		if !ref.IsAssignableTo(b, c) {
			return false
		}
	}
	return true
}

// announceListeners tells a newly registered listener hook about the
// service listeners that already exist.
func (fw *Framework) announceListeners(ref *ServiceReference) {
	h, ok := fw.registry.hookObject(fw.system, ref).(ListenerHook)
	if !ok {
		return
	}
	if infos := fw.dispatcher.serviceListeners(); len(infos) > 0 {
		fw.callHook("listener", func() { h.Added(infos) })
	}
}

func (fw *Framework) fireBundleEvent(typ BundleEventType, b, origin *Bundle) {
	if origin == nil {
		origin = b
	}
	fw.dispatcher.fireBundleEvent(BundleEvent{Type: typ, Bundle: b, Origin: origin})
}

// reportError logs err and publishes it as a framework ERROR event.
func (fw *Framework) reportError(b *Bundle, err error) {
	var be *BundleError
	if errors.As(err, &be) && be.Bundle != nil {
		b = be.Bundle
	}
	fw.logger.Error("Framework error", "bundle", b.String(), "error", err)
	fw.dispatcher.fireFrameworkEvent(FrameworkEvent{Type: FrameworkError, Bundle: b, Err: err})
}
