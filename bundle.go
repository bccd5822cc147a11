package modrt

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modrt/loader"
	"github.com/GoCodeAlone/modrt/manifest"
	"github.com/GoCodeAlone/modrt/resource"
	"github.com/GoCodeAlone/modrt/storage"
	"github.com/GoCodeAlone/modrt/version"
)

// BundleState is the lifecycle state of a bundle.
type BundleState int32

const (
	StateUninstalled BundleState = 1 << iota
	StateInstalled
	StateResolved
	StateStarting
	StateStopping
	StateActive
)

var bundleStateNames = map[BundleState]string{
	StateUninstalled: "UNINSTALLED",
	StateInstalled:   "INSTALLED",
	StateResolved:    "RESOLVED",
	StateStarting:    "STARTING",
	StateStopping:    "STOPPING",
	StateActive:      "ACTIVE",
}

func (s BundleState) String() string {
	if n, ok := bundleStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("BundleState(%d)", int32(s))
}

// Activator is instantiated for a bundle that names one and is called when
// the bundle starts and stops. The context passed to Start and Stop carries
// the bundle's lifecycle lock, so lifecycle calls made with it from inside
// the activator do not wait for the enclosing operation.
type Activator interface {
	Start(ctx context.Context, bc *BundleContext) error
	Stop(ctx context.Context, bc *BundleContext) error
}

// ActivatorFunc adapts a pair of functions to Activator. Either may be nil.
type ActivatorFunc struct {
	OnStart func(ctx context.Context, bc *BundleContext) error
	OnStop  func(ctx context.Context, bc *BundleContext) error
}

func (a ActivatorFunc) Start(ctx context.Context, bc *BundleContext) error {
	if a.OnStart == nil {
		return nil
	}
	return a.OnStart(ctx, bc)
}

func (a ActivatorFunc) Stop(ctx context.Context, bc *BundleContext) error {
	if a.OnStop == nil {
		return nil
	}
	return a.OnStop(ctx, bc)
}

// Bundle is one installed component. Its revisions change with updates; its
// id and location do not.
type Bundle struct {
	fw       *Framework
	id       int64
	location string
	lock     *bundleLock
	state    atomic.Int32

	mu                   sync.RWMutex
	revisions            []*resource.Resource
	descriptor           *manifest.Descriptor
	loaders              map[*resource.Resource]loader.Loader
	nativePaths          []string
	ctx                  *BundleContext
	activator            Activator
	lazyPending          bool
	persistentlyStarted  bool
	usesActivationPolicy bool
	startLevel           int
	lastModified         time.Time
	startSeq             int64
}

func newBundle(fw *Framework, id int64, location string, rev *resource.Resource, desc *manifest.Descriptor) *Bundle {
	b := &Bundle{
		fw:           fw,
		id:           id,
		location:     location,
		lock:         newBundleLock(),
		revisions:    []*resource.Resource{rev},
		descriptor:   desc,
		loaders:      map[*resource.Resource]loader.Loader{},
		lastModified: time.Now(),
	}
	b.state.Store(int32(StateInstalled))
	return b
}

func (b *Bundle) ID() int64        { return b.id }
func (b *Bundle) Location() string { return b.location }

func (b *Bundle) State() BundleState { return BundleState(b.state.Load()) }

// Revision returns the current revision.
func (b *Bundle) Revision() *resource.Resource {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.revisions[len(b.revisions)-1]
}

// Revisions returns all revisions still known to the framework, oldest first.
func (b *Bundle) Revisions() []*resource.Resource {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*resource.Resource(nil), b.revisions...)
}

func (b *Bundle) SymbolicName() string     { return b.Revision().SymbolicName }
func (b *Bundle) Version() version.Version { return b.Revision().Version }

func (b *Bundle) isSystem() bool   { return b.id == 0 }
func (b *Bundle) isFragment() bool { return b.Revision().IsFragment() }

// Wiring returns the wiring of the current revision, or nil when it is not
// resolved.
func (b *Bundle) Wiring() *resource.Wiring {
	return b.fw.env.Snapshot().Wiring(b.Revision())
}

// Context returns the bundle context, which exists while the bundle is
// STARTING, ACTIVE or STOPPING.
func (b *Bundle) Context() *BundleContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx
}

func (b *Bundle) StartLevel() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startLevel
}

func (b *Bundle) IsPersistentlyStarted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.persistentlyStarted
}

func (b *Bundle) IsActivationPolicyUsed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.usesActivationPolicy
}

func (b *Bundle) LastModified() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastModified
}

// NativePaths returns the native libraries selected when the bundle resolved.
func (b *Bundle) NativePaths() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.nativePaths...)
}

// RegisteredServices returns the services the bundle registered.
func (b *Bundle) RegisteredServices() []*ServiceReference {
	regs := b.fw.registry.registered(b)
	out := make([]*ServiceReference, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.ref)
	}
	sortReferences(out)
	return out
}

// ServicesInUse returns the services the bundle currently holds.
func (b *Bundle) ServicesInUse() []*ServiceReference {
	return b.fw.registry.inUse(b)
}

// LoadType loads a declared type through the bundle's loader. Loading a type
// from a lazily started bundle may activate that bundle.
func (b *Bundle) LoadType(name string) (reflect.Type, error) {
	l := b.loader()
	if l == nil {
		return nil, fmt.Errorf("%w: %s", loader.ErrUnresolvedLoader, b)
	}
	t, _, err := l.LoadType(name)
	return t, err
}

func (b *Bundle) String() string {
	if b == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s [%d]", b.Revision(), b.id)
}

// loader returns the loader of the current revision, if materialized.
func (b *Bundle) loader() loader.Loader {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaders[b.revisions[len(b.revisions)-1]]
}

func (b *Bundle) setState(s BundleState) {
	prev := BundleState(b.state.Swap(int32(s)))
	if prev == s {
		return
	}
	b.fw.metrics.Transition(prev.String(), s.String())
	b.fw.logger.Debug("Bundle state changed", "bundle", b.String(), "from", prev.String(), "to", s.String())
}

// persist writes the lifecycle fields of b to the store.
func (b *Bundle) persist() {
	b.mu.RLock()
	st := storage.State{
		ID:                   b.id,
		Location:             b.location,
		PersistentlyStarted:  b.persistentlyStarted,
		UsesActivationPolicy: b.usesActivationPolicy,
		StartLevel:           b.startLevel,
		LastModified:         b.lastModified,
		Revision:             len(b.revisions),
	}
	b.mu.RUnlock()
	if b.isSystem() {
		return
	}
	if err := b.fw.store.WriteState(b.id, st); err != nil {
		b.fw.logger.Error("Failed to persist bundle state", "bundle", b.String(), "error", err)
		b.fw.reportError(b, err)
	}
}

// startOrder is the sequence number of the bundle's last activation.
func (b *Bundle) startOrder() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startSeq
}

func (b *Bundle) inState(states BundleState) bool {
	return b.State()&states != 0
}

func sortBundles(bs []*Bundle) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].id < bs[j].id })
}
