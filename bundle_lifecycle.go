package modrt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/modrt/filter"
	"github.com/GoCodeAlone/modrt/loader"
	"github.com/GoCodeAlone/modrt/manifest"
	"github.com/GoCodeAlone/modrt/resolver"
	"github.com/GoCodeAlone/modrt/resource"
)

// StartOption modifies Bundle.Start.
type StartOption int

const (
	// StartTransient does not record the start in persistent state.
	StartTransient StartOption = 1 << iota
	// StartActivationPolicy honours a lazy activation policy.
	StartActivationPolicy
)

// StopOption modifies Bundle.Stop.
type StopOption int

// StopTransient does not record the stop in persistent state.
const StopTransient StopOption = 1

func (b *Bundle) lockFor(ctx context.Context, op Operation) (context.Context, error) {
	ctx, err := b.lock.acquire(ctx, op, b.fw.cfg.StateChangeTimeout)
	if err != nil {
		return ctx, newBundleError(KindStateChangeTimeout, b, op.String(), err)
	}
	return ctx, nil
}

// Start starts the bundle. Starting the system bundle starts the framework.
func (b *Bundle) Start(ctx context.Context, opts StartOption) error {
	if b.isSystem() {
		return b.fw.Start(ctx)
	}
	if b.isFragment() {
		return newBundleError(KindInvalidOperation, b, "start", ErrFragmentBundle)
	}
	ctx, err := b.lockFor(ctx, OpStart)
	if err != nil {
		return err
	}
	defer b.lock.release()
	return b.start(ctx, opts)
}

func (b *Bundle) start(ctx context.Context, opts StartOption) error {
	transient := opts&StartTransient != 0
	usePolicy := opts&StartActivationPolicy != 0

	switch b.State() {
	case StateUninstalled:
		return newBundleError(KindUninstalled, b, "start", ErrBundleUninstalled)
	case StateActive:
		if !transient {
			b.setPersistentStart(true, usePolicy)
		}
		return nil
	case StateStopping:
		return newBundleError(KindInvalidOperation, b, "start", errors.New("bundle is stopping"))
	case StateStarting:
		if b.lock.reentered() {
			// Called from the bundle's own activator.
			return nil
		}
	}

	if err := b.checkExecutionEnvironment(); err != nil {
		return err
	}
	if !transient {
		b.setPersistentStart(true, usePolicy)
	}
	if b.StartLevel() > b.fw.StartLevel() {
		if transient {
			return newBundleError(KindInvalidOperation, b, "start",
				fmt.Errorf("start level %d is above the framework start level %d", b.StartLevel(), b.fw.StartLevel()))
		}
		b.fw.logger.Debug("Deferring start until start level is reached", "bundle", b.String(), "level", b.StartLevel())
		return nil
	}

	if b.State() == StateInstalled {
		if err := b.fw.orchestrator.resolve(ctx, []*resource.Resource{b.Revision()}, nil); err != nil {
			return newBundleError(KindResolveFailed, b, "start", err)
		}
	}

	rev := b.Revision()
	if usePolicy && rev.Activation.Lazy {
		b.mu.Lock()
		waiting := b.lazyPending
		b.mu.Unlock()
		if waiting {
			return nil
		}
		b.attachContext()
		b.mu.Lock()
		b.lazyPending = true
		b.mu.Unlock()
		b.setState(StateStarting)
		b.fw.fireBundleEvent(BundleLazyActivation, b, nil)
		return nil
	}
	return b.activate(ctx)
}

func (b *Bundle) setPersistentStart(started, usePolicy bool) {
	b.mu.Lock()
	changed := b.persistentlyStarted != started || b.usesActivationPolicy != usePolicy
	b.persistentlyStarted = started
	b.usesActivationPolicy = usePolicy
	b.mu.Unlock()
	if changed {
		b.persist()
	}
}

// checkExecutionEnvironment verifies that the system bundle provides every
// execution environment the bundle requires.
func (b *Bundle) checkExecutionEnvironment() error {
	reqs := b.Revision().Requirements(resource.NamespaceEE)
	if len(reqs) == 0 {
		return nil
	}
	provided := b.fw.system.Revision().Capabilities(resource.NamespaceEE)
	for _, q := range reqs {
		if q.Optional() {
			continue
		}
		ok := false
		for _, c := range provided {
			if q.Matches(c) {
				ok = true
				break
			}
		}
		if !ok {
			return newBundleError(KindExecutionEnvironment, b, "start",
				fmt.Errorf("required execution environment %s is not provided", q.Filter))
		}
	}
	return nil
}

func (b *Bundle) attachContext() *BundleContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		b.ctx = newBundleContext(b)
	}
	return b.ctx
}

// activate runs the activator. On failure everything the activator did
// through its context is undone and the bundle returns to RESOLVED.
func (b *Bundle) activate(ctx context.Context) error {
	bc := b.attachContext()
	b.mu.Lock()
	b.lazyPending = false
	b.mu.Unlock()
	b.setState(StateStarting)
	b.fw.fireBundleEvent(BundleStarting, b, nil)

	act, err := b.fw.newActivator(b.Revision().Activator)
	if err == nil && act != nil {
		if perr := safeCall(func() { err = act.Start(ctx, bc) }); perr != nil {
			err = fmt.Errorf("%w: %w", ErrActivatorPanic, perr)
		}
	}
	if b.State() == StateUninstalled {
		return newBundleError(KindUninstalled, b, "start", ErrBundleUninstalled)
	}
	if err != nil {
		b.fw.logger.Error("Bundle activation failed", "bundle", b.String(), "error", err)
		b.setState(StateStopping)
		b.fw.fireBundleEvent(BundleStopping, b, nil)
		b.cleanup()
		b.setState(StateResolved)
		b.fw.fireBundleEvent(BundleStopped, b, nil)
		return newBundleError(KindActivatorError, b, "start", err)
	}

	b.mu.Lock()
	b.activator = act
	b.startSeq = b.fw.startSeq.Add(1)
	b.mu.Unlock()
	b.setState(StateActive)
	b.fw.logger.Info("Bundle started", "bundle", b.String())
	b.fw.fireBundleEvent(BundleStarted, b, nil)
	return nil
}

// Stop stops the bundle. Stopping the system bundle stops the framework.
func (b *Bundle) Stop(ctx context.Context, opts StopOption) error {
	if b.isSystem() {
		return b.fw.Stop(ctx)
	}
	if b.isFragment() {
		return newBundleError(KindInvalidOperation, b, "stop", ErrFragmentBundle)
	}
	ctx, err := b.lockFor(ctx, OpStop)
	if err != nil {
		return err
	}
	defer b.lock.release()
	return b.stop(ctx, opts)
}

func (b *Bundle) stop(ctx context.Context, opts StopOption) error {
	if opts&StopTransient == 0 && b.State() != StateUninstalled {
		b.setPersistentStart(false, false)
	}
	switch b.State() {
	case StateUninstalled:
		return newBundleError(KindUninstalled, b, "stop", ErrBundleUninstalled)
	case StateInstalled, StateResolved:
		return nil
	case StateStopping:
		if b.lock.reentered() {
			return nil
		}
	case StateStarting:
		b.mu.RLock()
		lazy := b.lazyPending
		b.mu.RUnlock()
		if !lazy {
			return newBundleError(KindInvalidOperation, b, "stop", errors.New("bundle is starting"))
		}
	}

	b.setState(StateStopping)
	b.fw.fireBundleEvent(BundleStopping, b, nil)

	b.mu.Lock()
	act, bc := b.activator, b.ctx
	b.activator = nil
	b.lazyPending = false
	b.mu.Unlock()
	var err error
	if act != nil && bc != nil {
		if perr := safeCall(func() { err = act.Stop(ctx, bc) }); perr != nil {
			err = fmt.Errorf("%w: %w", ErrActivatorPanic, perr)
		}
	}
	b.cleanup()
	if b.State() != StateUninstalled {
		b.setState(StateResolved)
		b.fw.logger.Info("Bundle stopped", "bundle", b.String())
		b.fw.fireBundleEvent(BundleStopped, b, nil)
	}
	if err != nil {
		return newBundleError(KindActivatorError, b, "stop", err)
	}
	return nil
}

// cleanup withdraws what the bundle registered or acquired and invalidates
// its context.
func (b *Bundle) cleanup() {
	b.fw.registry.unregisterAll(b)
	b.fw.registry.ungetAll(b)
	b.mu.Lock()
	bc := b.ctx
	b.ctx = nil
	b.mu.Unlock()
	if bc == nil {
		return
	}
	removed := b.fw.dispatcher.removeAll(bc)
	b.fw.notifyListenerHooks(nil, removed)
	bc.invalidate()
}

// Uninstall removes the bundle. An active bundle is stopped first; errors
// from that stop are reported as framework ERROR events. Revisions still
// wired to other bundles stay in place until a refresh collects them.
func (b *Bundle) Uninstall(ctx context.Context) error {
	if b.isSystem() {
		return newBundleError(KindInvalidOperation, b, "uninstall", ErrSystemBundle)
	}
	ctx, err := b.lockFor(ctx, OpUninstall)
	if err != nil {
		return err
	}
	defer b.lock.release()

	if b.State() == StateUninstalled {
		return newBundleError(KindUninstalled, b, "uninstall", ErrBundleUninstalled)
	}
	if b.inState(StateActive | StateStarting | StateStopping) {
		if err := b.stop(ctx, StopTransient); err != nil {
			b.fw.reportError(b, err)
		}
	}
	b.cleanup()
	b.setState(StateUninstalled)
	b.fw.forget(b)
	b.fw.logger.Info("Bundle uninstalled", "bundle", b.String())
	b.fw.fireBundleEvent(BundleUninstalled, b, nil)

	if err := b.fw.env.Update(func(tx *resolver.Tx) error {
		for _, r := range b.Revisions() {
			if err := tx.MarkRemovalPending(r); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.fw.reportError(b, err)
	}
	b.fw.collect()
	return nil
}

// Update replaces the bundle's content with a new revision. Nil content
// re-reads the stored content. An active bundle is stopped and started
// again; the old revision stays available to bundles wired to it.
func (b *Bundle) Update(ctx context.Context, content []byte) error {
	if b.isSystem() {
		return newBundleError(KindInvalidOperation, b, "update", ErrSystemBundle)
	}
	ctx, err := b.lockFor(ctx, OpUpdate)
	if err != nil {
		return err
	}
	defer b.lock.release()

	if b.State() == StateUninstalled {
		return newBundleError(KindUninstalled, b, "update", ErrBundleUninstalled)
	}
	if content == nil {
		if content, err = b.fw.store.ReadBlob(b.id); err != nil {
			return newBundleError(KindReadError, b, "update", err)
		}
	}
	desc, rev, err := manifest.ParseResource(content, manifest.FormatForPath(b.location))
	if err != nil {
		return newBundleError(KindReadError, b, "update", err)
	}
	if other := b.fw.bundleByIdentity(rev.SymbolicName, rev.Version.String()); other != nil && other != b {
		return newBundleError(KindDuplicate, b, "update", fmt.Errorf("%w: %s", ErrDuplicateBundle, other))
	}

	wasActive := b.inState(StateActive | StateStarting)
	usePolicy := b.IsActivationPolicyUsed()
	if wasActive {
		if err := b.stop(ctx, StopTransient); err != nil {
			return err
		}
	}
	if err := b.fw.store.WriteBlob(b.id, content); err != nil {
		return newBundleError(KindReadError, b, "update", err)
	}

	old := b.Revision()
	if err := b.fw.env.Update(func(tx *resolver.Tx) error {
		if err := tx.Add(rev); err != nil {
			return err
		}
		return tx.MarkRemovalPending(old)
	}); err != nil {
		return newBundleError(KindUnspecified, b, "update", err)
	}

	wasResolved := b.State() == StateResolved
	b.mu.Lock()
	b.revisions = append(b.revisions, rev)
	b.descriptor = desc
	b.lastModified = time.Now()
	b.nativePaths = nil
	b.mu.Unlock()
	b.fw.trackRevision(rev, b)
	b.setState(StateInstalled)
	b.persist()
	b.fw.logger.Info("Bundle updated", "bundle", b.String())
	if wasResolved {
		b.fw.fireBundleEvent(BundleUnresolved, b, nil)
	}
	b.fw.fireBundleEvent(BundleUpdated, b, nil)
	b.fw.collect()

	if wasActive {
		opts := StartTransient
		if usePolicy {
			opts |= StartActivationPolicy
		}
		return b.start(ctx, opts)
	}
	return nil
}

// SetStartLevel assigns the bundle's start level and starts or stops it when
// the new level crosses the framework's active level.
func (b *Bundle) SetStartLevel(ctx context.Context, level int) error {
	if level < 1 {
		return ErrInvalidStartLevel
	}
	if b.isSystem() {
		return newBundleError(KindInvalidOperation, b, "start level", ErrSystemBundle)
	}
	ctx, err := b.lockFor(ctx, OpStart)
	if err != nil {
		return err
	}
	defer b.lock.release()
	if b.State() == StateUninstalled {
		return newBundleError(KindUninstalled, b, "start level", ErrBundleUninstalled)
	}

	b.mu.Lock()
	b.startLevel = level
	b.mu.Unlock()
	b.persist()

	active := b.fw.StartLevel()
	switch {
	case level <= active && b.IsPersistentlyStarted() && !b.inState(StateActive|StateStarting) && !b.isFragment():
		opts := StartTransient
		if b.IsActivationPolicyUsed() {
			opts |= StartActivationPolicy
		}
		return b.start(ctx, opts)
	case level > active && b.inState(StateActive|StateStarting):
		return b.stop(ctx, StopTransient)
	}
	return nil
}

// lazyTrigger activates a lazily started bundle when a type from one of its
// trigger packages is loaded.
func (b *Bundle) lazyTrigger(typeName string) {
	b.mu.RLock()
	waiting := b.lazyPending
	b.mu.RUnlock()
	if !waiting {
		return
	}
	pkg, _ := loader.SplitTypeName(typeName)
	if !b.Revision().Activation.Triggers(pkg) {
		return
	}
	ctx, err := b.lockFor(context.Background(), OpStart)
	if err != nil {
		b.fw.reportError(b, err)
		return
	}
	defer b.lock.release()
	b.mu.RLock()
	waiting = b.lazyPending
	b.mu.RUnlock()
	if !waiting || b.State() != StateStarting {
		return
	}
	if err := b.activate(ctx); err != nil {
		b.fw.reportError(b, err)
	}
}

// matchesFilter reports whether the bundle's identity matches expr, used by
// the console to select bundles.
func (b *Bundle) matchesFilter(f *filter.Filter) bool {
	rev := b.Revision()
	return f.MatchesFold(map[string]any{
		"id":           b.id,
		"symbolicName": rev.SymbolicName,
		"version":      rev.Version.String(),
		"location":     b.location,
		"state":        b.State().String(),
	})
}
