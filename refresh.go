package modrt

import (
	"context"
	"sort"

	"github.com/GoCodeAlone/modrt/resolver"
	"github.com/GoCodeAlone/modrt/resource"
)

// DependencyClosure returns bundles together with every bundle wired to them,
// directly or transitively, and the hosts and fragments attached to any of
// them. The system bundle is never part of the closure.
func (fw *Framework) DependencyClosure(bundles ...*Bundle) []*Bundle {
	snap := fw.env.Snapshot()
	seen := map[*Bundle]bool{}
	queue := append([]*Bundle(nil), bundles...)
	var out []*Bundle
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		if b == nil || b.isSystem() || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
		for _, r := range b.Revisions() {
			w := snap.Wiring(r)
			if w == nil {
				continue
			}
			related := append(snap.Dependents(r), w.Fragments...)
			related = append(related, snap.HostOf(r)...)
			for _, x := range related {
				if xb := fw.bundleOf(x); xb != nil && !seen[xb] {
					queue = append(queue, xb)
				}
			}
		}
	}
	sortBundles(out)
	return out
}

// RemovalPending returns the bundles with a revision that was uninstalled or
// replaced but is still wired to some other bundle.
func (fw *Framework) RemovalPending() []*Bundle {
	seen := map[*Bundle]bool{}
	var out []*Bundle
	for _, r := range fw.env.Snapshot().PendingResources() {
		if b := fw.bundleOf(r); b != nil && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	sortBundles(out)
	return out
}

// RefreshBundles rebuilds the wiring of bundles and everything depending on
// them, or of the removal-pending bundles when none are given. Active
// bundles in the closure are stopped, unresolved and started again; stale
// revisions and uninstalled bundles are dropped for good. PACKAGES_REFRESHED
// is fired when done; a refresh that could not complete fires ERROR instead.
func (fw *Framework) RefreshBundles(ctx context.Context, bundles ...*Bundle) error {
	if err := fw.refresh(ctx, bundles); err != nil {
		fw.reportError(fw.system, err)
		return err
	}
	fw.dispatcher.fireFrameworkEvent(FrameworkEvent{Type: FrameworkPackagesRefreshed, Bundle: fw.system})
	return nil
}

func (fw *Framework) refresh(ctx context.Context, bundles []*Bundle) error {
	if len(bundles) == 0 {
		bundles = fw.RemovalPending()
	}
	closure := fw.DependencyClosure(bundles...)
	if len(closure) == 0 {
		return nil
	}
	fw.logger.Info("Refreshing bundles", "count", len(closure))

	var locked []*Bundle
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].lock.release()
		}
	}()
	for _, b := range closure {
		var err error
		if ctx, err = b.lockFor(ctx, OpRefresh); err != nil {
			return err
		}
		locked = append(locked, b)
	}

	var restart []*Bundle
	for _, b := range closure {
		if b.inState(StateActive | StateStarting) {
			restart = append(restart, b)
		}
	}
	sort.SliceStable(restart, func(i, j int) bool { return restart[i].startOrder() > restart[j].startOrder() })
	for _, b := range restart {
		if err := b.stop(ctx, StopTransient); err != nil {
			fw.reportError(b, err)
		}
	}

	var removed []*resource.Resource
	err := fw.env.Update(func(tx *resolver.Tx) error {
		removed = removed[:0]
		snap := tx.Snapshot()
		var current []*resource.Resource
		for _, b := range closure {
			gone := b.State() == StateUninstalled
			for _, r := range b.Revisions() {
				if !snap.Contains(r) {
					continue
				}
				if gone || snap.RemovalPending(r) {
					removed = append(removed, r)
				} else {
					current = append(current, r)
				}
			}
		}
		tx.Unresolve(current...)
		for _, r := range removed {
			if err := tx.Remove(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, b := range closure {
		if b.State() == StateUninstalled {
			continue
		}
		b.mu.Lock()
		rev := b.revisions[len(b.revisions)-1]
		if l := b.loaders[rev]; l != nil {
			fw.backend.Remove(l)
			delete(b.loaders, rev)
		}
		b.nativePaths = nil
		b.mu.Unlock()
		if b.State() == StateResolved {
			b.setState(StateInstalled)
			fw.fireBundleEvent(BundleUnresolved, b, nil)
		}
	}
	fw.release(removed)

	for i := len(restart) - 1; i >= 0; i-- {
		b := restart[i]
		if b.State() == StateUninstalled {
			continue
		}
		opts := StartTransient
		if b.IsActivationPolicyUsed() {
			opts |= StartActivationPolicy
		}
		if err := b.start(ctx, opts); err != nil {
			fw.reportError(b, err)
		}
	}
	return nil
}

// scheduledRefresh collects removal-pending bundles on the configured cron
// schedule.
func (fw *Framework) scheduledRefresh() {
	if len(fw.RemovalPending()) == 0 {
		return
	}
	// Failures are reported as framework ERROR events.
	_ = fw.RefreshBundles(context.Background())
}
