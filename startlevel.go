package modrt

import (
	"context"
)

// StartLevel returns the framework's active start level. It is 0 until the
// framework starts and again after it stops.
func (fw *Framework) StartLevel() int {
	return int(fw.startLevel.Load())
}

// SetStartLevel moves the framework to level in the background and fires
// STARTLEVEL_CHANGED when done.
func (fw *Framework) SetStartLevel(level int) error {
	if level < 1 {
		return ErrInvalidStartLevel
	}
	if fw.State() != StateActive {
		return ErrFrameworkNotInitialized
	}
	go func() {
		fw.setStartLevel(context.Background(), level)
		fw.dispatcher.fireFrameworkEvent(FrameworkEvent{Type: FrameworkStartLevelChanged, Bundle: fw.system})
	}()
	return nil
}

// setStartLevel walks one level at a time towards target. Failures are
// reported per bundle and never stop the walk.
func (fw *Framework) setStartLevel(ctx context.Context, target int) {
	fw.slMu.Lock()
	defer fw.slMu.Unlock()

	current := fw.StartLevel()
	if target == current {
		return
	}
	fw.logger.Info("Changing start level", "from", current, "to", target)
	for current < target {
		current++
		fw.startLevel.Store(int32(current))
		for _, b := range fw.Bundles() {
			if b.isSystem() || b.isFragment() || b.StartLevel() != current || !b.IsPersistentlyStarted() {
				continue
			}
			opts := StartTransient
			if b.IsActivationPolicyUsed() {
				opts |= StartActivationPolicy
			}
			if err := b.Start(ctx, opts); err != nil {
				fw.reportError(b, err)
			}
		}
	}
	for current > target {
		bundles := fw.Bundles()
		for i := len(bundles) - 1; i >= 0; i-- {
			b := bundles[i]
			if b.isSystem() || b.isFragment() || b.StartLevel() != current {
				continue
			}
			if !b.inState(StateActive | StateStarting) {
				continue
			}
			if err := b.Stop(ctx, StopTransient); err != nil {
				fw.reportError(b, err)
			}
		}
		current--
		fw.startLevel.Store(int32(current))
	}
}
