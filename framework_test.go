package modrt

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameworkLifecycle(t *testing.T) {
	ctx := context.Background()
	fw := newTestFramework(t)
	assert.Equal(t, StateInstalled, fw.State())

	_, err := fw.Install(ctx, "mem:early.yaml", descriptor("early", "1.0.0"))
	require.ErrorIs(t, err, ErrFrameworkNotInitialized)

	require.NoError(t, fw.Init(ctx))
	assert.Equal(t, StateStarting, fw.State())
	assert.Equal(t, 0, fw.StartLevel())

	events := recordFrameworkEvents(t, fw)
	require.NoError(t, fw.Start(ctx))
	assert.Equal(t, StateActive, fw.State())
	assert.Equal(t, 1, fw.StartLevel())
	events.wait(t, FrameworkStarted)

	sys := fw.SystemBundle()
	assert.Equal(t, int64(0), sys.ID())
	assert.Equal(t, SystemBundleSymbolicName, sys.SymbolicName())
	assert.Equal(t, fw.UUID(), fw.Property(PropFrameworkUUID))
	assert.Equal(t, FrameworkVersion, sys.Context().Property(PropFrameworkVersion))
	assert.Same(t, sys, fw.Bundle(0))

	require.NoError(t, sys.Stop(ctx, 0))
	assert.Equal(t, StateResolved, fw.State())
	assert.Equal(t, 0, fw.StartLevel())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, err := fw.WaitForStop(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, FrameworkStopped, ev.Type)

	_, err = fw.Install(ctx, "mem:late.yaml", descriptor("late", "1.0.0"))
	require.ErrorIs(t, err, ErrFrameworkStopped)
	require.ErrorIs(t, fw.Start(ctx), ErrFrameworkStopped)
	require.NoError(t, fw.Stop(ctx), "stopping twice is a no-op")
}

func TestInstall(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	events := recordBundleEvents(t, fw)

	b := install(t, fw, "com.acme.a", "1.0.0")
	assert.Equal(t, StateInstalled, b.State())
	assert.Equal(t, int64(1), b.ID())
	assert.Equal(t, []string{"INSTALLED com.acme.a"}, events.all())

	t.Run("same location returns the installed bundle", func(t *testing.T) {
		again, err := fw.Install(ctx, b.Location(), descriptor("other", "2.0.0"))
		require.NoError(t, err)
		assert.Same(t, b, again)
	})

	t.Run("same identity is rejected", func(t *testing.T) {
		_, err := fw.Install(ctx, "mem:copy.yaml", descriptor("com.acme.a", "1.0.0"))
		require.Error(t, err)
		assert.True(t, IsBundleError(err, KindDuplicate))
		assert.ErrorIs(t, err, ErrDuplicateBundle)
	})

	t.Run("unreadable descriptor", func(t *testing.T) {
		_, err := fw.Install(ctx, "mem:broken.yaml", []byte("version: [1"))
		require.Error(t, err)
		assert.True(t, IsBundleError(err, KindReadError))
	})

	t.Run("ids are never reused", func(t *testing.T) {
		c := install(t, fw, "com.acme.c", "1.0.0")
		require.NoError(t, c.Uninstall(ctx))
		d := install(t, fw, "com.acme.d", "1.0.0")
		assert.Greater(t, d.ID(), c.ID())
		assert.Nil(t, fw.Bundle(c.ID()))
	})

	ids := []int64{}
	for _, x := range fw.Bundles() {
		ids = append(ids, x.ID())
	}
	assert.IsIncreasing(t, ids)
}

func TestSystemBundleRejectsBundleOperations(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	sys := fw.SystemBundle()
	assert.True(t, IsBundleError(sys.Uninstall(ctx), KindInvalidOperation))
	assert.True(t, IsBundleError(sys.Update(ctx, nil), KindInvalidOperation))
	assert.True(t, IsBundleError(sys.SetStartLevel(ctx, 3), KindInvalidOperation))
}

func TestBundlesAreRestoredFromStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	newFW := func(act *recordingActivator) *Framework {
		cfg := DefaultConfig()
		cfg.StorageDir = dir
		fw, err := NewFramework(WithConfig(cfg), WithLogger(&testLogger{}),
			WithActivator("com.acme.Activator", func() Activator { return act }))
		require.NoError(t, err)
		require.NoError(t, fw.Start(ctx))
		return fw
	}

	first := &recordingActivator{}
	fw := newFW(first)
	started := install(t, fw, "com.acme.started", "1.0.0", "activator: com.acme.Activator")
	idle := install(t, fw, "com.acme.idle", "1.0.0")
	require.NoError(t, started.Start(ctx, 0))
	require.NoError(t, idle.SetStartLevel(ctx, 4))
	removed := install(t, fw, "com.acme.removed", "1.0.0")
	require.NoError(t, removed.Uninstall(ctx))
	require.NoError(t, fw.Stop(ctx))
	starts, stops := first.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	second := &recordingActivator{}
	fw = newFW(second)
	defer fw.Stop(ctx)

	restored := fw.Bundle(started.ID())
	require.NotNil(t, restored)
	assert.Equal(t, "com.acme.started", restored.SymbolicName())
	assert.Equal(t, StateActive, restored.State())
	assert.True(t, restored.IsPersistentlyStarted())
	starts, _ = second.counts()
	assert.Equal(t, 1, starts)

	restoredIdle := fw.Bundle(idle.ID())
	require.NotNil(t, restoredIdle)
	assert.Equal(t, 4, restoredIdle.StartLevel())
	assert.Nil(t, fw.Bundle(removed.ID()))

	next := install(t, fw, "com.acme.next", "1.0.0")
	assert.Greater(t, next.ID(), removed.ID())
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	fw := newTestFramework(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fw.Run(ctx) }()

	require.Eventually(t, func() bool { return fw.State() == StateActive }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateResolved, fw.State())
}

func TestMetricsRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	fw := startedFramework(t, WithMetricsRegistry(reg))
	assert.Same(t, reg, fw.MetricsRegistry())
	install(t, fw, "com.acme.m", "1.0.0")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewFrameworkRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SingletonPolicy = "random"
	_, err := NewFramework(WithConfig(cfg), WithLogger(&testLogger{}))
	require.ErrorIs(t, err, ErrUnknownSingletonPolicy)

	_, err = NewFramework(WithConfig(nil))
	require.ErrorIs(t, err, ErrConfigNil)
}
