package modrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderActivator logs "start name" and "stop name" into a shared log.
type orderActivator struct {
	name string
	log  *eventLog
}

func (a *orderActivator) Start(context.Context, *BundleContext) error {
	a.log.add("start " + a.name)
	return nil
}

func (a *orderActivator) Stop(context.Context, *BundleContext) error {
	a.log.add("stop " + a.name)
	return nil
}

func levelFramework(t *testing.T, log *eventLog, names ...string) *Framework {
	t.Helper()
	var opts []Option
	for _, n := range names {
		n := n
		opts = append(opts, WithActivator("com.acme."+n+".Activator", func() Activator {
			return &orderActivator{name: n, log: log}
		}))
	}
	return startedFramework(t, opts...)
}

func TestFrameworkStartLevel(t *testing.T) {
	ctx := context.Background()
	log := &eventLog{}
	fw := levelFramework(t, log, "one", "two", "three", "twoB")
	events := recordFrameworkEvents(t, fw)

	three := install(t, fw, "com.acme.three", "1.0.0", "activator: com.acme.three.Activator", "startLevel: 3")
	two := install(t, fw, "com.acme.two", "1.0.0", "activator: com.acme.two.Activator", "startLevel: 2")
	one := install(t, fw, "com.acme.one", "1.0.0", "activator: com.acme.one.Activator")
	twoB := install(t, fw, "com.acme.twoB", "1.0.0", "activator: com.acme.twoB.Activator", "startLevel: 2")
	idle := install(t, fw, "com.acme.idle", "1.0.0", "startLevel: 2")

	for _, b := range []*Bundle{three, two, one, twoB} {
		require.NoError(t, b.Start(ctx, 0))
	}
	assert.Equal(t, StateActive, one.State())
	assert.Equal(t, StateInstalled, two.State(), "start deferred until level 2")
	assert.True(t, two.IsPersistentlyStarted())
	assert.True(t, IsBundleError(three.Start(ctx, StartTransient), KindInvalidOperation))

	require.NoError(t, fw.SetStartLevel(3))
	events.wait(t, FrameworkStartLevelChanged)
	assert.Equal(t, 3, fw.StartLevel())
	assert.Equal(t, []string{"start one", "start two", "start twoB", "start three"}, log.all(),
		"lower levels first, install order within a level")
	assert.Equal(t, StateInstalled, idle.State(), "not persistently started")

	log.reset()
	require.NoError(t, fw.SetStartLevel(1))
	events.wait(t, FrameworkStartLevelChanged)
	assert.Equal(t, []string{"stop three", "stop twoB", "stop two"}, log.all())
	assert.Equal(t, StateResolved, two.State())
	assert.True(t, two.IsPersistentlyStarted(), "level changes are transient")
	assert.Equal(t, StateActive, one.State())
}

func TestFrameworkStartLevelValidation(t *testing.T) {
	fw := newTestFramework(t)
	assert.ErrorIs(t, fw.SetStartLevel(0), ErrInvalidStartLevel)
	assert.ErrorIs(t, fw.SetStartLevel(2), ErrFrameworkNotInitialized)

	cfg := DefaultConfig()
	cfg.BeginningStartLevel = 0
	_, err := NewFramework(WithConfig(cfg), WithLogger(&testLogger{}))
	assert.ErrorIs(t, err, ErrInvalidStartLevel)
}

func TestBeginningStartLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BeginningStartLevel = 3
	cfg.InitialBundleStartLevel = 2
	fw := startedFramework(t, WithConfig(cfg))
	assert.Equal(t, 3, fw.StartLevel())

	b := install(t, fw, "com.acme.initial", "1.0.0")
	assert.Equal(t, 2, b.StartLevel())
	require.NoError(t, b.Start(context.Background(), 0))
	assert.Equal(t, StateActive, b.State())
}

func TestBundleStartLevelCrossesFrameworkLevel(t *testing.T) {
	ctx := context.Background()
	log := &eventLog{}
	fw := levelFramework(t, log, "mover")
	b := install(t, fw, "com.acme.mover", "1.0.0", "activator: com.acme.mover.Activator")
	require.NoError(t, b.Start(ctx, 0))

	require.NoError(t, b.SetStartLevel(ctx, 5))
	assert.Equal(t, StateResolved, b.State())
	assert.True(t, b.IsPersistentlyStarted())

	require.NoError(t, b.SetStartLevel(ctx, 1))
	assert.Equal(t, StateActive, b.State())
	assert.Equal(t, []string{"start mover", "stop mover", "start mover"}, log.all())

	assert.ErrorIs(t, b.SetStartLevel(ctx, 0), ErrInvalidStartLevel)
}
