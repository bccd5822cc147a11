package modrt

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/GoCodeAlone/modrt/filter"
	"github.com/GoCodeAlone/modrt/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errActivatorFailed = errors.New("activator failed")

func only(events []string, name string) []string {
	var out []string
	for _, e := range events {
		if len(e) > len(name) && e[len(e)-len(name)-1:] == " "+name {
			out = append(out, e)
		}
	}
	return out
}

func TestStartAndStop(t *testing.T) {
	ctx := context.Background()
	act := &recordingActivator{}
	var seen *BundleContext
	act.onStart = func(_ context.Context, bc *BundleContext) error {
		seen = bc
		return nil
	}
	fw := startedFramework(t, WithActivator("com.acme.consumer.Activator", func() Activator { return act }))
	events := recordBundleEvents(t, fw)

	provider := install(t, fw, "com.acme.provider", "1.0.0",
		"exports:", "  - package: com.acme.api", "    version: 1.0.0")
	consumer := install(t, fw, "com.acme.consumer", "1.0.0",
		"activator: com.acme.consumer.Activator",
		"imports:", "  - package: com.acme.api", `    version: "[1.0,2.0)"`)

	require.NoError(t, consumer.Start(ctx, 0))
	assert.Equal(t, StateActive, consumer.State())
	assert.Equal(t, StateResolved, provider.State())
	assert.True(t, consumer.IsPersistentlyStarted())
	require.NotNil(t, seen)
	assert.Same(t, consumer, seen.Bundle())
	assert.Same(t, seen, consumer.Context())

	wires := consumer.Wiring().RequiredWires("osgi.wiring.package")
	require.Len(t, wires, 1)
	assert.Same(t, provider.Revision(), wires[0].Provider)

	require.NoError(t, consumer.Start(ctx, 0), "starting an active bundle is a no-op")
	require.NoError(t, consumer.Stop(ctx, 0))
	assert.Equal(t, StateResolved, consumer.State())
	assert.False(t, consumer.IsPersistentlyStarted())
	assert.Nil(t, consumer.Context())
	assert.ErrorIs(t, seen.check(), ErrInvalidContext)

	assert.Equal(t, []string{
		"INSTALLED com.acme.consumer",
		"RESOLVED com.acme.consumer",
		"STARTING com.acme.consumer",
		"STARTED com.acme.consumer",
		"STOPPING com.acme.consumer",
		"STOPPED com.acme.consumer",
	}, only(events.all(), "com.acme.consumer"))
	starts, stops := act.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestStartFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing import", func(t *testing.T) {
		fw := startedFramework(t)
		b := install(t, fw, "com.acme.lonely", "1.0.0", "imports:", "  - package: com.acme.missing")
		err := b.Start(ctx, 0)
		require.Error(t, err)
		assert.True(t, IsBundleError(err, KindResolveFailed))
		assert.Equal(t, StateInstalled, b.State())
	})

	t.Run("activator error rolls back", func(t *testing.T) {
		act := &recordingActivator{startErr: errActivatorFailed}
		act.onStart = func(_ context.Context, bc *BundleContext) error {
			_, err := bc.RegisterService([]string{"com.acme.Greeter"}, "hello", nil)
			if err != nil {
				return err
			}
			return bc.AddServiceListener(NewServiceListener(func(ServiceEvent) {}, false), "")
		}
		fw := startedFramework(t, WithActivator("failing", func() Activator { return act }))
		events := recordBundleEvents(t, fw)
		b := install(t, fw, "com.acme.failing", "1.0.0", "activator: failing")

		err := b.Start(ctx, 0)
		require.Error(t, err)
		assert.True(t, IsBundleError(err, KindActivatorError))
		assert.ErrorIs(t, err, errActivatorFailed)
		assert.Equal(t, StateResolved, b.State())
		assert.Empty(t, b.RegisteredServices())
		assert.Nil(t, fw.Context().GetServiceReference("com.acme.Greeter"))
		assert.Empty(t, fw.dispatcher.serviceListeners())
		assert.Equal(t, []string{
			"INSTALLED com.acme.failing",
			"RESOLVED com.acme.failing",
			"STARTING com.acme.failing",
			"STOPPING com.acme.failing",
			"STOPPED com.acme.failing",
		}, only(events.all(), "com.acme.failing"))
	})

	t.Run("activator panic", func(t *testing.T) {
		fw := startedFramework(t, WithActivator("panicking", func() Activator {
			return ActivatorFunc{OnStart: func(context.Context, *BundleContext) error { panic("boom") }}
		}))
		b := install(t, fw, "com.acme.panicking", "1.0.0", "activator: panicking")
		err := b.Start(ctx, 0)
		assert.True(t, IsBundleError(err, KindActivatorError))
		assert.ErrorIs(t, err, ErrActivatorPanic)
		assert.Equal(t, StateResolved, b.State())
	})

	t.Run("unknown activator", func(t *testing.T) {
		fw := startedFramework(t)
		b := install(t, fw, "com.acme.orphan", "1.0.0", "activator: nowhere")
		err := b.Start(ctx, 0)
		assert.ErrorIs(t, err, ErrActivatorNotRegistered)
	})

	t.Run("fragment", func(t *testing.T) {
		fw := startedFramework(t)
		install(t, fw, "com.acme.host", "1.0.0")
		f := install(t, fw, "com.acme.fragment", "1.0.0", "fragmentHost:", "  name: com.acme.host")
		assert.True(t, IsBundleError(f.Start(ctx, 0), KindInvalidOperation))
		assert.True(t, IsBundleError(f.Stop(ctx, 0), KindInvalidOperation))
	})

	t.Run("execution environment", func(t *testing.T) {
		fw := startedFramework(t)
		ok := install(t, fw, "com.acme.go", "1.0.0",
			"requirements:", "  - namespace: osgi.ee", `    filter: "(osgi.ee=GO)"`)
		require.NoError(t, ok.Start(ctx, 0))

		b := install(t, fw, "com.acme.java", "1.0.0",
			"requirements:", "  - namespace: osgi.ee", `    filter: "(osgi.ee=JavaSE)"`)
		err := b.Start(ctx, 0)
		assert.True(t, IsBundleError(err, KindExecutionEnvironment))
		assert.Equal(t, StateInstalled, b.State())
	})
}

func TestActivatorMayStartItsOwnBundle(t *testing.T) {
	ctx := context.Background()
	var nested error
	fw := startedFramework(t, WithActivator("self", func() Activator {
		return ActivatorFunc{OnStart: func(ctx context.Context, bc *BundleContext) error {
			nested = bc.Bundle().Start(ctx, 0)
			return nil
		}}
	}))
	b := install(t, fw, "com.acme.self", "1.0.0", "activator: self")
	require.NoError(t, b.Start(ctx, 0))
	assert.NoError(t, nested)
	assert.Equal(t, StateActive, b.State())
}

func TestConcurrentOperationTimesOut(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	cfg := DefaultConfig()
	cfg.StateChangeTimeout = 50 * time.Millisecond
	fw, err := NewFramework(WithConfig(cfg), WithLogger(&testLogger{}), WithActivator("slow", func() Activator {
		return ActivatorFunc{OnStart: func(context.Context, *BundleContext) error {
			close(entered)
			<-release
			return nil
		}}
	}))
	require.NoError(t, err)
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop(ctx)

	b := install(t, fw, "com.acme.slow", "1.0.0", "activator: slow")
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx, 0) }()
	<-entered

	err = b.Stop(ctx, 0)
	require.Error(t, err)
	assert.True(t, IsBundleError(err, KindStateChangeTimeout))
	assert.ErrorIs(t, err, ErrStateChangeTimeout)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateActive, b.State())
}

type lazyService interface{ Name() string }

func TestLazyActivation(t *testing.T) {
	ctx := context.Background()
	mem := loader.NewMemory()
	require.NoError(t, mem.RegisterType("com.acme.lazy.api.Service", reflect.TypeOf((*lazyService)(nil)).Elem()))
	act := &recordingActivator{}
	fw := startedFramework(t, WithBackend(mem), WithActivator("lazy", func() Activator { return act }))
	events := recordBundleEvents(t, fw)

	lazy := install(t, fw, "com.acme.lazy", "1.0.0",
		"activator: lazy",
		"activation:", "  lazy: true", "  include: [com.acme.lazy.api]",
		"exports:", "  - package: com.acme.lazy.api",
		"  - package: com.acme.lazy.util",
		"types: [com.acme.lazy.api.Service]")
	consumer := install(t, fw, "com.acme.user", "1.0.0",
		"imports:", "  - package: com.acme.lazy.api")

	require.NoError(t, lazy.Start(ctx, StartActivationPolicy))
	assert.Equal(t, StateStarting, lazy.State())
	assert.True(t, lazy.IsActivationPolicyUsed())
	assert.NotNil(t, lazy.Context())
	starts, _ := act.counts()
	assert.Zero(t, starts)
	assert.Contains(t, events.all(), "LAZY_ACTIVATION com.acme.lazy")

	fw.TriggerClassLoad(lazy, "com.acme.lazy.util.Helper")
	assert.Equal(t, StateStarting, lazy.State(), "package outside the include list")

	require.NoError(t, consumer.Start(ctx, 0))
	typ, err := consumer.LoadType("com.acme.lazy.api.Service")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf((*lazyService)(nil)).Elem(), typ)
	assert.Equal(t, StateActive, lazy.State())
	starts, _ = act.counts()
	assert.Equal(t, 1, starts)
}

func TestStopLazyBundle(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	b := install(t, fw, "com.acme.lazy", "1.0.0", "activation:", "  lazy: true")
	require.NoError(t, b.Start(ctx, StartActivationPolicy))
	require.Equal(t, StateStarting, b.State())
	require.NoError(t, b.Stop(ctx, 0))
	assert.Equal(t, StateResolved, b.State())
	fw.TriggerClassLoad(b, "com.acme.lazy.Anything")
	assert.Equal(t, StateResolved, b.State())
}

func TestUninstall(t *testing.T) {
	ctx := context.Background()
	act := &recordingActivator{}
	fw := startedFramework(t, WithActivator("a", func() Activator { return act }))
	events := recordBundleEvents(t, fw)
	b := install(t, fw, "com.acme.gone", "1.0.0", "activator: a")
	require.NoError(t, b.Start(ctx, 0))
	bc := b.Context()
	_, err := bc.RegisterService([]string{"com.acme.Thing"}, "thing", nil)
	require.NoError(t, err)

	require.NoError(t, b.Uninstall(ctx))
	assert.Equal(t, StateUninstalled, b.State())
	assert.Nil(t, fw.Bundle(b.ID()))
	assert.Nil(t, fw.BundleByLocation(b.Location()))
	assert.Nil(t, fw.Context().GetServiceReference("com.acme.Thing"))
	_, stops := act.counts()
	assert.Equal(t, 1, stops)
	assert.Empty(t, fw.RemovalPending())

	assert.True(t, IsBundleError(b.Uninstall(ctx), KindUninstalled))
	assert.True(t, IsBundleError(b.Start(ctx, 0), KindUninstalled))
	assert.True(t, IsBundleError(b.Update(ctx, nil), KindUninstalled))
	_, err = bc.RegisterService([]string{"com.acme.Thing"}, "thing", nil)
	assert.ErrorIs(t, err, ErrInvalidContext)

	assert.Equal(t, []string{
		"INSTALLED com.acme.gone",
		"RESOLVED com.acme.gone",
		"STARTING com.acme.gone",
		"STARTED com.acme.gone",
		"STOPPING com.acme.gone",
		"STOPPED com.acme.gone",
		"UNINSTALLED com.acme.gone",
	}, only(events.all(), "com.acme.gone"))
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	act := &recordingActivator{}
	fw := startedFramework(t, WithActivator("u", func() Activator { return act }))
	b := install(t, fw, "com.acme.upd", "1.0.0", "activator: u")
	require.NoError(t, b.Start(ctx, 0))
	old := b.Revision()
	before := b.LastModified()
	events := recordBundleEvents(t, fw)

	require.NoError(t, b.Update(ctx, descriptor("com.acme.upd", "1.1.0", "activator: u")))
	assert.Equal(t, "1.1.0", b.Version().String())
	assert.Equal(t, StateActive, b.State())
	assert.NotSame(t, old, b.Revision())
	assert.Len(t, b.Revisions(), 1, "unused old revision is collected")
	assert.False(t, b.LastModified().Before(before))
	assert.Equal(t, []string{
		"STOPPING com.acme.upd",
		"STOPPED com.acme.upd",
		"UNRESOLVED com.acme.upd",
		"UPDATED com.acme.upd",
		"RESOLVED com.acme.upd",
		"STARTING com.acme.upd",
		"STARTED com.acme.upd",
	}, events.all())
	starts, stops := act.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)

	t.Run("nil content rereads the stored descriptor", func(t *testing.T) {
		require.NoError(t, b.Update(ctx, nil))
		assert.Equal(t, "1.1.0", b.Version().String())
	})

	t.Run("identity clash", func(t *testing.T) {
		install(t, fw, "com.acme.other", "2.0.0")
		err := b.Update(ctx, descriptor("com.acme.other", "2.0.0"))
		assert.True(t, IsBundleError(err, KindDuplicate))
		assert.Equal(t, "1.1.0", b.Version().String())
	})
}

func TestUpdateKeepsWiredRevision(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	provider := install(t, fw, "com.acme.p", "1.0.0", "exports:", "  - package: com.acme.p.api")
	consumer := install(t, fw, "com.acme.c", "1.0.0", "imports:", "  - package: com.acme.p.api")
	require.True(t, fw.ResolveBundles(ctx))
	old := provider.Revision()

	require.NoError(t, provider.Update(ctx, descriptor("com.acme.p", "2.0.0", "exports:", "  - package: com.acme.p.api")))
	assert.Len(t, provider.Revisions(), 2)
	assert.Equal(t, []*Bundle{provider}, fw.RemovalPending())
	assert.Same(t, old, consumer.Wiring().RequiredWires("osgi.wiring.package")[0].Provider)
	assert.Equal(t, StateInstalled, provider.State())
}

func TestMatchesFilter(t *testing.T) {
	fw := startedFramework(t)
	b := install(t, fw, "com.acme.f", "1.2.0")
	for _, tc := range []struct {
		expr string
		want bool
	}{
		{"(symbolicName=com.acme.f)", true},
		{"(symbolicName=com.acme.*)", true},
		{"(version>=1.0.0)", true},
		{fmt.Sprintf("(id=%d)", b.ID()), true},
		{"(state=ACTIVE)", false},
		{"(state=INSTALLED)", true},
	} {
		t.Run(tc.expr, func(t *testing.T) {
			assert.Equal(t, tc.want, b.matchesFilter(filter.MustCompile(tc.expr)))
		})
	}
}
