package modrt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceEventsFollowTheFilter(t *testing.T) {
	fw := startedFramework(t)
	bc := activeContext(t, fw, "com.acme.listener")
	var got []string
	require.NoError(t, bc.AddServiceListener(NewServiceListener(func(e ServiceEvent) {
		got = append(got, e.Type.String())
	}, false), "(color=blue)"))

	reg, err := bc.RegisterService([]string{"com.acme.Thing"}, "thing", map[string]any{"color": "blue"})
	require.NoError(t, err)
	require.NoError(t, reg.SetProperties(map[string]any{"color": "blue", "size": 2}))
	require.NoError(t, reg.SetProperties(map[string]any{"color": "red"}))
	require.NoError(t, reg.SetProperties(map[string]any{"color": "green"}))
	require.NoError(t, reg.SetProperties(map[string]any{"color": "blue"}))
	reg.Unregister()

	_, err = bc.RegisterService([]string{"com.acme.Thing"}, "thing", map[string]any{"color": "red"})
	require.NoError(t, err)

	assert.Equal(t, []string{"REGISTERED", "MODIFIED", "MODIFIED_ENDMATCH", "MODIFIED", "UNREGISTERING"}, got)
}

func TestAddServiceListenerReplacesFilter(t *testing.T) {
	fw := startedFramework(t)
	bc := activeContext(t, fw, "com.acme.listener")
	count := 0
	l := NewServiceListener(func(ServiceEvent) { count++ }, false)
	require.NoError(t, bc.AddServiceListener(l, "(color=blue)"))
	require.NoError(t, bc.AddServiceListener(l, "(color=red)"))
	assert.Len(t, fw.dispatcher.serviceListeners(), 1)

	_, err := bc.RegisterService([]string{"com.acme.Thing"}, "thing", map[string]any{"color": "red"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Error(t, bc.AddServiceListener(l, "(color="))
	assert.ErrorIs(t, bc.AddServiceListener(nil, ""), ErrInvalidListener)

	bc.RemoveServiceListener(l)
	_, err = bc.RegisterService([]string{"com.acme.Thing"}, "thing", map[string]any{"color": "red"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBundleListenerDelivery(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	sync := recordBundleEvents(t, fw)
	async := make(chan string, 32)
	require.NoError(t, fw.Context().AddBundleListener(NewBundleListener(func(e BundleEvent) {
		async <- e.Type.String()
	}, false)))

	b := install(t, fw, "com.acme.events", "1.0.0")
	require.NoError(t, b.Start(ctx, 0))
	require.NoError(t, b.Stop(ctx, 0))

	assert.Equal(t, []string{
		"INSTALLED com.acme.events",
		"RESOLVED com.acme.events",
		"STARTING com.acme.events",
		"STARTED com.acme.events",
		"STOPPING com.acme.events",
		"STOPPED com.acme.events",
	}, sync.all())

	var got []string
	for len(got) < 4 {
		select {
		case e := <-async:
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("asynchronous events missing, got %v", got)
		}
	}
	assert.Equal(t, []string{"INSTALLED", "RESOLVED", "STARTED", "STOPPED"}, got, "transitional events are synchronous only")
}

func TestFailingListenerRaisesFrameworkError(t *testing.T) {
	fw := startedFramework(t)
	events := recordFrameworkEvents(t, fw)
	bc := activeContext(t, fw, "com.acme.faulty")
	require.NoError(t, bc.AddServiceListener(NewServiceListener(func(ServiceEvent) { panic("listener bug") }, false), ""))
	delivered := false
	require.NoError(t, fw.Context().AddServiceListener(NewServiceListener(func(ServiceEvent) { delivered = true }, false), ""))

	_, err := bc.RegisterService([]string{"com.acme.Thing"}, "thing", nil)
	require.NoError(t, err)
	assert.True(t, delivered, "other listeners still receive the event")

	ev := events.wait(t, FrameworkError)
	assert.Same(t, bc.Bundle(), ev.Bundle)
	assert.Contains(t, ev.Err.Error(), "listener bug")
}

func TestListenersGoAwayWithTheirBundle(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	bc := activeContext(t, fw, "com.acme.short")
	count := 0
	require.NoError(t, bc.AddServiceListener(NewServiceListener(func(ServiceEvent) { count++ }, false), ""))
	require.NoError(t, bc.AddBundleListener(NewBundleListener(func(BundleEvent) { count++ }, true)))

	require.NoError(t, bc.Bundle().Stop(ctx, 0))
	before := count
	other := activeContext(t, fw, "com.acme.other")
	_, err := other.RegisterService([]string{"com.acme.Thing"}, "thing", nil)
	require.NoError(t, err)
	assert.Equal(t, before, count)
	assert.ErrorIs(t, bc.AddServiceListener(NewServiceListener(func(ServiceEvent) {}, false), ""), ErrInvalidContext)
}

func TestDispatcherDropsEventsAfterStop(t *testing.T) {
	d := newEventDispatcher(&testLogger{}, nil, 4)
	d.stop()
	d.stop()
	d.fireFrameworkEvent(FrameworkEvent{Type: FrameworkInfo})
}

func TestAsyncListenerMayFireMoreThanQueueSize(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.EventQueueSize = 2
	logger := &testLogger{}
	fw, err := NewFramework(WithConfig(cfg), WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, fw.Start(ctx))

	installed := make(chan string, 16)
	require.NoError(t, fw.Context().AddBundleListener(NewBundleListener(func(e BundleEvent) {
		if e.Type != BundleInstalled {
			return
		}
		installed <- e.Bundle.SymbolicName()
		if e.Bundle.SymbolicName() != "com.acme.seed" {
			return
		}
		for i := 0; i < 5; i++ {
			name := fmt.Sprintf("com.acme.more%d", i)
			_, err := fw.Install(ctx, "mem:"+name, descriptor(name, "1.0.0"))
			assert.NoError(t, err)
		}
	}, false)))

	install(t, fw, "com.acme.seed", "1.0.0")
	var got []string
	for len(got) < 6 {
		select {
		case name := <-installed:
			got = append(got, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("asynchronous delivery stalled after %v", got)
		}
	}
	assert.Equal(t, "com.acme.seed", got[0])
	assert.Equal(t, "com.acme.more4", got[5])
	assert.True(t, logger.has("warn", "Event backlog exceeds queue size"))

	stopped := make(chan error, 1)
	go func() { stopped <- fw.Stop(ctx) }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("framework did not stop")
	}
}

func TestDeliveryQueue(t *testing.T) {
	q := newDeliveryQueue("test", &testLogger{}, 1)
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, q.push(func() { order = append(order, i) }))
	}
	q.close()
	assert.False(t, q.push(func() {}), "closed queue refuses new work")
	for {
		fn, ok := q.pop()
		if !ok {
			break
		}
		fn()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

// valueListener has a non-comparable dynamic type.
type valueListener struct {
	seen []string
}

func (l valueListener) BundleChanged(BundleEvent) {}

func TestNonComparableListenerIsRejected(t *testing.T) {
	fw := startedFramework(t)
	bc := fw.Context()
	assert.ErrorIs(t, bc.AddBundleListener(valueListener{}), ErrInvalidListener)
	assert.NotPanics(t, func() { bc.RemoveBundleListener(valueListener{}) })
	require.NoError(t, bc.AddBundleListener(&valueListener{}))
}
