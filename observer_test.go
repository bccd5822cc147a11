package modrt

import (
	"context"
	"errors"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectCloudEvents(t *testing.T, fw *Framework, id string, types ...string) chan cloudevents.Event {
	t.Helper()
	ch := make(chan cloudevents.Event, 64)
	require.NoError(t, fw.RegisterObserver(NewFunctionalObserver(id, func(_ context.Context, e cloudevents.Event) error {
		ch <- e
		return nil
	}), types...))
	return ch
}

func nextCloudEvent(t *testing.T, ch chan cloudevents.Event) cloudevents.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no CloudEvent delivered")
		return cloudevents.Event{}
	}
}

func TestObserversReceiveBundleEvents(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	ch := collectCloudEvents(t, fw, "bundles", EventTypeBundleInstalled, EventTypeBundleStarted)

	b := install(t, fw, "com.acme.observed", "1.0.0")
	require.NoError(t, b.Start(ctx, 0))

	var types []string
	var data BundleEventData
	for len(types) < 2 {
		e := nextCloudEvent(t, ch)
		types = append(types, e.Type())
		assert.Equal(t, "modrt://framework/"+fw.UUID(), e.Source())
		require.NoError(t, e.DataAs(&data))
		assert.Equal(t, b.ID(), data.BundleID)
		assert.Equal(t, "com.acme.observed", data.SymbolicName)
	}
	assert.ElementsMatch(t, []string{EventTypeBundleInstalled, EventTypeBundleStarted}, types)
}

func TestObserversReceiveServiceAndFrameworkEvents(t *testing.T) {
	fw := startedFramework(t)
	services := collectCloudEvents(t, fw, "services", EventTypeServiceRegistered)
	framework := collectCloudEvents(t, fw, "framework", EventTypeFrameworkPackagesRefreshed)

	bc := activeContext(t, fw, "com.acme.svc")
	reg, err := bc.RegisterService([]string{"com.acme.Thing"}, "thing", nil)
	require.NoError(t, err)

	var sd ServiceEventData
	require.NoError(t, nextCloudEvent(t, services).DataAs(&sd))
	assert.Equal(t, reg.Reference().ID(), sd.ServiceID)
	assert.Equal(t, []string{"com.acme.Thing"}, sd.Classes)
	assert.Equal(t, bc.Bundle().ID(), sd.BundleID)

	require.NoError(t, fw.RefreshBundles(context.Background()))
	assert.Equal(t, EventTypeFrameworkPackagesRefreshed, nextCloudEvent(t, framework).Type())
}

func TestObserverRegistration(t *testing.T) {
	fw := newTestFramework(t)
	o := NewFunctionalObserver("obs", func(context.Context, cloudevents.Event) error { return nil })
	require.NoError(t, fw.RegisterObserver(o, EventTypeBundleInstalled))
	require.NoError(t, fw.RegisterObserver(o))
	infos := fw.GetObservers()
	require.Len(t, infos, 1, "registering an id again replaces it")
	assert.Equal(t, "obs", infos[0].ID)
	assert.Empty(t, infos[0].EventTypes)

	require.NoError(t, fw.UnregisterObserver(o))
	require.NoError(t, fw.UnregisterObserver(o))
	assert.Empty(t, fw.GetObservers())
}

func TestNotifyObservers(t *testing.T) {
	logger := &testLogger{}
	fw := newTestFramework(t, WithLogger(logger))

	var got []string
	require.NoError(t, fw.RegisterObserver(NewFunctionalObserver("sync", func(_ context.Context, e cloudevents.Event) error {
		got = append(got, e.Type())
		return errors.New("observer failed")
	})))
	require.NoError(t, fw.RegisterObserver(NewFunctionalObserver("panics", func(context.Context, cloudevents.Event) error {
		panic("observer bug")
	}), "com.acme.other"))

	ctx := WithSynchronousNotification(context.Background())
	assert.True(t, IsSynchronousNotification(ctx))
	assert.False(t, IsSynchronousNotification(context.Background()))

	require.NoError(t, fw.NotifyObservers(ctx, NewCloudEvent("com.acme.custom", "test", map[string]string{"k": "v"}, nil)))
	assert.Equal(t, []string{"com.acme.custom"}, got, "delivered inline")
	assert.True(t, logger.has("error", "Observer error"))

	require.NoError(t, fw.NotifyObservers(ctx, NewCloudEvent("com.acme.other", "test", nil, nil)))
	assert.True(t, logger.has("error", "Observer panicked"))

	invalid := cloudevents.NewEvent()
	invalid.SetType("com.acme.custom")
	assert.Error(t, fw.NotifyObservers(ctx, invalid))
	assert.Len(t, got, 2)
}

func TestNewCloudEvent(t *testing.T) {
	e := NewCloudEvent("com.acme.test", "src", nil, map[string]any{"tenant": "acme"})
	require.NoError(t, ValidateCloudEvent(e))
	assert.NotEmpty(t, e.ID())
	assert.False(t, e.Time().IsZero())
	assert.Equal(t, "acme", e.Extensions()["tenant"])
}
