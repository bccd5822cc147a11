package modrt

import (
	"context"
	"testing"

	"github.com/GoCodeAlone/modrt/resolver"
	"github.com/GoCodeAlone/modrt/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailedMandatoryBatchChangesNothing(t *testing.T) {
	ctx := context.Background()
	fw := startedFramework(t)
	events := recordBundleEvents(t, fw)
	api := install(t, fw, "com.acme.api", "1.0.0", "exports:", "  - package: com.acme.api")
	ok := install(t, fw, "com.acme.ok", "1.0.0", "imports:", "  - package: com.acme.api")
	broken := install(t, fw, "com.acme.broken", "1.0.0", "imports:", "  - package: com.acme.missing")
	before := fw.env.Snapshot()
	events.reset()

	err := fw.orchestrator.resolve(ctx, []*resource.Resource{ok.Revision(), broken.Revision()}, nil)
	var rerr *resolver.ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Same(t, broken.Revision(), rerr.Resource)

	assert.Same(t, before, fw.env.Snapshot(), "environment untouched")
	for _, b := range []*Bundle{api, ok, broken} {
		assert.Equal(t, StateInstalled, b.State(), b.SymbolicName())
		assert.Nil(t, b.Wiring(), b.SymbolicName())
	}
	assert.Empty(t, events.all())

	require.NoError(t, fw.orchestrator.resolve(ctx, []*resource.Resource{ok.Revision()}, nil))
	assert.Equal(t, StateResolved, ok.State())
	assert.Equal(t, StateResolved, api.State())
}

func TestOptionalImportsWidenTheResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("optional package import", func(t *testing.T) {
		fw := startedFramework(t)
		app := install(t, fw, "com.acme.app", "1.0.0",
			"imports:", "  - package: com.acme.maybe", "    optional: true")
		bystander := install(t, fw, "com.acme.bystander", "1.0.0")
		require.NoError(t, fw.orchestrator.resolve(ctx, []*resource.Resource{app.Revision()}, nil))
		assert.Equal(t, StateResolved, app.State())
		assert.Equal(t, StateResolved, bystander.State())
	})

	t.Run("optional required bundle", func(t *testing.T) {
		fw := startedFramework(t)
		app := install(t, fw, "com.acme.app", "1.0.0",
			"requireBundles:", "  - name: com.acme.maybe", "    optional: true")
		bystander := install(t, fw, "com.acme.bystander", "1.0.0")
		require.NoError(t, fw.orchestrator.resolve(ctx, []*resource.Resource{app.Revision()}, nil))
		assert.Equal(t, StateResolved, app.State())
		assert.Equal(t, StateInstalled, bystander.State())
	})
}
