package builtin

import (
	"testing"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryRadioTypeHasABackend(t *testing.T) {
	reg := plugin.NewRegistry(state.NewStore(nil), nil)
	require.NoError(t, Register(reg))

	for _, id := range config.RadioTypes {
		if id == config.RadioNone {
			continue
		}
		assert.True(t, reg.Has(id), "missing backend for %s", id)
	}
	assert.Len(t, reg.List(), len(config.RadioTypes)-1)
}

func TestDescriptorsAreComplete(t *testing.T) {
	for _, d := range Descriptors() {
		assert.NotEmpty(t, d.ID)
		assert.NotEmpty(t, d.Name, d.ID)
		assert.NotEmpty(t, d.ConfigKey, d.ID)
		assert.NotNil(t, d.Factory, d.ID)
		assert.Equal(t, plugin.CategoryRig, d.Category, d.ID)
	}
}

func TestFactoriesDoNotTouchHardware(t *testing.T) {
	cfg := config.Default().Radio
	for _, d := range Descriptors() {
		store := state.NewStore(nil)
		inst, err := d.Factory(cfg, plugin.Services{State: store.Attach()})
		require.NoError(t, err, d.ID)
		require.NotNil(t, inst, d.ID)
		assert.False(t, store.Get().Connected, d.ID)
	}
}
