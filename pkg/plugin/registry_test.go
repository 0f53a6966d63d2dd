package plugin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	mu           sync.Mutex
	svc          Services
	open         *int
	connectErr   error
	panicOnClose bool

	connected bool
	freq      int64
	mode      string
	ptt       bool
}

func (f *fakeInstance) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	*f.open++
	f.svc.State.SetConnected(true)
	return nil
}

func (f *fakeInstance) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.connected = false
		*f.open--
	}
	if f.panicOnClose {
		panic("boom")
	}
	return nil
}

func (f *fakeInstance) SetFrequency(hz int64) error {
	f.freq = hz
	f.svc.State.SetFrequency(hz)
	return nil
}

func (f *fakeInstance) SetMode(mode string) error {
	f.mode = mode
	return nil
}

// freqOnly supports tuning and nothing else
type freqOnly struct{ fakeInstance }

func newTestRegistry() (*Registry, *state.Store) {
	store := state.NewStore(nil)
	return NewRegistry(store, nil), store
}

func TestRegister(t *testing.T) {
	reg, _ := newTestRegistry()

	t.Run("Missing ID", func(t *testing.T) {
		err := reg.Register(Descriptor{Factory: func(config.RadioConfig, Services) (Instance, error) { return nil, nil }})
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})

	t.Run("Missing Factory", func(t *testing.T) {
		err := reg.Register(Descriptor{ID: "x"})
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
		assert.False(t, reg.Has("x"))
	})

	t.Run("Duplicate Overwrites", func(t *testing.T) {
		f := func(config.RadioConfig, Services) (Instance, error) { return &fakeInstance{open: new(int)}, nil }
		require.NoError(t, reg.Register(Descriptor{ID: "dup", Name: "first", Factory: f}))
		require.NoError(t, reg.Register(Descriptor{ID: "dup", Name: "second", Factory: f}))

		list := reg.List()
		require.Len(t, list, 1)
		assert.Equal(t, "second", list[0].Name)
		assert.Equal(t, CategoryOther, list[0].Category)
	})
}

func TestSwitchSingleActive(t *testing.T) {
	reg, store := newTestRegistry()
	open := 0
	var instances []*fakeInstance
	factory := func(cfg config.RadioConfig, svc Services) (Instance, error) {
		inst := &fakeInstance{svc: svc, open: &open}
		instances = append(instances, inst)
		return inst, nil
	}
	require.NoError(t, reg.Register(Descriptor{ID: "a", Factory: factory}))
	require.NoError(t, reg.Register(Descriptor{ID: "b", Factory: factory}))

	require.NoError(t, reg.Switch("a", config.RadioConfig{}))
	assert.Equal(t, "a", reg.Active())
	assert.Equal(t, 1, open)
	assert.True(t, store.Get().Connected)

	require.NoError(t, reg.Dispatch(MethodSetFreq, int64(14074000)))

	require.NoError(t, reg.Switch("b", config.RadioConfig{}))
	assert.Equal(t, "b", reg.Active())
	assert.Equal(t, 1, open, "never two open resources")

	// the first instance's writer was revoked by the switch
	assert.False(t, instances[0].svc.State.SetFrequency(7000000))
	assert.Equal(t, int64(14074000), store.Get().FrequencyHz, "frequency survives a switch")

	require.NoError(t, reg.Switch(config.RadioNone, config.RadioConfig{}))
	assert.Equal(t, "", reg.Active())
	assert.Equal(t, 0, open)
	assert.False(t, store.Get().Connected)
}

func TestSwitchFailures(t *testing.T) {
	t.Run("Unknown Plugin", func(t *testing.T) {
		reg, _ := newTestRegistry()
		open := 0
		require.NoError(t, reg.Register(Descriptor{ID: "a", Factory: func(cfg config.RadioConfig, svc Services) (Instance, error) {
			return &fakeInstance{svc: svc, open: &open}, nil
		}}))
		require.NoError(t, reg.Switch("a", config.RadioConfig{}))

		err := reg.Switch("nope", config.RadioConfig{})
		assert.ErrorIs(t, err, ErrUnknownPlugin)
		assert.Equal(t, "", reg.Active())
		assert.Equal(t, 0, open)
	})

	t.Run("Factory Error", func(t *testing.T) {
		reg, _ := newTestRegistry()
		require.NoError(t, reg.Register(Descriptor{ID: "bad", Factory: func(config.RadioConfig, Services) (Instance, error) {
			return nil, errors.New("no serial path")
		}}))
		assert.Error(t, reg.Switch("bad", config.RadioConfig{}))
		assert.Equal(t, "", reg.Active())
	})

	t.Run("Factory Panic", func(t *testing.T) {
		reg, _ := newTestRegistry()
		require.NoError(t, reg.Register(Descriptor{ID: "panic", Factory: func(config.RadioConfig, Services) (Instance, error) {
			panic("factory exploded")
		}}))
		assert.Error(t, reg.Switch("panic", config.RadioConfig{}))
		assert.Equal(t, "", reg.Active())
	})

	t.Run("Connect Error", func(t *testing.T) {
		reg, _ := newTestRegistry()
		open := 0
		require.NoError(t, reg.Register(Descriptor{ID: "c", Factory: func(cfg config.RadioConfig, svc Services) (Instance, error) {
			return &fakeInstance{svc: svc, open: &open, connectErr: errors.New("bad config")}, nil
		}}))
		assert.Error(t, reg.Switch("c", config.RadioConfig{}))
		assert.Equal(t, "", reg.Active())
		assert.ErrorIs(t, reg.Dispatch(MethodSetFreq, int64(1)), ErrNoActivePlugin)
	})

	t.Run("Disconnect Panic Swallowed", func(t *testing.T) {
		reg, _ := newTestRegistry()
		open := 0
		require.NoError(t, reg.Register(Descriptor{ID: "p", Factory: func(cfg config.RadioConfig, svc Services) (Instance, error) {
			return &fakeInstance{svc: svc, open: &open, panicOnClose: true}, nil
		}}))
		require.NoError(t, reg.Switch("p", config.RadioConfig{}))
		assert.NotPanics(t, func() {
			assert.NoError(t, reg.Switch(config.RadioNone, config.RadioConfig{}))
		})
		assert.Equal(t, "", reg.Active())
	})
}

func TestDispatch(t *testing.T) {
	reg, store := newTestRegistry()
	open := 0
	var inst *freqOnly
	require.NoError(t, reg.Register(Descriptor{ID: "f", Factory: func(cfg config.RadioConfig, svc Services) (Instance, error) {
		inst = &freqOnly{fakeInstance{svc: svc, open: &open}}
		return inst, nil
	}}))

	assert.ErrorIs(t, reg.Dispatch(MethodSetFreq, int64(1)), ErrNoActivePlugin)

	require.NoError(t, reg.Switch("f", config.RadioConfig{}))

	tests := []struct {
		name   string
		method string
		args   []interface{}
		want   error
	}{
		{"Frequency int64", MethodSetFreq, []interface{}{int64(7074000)}, nil},
		{"Frequency int", MethodSetFreq, []interface{}{14074000}, nil},
		{"Negative Frequency", MethodSetFreq, []interface{}{int64(-5)}, ErrInvalidArgs},
		{"Frequency Wrong Type", MethodSetFreq, []interface{}{"abc"}, ErrInvalidArgs},
		{"Mode", MethodSetMode, []interface{}{"USB"}, nil},
		{"Empty Mode", MethodSetMode, []interface{}{""}, ErrInvalidArgs},
		{"PTT Unsupported", MethodSetPTT, []interface{}{true}, ErrUnsupported},
		{"Unknown Method", "reboot", nil, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Dispatch(tt.method, tt.args...)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	assert.Equal(t, int64(14074000), store.Get().FrequencyHz)
	assert.Equal(t, "USB", inst.mode)
}

func TestRegisterRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg, _ := newTestRegistry()
	open := 0
	require.NoError(t, reg.Register(Descriptor{
		ID: "r",
		Factory: func(cfg config.RadioConfig, svc Services) (Instance, error) {
			return &fakeInstance{svc: svc, open: &open}, nil
		},
		Routes: func(router gin.IRouter, active func() Instance) {
			router.GET("/api/r/active", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"active": active() != nil})
			})
		},
	}))

	router := gin.New()
	reg.RegisterRoutes(router)

	get := func() string {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/r/active", nil)
		router.ServeHTTP(w, req)
		return w.Body.String()
	}

	assert.JSONEq(t, `{"active":false}`, get())
	require.NoError(t, reg.Switch("r", config.RadioConfig{}))
	assert.JSONEq(t, `{"active":true}`, get())
}
