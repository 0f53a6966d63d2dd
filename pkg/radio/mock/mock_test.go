package mock

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRadio(t *testing.T) {
	store := state.NewStore(nil)
	r := New(plugin.Services{State: store.Attach()})

	t.Run("Commands Before Connect", func(t *testing.T) {
		assert.ErrorIs(t, r.SetFrequency(7074000), plugin.ErrNotConnected)
		assert.False(t, store.Get().Connected)
	})

	t.Run("Connect Publishes Defaults", func(t *testing.T) {
		require.NoError(t, r.Connect())
		s := store.Get()
		assert.True(t, s.Connected)
		assert.Equal(t, int64(DefaultFrequency), s.FrequencyHz)
		assert.Equal(t, DefaultMode, s.Mode)
		assert.Equal(t, DefaultBandwidth, s.BandwidthHz)
	})

	t.Run("Set Frequency Mode PTT", func(t *testing.T) {
		require.NoError(t, r.SetFrequency(7074000))
		require.NoError(t, r.SetMode("lsb"))
		require.NoError(t, r.SetPTT(true))

		s := store.Get()
		assert.Equal(t, int64(7074000), s.FrequencyHz)
		assert.Equal(t, radio.ModeLSB, s.Mode)
		assert.True(t, s.PTT)

		assert.ErrorIs(t, r.SetMode("QAM64"), plugin.ErrInvalidArgs)
	})

	t.Run("Push", func(t *testing.T) {
		freq := int64(10136000)
		ptt := false
		require.NoError(t, r.Push(PushRequest{Freq: &freq, PTT: &ptt}))
		s := store.Get()
		assert.Equal(t, freq, s.FrequencyHz)
		assert.False(t, s.PTT)
		assert.Equal(t, radio.ModeLSB, s.Mode, "fields left out are untouched")

		neg := int64(-1)
		assert.ErrorIs(t, r.Push(PushRequest{Freq: &neg}), plugin.ErrInvalidArgs)
	})

	t.Run("Disconnect", func(t *testing.T) {
		require.NoError(t, r.Disconnect())
		require.NoError(t, r.Disconnect(), "idempotent")
		assert.False(t, store.Get().Connected)
		assert.Equal(t, int64(10136000), store.Get().FrequencyHz, "last known value kept")
	})
}

func TestPushRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := state.NewStore(nil)
	reg := plugin.NewRegistry(store, nil)
	require.NoError(t, reg.Register(Descriptor()))

	router := gin.New()
	reg.RegisterRoutes(router)

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/mock/push", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("Inactive", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, post(`{"freq":7074000}`).Code)
	})

	require.NoError(t, reg.Switch(config.RadioMock, config.Default().Radio))

	t.Run("Active", func(t *testing.T) {
		w := post(`{"freq":7074000,"mode":"CW","ptt":true}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"success":true`)

		s := store.Get()
		assert.Equal(t, int64(7074000), s.FrequencyHz)
		assert.Equal(t, radio.ModeCW, s.Mode)
		assert.True(t, s.PTT)
	})

	t.Run("Bad Body", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(`{"freq":`).Code)
		assert.Equal(t, http.StatusBadRequest, post(`{"freq":-5}`).Code)
	})
}
