package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/gateway"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio/builtin"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBridge runs a full gateway with the mock radio behind an httptest server
func newBridge(t *testing.T, pttEnabled bool) (*Client, *logging.Logger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Radio.Type = config.RadioMock
	cfg.Radio.PTTEnabled = pttEnabled
	cfgStore := config.NewMemoryStore(cfg)

	logger := logging.New(logging.LevelInfo, io.Discard)
	ring := logging.NewRingBuffer(100)
	logs := logging.NewBroadcaster(16)
	logger.AddSink(ring)
	logger.AddSink(logs)

	store := state.NewStore(nil)
	reg := plugin.NewRegistry(store, logger)
	require.NoError(t, builtin.Register(reg))

	gw := gateway.New(gateway.Options{
		Config:    cfgStore,
		Registry:  reg,
		State:     store,
		Logger:    logger,
		Ring:      ring,
		Logs:      logs,
		ListPorts: func() ([]protocol.PortInfo, error) { return nil, nil },
		Probe:     func(string, int) error { return errors.New("permission denied") },
	})
	require.NoError(t, gw.ApplyRadio(cfgStore.Radio()))

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
		reg.Shutdown()
	})
	return New(srv.URL), logger
}

func TestClientCommands(t *testing.T) {
	c, _ := newBridge(t, true)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.SetFrequency(ctx, 7074000))
	require.NoError(t, c.SetMode(ctx, "usb"))
	require.NoError(t, c.SetPTT(ctx, true))

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Equal(t, int64(7074000), status.Freq)
	assert.Equal(t, "USB", status.Mode)
	assert.True(t, status.PTT)
	assert.Equal(t, config.RadioMock, status.RadioType)

	err = c.SetMode(ctx, "QAM64")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestClientPTTDisabled(t *testing.T) {
	c, _ := newBridge(t, false)

	err := c.SetPTT(context.Background(), true)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "disabled")
}

func TestClientConfigAndListings(t *testing.T) {
	c, logger := newBridge(t, false)
	ctx := context.Background()

	t.Run("Config", func(t *testing.T) {
		cfg, err := c.GetConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, config.RadioMock, cfg.Radio.Type)

		cfg, err = c.UpdateConfig(ctx, ConfigPatch("radio.pttEnabled", "true"))
		require.NoError(t, err)
		assert.True(t, cfg.Radio.PTTEnabled)

		_, err = c.UpdateConfig(ctx, ConfigPatch("radio.radioType", "smoke-signals"))
		assert.Error(t, err)
	})

	t.Run("Plugins", func(t *testing.T) {
		list, err := c.GetPlugins(ctx)
		require.NoError(t, err)
		assert.Equal(t, config.RadioMock, list.Active)
		assert.NotEmpty(t, list.Plugins)
	})

	t.Run("Ports And Probe", func(t *testing.T) {
		ports, err := c.GetPorts(ctx)
		require.NoError(t, err)
		assert.Empty(t, ports)

		resp, err := c.TestPort(ctx, "/dev/ttyUSB0", 9600)
		require.NoError(t, err, "a failed open is not a transport error")
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Error, "permission denied")
	})

	t.Run("Logs", func(t *testing.T) {
		logger.Info("test", "client log check")
		list, err := c.GetLogs(ctx, 10)
		require.NoError(t, err)
		require.NotEmpty(t, list.Logs)
		assert.Equal(t, "client log check", list.Logs[len(list.Logs)-1].Message)
	})

	t.Run("Follow Logs", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		var got []string
		err := c.FollowLogs(ctx, func(e logging.Entry) bool {
			got = append(got, e.Message)
			return e.Message != "client log check"
		})
		require.NoError(t, err)
		assert.Contains(t, got, "client log check")
	})
}

func TestClientStream(t *testing.T) {
	c, _ := newBridge(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var snaps []state.Snapshot
	opened := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, func(s state.Snapshot) bool {
			if len(snaps) == 0 {
				close(opened)
			}
			snaps = append(snaps, s)
			return s.Freq != 10136000
		})
	}()

	select {
	case <-opened:
	case <-ctx.Done():
		t.Fatal("no initial snapshot")
	}
	require.NoError(t, c.SetFrequency(ctx, 10136000))

	require.NoError(t, <-done)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(14074000), snaps[0].Freq, "initial snapshot first")
	assert.Equal(t, int64(10136000), snaps[1].Freq)
}

func TestExecute(t *testing.T) {
	c, _ := newBridge(t, true)
	ctx := context.Background()

	run := func(text string) (interface{}, error) {
		cmd, err := protocol.ParseCommand(text)
		require.NoError(t, err)
		return c.Execute(ctx, cmd)
	}

	_, err := run("FREQ:14.0955MHz")
	require.NoError(t, err)
	out, err := run("STATUS")
	require.NoError(t, err)
	assert.Equal(t, int64(14095500), out.(*protocol.Status).Freq)

	_, err = run("PTT:on")
	require.NoError(t, err)

	out, err = run("CONFIG:radio.pollInterval:250")
	require.NoError(t, err)
	assert.Equal(t, 250, out.(*config.Config).Radio.PollInterval)

	_, err = run("CONFIG:radio.pollInterval")
	assert.Error(t, err)

	_, err = run("BOGUS")
	assert.Error(t, err)
}

func TestConfigPatch(t *testing.T) {
	assert.Equal(t,
		map[string]interface{}{"radio": map[string]interface{}{"tci": map[string]interface{}{"port": float64(40001)}}},
		ConfigPatch("radio.tci.port", "40001"))
	assert.Equal(t,
		map[string]interface{}{"radio": map[string]interface{}{"radioType": "rigctld"}},
		ConfigPatch("radio.radioType", "rigctld"))
	assert.Equal(t, map[string]interface{}{"port": float64(8080)}, ConfigPatch("port", "8080"))
}
