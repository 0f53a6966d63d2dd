package flrig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRig is an in-memory flrig
type fakeRig struct {
	mu     sync.Mutex
	vfo    int64
	mode   string
	ptt    int
	modes  []string
	down   bool
	calls  []string
	closed bool
}

func (f *fakeRig) Call(method string, args interface{}, reply interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if f.down {
		return errors.New("connection refused")
	}

	set := func(v interface{}) {
		if p, ok := reply.(*interface{}); ok {
			*p = v
		}
	}
	switch method {
	case "rig.get_vfo":
		set(strconv.FormatInt(f.vfo, 10))
	case "rig.get_mode":
		set(f.mode)
	case "rig.get_ptt":
		set(int64(f.ptt))
	case "rig.get_modes":
		out := make([]interface{}, len(f.modes))
		for i, m := range f.modes {
			out[i] = m
		}
		*reply.(*[]interface{}) = out
	case "rig.set_vfo":
		f.vfo = int64(args.(float64))
	case "rig.set_mode":
		f.mode = args.(string)
	case "rig.set_ptt":
		f.ptt = args.(int)
	default:
		return fmt.Errorf("unknown method %s", method)
	}
	return nil
}

func (f *fakeRig) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRig) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeRig) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func newTestClient(t *testing.T, rig *fakeRig) (*Client, *state.Store) {
	t.Helper()
	cfg := config.Default().Radio
	cfg.PollInterval = 20
	store := state.NewStore(nil)
	c := New(cfg, plugin.Services{State: store.Attach()}, func(context.Context, string) (Caller, error) { return rig, nil })
	t.Cleanup(func() { c.Disconnect() })
	return c, store
}

func TestPollUpdatesState(t *testing.T) {
	rig := &fakeRig{vfo: 14074000, mode: "DATA-U", modes: []string{"LSB", "USB", "DATA-L", "DATA-U", "CW"}}
	c, store := newTestClient(t, rig)
	require.NoError(t, c.Connect())

	assert.Eventually(t, func() bool {
		s := store.Get()
		return s.Connected && s.FrequencyHz == 14074000 && s.Mode == radio.ModeDataUSB && !s.PTT
	}, time.Second, 5*time.Millisecond)
}

func TestSetCommands(t *testing.T) {
	rig := &fakeRig{vfo: 14074000, mode: "USB", modes: []string{"LSB", "USB", "DATA-L", "DATA-U"}}
	c, store := newTestClient(t, rig)
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().Connected }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SetFrequency(7074000))
	assert.Equal(t, int64(7074000), store.Get().FrequencyHz)

	require.NoError(t, c.SetMode("DATA-LSB"))
	assert.Equal(t, "DATA-L", rig.Mode(), "the rig's own spelling is sent")
	assert.Eventually(t, func() bool { return store.Get().Mode == radio.ModeDataLSB }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SetPTT(true))
	assert.Eventually(t, func() bool { return store.Get().PTT }, time.Second, 5*time.Millisecond)
}

func TestPollFailureMarksDisconnected(t *testing.T) {
	rig := &fakeRig{vfo: 3573000, mode: "USB"}
	c, store := newTestClient(t, rig)
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().Connected }, time.Second, 5*time.Millisecond)

	rig.SetDown(true)
	assert.Eventually(t, func() bool { return !store.Get().Connected }, time.Second, 5*time.Millisecond)
	assert.Error(t, c.SetFrequency(7074000))

	rig.SetDown(false)
	assert.Eventually(t, func() bool { return store.Get().Connected }, time.Second, 5*time.Millisecond)
}

func TestTransportFailureRedials(t *testing.T) {
	rig := &fakeRig{vfo: 3573000, mode: "USB"}
	cfg := config.Default().Radio
	cfg.PollInterval = 20
	store := state.NewStore(nil)

	var mu sync.Mutex
	dials := 0
	c := New(cfg, plugin.Services{State: store.Attach()}, func(context.Context, string) (Caller, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return rig, nil
	})
	t.Cleanup(func() { c.Disconnect() })
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().Connected }, time.Second, 5*time.Millisecond)

	rig.SetDown(true)
	assert.Eventually(t, func() bool { return !store.Get().Connected }, time.Second, 5*time.Millisecond)
	rig.SetDown(false)
	assert.Eventually(t, func() bool { return store.Get().Connected }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, dials, 1, "a failed call replaces the client")
}

func TestDisconnectStopsPolling(t *testing.T) {
	rig := &fakeRig{vfo: 3573000, mode: "USB"}
	c, store := newTestClient(t, rig)
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().Connected }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	rig.mu.Lock()
	n := len(rig.calls)
	closed := rig.closed
	rig.mu.Unlock()
	assert.True(t, closed)
	assert.False(t, store.Get().Connected)

	time.Sleep(100 * time.Millisecond)
	rig.mu.Lock()
	assert.Equal(t, n, len(rig.calls), "no calls after disconnect")
	rig.mu.Unlock()
	assert.ErrorIs(t, c.SetPTT(true), plugin.ErrNotConnected)
}

func TestModeNames(t *testing.T) {
	assert.Equal(t, radio.ModeDataUSB, FromWire("PKT-U"))
	assert.Equal(t, radio.ModeCWR, FromWire("CW-L"))
	assert.Equal(t, radio.ModeUSB, FromWire("usb"))

	avail := []string{"LSB", "USB", "USB-D", "CW"}
	assert.Equal(t, "USB-D", ToWire(radio.ModeDataUSB, avail))
	assert.Equal(t, "CW", ToWire(radio.ModeCW, avail))
	assert.Equal(t, radio.ModeAM, ToWire(radio.ModeAM, avail))
	assert.Equal(t, radio.ModeAM, ToWire(radio.ModeAM, nil))
}

var (
	methodRe = regexp.MustCompile(`<methodName>([^<]+)</methodName>`)
	doubleRe = regexp.MustCompile(`<double>([^<]+)</double>`)
)

// TestXMLRPCWire drives the real XML-RPC client against a minimal flrig endpoint
func TestXMLRPCWire(t *testing.T) {
	var mu sync.Mutex
	vfo := "14074000"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m := methodRe.FindStringSubmatch(string(body))
		if m == nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()

		value := "<value><string></string></value>"
		switch m[1] {
		case "rig.get_vfo":
			value = "<value><string>" + vfo + "</string></value>"
		case "rig.get_mode":
			value = "<value><string>USB</string></value>"
		case "rig.get_ptt":
			value = "<value><i4>0</i4></value>"
		case "rig.get_modes":
			value = "<value><array><data><value><string>USB</string></value><value><string>LSB</string></value></data></array></value>"
		case "rig.set_vfo":
			if d := doubleRe.FindStringSubmatch(string(body)); d != nil {
				f, _ := strconv.ParseFloat(strings.TrimSpace(d[1]), 64)
				vfo = strconv.FormatInt(int64(f), 10)
			}
		}
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprintf(w, `<?xml version="1.0"?><methodResponse><params><param>%s</param></params></methodResponse>`, value)
	}))
	defer srv.Close()

	host, portStr, _ := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	port, _ := strconv.Atoi(portStr)
	cfg := config.Default().Radio
	cfg.Flrig = config.NetworkConfig{Host: host, Port: port}
	cfg.PollInterval = 20

	store := state.NewStore(nil)
	c := New(cfg, plugin.Services{State: store.Attach()}, nil)
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.Eventually(t, func() bool {
		s := store.Get()
		return s.Connected && s.FrequencyHz == 14074000 && s.Mode == radio.ModeUSB
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetFrequency(21074000))
	assert.Eventually(t, func() bool { return store.Get().FrequencyHz == 21074000 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "21074000", vfo)
	mu.Unlock()
}

// TestStalledResponseDoesNotBlockDisconnect uses a server that sends headers and
// then never finishes the body
func TestStalledResponseDoesNotBlockDisconnect(t *testing.T) {
	hit := make(chan struct{}, 16)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `<?xml version="1.0"?><methodResponse>`)
		w.(http.Flusher).Flush()
		select {
		case hit <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	host, portStr, _ := strings.Cut(strings.TrimPrefix(srv.URL, "http://"), ":")
	port, _ := strconv.Atoi(portStr)
	cfg := config.Default().Radio
	cfg.Flrig = config.NetworkConfig{Host: host, Port: port}
	cfg.PollInterval = 20

	store := state.NewStore(nil)
	c := New(cfg, plugin.Services{State: store.Attach()}, nil)
	require.NoError(t, c.Connect())

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never reached the server")
	}

	done := make(chan error, 1)
	go func() { done <- c.Disconnect() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect blocked on a stalled call")
	}
	assert.False(t, store.Get().Connected)
}
