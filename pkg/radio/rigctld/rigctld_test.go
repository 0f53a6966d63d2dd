package rigctld

import (
	"bufio"
	"fmt"
	"net"
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

// stubRig is a minimal rigctld: it keeps a frequency/mode/ptt and answers the
// single-letter protocol one line at a time.
type stubRig struct {
	ln net.Listener

	mu       sync.Mutex
	freq     int64
	mode     string
	width    int
	ptt      bool
	received []string
	accepted int
	conns    []net.Conn

	// custom replaces the default handler when set
	custom func(conn net.Conn, r *bufio.Reader)
}

func newStubRig(t *testing.T) *stubRig {
	return newCustomStub(t, nil)
}

func newCustomStub(t *testing.T, custom func(conn net.Conn, r *bufio.Reader)) *stubRig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &stubRig{ln: ln, freq: 14074000, mode: "PKTUSB", width: 3000, custom: custom}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *stubRig) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *stubRig) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn)
		custom := s.custom
		s.mu.Unlock()

		r := bufio.NewReader(conn)
		if custom != nil {
			go custom(conn, r)
			continue
		}
		go s.handle(conn, r)
	}
}

func (s *stubRig) handle(conn net.Conn, r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)

		s.mu.Lock()
		s.received = append(s.received, line)
		var reply string
		fields := strings.Fields(line)
		switch fields[0] {
		case "f":
			reply = fmt.Sprintf("%d\n", s.freq)
		case "m":
			reply = fmt.Sprintf("%s\n%d\n", s.mode, s.width)
		case "t":
			reply = "0\n"
			if s.ptt {
				reply = "1\n"
			}
		case "F":
			s.freq, _ = strconv.ParseInt(fields[1], 10, 64)
			reply = "RPRT 0\n"
		case "M":
			s.mode = fields[1]
			reply = "RPRT 0\n"
		case "T":
			s.ptt = fields[1] == "1"
			reply = "RPRT 0\n"
		default:
			reply = "RPRT -1\n"
		}
		s.mu.Unlock()
		conn.Write([]byte(reply))
	}
}

func (s *stubRig) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *stubRig) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func newTestClient(t *testing.T, port int, pollMs int) (*Client, *state.Store) {
	t.Helper()
	cfg := config.Default().Radio
	cfg.Rigctld = config.NetworkConfig{Host: "127.0.0.1", Port: port}
	cfg.PollInterval = pollMs
	store := state.NewStore(nil)
	c := New(cfg, plugin.Services{State: store.Attach()})
	c.reconnect.SetDelay(50 * time.Millisecond)
	t.Cleanup(func() { c.Disconnect() })
	return c, store
}

func TestPollUpdatesState(t *testing.T) {
	stub := newStubRig(t)
	c, store := newTestClient(t, stub.port(), 50)
	require.NoError(t, c.Connect())

	assert.Eventually(t, func() bool {
		s := store.Get()
		return s.Connected && s.FrequencyHz == 14074000 && s.Mode == radio.ModeDataUSB && s.BandwidthHz == 3000
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"f", "m", "t"}, stub.Received()[:3])
}

func TestSetFrequencyScenario(t *testing.T) {
	stub := newStubRig(t)
	c, store := newTestClient(t, stub.port(), 60000)
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().FrequencyHz == 14074000 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetFrequency(7074000))
	assert.Eventually(t, func() bool { return store.Get().FrequencyHz == 7074000 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, stub.Received(), "F 7074000")

	require.NoError(t, c.SetMode("DATA-LSB"))
	require.NoError(t, c.SetPTT(true))
	assert.Eventually(t, func() bool {
		s := store.Get()
		return s.Mode == radio.ModeDataLSB && s.PTT
	}, 2*time.Second, 10*time.Millisecond)

	received := stub.Received()
	assert.Contains(t, received, "M PKTLSB 0")
	assert.Contains(t, received, "T 1")
}

func TestFIFOPairingSingleChunk(t *testing.T) {
	// answer f, m and t in one write as soon as f arrives
	stub := newCustomStub(t, func(conn net.Conn, r *bufio.Reader) {
		first := true
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			if first {
				conn.Write([]byte("3573000\nUSB\n2400\n1\n"))
				first = false
			}
		}
	})

	c, store := newTestClient(t, stub.port(), 60000)
	require.NoError(t, c.Connect())

	assert.Eventually(t, func() bool {
		s := store.Get()
		return s.FrequencyHz == 3573000 && s.Mode == radio.ModeUSB && s.BandwidthHz == 2400 && s.PTT
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFIFOPairingConcurrent(t *testing.T) {
	stub := newStubRig(t)
	c, store := newTestClient(t, stub.port(), 60000)
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().Connected }, time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.SetFrequency(int64(7000000 + i))
		}(i)
	}
	wg.Wait()
	c.poll()

	// the last answer the client sees for f must match the stub's final value
	assert.Eventually(t, func() bool {
		stub.mu.Lock()
		want := stub.freq
		stub.mu.Unlock()
		c.mu.Lock()
		idle := c.inflight == nil && len(c.queue) == 0
		c.mu.Unlock()
		return idle && store.Get().FrequencyHz == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResponseTimeoutReconnects(t *testing.T) {
	// accept but never answer
	stub := newCustomStub(t, func(conn net.Conn, r *bufio.Reader) {
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	})

	c, _ := newTestClient(t, stub.port(), 60000)
	c.timeout = 50 * time.Millisecond
	require.NoError(t, c.Connect())

	assert.Eventually(t, func() bool { return stub.Accepted() >= 2 }, 2*time.Second, 10*time.Millisecond, "unanswered request forces a reconnect")
}

func TestPeerCloseDropsQueueAndReconnects(t *testing.T) {
	stub := newStubRig(t)
	c, store := newTestClient(t, stub.port(), 60000)
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().FrequencyHz == 14074000 }, time.Second, 10*time.Millisecond)

	stub.mu.Lock()
	for _, conn := range stub.conns {
		conn.Close()
	}
	stub.mu.Unlock()

	assert.Eventually(t, func() bool { return !store.Get().Connected }, time.Second, 5*time.Millisecond)
	c.mu.Lock()
	assert.Empty(t, c.queue)
	assert.Nil(t, c.inflight)
	c.mu.Unlock()

	assert.Eventually(t, func() bool { return stub.Accepted() == 2 && store.Get().Connected }, 2*time.Second, 10*time.Millisecond)
}

func TestDeliberateDisconnectNoReconnect(t *testing.T) {
	stub := newStubRig(t)
	c, store := newTestClient(t, stub.port(), 60000)
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().Connected }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, stub.Accepted())
	assert.False(t, store.Get().Connected)
	assert.ErrorIs(t, c.SetFrequency(1), plugin.ErrNotConnected)
}

func TestConnectRefusedSchedulesRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c, store := newTestClient(t, port, 60000)
	require.NoError(t, c.Connect(), "a refused socket is not a config error")
	assert.False(t, store.Get().Connected)
	assert.True(t, c.reconnect.Pending())
}

func TestFailedSetIsNotApplied(t *testing.T) {
	stub := newCustomStub(t, func(conn net.Conn, r *bufio.Reader) {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "m") {
				conn.Write([]byte("USB\n2400\n"))
			} else if strings.HasPrefix(line, "f") || strings.HasPrefix(line, "t") {
				conn.Write([]byte("RPRT -11\n"))
			} else {
				conn.Write([]byte("RPRT -1\n"))
			}
		}
	})
	c, store := newTestClient(t, stub.port(), 60000)
	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return store.Get().Mode == radio.ModeUSB }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetFrequency(10136000))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), store.Get().FrequencyHz)
}

func TestModeMapping(t *testing.T) {
	assert.Equal(t, "PKTUSB", ToWire(radio.ModeDataUSB))
	assert.Equal(t, "CWR", ToWire(radio.ModeCWR))
	assert.Equal(t, "USB", ToWire(radio.ModeUSB))
	assert.Equal(t, radio.ModeDataFM, FromWire("PKTFM"))
	assert.Equal(t, radio.ModeCWR, FromWire("CWR"))
}
