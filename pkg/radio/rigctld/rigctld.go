// Package rigctld talks to hamlib's rigctld daemon over its line protocol.
package rigctld

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/state"
)

const (
	component = "rigctld"

	dialTimeout     = 3 * time.Second
	writeTimeout    = 2 * time.Second
	responseTimeout = 5 * time.Second

	// polls are skipped while this many requests are still waiting
	maxBacklog = 6
)

type requestKind int

const (
	getFreq requestKind = iota
	getMode
	getPTT
	setFreq
	setMode
	setPTT
)

// request is one command awaiting its answer. rigctld has no correlation ids,
// so answers are matched purely by order.
type request struct {
	kind  requestKind
	line  string
	want  int
	lines []string

	freq int64
	mode string
	ptt  bool
}

// Client is a rigctld plugin instance
type Client struct {
	addr         string
	pollInterval time.Duration
	timeout      time.Duration
	log          *logging.Logger
	st           *state.Writer
	reconnect    *radio.Reconnector
	dial         func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu       sync.Mutex
	conn     net.Conn
	gen      int
	queue    []*request
	inflight *request
	timer    *time.Timer
	poller   *radio.Poller
}

// Descriptor returns the registry entry
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:        config.RadioRigctld,
		Name:      "Hamlib rigctld",
		Category:  plugin.CategoryRig,
		ConfigKey: "rigctld",
		Factory: func(cfg config.RadioConfig, svc plugin.Services) (plugin.Instance, error) {
			return New(cfg, svc), nil
		},
	}
}

// New builds a client for cfg.Rigctld
func New(cfg config.RadioConfig, svc plugin.Services) *Client {
	poll := time.Duration(cfg.PollInterval) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	logger := svc.Log
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Client{
		addr:         cfg.Rigctld.Address(),
		pollInterval: poll,
		timeout:      responseTimeout,
		log:          logger,
		st:           svc.State,
		dial:         net.DialTimeout,
	}
	c.reconnect = radio.NewReconnector(radio.DefaultReconnectDelay, c.open)
	return c
}

// Connect dials rigctld; a refused connection is retried in the background
func (c *Client) Connect() error {
	if c.addr == "" || strings.HasPrefix(c.addr, ":") {
		return fmt.Errorf("rigctld host not configured")
	}
	c.reconnect.Arm()
	c.open()
	return nil
}

// Disconnect closes the socket, drops pending requests and cancels timers
func (c *Client) Disconnect() error {
	c.reconnect.Stop()

	c.mu.Lock()
	conn := c.conn
	c.resetLocked()
	c.gen++
	c.mu.Unlock()

	c.st.SetConnected(false)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// resetLocked forgets the connection and everything queued on it
func (c *Client) resetLocked() {
	c.conn = nil
	c.queue = nil
	c.inflight = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.poller.Stop()
	c.poller = nil
}

func (c *Client) open() {
	conn, err := c.dial("tcp", c.addr, dialTimeout)
	if err != nil {
		c.log.Errorf(component, "Failed to connect to %s: %v", c.addr, err)
		c.st.SetConnected(false)
		c.reconnect.Schedule()
		return
	}

	c.mu.Lock()
	if c.reconnect.Deliberate() {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.poller = radio.StartPoller(c.pollInterval, true, c.poll)
	c.mu.Unlock()

	c.log.Infof(component, "Connected to %s", c.addr)
	c.st.SetConnected(true)
	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn net.Conn, gen int) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		c.handleLine(gen, strings.TrimRight(scanner.Text(), "\r"))
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("connection closed by peer")
	}
	c.handleClose(gen, err)
}

func (c *Client) handleClose(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	dropped := len(c.queue)
	if c.inflight != nil {
		dropped++
	}
	c.resetLocked()
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.st.SetConnected(false)

	if c.reconnect.Deliberate() {
		return
	}
	c.log.Warnf(component, "Connection lost (%v), %d pending requests dropped, reconnecting", err, dropped)
	c.reconnect.Schedule()
}

// handleLine attributes a line to the oldest outstanding request
func (c *Client) handleLine(gen int, line string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	req := c.inflight
	if req == nil {
		c.mu.Unlock()
		c.log.Debugf(component, "Unsolicited line %q", line)
		return
	}

	req.lines = append(req.lines, line)
	if !strings.HasPrefix(line, "RPRT") && len(req.lines) < req.want {
		c.mu.Unlock()
		return
	}

	c.inflight = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.sendNextLocked()
	c.mu.Unlock()

	c.complete(req)
}

func (c *Client) complete(req *request) {
	last := req.lines[len(req.lines)-1]
	if strings.HasPrefix(last, "RPRT") {
		code := strings.TrimSpace(strings.TrimPrefix(last, "RPRT"))
		if code != "0" {
			c.log.Warnf(component, "%q failed: RPRT %s", req.line, code)
			return
		}
		// a successful set is not echoed back, so apply it now
		switch req.kind {
		case setFreq:
			c.st.SetFrequency(req.freq)
		case setMode:
			c.st.SetMode(req.mode)
		case setPTT:
			c.st.SetPTT(req.ptt)
		}
		return
	}

	switch req.kind {
	case getFreq:
		hz, err := strconv.ParseFloat(req.lines[0], 64)
		if err != nil || hz < 0 {
			c.log.Warnf(component, "Bad frequency answer %q", req.lines[0])
			return
		}
		c.st.SetFrequency(int64(hz))

	case getMode:
		c.st.SetMode(FromWire(req.lines[0]))
		if len(req.lines) > 1 {
			if width, err := strconv.Atoi(req.lines[1]); err == nil && width >= 0 {
				c.st.SetBandwidth(width)
			}
		}

	case getPTT:
		c.st.SetPTT(req.lines[0] != "0")
	}
}

// enqueue appends requests to the FIFO and starts the first if the line is idle
func (c *Client) enqueue(reqs ...*request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return plugin.ErrNotConnected
	}
	c.queue = append(c.queue, reqs...)
	c.sendNextLocked()
	return nil
}

func (c *Client) sendNextLocked() {
	if c.inflight != nil || len(c.queue) == 0 || c.conn == nil {
		return
	}
	req := c.queue[0]
	c.queue = c.queue[1:]
	c.inflight = req

	conn, gen := c.conn, c.gen
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(req.line + "\n")); err != nil {
		c.log.Errorf(component, "Write failed: %v", err)
		// the read loop notices the close and tears down
		conn.Close()
		return
	}

	c.timer = time.AfterFunc(c.timeout, func() {
		c.mu.Lock()
		stale := gen != c.gen || c.inflight != req
		c.mu.Unlock()
		if stale {
			return
		}
		c.log.Warnf(component, "No answer to %q within %s", req.line, c.timeout)
		conn.Close()
	})
}

func (c *Client) poll() {
	c.mu.Lock()
	backlog := len(c.queue)
	c.mu.Unlock()
	if backlog > maxBacklog {
		c.log.Debugf(component, "Skipping poll, %d requests queued", backlog)
		return
	}
	c.enqueue(
		&request{kind: getFreq, line: "f", want: 1},
		&request{kind: getMode, line: "m", want: 2},
		&request{kind: getPTT, line: "t", want: 1},
	)
}

// SetFrequency sends F <hz>
func (c *Client) SetFrequency(hz int64) error {
	return c.enqueue(&request{kind: setFreq, line: fmt.Sprintf("F %d", hz), want: 1, freq: hz})
}

// SetMode sends M <mode> 0, keeping the rig's current passband
func (c *Client) SetMode(mode string) error {
	canonical := radio.NormalizeMode(mode)
	return c.enqueue(&request{kind: setMode, line: fmt.Sprintf("M %s 0", ToWire(canonical)), want: 1, mode: canonical})
}

// SetPTT sends T 1 or T 0
func (c *Client) SetPTT(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return c.enqueue(&request{kind: setPTT, line: fmt.Sprintf("T %d", v), want: 1, ptt: on})
}

var toWire = map[string]string{
	radio.ModeDataUSB: "PKTUSB",
	radio.ModeDataLSB: "PKTLSB",
	radio.ModeDataFM:  "PKTFM",
	radio.ModeCWR:     "CWR",
	radio.ModeRTTYR:   "RTTYR",
}

// ToWire converts a canonical mode to hamlib's spelling
func ToWire(mode string) string {
	if w, ok := toWire[mode]; ok {
		return w
	}
	return mode
}

// FromWire converts hamlib's spelling to the canonical mode
func FromWire(mode string) string {
	return radio.NormalizeMode(mode)
}
