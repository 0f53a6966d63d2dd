// Package flexradio follows one slice of a FlexRadio over the SmartSDR TCP API.
package flexradio

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
	component = "flexradio"

	dialTimeout  = 3 * time.Second
	writeTimeout = 2 * time.Second
)

// ResponseFunc receives the result code and message of an R line
type ResponseFunc func(code uint64, message string)

type command struct {
	text string
	done ResponseFunc
}

// Client is a FlexRadio plugin instance
type Client struct {
	addr      string
	slice     string
	log       *logging.Logger
	st        *state.Writer
	reconnect *radio.Reconnector
	dial      func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu        sync.Mutex
	conn      net.Conn
	gen       int
	seq       int
	handle    string
	version   string
	queued    []command
	callbacks map[int]ResponseFunc
}

// Descriptor returns the registry entry
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:        config.RadioFlexRadio,
		Name:      "FlexRadio SmartSDR",
		Category:  plugin.CategoryRig,
		ConfigKey: "flexradio",
		Factory: func(cfg config.RadioConfig, svc plugin.Services) (plugin.Instance, error) {
			return New(cfg, svc), nil
		},
	}
}

// New builds a client for cfg.FlexRadio
func New(cfg config.RadioConfig, svc plugin.Services) *Client {
	logger := svc.Log
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Client{
		addr:      cfg.FlexRadio.Address(),
		slice:     strconv.Itoa(cfg.FlexRadio.Slice),
		log:       logger,
		st:        svc.State,
		dial:      net.DialTimeout,
		callbacks: make(map[int]ResponseFunc),
	}
	c.reconnect = radio.NewReconnector(radio.DefaultReconnectDelay, c.open)
	return c
}

// Connect dials the radio; failures are retried in the background
func (c *Client) Connect() error {
	if strings.HasPrefix(c.addr, ":") {
		return fmt.Errorf("flexradio host not configured")
	}
	c.reconnect.Arm()
	c.open()
	return nil
}

// Disconnect closes the socket and forgets queued commands and callbacks
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

// Handle returns the client handle assigned by the radio, empty until H arrives
func (c *Client) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Client) resetLocked() {
	c.conn = nil
	c.handle = ""
	c.queued = nil
	c.callbacks = make(map[int]ResponseFunc)
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
	c.mu.Unlock()

	c.log.Infof(component, "Connected to %s, waiting for handle", c.addr)
	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn net.Conn, gen int) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
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
	c.log.Warnf(component, "Connection lost (%v), reconnecting", err)
	c.reconnect.Schedule()
}

func (c *Client) handleLine(gen int, line string) {
	if line == "" {
		return
	}
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	body := line[1:]
	switch line[0] {
	case 'V':
		c.mu.Lock()
		c.version = body
		c.mu.Unlock()
		c.log.Infof(component, "Radio API version %s", body)

	case 'H':
		c.assignHandle(body)

	case 'R':
		c.handleResponse(body)

	case 'S':
		_, status, ok := strings.Cut(body, "|")
		if !ok {
			c.log.Debugf(component, "Malformed status %q", line)
			return
		}
		c.handleStatus(status)

	case 'M':
		_, msg, _ := strings.Cut(body, "|")
		c.log.Infof(component, "Radio message: %s", msg)

	default:
		c.log.Debugf(component, "Ignoring line %q", line)
	}
}

func (c *Client) assignHandle(handle string) {
	c.mu.Lock()
	c.handle = handle
	pending := append([]command{{text: "sub slice all"}, {text: "sub tx all"}}, c.queued...)
	c.queued = nil
	// subscriptions and queued commands take their sequence numbers before any
	// caller can see the handle
	for _, cmd := range pending {
		if err := c.writeLocked(cmd.text, cmd.done); err != nil {
			break
		}
	}
	c.mu.Unlock()

	c.log.Infof(component, "Assigned handle %s", handle)
	c.st.SetConnected(true)
}

func (c *Client) handleResponse(body string) {
	parts := strings.SplitN(body, "|", 3)
	seq, err := strconv.Atoi(parts[0])
	if err != nil || len(parts) < 2 {
		c.log.Debugf(component, "Malformed response R%s", body)
		return
	}
	code, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		c.log.Debugf(component, "Malformed response code in R%s", body)
		return
	}
	msg := ""
	if len(parts) == 3 {
		msg = parts[2]
	}

	c.mu.Lock()
	cb := c.callbacks[seq]
	delete(c.callbacks, seq)
	c.mu.Unlock()

	if code != 0 {
		c.log.Warnf(component, "Command %d failed: %08X %s", seq, code, msg)
	}
	if cb != nil {
		cb(code, msg)
	}
}

func (c *Client) handleStatus(status string) {
	tokens := Tokenize(status)
	if len(tokens) == 0 {
		return
	}

	switch tokens[0] {
	case "slice":
		if len(tokens) < 2 || tokens[1] != c.slice {
			return
		}
		c.applySlice(ParseFields(tokens[2:]))

	case "interlock":
		fields := ParseFields(tokens[1:])
		switch fields["state"] {
		case "TRANSMITTING":
			c.st.SetPTT(true)
		case "READY", "RECEIVE", "NONE_ACTIVE":
			c.st.SetPTT(false)
		}
	}
}

func (c *Client) applySlice(fields map[string]string) {
	if v, ok := fields["RF_frequency"]; ok {
		if hz, ok := MHzToHz(v); ok {
			c.st.SetFrequency(hz)
		}
	}
	if v, ok := fields["mode"]; ok {
		c.st.SetMode(FromWire(v))
	}
	lo, errLo := strconv.Atoi(fields["filter_lo"])
	hi, errHi := strconv.Atoi(fields["filter_hi"])
	if errLo == nil && errHi == nil && hi >= lo {
		c.st.SetBandwidth(hi - lo)
	}
}

// send writes C<seq>|text, or queues it until the handle arrives
func (c *Client) send(text string, done ResponseFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return plugin.ErrNotConnected
	}
	if c.handle == "" {
		c.queued = append(c.queued, command{text: text, done: done})
		return nil
	}
	return c.writeLocked(text, done)
}

// writeLocked numbers and writes one command; c.mu must be held
func (c *Client) writeLocked(text string, done ResponseFunc) error {
	if c.conn == nil {
		return plugin.ErrNotConnected
	}
	c.seq++
	seq := c.seq
	if done != nil {
		c.callbacks[seq] = done
	}
	conn := c.conn
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := fmt.Fprintf(conn, "C%d|%s\n", seq, text); err != nil {
		delete(c.callbacks, seq)
		c.log.Errorf(component, "Write failed: %v", err)
		conn.Close()
		return err
	}
	return nil
}

// SetFrequency tunes the followed slice
func (c *Client) SetFrequency(hz int64) error {
	cmd := fmt.Sprintf("slice tune %s %.6f", c.slice, float64(hz)/1e6)
	return c.send(cmd, func(code uint64, _ string) {
		if code == 0 {
			c.st.SetFrequency(hz)
		}
	})
}

// SetMode changes the followed slice's demodulator
func (c *Client) SetMode(mode string) error {
	canonical := radio.NormalizeMode(mode)
	wire, ok := ToWire(canonical)
	if !ok {
		return fmt.Errorf("%w: mode %q not available on flexradio", plugin.ErrInvalidArgs, mode)
	}
	return c.send(fmt.Sprintf("slice set %s mode=%s", c.slice, wire), func(code uint64, _ string) {
		if code == 0 {
			c.st.SetMode(canonical)
		}
	})
}

// SetPTT keys or unkeys the transmitter
func (c *Client) SetPTT(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return c.send(fmt.Sprintf("xmit %d", v), nil)
}

// Tokenize splits a status payload on spaces, keeping quoted runs together and
// dropping the quotes.
func Tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	started := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case r == ' ' && !inQuote:
			if started {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// ParseFields turns key=value tokens into a map; tokens without '=' are skipped
func ParseFields(tokens []string) map[string]string {
	fields := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		if k, v, ok := strings.Cut(tok, "="); ok && k != "" {
			fields[k] = v
		}
	}
	return fields
}

// MHzToHz converts a decimal MHz string such as 14.074000 to Hz
func MHzToHz(s string) (int64, bool) {
	mhz, err := strconv.ParseFloat(s, 64)
	if err != nil || mhz < 0 {
		return 0, false
	}
	return int64(mhz*1e6 + 0.5), true
}

var toWire = map[string]string{
	radio.ModeUSB:     "USB",
	radio.ModeLSB:     "LSB",
	radio.ModeCW:      "CW",
	radio.ModeAM:      "AM",
	radio.ModeFM:      "FM",
	radio.ModeFMN:     "NFM",
	radio.ModeRTTY:    "RTTY",
	radio.ModeDataUSB: "DIGU",
	radio.ModeDataLSB: "DIGL",
	radio.ModeDataFM:  "DFM",
}

var fromWire = map[string]string{
	"DIGU": radio.ModeDataUSB,
	"DIGL": radio.ModeDataLSB,
	"DFM":  radio.ModeDataFM,
	"NFM":  radio.ModeFMN,
	"SAM":  radio.ModeAM,
}

// ToWire converts a canonical mode to SmartSDR's name
func ToWire(mode string) (string, bool) {
	w, ok := toWire[mode]
	return w, ok
}

// FromWire converts SmartSDR's mode name to the canonical mode
func FromWire(mode string) string {
	mode = strings.ToUpper(mode)
	if m, ok := fromWire[mode]; ok {
		return m
	}
	return radio.NormalizeMode(mode)
}
