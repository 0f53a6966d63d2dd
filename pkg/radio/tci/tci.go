// Package tci follows a transceiver exposed over the TCI WebSocket protocol.
package tci

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gorilla/websocket"
)

const (
	component = "tci"

	handshakeTimeout = 3 * time.Second
	writeTimeout     = 2 * time.Second
)

// Command is one parsed NAME:arg,arg; unit
type Command struct {
	Name string
	Args []string
}

// Client is a TCI plugin instance. It never polls; the server pushes changes.
type Client struct {
	url       string
	trx       int
	vfo       int
	log       *logging.Logger
	st        *state.Writer
	reconnect *radio.Reconnector
	dialer    *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	gen     int
	device  string
}

// Descriptor returns the registry entry
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:        config.RadioTCI,
		Name:      "TCI (ExpertSDR / SunSDR)",
		Category:  plugin.CategoryRig,
		ConfigKey: "tci",
		Factory: func(cfg config.RadioConfig, svc plugin.Services) (plugin.Instance, error) {
			return New(cfg, svc), nil
		},
	}
}

// New builds a client for cfg.TCI
func New(cfg config.RadioConfig, svc plugin.Services) *Client {
	logger := svc.Log
	if logger == nil {
		logger = logging.Discard()
	}
	u := url.URL{Scheme: "ws", Host: cfg.TCI.Address(), Path: "/"}
	c := &Client{
		url:    u.String(),
		trx:    cfg.TCI.TRX,
		vfo:    cfg.TCI.VFO,
		log:    logger,
		st:     svc.State,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
	c.reconnect = radio.NewReconnector(radio.DefaultReconnectDelay, c.open)
	return c
}

// Connect opens the WebSocket; failures are retried in the background
func (c *Client) Connect() error {
	if strings.HasPrefix(c.url, "ws://:") {
		return fmt.Errorf("tci host not configured")
	}
	c.reconnect.Arm()
	c.open()
	return nil
}

// Disconnect closes the socket and suppresses reconnects
func (c *Client) Disconnect() error {
	c.reconnect.Stop()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	c.st.SetConnected(false)
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}

// Device returns the device name the server announced
func (c *Client) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Client) open() {
	conn, resp, err := c.dialer.Dial(c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.log.Errorf(component, "Failed to connect to %s: %v", c.url, err)
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

	c.log.Infof(component, "Connected to %s", c.url)
	c.st.SetConnected(true)
	go c.readLoop(conn, gen)

	if err := c.send("START;"); err != nil {
		c.log.Warnf(component, "Failed to send START: %v", err)
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		for _, cmd := range Parse(string(payload)) {
			c.handle(cmd)
		}
	}
}

func (c *Client) handleClose(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
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

func (c *Client) handle(cmd Command) {
	switch cmd.Name {
	case "VFO":
		if len(cmd.Args) < 3 || !c.matchTRX(cmd.Args[0]) || !matchIndex(cmd.Args[1], c.vfo) {
			return
		}
		hz, err := strconv.ParseFloat(cmd.Args[2], 64)
		if err != nil || hz < 0 {
			c.log.Debugf(component, "Bad VFO frequency %q", cmd.Args[2])
			return
		}
		c.st.SetFrequency(int64(hz))

	case "MODULATION":
		if len(cmd.Args) < 2 || !c.matchTRX(cmd.Args[0]) {
			return
		}
		c.st.SetMode(FromWire(cmd.Args[1]))

	case "TRX":
		if len(cmd.Args) < 2 || !c.matchTRX(cmd.Args[0]) {
			return
		}
		c.st.SetPTT(strings.EqualFold(cmd.Args[1], "true"))

	case "PROTOCOL":
		c.log.Infof(component, "Server protocol %s", strings.Join(cmd.Args, ","))

	case "DEVICE":
		if len(cmd.Args) > 0 {
			c.mu.Lock()
			c.device = cmd.Args[0]
			c.mu.Unlock()
		}
		c.log.Infof(component, "Device %s", strings.Join(cmd.Args, ","))

	case "TRX_COUNT", "VFO_LIMITS", "IF_LIMITS", "MODULATIONS_LIST", "READY":
		c.log.Debugf(component, "%s %s", cmd.Name, strings.Join(cmd.Args, ","))
	}
}

func (c *Client) matchTRX(arg string) bool {
	return matchIndex(arg, c.trx)
}

func matchIndex(arg string, want int) bool {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	return err == nil && n == want
}

func (c *Client) send(text string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return plugin.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.log.Errorf(component, "Write failed: %v", err)
		conn.Close()
		return err
	}
	return nil
}

// SetFrequency tunes the configured trx/vfo
func (c *Client) SetFrequency(hz int64) error {
	return c.send(fmt.Sprintf("VFO:%d,%d,%d;", c.trx, c.vfo, hz))
}

// SetMode changes the configured trx's modulation
func (c *Client) SetMode(mode string) error {
	wire, ok := ToWire(radio.NormalizeMode(mode))
	if !ok {
		return fmt.Errorf("%w: mode %q not available over tci", plugin.ErrInvalidArgs, mode)
	}
	return c.send(fmt.Sprintf("MODULATION:%d,%s;", c.trx, wire))
}

// SetPTT keys or unkeys the configured trx
func (c *Client) SetPTT(on bool) error {
	return c.send(fmt.Sprintf("TRX:%d,%t;", c.trx, on))
}

// Parse splits a text frame into commands. Units end with ';' and may be
// separated by newlines; names are upper-cased.
func Parse(payload string) []Command {
	var cmds []Command
	for _, unit := range strings.FieldsFunc(payload, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	}) {
		unit = strings.TrimSpace(unit)
		if unit == "" {
			continue
		}
		name, args, hasArgs := strings.Cut(unit, ":")
		cmd := Command{Name: strings.ToUpper(strings.TrimSpace(name))}
		if hasArgs {
			cmd.Args = strings.Split(args, ",")
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

var toWire = map[string]string{
	radio.ModeUSB:     "usb",
	radio.ModeLSB:     "lsb",
	radio.ModeCW:      "cw",
	radio.ModeAM:      "am",
	radio.ModeFM:      "nfm",
	radio.ModeDataUSB: "digu",
	radio.ModeDataLSB: "digl",
}

var fromWire = map[string]string{
	"DIGU": radio.ModeDataUSB,
	"DIGL": radio.ModeDataLSB,
	"NFM":  radio.ModeFM,
	"WFM":  radio.ModeFM,
	"SAM":  radio.ModeAM,
	"DSB":  radio.ModeAM,
}

// ToWire converts a canonical mode to its TCI modulation name
func ToWire(mode string) (string, bool) {
	w, ok := toWire[mode]
	return w, ok
}

// FromWire converts a TCI modulation name to the canonical mode
func FromWire(mode string) string {
	m := strings.ToUpper(strings.TrimSpace(mode))
	if canonical, ok := fromWire[m]; ok {
		return canonical
	}
	return radio.NormalizeMode(m)
}
