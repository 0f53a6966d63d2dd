// Package serialcat drives radios attached over USB serial: ASCII CAT for Yaesu
// and Kenwood, binary CI-V for Icom.
package serialcat

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/state"
	"go.bug.st/serial"
)

// Family selects the wire protocol
type Family string

const (
	FamilyYaesu   Family = config.RadioYaesu
	FamilyKenwood Family = config.RadioKenwood
	FamilyIcom    Family = config.RadioIcom
)

// Lifecycle is the port state machine position
type Lifecycle int

const (
	Closed Lifecycle = iota
	Opening
	Preamble
	Listening
)

func (l Lifecycle) String() string {
	switch l {
	case Opening:
		return "opening"
	case Preamble:
		return "preamble"
	case Listening:
		return "listening"
	}
	return "closed"
}

// Port is the subset of serial.Port the plugin uses
type Port interface {
	io.ReadWriteCloser
	Drain() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// Opener opens a serial device
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real device through go.bug.st/serial
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// Radio is one serial plugin instance
type Radio struct {
	family       Family
	cfg          config.SerialConfig
	pollInterval time.Duration
	log          *logging.Logger
	st           *state.Writer
	open         Opener
	reconnect    *radio.Reconnector
	newCodec     func() Codec

	mu        sync.Mutex
	port      Port
	codec     Codec
	gen       int
	lifecycle Lifecycle
	poller    *radio.Poller

	// serializes write+drain so commands and polls never interleave
	writeMu sync.Mutex
}

// Descriptor returns the registry entry for one family
func Descriptor(family Family, name string) plugin.Descriptor {
	return plugin.Descriptor{
		ID:        string(family),
		Name:      name,
		Category:  plugin.CategoryRig,
		ConfigKey: "serial",
		Factory: func(cfg config.RadioConfig, svc plugin.Services) (plugin.Instance, error) {
			return New(family, cfg, svc, OpenSerial)
		},
	}
}

// New builds an instance without touching the port
func New(family Family, cfg config.RadioConfig, svc plugin.Services, open Opener) (*Radio, error) {
	sc := cfg.Serial
	var newCodec func() Codec
	switch family {
	case FamilyYaesu:
		newCodec = func() Codec { return newCATCodec(yaesuDialect, sc.AutoInfoEnabled()) }
	case FamilyKenwood:
		newCodec = func() Codec { return newCATCodec(kenwoodDialect, sc.AutoInfoEnabled()) }
	case FamilyIcom:
		newCodec = func() Codec { return newCIVCodec(byte(sc.CIVAddress), byte(sc.ControllerAddress)) }
	default:
		return nil, fmt.Errorf("unknown serial family %q", family)
	}

	poll := time.Duration(cfg.PollInterval) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	logger := svc.Log
	if logger == nil {
		logger = logging.Discard()
	}

	r := &Radio{
		family:       family,
		cfg:          sc,
		pollInterval: poll,
		log:          logger,
		st:           svc.State,
		open:         open,
		newCodec:     newCodec,
	}
	r.reconnect = radio.NewReconnector(radio.DefaultReconnectDelay, r.openPort)
	return r, nil
}

func (r *Radio) component() string {
	return "serial/" + string(r.family)
}

// Lifecycle returns the current state machine position
func (r *Radio) Lifecycle() Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lifecycle
}

// Connect opens the port. Only a missing device path is an error; open failures
// are retried in the background.
func (r *Radio) Connect() error {
	if strings.TrimSpace(r.cfg.Path) == "" {
		return fmt.Errorf("serial path not configured")
	}
	r.reconnect.Arm()
	r.openPort()
	return nil
}

// Disconnect closes the port for good and cancels every timer
func (r *Radio) Disconnect() error {
	r.reconnect.Stop()

	r.mu.Lock()
	port := r.port
	r.port = nil
	r.gen++
	r.poller.Stop()
	r.poller = nil
	r.lifecycle = Closed
	r.mu.Unlock()

	r.st.SetConnected(false)
	if port != nil {
		r.log.Infof(r.component(), "Closing %s", r.cfg.Path)
		return port.Close()
	}
	return nil
}

// serialMode builds the port settings, applying the family stop-bit default
func (r *Radio) serialMode(codec Codec) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: r.cfg.BaudRate,
		DataBits: r.cfg.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch strings.ToLower(r.cfg.Parity) {
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	}
	stop := r.cfg.StopBits
	if stop == 0 {
		stop = codec.StopBits()
	}
	if stop == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

func (r *Radio) openPort() {
	codec := r.newCodec()

	r.mu.Lock()
	r.lifecycle = Opening
	r.mu.Unlock()

	r.log.Infof(r.component(), "Opening %s at %d baud", r.cfg.Path, r.cfg.BaudRate)
	port, err := r.open(r.cfg.Path, r.serialMode(codec))
	if err != nil {
		r.log.Errorf(r.component(), "Failed to open %s: %v", r.cfg.Path, err)
		r.mu.Lock()
		r.lifecycle = Closed
		r.mu.Unlock()
		r.st.SetConnected(false)
		r.reconnect.Schedule()
		return
	}

	if err := r.applyLines(port); err != nil {
		r.log.Warnf(r.component(), "Failed to set modem lines: %v", err)
	}

	r.mu.Lock()
	if r.reconnect.Deliberate() {
		r.mu.Unlock()
		port.Close()
		return
	}
	r.port = port
	r.codec = codec
	r.gen++
	gen := r.gen
	r.lifecycle = Preamble
	r.mu.Unlock()

	r.st.SetConnected(true)
	go r.readLoop(port, codec, gen)

	for _, cmd := range codec.Preamble() {
		if err := r.write(cmd); err != nil {
			return
		}
	}

	interval, cmds := r.pollInterval, codec.Poll
	immediate := len(codec.Preamble()) == 0
	if ka := codec.Keepalive(); ka > 0 {
		interval, cmds = ka, codec.Preamble
	}

	r.mu.Lock()
	if gen == r.gen {
		r.lifecycle = Listening
		r.poller = radio.StartPoller(interval, immediate, func() {
			for _, cmd := range cmds() {
				if r.write(cmd) != nil {
					return
				}
			}
		})
	}
	r.mu.Unlock()
	r.log.Infof(r.component(), "Listening on %s", r.cfg.Path)
}

func (r *Radio) applyLines(port Port) error {
	for _, line := range []struct {
		setting string
		set     func(bool) error
	}{
		{r.cfg.DTR, port.SetDTR},
		{r.cfg.RTS, port.SetRTS},
	} {
		switch strings.ToLower(line.setting) {
		case "on":
			if err := line.set(true); err != nil {
				return err
			}
		case "off":
			if err := line.set(false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Radio) readLoop(port Port, codec Codec, gen int) {
	var buf []byte
	chunk := make([]byte, 256)
	for {
		n, err := port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var events []Event
			events, buf = codec.Decode(buf)
			buf = trimBuffer(buf, codec.MaxBuffer())
			r.apply(gen, events)
		}
		if err == nil && n == 0 {
			// a blocking read returning nothing means the device went away
			err = io.EOF
		}
		if err != nil {
			r.handleClose(gen, err)
			return
		}
	}
}

func (r *Radio) apply(gen int, events []Event) {
	r.mu.Lock()
	current := gen == r.gen
	r.mu.Unlock()
	if !current {
		return
	}

	for _, ev := range events {
		switch ev.Kind {
		case EventFrequency:
			r.st.SetFrequency(ev.Frequency)
		case EventMode:
			r.st.SetMode(ev.Mode)
		case EventPTT:
			r.st.SetPTT(ev.PTT)
		}
	}
}

func (r *Radio) handleClose(gen int, err error) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	port := r.port
	r.port = nil
	r.gen++
	r.poller.Stop()
	r.poller = nil
	r.lifecycle = Closed
	r.mu.Unlock()

	if port != nil {
		port.Close()
	}
	r.st.SetConnected(false)

	if r.reconnect.Deliberate() {
		return
	}
	r.log.Warnf(r.component(), "Port %s closed unexpectedly (%v), reconnecting in %s", r.cfg.Path, err, radio.DefaultReconnectDelay)
	r.reconnect.Schedule()
}

// write sends one command and waits until it has left the output buffer
func (r *Radio) write(cmd []byte) error {
	r.mu.Lock()
	port, gen := r.port, r.gen
	r.mu.Unlock()
	if port == nil {
		return plugin.ErrNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, err := port.Write(cmd); err != nil {
		r.log.Errorf(r.component(), "Write failed: %v", err)
		r.handleClose(gen, err)
		return err
	}
	if err := port.Drain(); err != nil {
		r.log.Errorf(r.component(), "Drain failed: %v", err)
		r.handleClose(gen, err)
		return err
	}
	return nil
}

func (r *Radio) writeAll(cmds [][]byte) error {
	for _, cmd := range cmds {
		if err := r.write(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (r *Radio) currentCodec() (Codec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil || r.codec == nil {
		return nil, plugin.ErrNotConnected
	}
	return r.codec, nil
}

// SetFrequency tunes the radio and reads the frequency back
func (r *Radio) SetFrequency(hz int64) error {
	codec, err := r.currentCodec()
	if err != nil {
		return err
	}
	cmds, err := codec.EncodeFrequency(hz)
	if err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrInvalidArgs, err)
	}
	return r.writeAll(cmds)
}

// SetMode changes mode and reads it back
func (r *Radio) SetMode(mode string) error {
	codec, err := r.currentCodec()
	if err != nil {
		return err
	}
	cmds, err := codec.EncodeMode(mode)
	if err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrInvalidArgs, err)
	}
	return r.writeAll(cmds)
}

// SetPTT keys or unkeys the transmitter and reads the state back
func (r *Radio) SetPTT(on bool) error {
	codec, err := r.currentCodec()
	if err != nil {
		return err
	}
	cmds, err := codec.EncodePTT(on)
	if err != nil {
		return err
	}
	return r.writeAll(cmds)
}
