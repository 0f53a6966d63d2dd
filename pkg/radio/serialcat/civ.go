package serialcat

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dougsko/rigbridge/pkg/radio"
)

const (
	civPreamble   = 0xFE
	civTerminator = 0xFD
	civBroadcast  = 0x00
	civMaxBuffer  = 1024

	civCmdTransceiveFreq = 0x00
	civCmdTransceiveMode = 0x01
	civCmdReadFreq       = 0x03
	civCmdReadMode       = 0x04
	civCmdSetFreq        = 0x05
	civCmdSetMode        = 0x06
	civCmdExtended       = 0x1A
	civCmdTransmit       = 0x1C
	civCmdNG             = 0xFA
	civCmdOK             = 0xFB

	civSubDataMode = 0x06
	civSubPTT      = 0x00
)

var civModes = map[byte]string{
	0x00: radio.ModeLSB,
	0x01: radio.ModeUSB,
	0x02: radio.ModeAM,
	0x03: radio.ModeCW,
	0x04: radio.ModeRTTY,
	0x05: radio.ModeFM,
	0x07: radio.ModeCWR,
	0x08: radio.ModeRTTYR,
}

// civCodec speaks Icom's binary CI-V protocol. Data modes are reported as a base
// mode plus a separate data flag, so the codec remembers both halves.
type civCodec struct {
	radioAddr byte
	ctrlAddr  byte

	baseMode string
	dataMode bool
}

func newCIVCodec(radioAddr, ctrlAddr byte) *civCodec {
	return &civCodec{radioAddr: radioAddr, ctrlAddr: ctrlAddr}
}

func (c *civCodec) Name() string   { return "icom" }
func (c *civCodec) StopBits() int  { return 1 }
func (c *civCodec) MaxBuffer() int { return civMaxBuffer }

// Preamble is empty; CI-V starts polling straight away
func (c *civCodec) Preamble() [][]byte { return nil }

func (c *civCodec) Keepalive() time.Duration { return 0 }

func (c *civCodec) Poll() [][]byte {
	return [][]byte{
		c.frame(civCmdReadFreq),
		c.frame(civCmdReadMode),
		c.frame(civCmdExtended, civSubDataMode),
		c.frame(civCmdTransmit, civSubPTT),
	}
}

func (c *civCodec) frame(body ...byte) []byte {
	f := make([]byte, 0, len(body)+5)
	f = append(f, civPreamble, civPreamble, c.radioAddr, c.ctrlAddr)
	f = append(f, body...)
	return append(f, civTerminator)
}

func (c *civCodec) Decode(buf []byte) ([]Event, []byte) {
	var events []Event
	for {
		start := bytes.Index(buf, []byte{civPreamble, civPreamble})
		if start < 0 {
			if n := len(buf); n > 0 && buf[n-1] == civPreamble {
				return events, []byte{civPreamble}
			}
			return events, nil
		}
		// collisions can leave extra preamble bytes
		for start+2 < len(buf) && buf[start+2] == civPreamble {
			start++
		}
		buf = buf[start:]

		end := bytes.IndexByte(buf[2:], civTerminator)
		if end < 0 {
			return events, trimBuffer(buf, civMaxBuffer)
		}
		end += 2

		// a new preamble before the terminator means this frame was truncated
		if restart := bytes.IndexByte(buf[2:end], civPreamble); restart >= 0 {
			buf = buf[2+restart:]
			continue
		}

		frame := buf[:end+1]
		buf = buf[end+1:]
		events = append(events, c.decodeFrame(frame)...)
	}
}

// decodeFrame handles FE FE dst src cmd [sub] data FD
func (c *civCodec) decodeFrame(frame []byte) []Event {
	if len(frame) < 6 {
		return nil
	}
	dst, src, cmd := frame[2], frame[3], frame[4]
	data := frame[5 : len(frame)-1]

	if src != c.radioAddr {
		// our own echo on the shared bus, or another radio
		return nil
	}
	if dst != c.ctrlAddr && dst != civBroadcast {
		return nil
	}

	switch cmd {
	case civCmdReadFreq, civCmdTransceiveFreq:
		if len(data) != 5 {
			return nil
		}
		hz, ok := decodeBCD(data)
		if !ok {
			return nil
		}
		return []Event{{Kind: EventFrequency, Frequency: hz}}

	case civCmdReadMode, civCmdTransceiveMode:
		if len(data) < 1 {
			return nil
		}
		mode, ok := civModes[data[0]]
		if !ok {
			return nil
		}
		c.baseMode = mode
		if mode != radio.ModeUSB && mode != radio.ModeLSB && mode != radio.ModeFM {
			c.dataMode = false
		}
		return []Event{{Kind: EventMode, Mode: radio.JoinDataMode(mode, c.dataMode)}}

	case civCmdExtended:
		if len(data) < 2 || data[0] != civSubDataMode {
			return nil
		}
		c.dataMode = data[1] != 0x00
		if c.baseMode == "" {
			return nil
		}
		return []Event{{Kind: EventMode, Mode: radio.JoinDataMode(c.baseMode, c.dataMode)}}

	case civCmdTransmit:
		if len(data) != 2 || data[0] != civSubPTT {
			return nil
		}
		return []Event{{Kind: EventPTT, PTT: data[1] != 0x00}}

	case civCmdOK, civCmdNG:
		return nil
	}
	return nil
}

// decodeBCD reads a little-endian packed BCD frequency (two digits per byte,
// least significant byte first)
func decodeBCD(data []byte) (int64, bool) {
	var hz int64
	for i := len(data) - 1; i >= 0; i-- {
		hi, lo := data[i]>>4, data[i]&0x0F
		if hi > 9 || lo > 9 {
			return 0, false
		}
		hz = hz*100 + int64(hi)*10 + int64(lo)
	}
	return hz, true
}

func encodeBCD(hz int64, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		lo := hz % 10
		hz /= 10
		hi := hz % 10
		hz /= 10
		out[i] = byte(hi<<4 | lo)
	}
	return out
}

func (c *civCodec) EncodeFrequency(hz int64) ([][]byte, error) {
	if hz < 0 || hz >= 10000000000 {
		return nil, fmt.Errorf("frequency %d out of range for CI-V", hz)
	}
	set := append([]byte{civCmdSetFreq}, encodeBCD(hz, 5)...)
	return [][]byte{c.frame(set...), c.frame(civCmdReadFreq)}, nil
}

func (c *civCodec) EncodeMode(mode string) ([][]byte, error) {
	base, data := radio.SplitDataMode(radio.NormalizeMode(mode))
	for code, m := range civModes {
		if m != base {
			continue
		}
		dataFlag, filter := byte(0x00), byte(0x00)
		if data {
			dataFlag, filter = 0x01, 0x01
		}
		return [][]byte{
			c.frame(civCmdSetMode, code, 0x01),
			c.frame(civCmdExtended, civSubDataMode, dataFlag, filter),
			c.frame(civCmdReadMode),
			c.frame(civCmdExtended, civSubDataMode),
		}, nil
	}
	return nil, fmt.Errorf("mode %q not supported by CI-V", mode)
}

func (c *civCodec) EncodePTT(on bool) ([][]byte, error) {
	state := byte(0x00)
	if on {
		state = 0x01
	}
	return [][]byte{
		c.frame(civCmdTransmit, civSubPTT, state),
		c.frame(civCmdTransmit, civSubPTT),
	}, nil
}
