package serialcat

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/dougsko/rigbridge/pkg/radio"
)

const (
	catMaxBuffer = 4096
	catKeepalive = 30 * time.Second
)

// catPrefixes are the two-letter commands a resync may start on
var catPrefixes = map[string]bool{
	"FA": true, "FB": true, "MD": true, "TX": true, "RX": true, "IF": true,
	"AI": true, "ID": true, "PS": true, "SM": true, "AG": true, "RG": true,
	"PC": true, "SH": true, "NA": true, "VS": true, "FR": true, "FT": true,
	"OI": true, "ST": true, "KS": true, "RA": true, "PA": true, "NB": true,
}

// catDialect captures where Yaesu and Kenwood differ
type catDialect struct {
	name       string
	freqDigits int
	modePrefix string // "MD0" on Yaesu, "MD" on Kenwood
	autoInfo   string
	poll       []string

	modes map[byte]string

	// IF answer layout, offsets into the text after "IF"
	ifFreq  [2]int
	ifMode  int
	ifTXRX  int // -1 when the IF answer has no TX flag
	pttOn   string
	pttOff  string
	txReply bool // "TXn;" answers carry the TX state
}

var yaesuDialect = catDialect{
	name:       "yaesu",
	freqDigits: 9,
	modePrefix: "MD0",
	autoInfo:   "AI1;",
	poll:       []string{"FA;", "MD0;", "TX;"},
	modes: map[byte]string{
		'1': radio.ModeLSB,
		'2': radio.ModeUSB,
		'3': radio.ModeCW,
		'4': radio.ModeFM,
		'5': radio.ModeAM,
		'6': radio.ModeRTTY,
		'7': radio.ModeCWR,
		'8': radio.ModeDataLSB,
		'9': radio.ModeRTTYR,
		'A': radio.ModeDataFM,
		'B': radio.ModeFMN,
		'C': radio.ModeDataUSB,
		'D': radio.ModeAMN,
	},
	ifFreq:  [2]int{3, 12},
	ifMode:  19,
	ifTXRX:  -1,
	pttOn:   "TX1;",
	pttOff:  "TX0;",
	txReply: true,
}

var kenwoodDialect = catDialect{
	name:       "kenwood",
	freqDigits: 11,
	modePrefix: "MD",
	autoInfo:   "AI2;",
	poll:       []string{"FA;", "MD;", "IF;"},
	modes: map[byte]string{
		'1': radio.ModeLSB,
		'2': radio.ModeUSB,
		'3': radio.ModeCW,
		'4': radio.ModeFM,
		'5': radio.ModeAM,
		'6': radio.ModeRTTY,
		'7': radio.ModeCWR,
		'9': radio.ModeRTTYR,
	},
	ifFreq: [2]int{0, 11},
	ifMode: 27,
	ifTXRX: 26,
	pttOn:  "TX;",
	pttOff: "RX;",
}

// catCodec speaks the ASCII ';'-terminated CAT protocol
type catCodec struct {
	d        catDialect
	autoInfo bool
}

func newCATCodec(d catDialect, autoInfo bool) *catCodec {
	return &catCodec{d: d, autoInfo: autoInfo}
}

func (c *catCodec) Name() string   { return c.d.name }
func (c *catCodec) StopBits() int  { return 2 }
func (c *catCodec) MaxBuffer() int { return catMaxBuffer }

func (c *catCodec) Preamble() [][]byte {
	var cmds [][]byte
	if c.autoInfo {
		cmds = append(cmds, []byte(c.d.autoInfo))
	}
	return append(cmds, c.Poll()...)
}

func (c *catCodec) Poll() [][]byte {
	cmds := make([][]byte, 0, len(c.d.poll))
	for _, p := range c.d.poll {
		cmds = append(cmds, []byte(p))
	}
	return cmds
}

// Keepalive re-sends the auto-info enable with the poll, since some radios
// silently drop out of push mode.
func (c *catCodec) Keepalive() time.Duration {
	if c.autoInfo {
		return catKeepalive
	}
	return 0
}

func (c *catCodec) Decode(buf []byte) ([]Event, []byte) {
	var events []Event
	for {
		start := findPrefix(buf)
		if start < 0 {
			// keep a trailing letter, it may be half of the next prefix
			if n := len(buf); n > 0 && isUpper(buf[n-1]) {
				return events, append([]byte(nil), buf[n-1:]...)
			}
			return events, nil
		}
		buf = buf[start:]

		end := bytes.IndexByte(buf, ';')
		if end < 0 {
			return events, trimBuffer(buf, catMaxBuffer)
		}
		unit := string(buf[:end])
		buf = buf[end+1:]
		events = append(events, c.decodeUnit(unit)...)
	}
}

// findPrefix returns the first offset where a known command starts
func findPrefix(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if catPrefixes[string(buf[i:i+2])] {
			return i
		}
	}
	return -1
}

func isUpper(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

func (c *catCodec) decodeUnit(unit string) []Event {
	if len(unit) < 2 {
		return nil
	}
	cmd, body := unit[:2], unit[2:]

	switch cmd {
	case "FA":
		if hz, ok := parseDigits(body); ok {
			return []Event{{Kind: EventFrequency, Frequency: hz}}
		}

	case "MD":
		code := body
		if c.d.modePrefix == "MD0" {
			if len(code) != 2 || code[0] != '0' {
				return nil
			}
			code = code[1:]
		}
		if len(code) == 1 {
			if mode, ok := c.d.modes[code[0]]; ok {
				return []Event{{Kind: EventMode, Mode: mode}}
			}
		}

	case "TX":
		if c.d.txReply {
			// TX0 receive, TX1 CAT transmit, TX2 mic transmit
			if len(body) == 1 && body[0] >= '0' && body[0] <= '2' {
				return []Event{{Kind: EventPTT, PTT: body[0] != '0'}}
			}
			return nil
		}
		return []Event{{Kind: EventPTT, PTT: true}}

	case "RX":
		if !c.d.txReply {
			return []Event{{Kind: EventPTT, PTT: false}}
		}

	case "IF":
		return c.decodeIF(body)
	}
	return nil
}

func (c *catCodec) decodeIF(body string) []Event {
	var events []Event
	if len(body) >= c.d.ifFreq[1] {
		if hz, ok := parseDigits(body[c.d.ifFreq[0]:c.d.ifFreq[1]]); ok {
			events = append(events, Event{Kind: EventFrequency, Frequency: hz})
		}
	}
	if c.d.ifTXRX >= 0 && len(body) > c.d.ifTXRX {
		switch body[c.d.ifTXRX] {
		case '0':
			events = append(events, Event{Kind: EventPTT, PTT: false})
		case '1':
			events = append(events, Event{Kind: EventPTT, PTT: true})
		}
	}
	if len(body) > c.d.ifMode {
		if mode, ok := c.d.modes[body[c.d.ifMode]]; ok {
			events = append(events, Event{Kind: EventMode, Mode: mode})
		}
	}
	return events
}

func parseDigits(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}

func (c *catCodec) EncodeFrequency(hz int64) ([][]byte, error) {
	max := int64(1)
	for i := 0; i < c.d.freqDigits; i++ {
		max *= 10
	}
	if hz < 0 || hz >= max {
		return nil, fmt.Errorf("frequency %d out of range for %s", hz, c.d.name)
	}
	set := fmt.Sprintf("FA%0*d;", c.d.freqDigits, hz)
	return [][]byte{[]byte(set), []byte("FA;")}, nil
}

func (c *catCodec) EncodeMode(mode string) ([][]byte, error) {
	mode = radio.NormalizeMode(mode)
	for code, m := range c.d.modes {
		if m == mode {
			set := fmt.Sprintf("%s%c;", c.d.modePrefix, code)
			return [][]byte{[]byte(set), []byte(c.d.modePrefix + ";")}, nil
		}
	}
	return nil, fmt.Errorf("mode %q not supported by %s", mode, c.d.name)
}

func (c *catCodec) EncodePTT(on bool) ([][]byte, error) {
	cmd := c.d.pttOff
	if on {
		cmd = c.d.pttOn
	}
	cmds := [][]byte{[]byte(cmd)}
	if c.d.txReply {
		cmds = append(cmds, []byte("TX;"))
	}
	return cmds, nil
}
