package serialcat

import "time"

// EventKind says which field a decoded event carries
type EventKind int

const (
	EventFrequency EventKind = iota
	EventMode
	EventPTT
)

// Event is one decoded state report from the radio
type Event struct {
	Kind      EventKind
	Frequency int64
	Mode      string
	PTT       bool
}

// Codec translates between the generic commands and one radio family's wire format.
// A codec instance belongs to a single connection and may keep decoding state.
type Codec interface {
	// Name is used in log lines
	Name() string
	// StopBits is the family default used when the config leaves stop bits unset
	StopBits() int
	// MaxBuffer caps the receive buffer; older bytes are trimmed past it
	MaxBuffer() int

	// Preamble returns the commands sent after the port opens and on every
	// keepalive tick
	Preamble() [][]byte
	// Poll returns the commands that query frequency, mode and PTT
	Poll() [][]byte
	// Keepalive is the re-poll interval used instead of the normal poll
	// cadence when the radio pushes changes itself; zero means always poll.
	Keepalive() time.Duration

	// Decode consumes complete units from buf and returns the remainder.
	// Malformed units are dropped; Decode never fails.
	Decode(buf []byte) ([]Event, []byte)

	EncodeFrequency(hz int64) ([][]byte, error)
	EncodeMode(mode string) ([][]byte, error)
	EncodePTT(on bool) ([][]byte, error)
}

func trimBuffer(buf []byte, max int) []byte {
	if len(buf) <= max {
		return buf
	}
	return append([]byte(nil), buf[len(buf)-max:]...)
}
