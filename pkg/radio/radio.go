// Package radio holds what every backend shares: the mode vocabulary, band
// lookup and the reconnect/poll timers.
package radio

import "strings"

// Canonical modes reported in the rig state
const (
	ModeUSB     = "USB"
	ModeLSB     = "LSB"
	ModeCW      = "CW"
	ModeCWR     = "CW-R"
	ModeAM      = "AM"
	ModeAMN     = "AM-N"
	ModeFM      = "FM"
	ModeFMN     = "FM-N"
	ModeRTTY    = "RTTY"
	ModeRTTYR   = "RTTY-R"
	ModeDataUSB = "DATA-USB"
	ModeDataLSB = "DATA-LSB"
	ModeDataFM  = "DATA-FM"
)

// Modes lists the canonical vocabulary
var Modes = []string{
	ModeUSB, ModeLSB, ModeCW, ModeCWR, ModeAM, ModeAMN, ModeFM, ModeFMN,
	ModeRTTY, ModeRTTYR, ModeDataUSB, ModeDataLSB, ModeDataFM,
}

var modeAliases = map[string]string{
	"CWR":     ModeCWR,
	"CW-REV":  ModeCWR,
	"RTTYR":   ModeRTTYR,
	"FSK":     ModeRTTY,
	"FSK-R":   ModeRTTYR,
	"FSKR":    ModeRTTYR,
	"PKTUSB":  ModeDataUSB,
	"PKTLSB":  ModeDataLSB,
	"PKTFM":   ModeDataFM,
	"DIGU":    ModeDataUSB,
	"DIGL":    ModeDataLSB,
	"USB-D":   ModeDataUSB,
	"LSB-D":   ModeDataLSB,
	"DATA":    ModeDataUSB,
	"NFM":     ModeFM,
	"WFM":     ModeFM,
	"DATAUSB": ModeDataUSB,
	"DATALSB": ModeDataLSB,
	"AMN":     ModeAMN,
	"FMN":     ModeFMN,
}

// NormalizeMode maps backend spellings onto the canonical vocabulary.
// Unknown modes are returned upper-cased so nothing is silently lost.
func NormalizeMode(mode string) string {
	m := strings.ToUpper(strings.TrimSpace(mode))
	m = strings.ReplaceAll(m, "_", "-")
	if canonical, ok := modeAliases[m]; ok {
		return canonical
	}
	return m
}

// IsKnownMode reports whether mode is in the canonical vocabulary
func IsKnownMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// SplitDataMode separates a data mode into its base sideband and a data flag
func SplitDataMode(mode string) (base string, data bool) {
	switch mode {
	case ModeDataUSB:
		return ModeUSB, true
	case ModeDataLSB:
		return ModeLSB, true
	case ModeDataFM:
		return ModeFM, true
	}
	return mode, false
}

// JoinDataMode is the inverse of SplitDataMode
func JoinDataMode(base string, data bool) string {
	if !data {
		return base
	}
	switch base {
	case ModeUSB:
		return ModeDataUSB
	case ModeLSB:
		return ModeDataLSB
	case ModeFM:
		return ModeDataFM
	}
	return base
}

// Band is an amateur allocation
type Band struct {
	Name  string
	Lower int64
	Upper int64
}

// Bands covers the HF through UHF amateur allocations (IARU region 2 edges)
var Bands = []Band{
	{"160m", 1800000, 2000000},
	{"80m", 3500000, 4000000},
	{"60m", 5330000, 5410000},
	{"40m", 7000000, 7300000},
	{"30m", 10100000, 10150000},
	{"20m", 14000000, 14350000},
	{"17m", 18068000, 18168000},
	{"15m", 21000000, 21450000},
	{"12m", 24890000, 24990000},
	{"10m", 28000000, 29700000},
	{"6m", 50000000, 54000000},
	{"2m", 144000000, 148000000},
	{"70cm", 420000000, 450000000},
}

// BandName returns the band containing hz, or "" outside every allocation
func BandName(hz int64) string {
	for _, b := range Bands {
		if hz >= b.Lower && hz <= b.Upper {
			return b.Name
		}
	}
	return ""
}
