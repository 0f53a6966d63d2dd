package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Command represents a text command typed at the control client
type Command struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Response is the envelope returned by every command endpoint
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status is the /status body
type Status struct {
	Connected  bool   `json:"connected"`
	Freq       int64  `json:"freq"`
	Mode       string `json:"mode"`
	Width      int    `json:"width"`
	PTT        bool   `json:"ptt"`
	Timestamp  int64  `json:"timestamp"`
	RadioType  string `json:"radioType"`
	Band       string `json:"band,omitempty"`
	LastUpdate string `json:"lastUpdate,omitempty"`
}

// FreqRequest is the POST /freq body. Pointers distinguish missing from zero.
type FreqRequest struct {
	Freq *int64 `json:"freq"`
}

// ModeRequest is the POST /mode body
type ModeRequest struct {
	Mode *string `json:"mode"`
}

// PTTRequest is the POST /ptt body
type PTTRequest struct {
	PTT *bool `json:"ptt"`
}

// TestPortRequest is the POST /api/test body
type TestPortRequest struct {
	SerialPort string `json:"serialPort"`
	BaudRate   int    `json:"baudRate"`
}

// PortInfo describes one serial device in /api/ports
type PortInfo struct {
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// ParseCommand parses a control client command such as FREQ:14074000
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(strings.TrimSpace(parts[0])),
		Args: make(map[string]interface{}),
	}

	var args string
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}

	switch cmd.Type {
	case CmdFreq:
		// FREQ:14074000 or FREQ:14.074MHz
		if args == "" {
			return nil, fmt.Errorf("FREQ requires a frequency")
		}
		hz, err := ParseFrequency(args)
		if err != nil {
			return nil, err
		}
		cmd.Args["freq"] = hz

	case CmdMode:
		if args == "" {
			return nil, fmt.Errorf("MODE requires a mode")
		}
		cmd.Args["mode"] = strings.ToUpper(args)

	case CmdPTT:
		switch strings.ToLower(args) {
		case "on", "1", "true", "tx":
			cmd.Args["ptt"] = true
		case "off", "0", "false", "rx":
			cmd.Args["ptt"] = false
		default:
			return nil, fmt.Errorf("PTT expects on or off, got %q", args)
		}

	case CmdLogs:
		// LOGS or LOGS:50
		if args != "" {
			n, err := strconv.Atoi(args)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid log limit %q", args)
			}
			cmd.Args["limit"] = n
		}

	case CmdStream:
		// STREAM or STREAM:logs
		if args != "" {
			cmd.Args["target"] = strings.ToLower(args)
		}

	case CmdConfig:
		// CONFIG or CONFIG:radio.radioType:rigctld
		if args != "" {
			kv := strings.SplitN(args, ":", 2)
			cmd.Args["key"] = kv[0]
			if len(kv) > 1 {
				cmd.Args["value"] = kv[1]
			}
		}
	}

	return cmd, nil
}

// ParseFrequency accepts plain Hz or a value with a kHz/MHz suffix
func ParseFrequency(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "mhz"):
		mult, s = 1e6, strings.TrimSuffix(s, "mhz")
	case strings.HasSuffix(s, "khz"):
		mult, s = 1e3, strings.TrimSuffix(s, "khz")
	case strings.HasSuffix(s, "hz"):
		s = strings.TrimSuffix(s, "hz")
	}

	if mult == 1 {
		hz, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || hz < 0 {
			return 0, fmt.Errorf("invalid frequency %q", s)
		}
		return hz, nil
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}
	return int64(v*mult + 0.5), nil
}

// String converts a Response to JSON
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(message string) *Response {
	return &Response{
		Success: true,
		Message: message,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// Control client commands
const (
	CmdStatus  = "STATUS"
	CmdFreq    = "FREQ"
	CmdMode    = "MODE"
	CmdPTT     = "PTT"
	CmdPorts   = "PORTS"
	CmdConfig  = "CONFIG"
	CmdPlugins = "PLUGINS"
	CmdLogs    = "LOGS"
	CmdStream  = "STREAM"
)
