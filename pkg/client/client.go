package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gorilla/websocket"
)

// Client talks to a running rigbridge over its HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// PluginList is the /api/plugins body
type PluginList struct {
	Active  string        `json:"active"`
	Plugins []plugin.Info `json:"plugins"`
}

// LogList is the /api/logs body
type LogList struct {
	Logs  []logging.Entry `json:"logs"`
	Count int             `json:"count"`
}

// APIError is a non-2xx answer from the bridge
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// New creates a client for the bridge at baseURL, e.g. http://localhost:3000
func New(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// do sends a request and decodes a JSON answer into out, which may be nil
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach rigbridge: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var r protocol.Response
		if json.Unmarshal(data, &r) == nil && r.Error != "" {
			apiErr.Message = r.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	return nil
}

// command posts a rig command and checks the success flag
func (c *Client) command(ctx context.Context, path string, body interface{}) error {
	var resp protocol.Response
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s error: %s", strings.TrimPrefix(path, "/"), resp.Error)
	}
	return nil
}

// GetStatus gets the current rig snapshot
func (c *Client) GetStatus(ctx context.Context) (*protocol.Status, error) {
	var status protocol.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetFrequency tunes the active radio
func (c *Client) SetFrequency(ctx context.Context, hz int64) error {
	return c.command(ctx, "/freq", protocol.FreqRequest{Freq: &hz})
}

// SetMode changes the active radio's mode
func (c *Client) SetMode(ctx context.Context, mode string) error {
	return c.command(ctx, "/mode", protocol.ModeRequest{Mode: &mode})
}

// SetPTT keys or unkeys the transmitter
func (c *Client) SetPTT(ctx context.Context, on bool) error {
	return c.command(ctx, "/ptt", protocol.PTTRequest{PTT: &on})
}

// GetPorts lists the serial devices on the bridge host
func (c *Client) GetPorts(ctx context.Context) ([]protocol.PortInfo, error) {
	var ports []protocol.PortInfo
	if err := c.do(ctx, http.MethodGet, "/api/ports", nil, &ports); err != nil {
		return nil, err
	}
	return ports, nil
}

// GetConfig returns the bridge configuration
func (c *Client) GetConfig(ctx context.Context) (*config.Config, error) {
	var cfg config.Config
	if err := c.do(ctx, http.MethodGet, "/api/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig merges partial into the bridge configuration and returns the result
func (c *Client) UpdateConfig(ctx context.Context, partial map[string]interface{}) (*config.Config, error) {
	var cfg config.Config
	if err := c.do(ctx, http.MethodPost, "/api/config", partial, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TestPort asks the bridge to open and close a serial port. A port that fails to
// open is reported in the response, not as an error.
func (c *Client) TestPort(ctx context.Context, path string, baud int) (*protocol.Response, error) {
	var resp protocol.Response
	req := protocol.TestPortRequest{SerialPort: path, BaudRate: baud}
	if err := c.do(ctx, http.MethodPost, "/api/test", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPlugins lists the registered backends
func (c *Client) GetPlugins(ctx context.Context) (*PluginList, error) {
	var list PluginList
	if err := c.do(ctx, http.MethodGet, "/api/plugins", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetLogs returns up to limit recent log entries
func (c *Client) GetLogs(ctx context.Context, limit int) (*LogList, error) {
	path := "/api/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list LogList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Stream follows /stream and calls fn with every snapshot until ctx is cancelled,
// the bridge closes the stream, or fn returns false
func (c *Client) Stream(ctx context.Context, fn func(state.Snapshot) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// the stream is long-lived; only ctx bounds it
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach rigbridge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "stream refused"}
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event != "message" {
				continue
			}
			var snap state.Snapshot
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &snap); err != nil {
				return fmt.Errorf("parse error: %w", err)
			}
			if !fn(snap) {
				return nil
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}

// Ping tests the connection
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetStatus(ctx)
	return err
}

// Execute runs a parsed control command and returns the value to print
func (c *Client) Execute(ctx context.Context, cmd *protocol.Command) (interface{}, error) {
	switch cmd.Type {
	case protocol.CmdStatus:
		return c.GetStatus(ctx)

	case protocol.CmdFreq:
		hz, _ := cmd.Args["freq"].(int64)
		if err := c.SetFrequency(ctx, hz); err != nil {
			return nil, err
		}
		return protocol.NewSuccessResponse(fmt.Sprintf("frequency set to %d Hz", hz)), nil

	case protocol.CmdMode:
		mode, _ := cmd.Args["mode"].(string)
		if err := c.SetMode(ctx, mode); err != nil {
			return nil, err
		}
		return protocol.NewSuccessResponse("mode set to " + mode), nil

	case protocol.CmdPTT:
		on, _ := cmd.Args["ptt"].(bool)
		if err := c.SetPTT(ctx, on); err != nil {
			return nil, err
		}
		return protocol.NewSuccessResponse(fmt.Sprintf("PTT %t", on)), nil

	case protocol.CmdPorts:
		return c.GetPorts(ctx)

	case protocol.CmdPlugins:
		return c.GetPlugins(ctx)

	case protocol.CmdLogs:
		limit, _ := cmd.Args["limit"].(int)
		return c.GetLogs(ctx, limit)

	case protocol.CmdConfig:
		key, _ := cmd.Args["key"].(string)
		if key == "" {
			return c.GetConfig(ctx)
		}
		value, ok := cmd.Args["value"].(string)
		if !ok {
			return nil, fmt.Errorf("CONFIG:%s needs a value", key)
		}
		return c.UpdateConfig(ctx, ConfigPatch(key, value))
	}
	return nil, fmt.Errorf("unknown command %q", cmd.Type)
}

// ConfigPatch turns a dotted key and a raw value into a partial config document.
// radio.tci.port=40001 becomes {"radio":{"tci":{"port":40001}}}; values that are
// not valid JSON are sent as strings.
func ConfigPatch(key, raw string) map[string]interface{} {
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	parts := strings.Split(key, ".")
	patch := map[string]interface{}{}
	cur := patch
	for _, p := range parts[:len(parts)-1] {
		next := map[string]interface{}{}
		cur[p] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return patch
}

// FollowLogs reads /api/logs/ws and calls fn with every entry until ctx is
// cancelled, the bridge closes the socket, or fn returns false
func (c *Client) FollowLogs(ctx context.Context, fn func(logging.Entry) bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.webSocketURL("/api/logs/ws"), nil)
	if err != nil {
		return fmt.Errorf("failed to reach rigbridge: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var e logging.Entry
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("log stream error: %w", err)
		}
		if !fn(e) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func (c *Client) webSocketURL(path string) string {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}
