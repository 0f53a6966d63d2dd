// Package flrig polls and drives a radio through flrig's XML-RPC server.
package flrig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	netrpc "net/rpc"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/kolo/xmlrpc"
)

const (
	component = "flrig"

	callTimeout = 5 * time.Second
)

var errStopped = errors.New("flrig client stopped")

// Caller is the subset of *xmlrpc.Client the plugin needs
type Caller interface {
	Call(method string, args interface{}, reply interface{}) error
	Close() error
}

// DialFunc builds a Caller for an endpoint URL. Cancelling ctx aborts every call
// in flight on the returned Caller.
type DialFunc func(ctx context.Context, url string) (Caller, error)

// DialXMLRPC is the default DialFunc. Each call, body included, is bounded by
// callTimeout.
func DialXMLRPC(ctx context.Context, url string) (Caller, error) {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: callTimeout}).DialContext,
		ResponseHeaderTimeout: callTimeout,
	}
	client, err := xmlrpc.NewClient(url, &deadlineTransport{
		base:    transport,
		ctx:     ctx,
		timeout: callTimeout,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// deadlineTransport puts a per-request deadline derived from ctx on every round
// trip. The deadline stays live until the response body is closed.
type deadlineTransport struct {
	base    http.RoundTripper
	ctx     context.Context
	timeout time.Duration
}

func (t *deadlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

type job struct {
	run  func(Caller) error
	done chan error
}

// Client is a flrig plugin instance. Every call, poll or command, goes through a
// single worker so flrig sees one request at a time.
type Client struct {
	url          string
	pollInterval time.Duration
	log          *logging.Logger
	st           *state.Writer
	dial         DialFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	jobs   chan job
	stop   chan struct{}
	wg     sync.WaitGroup
	poller *radio.Poller
	modes  []string
	failed bool
}

// Descriptor returns the registry entry
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:        config.RadioFlrig,
		Name:      "flrig",
		Category:  plugin.CategoryRig,
		ConfigKey: "flrig",
		Factory: func(cfg config.RadioConfig, svc plugin.Services) (plugin.Instance, error) {
			return New(cfg, svc, DialXMLRPC), nil
		},
	}
}

// New builds a client for cfg.Flrig
func New(cfg config.RadioConfig, svc plugin.Services, dial DialFunc) *Client {
	poll := time.Duration(cfg.PollInterval) * time.Millisecond
	if poll <= 0 {
		poll = time.Second
	}
	logger := svc.Log
	if logger == nil {
		logger = logging.Discard()
	}
	if dial == nil {
		dial = DialXMLRPC
	}
	return &Client{
		url:          fmt.Sprintf("http://%s/RPC2", cfg.Flrig.Address()),
		pollInterval: poll,
		log:          logger,
		st:           svc.State,
		dial:         dial,
	}
}

// Connect creates the XML-RPC client and starts polling. flrig is stateless
// HTTP, so an unreachable server shows up as failed polls, not an error here.
func (c *Client) Connect() error {
	if strings.Contains(c.url, "//:") {
		return fmt.Errorf("flrig host not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	rpc, err := c.dial(ctx, c.url)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create flrig client: %w", err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.jobs = make(chan job, 8)
	c.stop = make(chan struct{})
	c.failed = false
	c.wg.Add(1)
	go c.worker(ctx, rpc, c.jobs, c.stop)
	c.poller = radio.StartPoller(c.pollInterval, true, c.queuePoll)
	c.mu.Unlock()

	c.log.Infof(component, "Polling %s every %s", c.url, c.pollInterval)
	return nil
}

// Disconnect aborts any call in flight, stops the poller and worker and closes
// the client
func (c *Client) Disconnect() error {
	c.mu.Lock()
	poller, stop, cancel := c.poller, c.stop, c.cancel
	c.poller, c.stop, c.cancel, c.jobs = nil, nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	poller.Stop()
	if stop != nil {
		close(stop)
	}
	c.wg.Wait()
	c.st.SetConnected(false)
	return nil
}

// worker runs jobs one at a time. A transport failure leaves the XML-RPC client
// unusable, so it is replaced before the next job; faults reported by flrig keep it.
func (c *Client) worker(ctx context.Context, rpc Caller, jobs <-chan job, stop <-chan struct{}) {
	defer c.wg.Done()
	defer func() {
		if rpc != nil {
			rpc.Close()
		}
	}()
	for {
		select {
		case <-stop:
			return
		case j := <-jobs:
			if rpc == nil {
				var err error
				if rpc, err = c.dial(ctx, c.url); err != nil {
					rpc = nil
					if j.done != nil {
						j.done <- fmt.Errorf("failed to create flrig client: %w", err)
					}
					continue
				}
			}
			err := j.run(rpc)
			if j.done != nil {
				j.done <- err
			}
			var fault netrpc.ServerError
			if err != nil && !errors.As(err, &fault) {
				rpc.Close()
				rpc = nil
			}
		}
	}
}

// submit runs fn on the worker and waits for its result
func (c *Client) submit(fn func(Caller) error) error {
	c.mu.Lock()
	jobs, stop := c.jobs, c.stop
	c.mu.Unlock()
	if jobs == nil {
		return plugin.ErrNotConnected
	}

	done := make(chan error, 1)
	select {
	case jobs <- job{run: fn, done: done}:
	case <-stop:
		return errStopped
	}
	select {
	case err := <-done:
		return err
	case <-stop:
		return errStopped
	}
}

func (c *Client) queuePoll() {
	c.mu.Lock()
	jobs := c.jobs
	c.mu.Unlock()
	if jobs == nil {
		return
	}
	select {
	case jobs <- job{run: c.poll}:
	default:
		c.log.Debugf(component, "Skipping poll, worker busy")
	}
}

func (c *Client) poll(rpc Caller) error {
	var vfo, mode, ptt interface{}
	err := rpc.Call("rig.get_vfo", nil, &vfo)
	if err == nil {
		err = rpc.Call("rig.get_mode", nil, &mode)
	}
	if err == nil {
		err = rpc.Call("rig.get_ptt", nil, &ptt)
	}
	if err != nil {
		c.mu.Lock()
		first := !c.failed
		c.failed = true
		c.mu.Unlock()
		if first {
			c.log.Warnf(component, "Poll failed: %v", err)
		}
		c.st.SetConnected(false)
		return err
	}

	c.mu.Lock()
	recovered := c.failed
	c.failed = false
	needModes := c.modes == nil
	c.mu.Unlock()
	if recovered {
		c.log.Infof(component, "flrig reachable again")
	}
	if needModes {
		c.loadModes(rpc)
	}

	if hz, ok := toInt(vfo); ok && hz >= 0 {
		c.st.SetFrequency(hz)
	}
	if s, ok := mode.(string); ok && s != "" {
		c.st.SetMode(FromWire(s))
	}
	if v, ok := toInt(ptt); ok {
		c.st.SetPTT(v != 0)
	}
	c.st.SetConnected(true)
	return nil
}

// loadModes caches the rig's mode names so SetMode can use its spelling
func (c *Client) loadModes(rpc Caller) {
	var reply []interface{}
	if err := rpc.Call("rig.get_modes", nil, &reply); err != nil {
		c.log.Debugf(component, "rig.get_modes unavailable: %v", err)
		c.mu.Lock()
		c.modes = []string{}
		c.mu.Unlock()
		return
	}
	modes := make([]string, 0, len(reply))
	for _, m := range reply {
		if s, ok := m.(string); ok {
			modes = append(modes, s)
		}
	}
	c.mu.Lock()
	c.modes = modes
	c.mu.Unlock()
}

// SetFrequency calls rig.set_vfo
func (c *Client) SetFrequency(hz int64) error {
	return c.submit(func(rpc Caller) error {
		var reply interface{}
		if err := rpc.Call("rig.set_vfo", float64(hz), &reply); err != nil {
			return fmt.Errorf("rig.set_vfo: %w", err)
		}
		c.st.SetFrequency(hz)
		return nil
	})
}

// SetMode calls rig.set_mode using the rig's own name for the mode
func (c *Client) SetMode(mode string) error {
	canonical := radio.NormalizeMode(mode)
	c.mu.Lock()
	wire := ToWire(canonical, c.modes)
	c.mu.Unlock()
	return c.submit(func(rpc Caller) error {
		var reply interface{}
		if err := rpc.Call("rig.set_mode", wire, &reply); err != nil {
			return fmt.Errorf("rig.set_mode: %w", err)
		}
		c.st.SetMode(canonical)
		return nil
	})
}

// SetPTT calls rig.set_ptt
func (c *Client) SetPTT(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return c.submit(func(rpc Caller) error {
		var reply interface{}
		if err := rpc.Call("rig.set_ptt", v, &reply); err != nil {
			return fmt.Errorf("rig.set_ptt: %w", err)
		}
		c.st.SetPTT(on)
		return nil
	})
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

var fromWire = map[string]string{
	"DATA-U": radio.ModeDataUSB,
	"DATA-L": radio.ModeDataLSB,
	"PKT-U":  radio.ModeDataUSB,
	"PKT-L":  radio.ModeDataLSB,
	"PKT-FM": radio.ModeDataFM,
	"D-USB":  radio.ModeDataUSB,
	"D-LSB":  radio.ModeDataLSB,
	"DIG-U":  radio.ModeDataUSB,
	"DIG-L":  radio.ModeDataLSB,
	"CW-U":   radio.ModeCW,
	"CW-L":   radio.ModeCWR,
	"RTTY-L": radio.ModeRTTY,
	"RTTY-U": radio.ModeRTTYR,
}

// FromWire converts one of flrig's rig-specific mode names to the canonical mode
func FromWire(mode string) string {
	m := strings.ToUpper(strings.TrimSpace(mode))
	if canonical, ok := fromWire[m]; ok {
		return canonical
	}
	return radio.NormalizeMode(m)
}

// ToWire picks the rig's spelling of a canonical mode from the list flrig
// reported; without a match the canonical name is sent as is.
func ToWire(canonical string, available []string) string {
	for _, m := range available {
		if strings.EqualFold(m, canonical) {
			return m
		}
	}
	for _, m := range available {
		if FromWire(m) == canonical {
			return m
		}
	}
	return canonical
}
