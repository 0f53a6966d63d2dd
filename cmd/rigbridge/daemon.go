package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/gateway"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/radio/builtin"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gin-gonic/gin"
)

// RigBridge owns every long-lived component of the process
type RigBridge struct {
	config *config.Store
	logger *logging.Logger
	wg     sync.WaitGroup

	state     *state.Store
	registry  *plugin.Registry
	gateway   *gateway.Gateway
	webServer *http.Server
	listener  net.Listener
	addr      string
}

// NewRigBridge wires the state store, plugin registry and gateway together
func NewRigBridge(store *config.Store, logger *logging.Logger, addr string) *RigBridge {
	cfg := store.Get()

	ring := logging.NewRingBuffer(cfg.Logging.BufferLines)
	logs := logging.NewBroadcaster(0)
	logger.AddSink(ring)
	logger.AddSink(logs)

	states := state.NewStore(state.NewHub(0))
	registry := plugin.NewRegistry(states, logger)
	if err := builtin.Register(registry); err != nil {
		// only a duplicate or malformed builtin descriptor gets here
		panic(fmt.Sprintf("builtin plugins: %v", err))
	}

	gw := gateway.New(gateway.Options{
		Config:   store,
		Registry: registry,
		State:    states,
		Logger:   logger,
		Ring:     ring,
		Logs:     logs,
	})

	gin.SetMode(gin.ReleaseMode)
	return &RigBridge{
		config:    store,
		logger:    logger,
		state:     states,
		registry:  registry,
		gateway:   gw,
		webServer: &http.Server{Handler: gw.Router(), ReadHeaderTimeout: 10 * time.Second},
		addr:      addr,
	}
}

// Start binds the HTTP listener and activates the configured radio. A radio that
// fails to activate is logged and left inactive so it can be fixed over HTTP.
func (b *RigBridge) Start(radio config.RadioConfig) error {
	b.logger.Info("daemon", "Starting rigbridge...")

	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.addr, err)
	}
	b.listener = ln

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.logger.Infof("daemon", "Starting web server on %s", ln.Addr())
		if err := b.webServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Errorf("daemon", "Web server error: %v", err)
		}
	}()

	if radio.Type == config.RadioNone {
		b.logger.Info("daemon", "No radio configured; waiting for configuration")
		return nil
	}
	b.logger.Infof("daemon", "Radio: %s", radio.Type)
	b.gateway.ApplyRadio(radio)
	return nil
}

// Addr returns the bound address, useful when the port was 0
func (b *RigBridge) Addr() string {
	if b.listener == nil {
		return b.addr
	}
	return b.listener.Addr().String()
}

// Stop ends open streams, shuts the web server down and disconnects the radio
func (b *RigBridge) Stop() error {
	b.logger.Info("daemon", "Stopping rigbridge...")

	b.gateway.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var shutdownErr error
	if err := b.webServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("web server shutdown: %w", err)
		b.logger.Errorf("daemon", "Web server shutdown error: %v", err)
	}

	b.registry.Shutdown()
	b.wg.Wait()

	if err := b.config.Save(); err != nil {
		b.logger.Warnf("daemon", "Failed to save configuration: %v", err)
	}

	b.logger.Info("daemon", "rigbridge stopped")
	return shutdownErr
}
