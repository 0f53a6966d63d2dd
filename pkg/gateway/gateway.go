// Package gateway is the HTTP surface of rigbridge: rig status, the change stream,
// rig commands and the configuration API.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio/serialcat"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gin-gonic/gin"
)

const component = "gateway"

// Options wires the gateway to the rest of the process
type Options struct {
	Config   *config.Store
	Registry *plugin.Registry
	State    *state.Store
	Logger   *logging.Logger

	// Ring and Logs back /api/logs and /api/logs/ws; either may be nil
	Ring *logging.RingBuffer
	Logs *logging.Broadcaster

	// ListPorts and Probe default to the serialcat implementations
	ListPorts func() ([]protocol.PortInfo, error)
	Probe     func(path string, baud int) error

	// StreamKeepalive is the idle interval between SSE pings
	StreamKeepalive time.Duration
}

// Gateway translates HTTP requests into registry and state operations
type Gateway struct {
	cfg       *config.Store
	registry  *plugin.Registry
	state     *state.Store
	log       *logging.Logger
	ring      *logging.RingBuffer
	logs      *logging.Broadcaster
	listPorts func() ([]protocol.PortInfo, error)
	probe     func(path string, baud int) error
	keepalive time.Duration

	// configMu makes a config save and the backend switch it triggers one step
	configMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a gateway
func New(opts Options) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       opts.Config,
		registry:  opts.Registry,
		state:     opts.State,
		log:       opts.Logger,
		ring:      opts.Ring,
		logs:      opts.Logs,
		listPorts: opts.ListPorts,
		probe:     opts.Probe,
		keepalive: opts.StreamKeepalive,
		ctx:       ctx,
		cancel:    cancel,
	}
	if g.log == nil {
		g.log = logging.Discard()
	}
	if g.listPorts == nil {
		g.listPorts = serialcat.ListPorts
	}
	if g.probe == nil {
		g.probe = func(path string, baud int) error {
			return serialcat.Probe(serialcat.OpenSerial, path, baud)
		}
	}
	if g.keepalive <= 0 {
		g.keepalive = 15 * time.Second
	}
	return g
}

// Close ends every open stream so the HTTP server can shut down
func (g *Gateway) Close() {
	g.cancel()
}

// Router builds the gin engine with every route, including the ones
// contributed by plugin descriptors
func (g *Gateway) Router() *gin.Engine {
	router := gin.New()
	router.Use(g.requestLogger(), gin.Recovery())

	router.GET("/status", g.handleGetStatus)
	router.GET("/stream", g.handleStream)
	router.POST("/freq", g.handleSetFrequency)
	router.POST("/mode", g.handleSetMode)
	router.POST("/ptt", g.handleSetPTT)

	api := router.Group("/api")
	{
		api.GET("/ports", g.handleGetPorts)
		api.GET("/config", g.handleGetConfig)
		api.POST("/config", g.handleSaveConfig)
		api.POST("/test", g.handleTestPort)
		api.GET("/plugins", g.handleGetPlugins)
		api.GET("/logs", g.handleGetLogs)
		api.GET("/logs/ws", g.handleLogsWebSocket)
	}

	g.registry.RegisterRoutes(router)
	return router
}

// ApplyRadio activates the backend selected by cfg. A failed activation leaves no
// backend running; the error is logged and returned.
func (g *Gateway) ApplyRadio(cfg config.RadioConfig) error {
	if err := g.registry.Switch(cfg.Type, cfg); err != nil {
		g.log.Errorf(component, "Failed to activate %s: %v", cfg.Type, err)
		return err
	}
	return nil
}

// requestLogger logs one line per request through the component logger
func (g *Gateway) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// long-lived streams would only log on close
		if c.FullPath() == "/stream" || c.FullPath() == "/api/logs/ws" {
			return
		}
		fields := map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			g.log.WithFields(fields).Warn(component, "request failed")
			return
		}
		g.log.WithFields(fields).Debug(component, "request")
	}
}
