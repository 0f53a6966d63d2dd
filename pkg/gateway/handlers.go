package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/gin-gonic/gin"
)

// handleGetStatus returns the current rig snapshot
func (g *Gateway) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.status())
}

func (g *Gateway) status() protocol.Status {
	st := g.state.Get()
	status := protocol.Status{
		Connected: st.Connected,
		Freq:      st.FrequencyHz,
		Mode:      st.Mode,
		Width:     st.BandwidthHz,
		PTT:       st.PTT,
		Timestamp: st.LastUpdateEpochMs,
		RadioType: g.cfg.Radio().Type,
		Band:      radio.BandName(st.FrequencyHz),
	}
	if st.LastUpdateEpochMs > 0 {
		status.LastUpdate = time.UnixMilli(st.LastUpdateEpochMs).UTC().Format(time.RFC3339Nano)
	}
	return status
}

// handleSetFrequency tunes the active radio
func (g *Gateway) handleSetFrequency(c *gin.Context) {
	var req protocol.FreqRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Freq == nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("freq is required"))
		return
	}
	g.dispatch(c, plugin.MethodSetFreq, *req.Freq)
}

// handleSetMode changes the active radio's mode
func (g *Gateway) handleSetMode(c *gin.Context) {
	var req protocol.ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Mode == nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("mode is required"))
		return
	}
	g.dispatch(c, plugin.MethodSetMode, *req.Mode)
}

// handleSetPTT keys the active radio when PTT control is enabled
func (g *Gateway) handleSetPTT(c *gin.Context) {
	var req protocol.PTTRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PTT == nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("ptt is required"))
		return
	}
	if !g.cfg.Radio().PTTEnabled {
		g.log.Warnf(component, "PTT request rejected: PTT control disabled")
		c.JSON(http.StatusForbidden, protocol.NewErrorResponse("PTT control is disabled"))
		return
	}
	g.dispatch(c, plugin.MethodSetPTT, *req.PTT)
}

func (g *Gateway) dispatch(c *gin.Context, method string, arg interface{}) {
	err := g.registry.Dispatch(method, arg)
	if err == nil {
		c.JSON(http.StatusOK, protocol.NewSuccessResponse(""))
		return
	}

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, plugin.ErrInvalidArgs):
		status = http.StatusBadRequest
	case errors.Is(err, plugin.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, plugin.ErrNoActivePlugin), errors.Is(err, plugin.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	g.log.Warnf(component, "%s failed: %v", method, err)
	c.JSON(status, protocol.NewErrorResponse(err.Error()))
}

// handleGetPorts lists serial devices
func (g *Gateway) handleGetPorts(c *gin.Context) {
	ports, err := g.listPorts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, protocol.NewErrorResponse(err.Error()))
		return
	}
	if ports == nil {
		ports = []protocol.PortInfo{}
	}
	c.JSON(http.StatusOK, ports)
}

// handleGetConfig returns the current configuration
func (g *Gateway) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, g.cfg.Get())
}

// handleSaveConfig merges a full or partial document into the configuration and
// switches the radio backend when the radio section changed
func (g *Gateway) handleSaveConfig(c *gin.Context) {
	var partial map[string]interface{}
	if err := c.ShouldBindJSON(&partial); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("invalid JSON"))
		return
	}

	g.configMu.Lock()
	defer g.configMu.Unlock()

	cfg, radioChanged, err := g.cfg.Update(partial)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		g.log.Warnf(component, "Config update rejected: %v", err)
		c.JSON(status, protocol.NewErrorResponse(err.Error()))
		return
	}

	if radioChanged {
		g.log.Infof(component, "Radio configuration changed, switching to %s", cfg.Radio.Type)
		// an activation failure is logged; the saved config is still returned
		g.ApplyRadio(cfg.Radio)
	}
	c.JSON(http.StatusOK, cfg)
}

// handleTestPort opens a serial port and closes it again without activating anything
func (g *Gateway) handleTestPort(c *gin.Context) {
	var req protocol.TestPortRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SerialPort == "" {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("serialPort is required"))
		return
	}

	if err := g.probe(req.SerialPort, req.BaudRate); err != nil {
		g.log.Infof(component, "Port test on %s failed: %v", req.SerialPort, err)
		c.JSON(http.StatusOK, protocol.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, protocol.NewSuccessResponse("Port opened successfully"))
}

// handleGetPlugins lists the registered backends and which one is active
func (g *Gateway) handleGetPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":  g.registry.Active(),
		"plugins": g.registry.List(),
	})
}

// handleGetLogs returns recent log entries
func (g *Gateway) handleGetLogs(c *gin.Context) {
	if g.ring == nil {
		c.JSON(http.StatusServiceUnavailable, protocol.NewErrorResponse("log buffer not available"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		limit = 100
	}
	entries := g.ring.Recent(limit)
	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"count": len(entries),
	})
}
