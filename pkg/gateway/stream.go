package gateway

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the dashboard may be served from another origin
	},
}

// handleStream serves the SSE change stream. The current snapshot goes out first,
// then one event per effective state change.
func (g *Gateway) handleStream(c *gin.Context) {
	// subscribe before reading the snapshot so no change falls in between
	sub := g.state.Hub().Subscribe()
	defer sub.Close()

	g.log.Debugf(component, "Stream subscriber %s connected", sub.ID)
	defer g.log.Debugf(component, "Stream subscriber %s disconnected", sub.ID)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("message", g.state.Get().Snapshot())
	c.Writer.Flush()

	ticker := time.NewTicker(g.keepalive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// dropped by the hub for falling behind
				return false
			}
			c.SSEvent("message", ev.Snapshot)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		case <-ctx.Done():
			return false
		case <-g.ctx.Done():
			return false
		}
	})
}

// handleLogsWebSocket streams log entries: recent history first, then live entries
func (g *Gateway) handleLogsWebSocket(c *gin.Context) {
	if g.logs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "log stream not available"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Errorf(component, "Log WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, entries := g.logs.Subscribe()
	defer g.logs.Unsubscribe(id)

	if g.ring != nil {
		for _, e := range g.ring.Recent(100) {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}

	// the read side only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-closed:
			return
		case <-g.ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
