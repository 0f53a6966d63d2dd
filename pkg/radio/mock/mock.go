// Package mock provides an in-memory radio for dashboard development and tests.
package mock

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/plugin"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/radio"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gin-gonic/gin"
)

const component = "mock"

// Defaults a fresh mock radio starts with: the 20m FT8 watering hole
const (
	DefaultFrequency = 14074000
	DefaultMode      = radio.ModeDataUSB
	DefaultBandwidth = 3000
)

// PushRequest simulates a change made on the radio's front panel
type PushRequest struct {
	Freq *int64  `json:"freq,omitempty"`
	Mode *string `json:"mode,omitempty"`
	PTT  *bool   `json:"ptt,omitempty"`
}

// Radio implements the plugin contract without any hardware
type Radio struct {
	log *logging.Logger
	st  *state.Writer

	mutex     sync.RWMutex
	connected bool
	frequency int64
	mode      string
	bandwidth int
	ptt       bool
}

// Descriptor returns the registry entry, including the push endpoint
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		ID:        config.RadioMock,
		Name:      "Mock radio",
		Category:  plugin.CategoryRig,
		ConfigKey: "mock",
		Factory: func(cfg config.RadioConfig, svc plugin.Services) (plugin.Instance, error) {
			return New(svc), nil
		},
		Routes: registerRoutes,
	}
}

// New creates a mock radio
func New(svc plugin.Services) *Radio {
	logger := svc.Log
	if logger == nil {
		logger = logging.Discard()
	}
	return &Radio{
		log:       logger,
		st:        svc.State,
		frequency: DefaultFrequency,
		mode:      DefaultMode,
		bandwidth: DefaultBandwidth,
	}
}

// Connect publishes the mock's current settings
func (r *Radio) Connect() error {
	r.mutex.Lock()
	r.connected = true
	freq, mode, width, ptt := r.frequency, r.mode, r.bandwidth, r.ptt
	r.mutex.Unlock()

	r.log.Infof(component, "Mock radio connected at %.3f MHz %s", float64(freq)/1e6, mode)
	r.st.SetFrequency(freq)
	r.st.SetMode(mode)
	r.st.SetBandwidth(width)
	r.st.SetPTT(ptt)
	r.st.SetConnected(true)
	return nil
}

// Disconnect marks the mock closed
func (r *Radio) Disconnect() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.connected {
		return nil
	}
	r.connected = false
	r.st.SetConnected(false)
	r.log.Info(component, "Mock radio disconnected")
	return nil
}

// SetFrequency sets the mock frequency
func (r *Radio) SetFrequency(hz int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.connected {
		return plugin.ErrNotConnected
	}
	r.log.Debugf(component, "Setting frequency to %d Hz", hz)
	r.frequency = hz
	r.st.SetFrequency(hz)
	return nil
}

// SetMode sets the mock mode; only the canonical vocabulary is accepted
func (r *Radio) SetMode(mode string) error {
	canonical := radio.NormalizeMode(mode)
	if !radio.IsKnownMode(canonical) {
		return fmt.Errorf("%w: unknown mode %q", plugin.ErrInvalidArgs, mode)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.connected {
		return plugin.ErrNotConnected
	}
	r.mode = canonical
	r.st.SetMode(canonical)
	return nil
}

// SetPTT sets the mock PTT state
func (r *Radio) SetPTT(on bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.connected {
		return plugin.ErrNotConnected
	}
	if on != r.ptt {
		if on {
			r.log.Info(component, "PTT ON")
		} else {
			r.log.Info(component, "PTT OFF")
		}
		r.ptt = on
	}
	r.st.SetPTT(on)
	return nil
}

// Push applies a simulated radio-side change
func (r *Radio) Push(req PushRequest) error {
	if req.Freq != nil && *req.Freq < 0 {
		return fmt.Errorf("%w: negative frequency", plugin.ErrInvalidArgs)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.connected {
		return plugin.ErrNotConnected
	}
	if req.Freq != nil {
		r.frequency = *req.Freq
		r.st.SetFrequency(r.frequency)
	}
	if req.Mode != nil {
		r.mode = radio.NormalizeMode(*req.Mode)
		r.st.SetMode(r.mode)
	}
	if req.PTT != nil {
		r.ptt = *req.PTT
		r.st.SetPTT(r.ptt)
	}
	return nil
}

func registerRoutes(router gin.IRouter, active func() plugin.Instance) {
	router.POST("/api/mock/push", func(c *gin.Context) {
		r, ok := active().(*Radio)
		if !ok {
			c.JSON(http.StatusConflict, protocol.NewErrorResponse("mock radio is not active"))
			return
		}

		var req PushRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, protocol.NewErrorResponse("invalid JSON"))
			return
		}
		if err := r.Push(req); err != nil {
			c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusOK, protocol.NewSuccessResponse("pushed"))
	})
}
