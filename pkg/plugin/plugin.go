// Package plugin defines the radio backend contract and the registry that keeps
// at most one backend instance alive.
package plugin

import (
	"errors"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gin-gonic/gin"
)

var (
	ErrInvalidDescriptor = errors.New("invalid plugin descriptor")
	ErrUnknownPlugin     = errors.New("unknown plugin")
	ErrNoActivePlugin    = errors.New("no active plugin")
	ErrUnsupported       = errors.New("method not supported by active plugin")
	ErrInvalidArgs       = errors.New("invalid command arguments")
	ErrNotConnected      = errors.New("radio not connected")
)

// Category groups descriptors in listings
type Category string

const (
	CategoryRig     Category = "rig"
	CategoryRotator Category = "rotator"
	CategoryLogger  Category = "logger"
	CategoryOther   Category = "other"
)

// Command methods accepted by Dispatch
const (
	MethodSetFreq = "setFreq"
	MethodSetMode = "setMode"
	MethodSetPTT  = "setPTT"
)

// Services are the shared collaborators handed to every new instance
type Services struct {
	Log   *logging.Logger
	State *state.Writer
}

// Factory builds an instance from a radio config snapshot. The instance must not
// touch hardware until Connect is called.
type Factory func(cfg config.RadioConfig, svc Services) (Instance, error)

// RoutesFunc lets a descriptor contribute endpoints. active returns the live
// instance or nil.
type RoutesFunc func(router gin.IRouter, active func() Instance)

// Descriptor is the static, immutable description of one backend
type Descriptor struct {
	ID        string
	Name      string
	Category  Category
	ConfigKey string
	Factory   Factory
	Routes    RoutesFunc
}

// Instance is a live backend. Connect starts the protocol state machine; I/O
// failures are handled internally with reconnects, so an error from Connect means
// the configuration cannot work. Disconnect is deliberate and cancels every timer.
type Instance interface {
	Connect() error
	Disconnect() error
}

// FrequencySetter is implemented by instances that can tune
type FrequencySetter interface {
	SetFrequency(hz int64) error
}

// ModeSetter is implemented by instances that can change mode
type ModeSetter interface {
	SetMode(mode string) error
}

// PTTSetter is implemented by instances that can key the transmitter
type PTTSetter interface {
	SetPTT(on bool) error
}

// Info is the listing form of a descriptor
type Info struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  Category `json:"category"`
	ConfigKey string   `json:"configKey"`
	Active    bool     `json:"active"`
}
