package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dougsko/rigbridge/pkg/config"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/state"
	"github.com/gin-gonic/gin"
)

// Registry maps plugin ids to descriptors and owns the single active instance
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	active      Instance
	activeID    string

	// held for the whole teardown/build sequence so switches never overlap
	switchMu sync.Mutex

	store  *state.Store
	logger *logging.Logger
}

// NewRegistry creates an empty registry writing to store
func NewRegistry(store *state.Store, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		descriptors: make(map[string]Descriptor),
		store:       store,
		logger:      logger,
	}
}

// Register adds a descriptor. A duplicate id replaces the earlier registration.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" || d.Factory == nil {
		return ErrInvalidDescriptor
	}
	if d.Category == "" {
		d.Category = CategoryOther
	}

	r.mu.Lock()
	if _, exists := r.descriptors[d.ID]; exists {
		r.logger.Warnf("registry", "Plugin %s registered twice, replacing", d.ID)
	}
	r.descriptors[d.ID] = d
	r.mu.Unlock()
	return nil
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descriptors[id]
	return ok
}

// Active returns the id of the live instance, or "" when none is active
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// Instance returns the live instance, or nil
func (r *Registry) Instance() Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// List returns every registered descriptor sorted by id
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		infos = append(infos, Info{
			ID:        d.ID,
			Name:      d.Name,
			Category:  d.Category,
			ConfigKey: d.ConfigKey,
			Active:    d.ID == r.activeID,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Switch tears down the active instance and, unless id is empty or "none",
// builds and connects the plugin registered under id. Teardown failures are
// logged only. An unknown id or a failed activation leaves no plugin active.
func (r *Registry) Switch(id string, cfg config.RadioConfig) error {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	old, oldID := r.active, r.activeID
	r.active, r.activeID = nil, ""
	r.mu.Unlock()

	if old != nil {
		r.logger.Infof("registry", "Deactivating plugin %s", oldID)
		if err := r.safely(oldID, "disconnect", old.Disconnect); err != nil {
			r.logger.Errorf("registry", "Disconnect of %s failed: %v", oldID, err)
		}
	}
	// revoke the old writer even if Disconnect misbehaved
	r.store.Detach()

	if id == "" || id == config.RadioNone {
		return nil
	}

	r.mu.RLock()
	d, ok := r.descriptors[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}

	svc := Services{Log: r.logger, State: r.store.Attach()}

	var inst Instance
	err := r.safely(id, "factory", func() error {
		var ferr error
		inst, ferr = d.Factory(cfg, svc)
		return ferr
	})
	if err == nil && inst == nil {
		err = fmt.Errorf("factory returned no instance")
	}
	if err != nil {
		r.logger.Errorf("registry", "Failed to create plugin %s: %v", id, err)
		r.store.Detach()
		return fmt.Errorf("create %s: %w", id, err)
	}

	r.mu.Lock()
	r.active, r.activeID = inst, id
	r.mu.Unlock()

	if err := r.safely(id, "connect", inst.Connect); err != nil {
		r.logger.Errorf("registry", "Failed to connect plugin %s: %v", id, err)
		if derr := r.safely(id, "disconnect", inst.Disconnect); derr != nil {
			r.logger.Warnf("registry", "Cleanup of %s failed: %v", id, derr)
		}
		r.mu.Lock()
		r.active, r.activeID = nil, ""
		r.mu.Unlock()
		r.store.Detach()
		return fmt.Errorf("connect %s: %w", id, err)
	}

	r.logger.Infof("registry", "Activated plugin %s", id)
	return nil
}

// Dispatch forwards a command to the active instance
func (r *Registry) Dispatch(method string, args ...interface{}) error {
	inst := r.Instance()
	if inst == nil {
		return ErrNoActivePlugin
	}

	switch method {
	case MethodSetFreq:
		s, ok := inst.(FrequencySetter)
		if !ok {
			return ErrUnsupported
		}
		if len(args) != 1 {
			return ErrInvalidArgs
		}
		var hz int64
		switch v := args[0].(type) {
		case int64:
			hz = v
		case int:
			hz = int64(v)
		default:
			return ErrInvalidArgs
		}
		if hz < 0 {
			return ErrInvalidArgs
		}
		return s.SetFrequency(hz)

	case MethodSetMode:
		s, ok := inst.(ModeSetter)
		if !ok {
			return ErrUnsupported
		}
		mode, ok := firstArg[string](args)
		if !ok || mode == "" {
			return ErrInvalidArgs
		}
		return s.SetMode(mode)

	case MethodSetPTT:
		s, ok := inst.(PTTSetter)
		if !ok {
			return ErrUnsupported
		}
		on, ok := firstArg[bool](args)
		if !ok {
			return ErrInvalidArgs
		}
		return s.SetPTT(on)
	}
	return ErrUnsupported
}

// RegisterRoutes mounts every descriptor's extra endpoints. Call once after all
// builtins are registered.
func (r *Registry) RegisterRoutes(router gin.IRouter) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.descriptors {
		if d.Routes != nil {
			d.Routes(router, r.Instance)
		}
	}
}

// Shutdown deactivates whatever is running
func (r *Registry) Shutdown() {
	if err := r.Switch(config.RadioNone, config.RadioConfig{}); err != nil {
		r.logger.Warnf("registry", "Shutdown: %v", err)
	}
}

func (r *Registry) safely(id, stage string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s %s panicked: %v", id, stage, p)
		}
	}()
	return fn()
}

func firstArg[T any](args []interface{}) (T, bool) {
	var zero T
	if len(args) != 1 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}
