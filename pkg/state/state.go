// Package state holds the canonical rig snapshot and fans changes out to stream subscribers.
package state

import (
	"sync"
	"time"
)

// Field names a RigState field in change events
type Field string

const (
	FieldFrequency Field = "freq"
	FieldMode      Field = "mode"
	FieldBandwidth Field = "width"
	FieldPTT       Field = "ptt"
	FieldConnected Field = "connected"
)

// RigState is the current rig snapshot
type RigState struct {
	FrequencyHz       int64
	Mode              string
	BandwidthHz       int
	PTT               bool
	Connected         bool
	LastUpdateEpochMs int64
}

// Snapshot is the JSON form served by /status and /stream
type Snapshot struct {
	Connected bool   `json:"connected"`
	Freq      int64  `json:"freq"`
	Mode      string `json:"mode"`
	Width     int    `json:"width"`
	PTT       bool   `json:"ptt"`
	Timestamp int64  `json:"timestamp"`
}

// Snapshot converts the state to its wire form
func (s RigState) Snapshot() Snapshot {
	return Snapshot{
		Connected: s.Connected,
		Freq:      s.FrequencyHz,
		Mode:      s.Mode,
		Width:     s.BandwidthHz,
		PTT:       s.PTT,
		Timestamp: s.LastUpdateEpochMs,
	}
}

// Event is pushed to subscribers after every effective change
type Event struct {
	Field    Field    `json:"field"`
	Snapshot Snapshot `json:"state"`
}

// Store guards the single RigState. Only the Writer handed to the active plugin
// instance can mutate it; Detach revokes that writer.
type Store struct {
	mu    sync.RWMutex
	state RigState
	epoch uint64

	hub *Hub
	now func() time.Time
}

// NewStore creates a zeroed, disconnected state publishing to hub
func NewStore(hub *Hub) *Store {
	if hub == nil {
		hub = NewHub(0)
	}
	return &Store{hub: hub, now: time.Now}
}

// Hub returns the broadcast hub
func (s *Store) Hub() *Hub {
	return s.hub
}

// Get returns a copy of the current state
func (s *Store) Get() RigState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Attach revokes any previous writer and returns a fresh one for a new plugin instance
func (s *Store) Attach() *Writer {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	return &Writer{store: s, epoch: epoch}
}

// Detach revokes the current writer and marks the rig disconnected. Frequency and
// mode keep their last known values.
func (s *Store) Detach() {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.apply(0, true, FieldConnected, func(st *RigState) bool {
		if !st.Connected {
			return false
		}
		st.Connected = false
		return true
	})
}

// apply runs mutate under the lock when epoch is current (or force is set),
// stamps the update time and publishes the event. Publishing under the lock keeps
// event order equal to mutation order; Hub.Publish never blocks.
func (s *Store) apply(epoch uint64, force bool, field Field, mutate func(*RigState) bool) bool {
	s.mu.Lock()
	if !force && epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	if !mutate(&s.state) {
		s.mu.Unlock()
		return false
	}
	ts := s.now().UnixMilli()
	if ts < s.state.LastUpdateEpochMs {
		ts = s.state.LastUpdateEpochMs
	}
	s.state.LastUpdateEpochMs = ts
	s.hub.Publish(Event{Field: field, Snapshot: s.state.Snapshot()})
	s.mu.Unlock()
	return true
}

// Writer is the mutation handle owned by exactly one plugin instance. Every setter
// is compare-before-set and reports whether the state changed.
type Writer struct {
	store *Store
	epoch uint64
}

// SetFrequency updates the frequency in Hz
func (w *Writer) SetFrequency(hz int64) bool {
	if hz < 0 {
		return false
	}
	return w.store.apply(w.epoch, false, FieldFrequency, func(st *RigState) bool {
		if st.FrequencyHz == hz {
			return false
		}
		st.FrequencyHz = hz
		return true
	})
}

// SetMode updates the operating mode
func (w *Writer) SetMode(mode string) bool {
	return w.store.apply(w.epoch, false, FieldMode, func(st *RigState) bool {
		if st.Mode == mode {
			return false
		}
		st.Mode = mode
		return true
	})
}

// SetBandwidth updates the passband width in Hz
func (w *Writer) SetBandwidth(hz int) bool {
	return w.store.apply(w.epoch, false, FieldBandwidth, func(st *RigState) bool {
		if st.BandwidthHz == hz {
			return false
		}
		st.BandwidthHz = hz
		return true
	})
}

// SetPTT updates the transmit state
func (w *Writer) SetPTT(on bool) bool {
	return w.store.apply(w.epoch, false, FieldPTT, func(st *RigState) bool {
		if st.PTT == on {
			return false
		}
		st.PTT = on
		return true
	})
}

// SetConnected updates the link state
func (w *Writer) SetConnected(connected bool) bool {
	return w.store.apply(w.epoch, false, FieldConnected, func(st *RigState) bool {
		if st.Connected == connected {
			return false
		}
		st.Connected = connected
		return true
	})
}

// Update sets a field by name; value must have the field's Go type
// (int64 or int for freq, string for mode, int for width, bool for ptt/connected).
func (w *Writer) Update(field Field, value interface{}) bool {
	switch field {
	case FieldFrequency:
		switch v := value.(type) {
		case int64:
			return w.SetFrequency(v)
		case int:
			return w.SetFrequency(int64(v))
		}
	case FieldMode:
		if v, ok := value.(string); ok {
			return w.SetMode(v)
		}
	case FieldBandwidth:
		if v, ok := value.(int); ok {
			return w.SetBandwidth(v)
		}
	case FieldPTT:
		if v, ok := value.(bool); ok {
			return w.SetPTT(v)
		}
	case FieldConnected:
		if v, ok := value.(bool); ok {
			return w.SetConnected(v)
		}
	}
	return false
}

// Active reports whether this writer still owns the state
func (w *Writer) Active() bool {
	w.store.mu.RLock()
	defer w.store.mu.RUnlock()
	return w.epoch == w.store.epoch
}
