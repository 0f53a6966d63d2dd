package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store owns the process configuration document. Readers get value copies, so a
// snapshot handed to a plugin never changes underneath it.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

// NewStore loads the document at path (or defaults when it does not exist)
func NewStore(path string) (*Store, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Store{path: path, cfg: *cfg}, nil
}

// NewMemoryStore returns a store that is never written to disk
func NewMemoryStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = Default()
	}
	return &Store{cfg: *cfg}
}

// Path returns the backing file path, empty for memory stores
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current configuration
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Radio returns a copy of the radio section
func (s *Store) Radio() RadioConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Radio
}

// Update deep-merges a partial document into the current configuration, validates
// and persists the result. The returned bool reports whether the radio section changed.
// On any error the stored configuration is left untouched.
func (s *Store) Update(partial map[string]interface{}) (Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := toMap(s.cfg)
	if err != nil {
		return s.cfg, false, err
	}

	merged := deepMerge(current, partial)
	data, err := json.Marshal(merged)
	if err != nil {
		return s.cfg, false, fmt.Errorf("failed to marshal merged config: %w", err)
	}

	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return s.cfg, false, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		return s.cfg, false, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if s.path != "" {
		if err := SaveConfig(&next, s.path); err != nil {
			return s.cfg, false, err
		}
	}

	radioChanged := !radioEqual(s.cfg.Radio, next.Radio)
	s.cfg = next
	return next, radioChanged, nil
}

// Save writes the current configuration to the backing file
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.path == "" {
		return nil
	}
	cfg := s.cfg
	return SaveConfig(&cfg, s.path)
}

func radioEqual(a, b RadioConfig) bool {
	aa, bb := a.Serial.AutoInfoEnabled(), b.Serial.AutoInfoEnabled()
	a.Serial.AutoInfo, b.Serial.AutoInfo = nil, nil
	return a == b && aa == bb
}

func toMap(cfg Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal current config: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal current config: %w", err)
	}
	return m, nil
}

// deepMerge recursively merges source map into destination map
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(dst))

	for k, v := range dst {
		result[k] = v
	}

	for k, v := range src {
		if srcMap, srcOk := v.(map[string]interface{}); srcOk {
			if dstMap, dstOk := result[k].(map[string]interface{}); dstOk {
				result[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}
