package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Radio types understood by the bridge. Each non-none type matches a plugin id.
const (
	RadioNone      = "none"
	RadioYaesu     = "yaesu"
	RadioKenwood   = "kenwood"
	RadioIcom      = "icom"
	RadioRigctld   = "rigctld"
	RadioFlrig     = "flrig"
	RadioFlexRadio = "flexradio"
	RadioTCI       = "tci"
	RadioMock      = "mock"
)

// RadioTypes lists every accepted radioType value
var RadioTypes = []string{
	RadioNone, RadioYaesu, RadioKenwood, RadioIcom,
	RadioRigctld, RadioFlrig, RadioFlexRadio, RadioTCI, RadioMock,
}

var (
	// ErrUnknownRadioType is returned by Validate for a radioType outside RadioTypes
	ErrUnknownRadioType = errors.New("unknown radio type")
	// ErrInvalidConfig wraps every rejection of a submitted document by Store.Update
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config represents the rigbridge configuration document
type Config struct {
	Port        int           `json:"port" yaml:"port"`
	BindAddress string        `json:"bindAddress" yaml:"bindAddress"`
	Logging     LoggingConfig `json:"logging" yaml:"logging"`
	Radio       RadioConfig   `json:"radio" yaml:"radio"`
}

// LoggingConfig controls the component logger and its sinks
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	File        string `json:"file" yaml:"file"`
	Console     bool   `json:"console" yaml:"console"`
	Structured  bool   `json:"structured" yaml:"structured"`
	MaxSize     int    `json:"maxSize" yaml:"maxSize"`
	MaxBackups  int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAge      int    `json:"maxAge" yaml:"maxAge"`
	Compress    bool   `json:"compress" yaml:"compress"`
	BufferLines int    `json:"bufferLines" yaml:"bufferLines"`
}

// RadioConfig selects the active backend and carries one parameter bag per backend.
// The bag names match the plugin descriptors' configKey.
type RadioConfig struct {
	Type         string `json:"radioType" yaml:"radioType"`
	PTTEnabled   bool   `json:"pttEnabled" yaml:"pttEnabled"`
	PollInterval int    `json:"pollInterval" yaml:"pollInterval"` // milliseconds

	Serial    SerialConfig    `json:"serial" yaml:"serial"`
	Rigctld   NetworkConfig   `json:"rigctld" yaml:"rigctld"`
	Flrig     NetworkConfig   `json:"flrig" yaml:"flrig"`
	FlexRadio FlexRadioConfig `json:"flexradio" yaml:"flexradio"`
	TCI       TCIConfig       `json:"tci" yaml:"tci"`
}

// SerialConfig holds USB serial CAT / CI-V parameters
type SerialConfig struct {
	Path     string `json:"path" yaml:"path"`
	BaudRate int    `json:"baudRate" yaml:"baudRate"`
	DataBits int    `json:"dataBits" yaml:"dataBits"`
	StopBits int    `json:"stopBits" yaml:"stopBits"` // 0 selects the radio family default
	Parity   string `json:"parity" yaml:"parity"`     // none, even, odd
	DTR      string `json:"dtr" yaml:"dtr"`           // default, on, off
	RTS      string `json:"rts" yaml:"rts"`           // default, on, off

	CIVAddress        int   `json:"civAddress" yaml:"civAddress"`
	ControllerAddress int   `json:"controllerAddress" yaml:"controllerAddress"`
	AutoInfo          *bool `json:"autoInfo,omitempty" yaml:"autoInfo,omitempty"`
}

// AutoInfoEnabled reports whether CAT auto-information push mode should be requested
func (s SerialConfig) AutoInfoEnabled() bool {
	return s.AutoInfo == nil || *s.AutoInfo
}

// NetworkConfig is a plain host/port pair
type NetworkConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Address returns host:port
func (n NetworkConfig) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// FlexRadioConfig adds the slice index to follow
type FlexRadioConfig struct {
	NetworkConfig `yaml:",inline"`
	Slice         int `json:"slice" yaml:"slice"`
}

// TCIConfig adds the transceiver and VFO indexes to follow
type TCIConfig struct {
	NetworkConfig `yaml:",inline"`
	TRX           int `json:"trx" yaml:"trx"`
	VFO           int `json:"vfo" yaml:"vfo"`
}

// Default returns a configuration with every default applied and no active radio
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// LoadConfig loads configuration from a JSON or YAML file.
// A missing file yields the defaults so a fresh install can be configured over HTTP.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &config)
	} else {
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills every unset field
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 28
	}
	if c.Logging.BufferLines == 0 {
		c.Logging.BufferLines = 500
	}

	r := &c.Radio
	if r.Type == "" {
		r.Type = RadioNone
	}
	r.Type = strings.ToLower(r.Type)
	if r.PollInterval == 0 {
		r.PollInterval = 1000
	}

	if r.Serial.BaudRate == 0 {
		r.Serial.BaudRate = 38400
	}
	if r.Serial.DataBits == 0 {
		r.Serial.DataBits = 8
	}
	if r.Serial.Parity == "" {
		r.Serial.Parity = "none"
	}
	if r.Serial.DTR == "" {
		r.Serial.DTR = "default"
	}
	if r.Serial.RTS == "" {
		r.Serial.RTS = "default"
	}
	if r.Serial.CIVAddress == 0 {
		r.Serial.CIVAddress = 0x94 // IC-7300
	}
	if r.Serial.ControllerAddress == 0 {
		r.Serial.ControllerAddress = 0xE0
	}

	if r.Rigctld.Host == "" {
		r.Rigctld.Host = "127.0.0.1"
	}
	if r.Rigctld.Port == 0 {
		r.Rigctld.Port = 4532
	}
	if r.Flrig.Host == "" {
		r.Flrig.Host = "127.0.0.1"
	}
	if r.Flrig.Port == 0 {
		r.Flrig.Port = 12345
	}
	if r.FlexRadio.Host == "" {
		r.FlexRadio.Host = "127.0.0.1"
	}
	if r.FlexRadio.Port == 0 {
		r.FlexRadio.Port = 4992
	}
	if r.TCI.Host == "" {
		r.TCI.Host = "127.0.0.1"
	}
	if r.TCI.Port == 0 {
		r.TCI.Port = 40001
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !IsRadioType(c.Radio.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownRadioType, c.Radio.Type)
	}
	if c.Radio.PollInterval < 0 {
		return fmt.Errorf("pollInterval must be positive")
	}
	switch strings.ToLower(c.Radio.Serial.Parity) {
	case "none", "even", "odd":
	default:
		return fmt.Errorf("unsupported parity %q", c.Radio.Serial.Parity)
	}
	if c.Radio.Serial.StopBits != 0 && c.Radio.Serial.StopBits != 1 && c.Radio.Serial.StopBits != 2 {
		return fmt.Errorf("stopBits must be 1 or 2")
	}
	if c.Radio.Serial.CIVAddress < 0 || c.Radio.Serial.CIVAddress > 0xFF {
		return fmt.Errorf("civAddress must fit in one byte")
	}
	for name, n := range map[string]int{
		"rigctld":   c.Radio.Rigctld.Port,
		"flrig":     c.Radio.Flrig.Port,
		"flexradio": c.Radio.FlexRadio.Port,
		"tci":       c.Radio.TCI.Port,
	} {
		if n < 1 || n > 65535 {
			return fmt.Errorf("%s port %d out of range", name, n)
		}
	}
	return nil
}

// IsRadioType reports whether t is an accepted radioType
func IsRadioType(t string) bool {
	for _, known := range RadioTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SaveConfig writes the configuration to path, choosing the format from its extension.
// The file is replaced atomically.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
