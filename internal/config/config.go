package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Web    WebConfig              `yaml:"web"`
	Audio  AudioConfig            `yaml:"audio"`
	Meter  MeterConfig            `yaml:"meter"`
	Store  StoreConfig            `yaml:"store"`
	Inputs map[string]InputConfig `yaml:"inputs"`
}

type WebConfig struct {
	Host       string  `yaml:"host"`
	Port       int     `yaml:"port"`
	ResetRate  float64 `yaml:"reset_rate"`  // reset requests per second (0 = unlimited)
	ResetBurst int     `yaml:"reset_burst"` // burst allowance for reset requests
}

// Addr returns the listen address, bracketing IPv6 hosts.
func (w WebConfig) Addr() string {
	host := w.Host
	for i := 0; i < len(host); i++ {
		if host[i] == ':' {
			host = "[" + host + "]"
			break
		}
	}
	return fmt.Sprintf("%s:%d", host, w.Port)
}

type AudioConfig struct {
	Backend    string `yaml:"backend"`     // portaudio | ffmpeg | wav
	ClientName string `yaml:"client_name"` // identity reported by the backend
	Device     string `yaml:"device"`      // portaudio input device (empty = default)
	SampleRate int    `yaml:"sample_rate"`
	BufferSize int    `yaml:"buffer_size"` // frames per processing cycle
	Source     string `yaml:"source"`      // ffmpeg input URL or wav file path
	Realtime   bool   `yaml:"realtime"`    // pace file sources at wall-clock speed
	Loop       bool   `yaml:"loop"`        // rewind wav sources at end of file
}

type MeterConfig struct {
	Interval     time.Duration `yaml:"interval"`       // publication interval in sample time
	OnQueryError string        `yaml:"on_query_error"` // abort | sentinel
}

type StoreConfig struct {
	Path string `yaml:"path"` // sqlite audit log (empty disables it)
}

type InputConfig struct {
	Name     string `yaml:"name" json:"name"`
	Channels int    `yaml:"channels" json:"channels"`
}

const (
	BackendPortAudio = "portaudio"
	BackendFFmpeg    = "ffmpeg"
	BackendWAV       = "wav"

	PolicyAbort    = "abort"
	PolicySentinel = "sentinel"
)

const defaultChannels = 2

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		Web: WebConfig{
			Host:       "::1",
			Port:       5005,
			ResetRate:  5,
			ResetBurst: 10,
		},
		Audio: AudioConfig{
			Backend:    BackendPortAudio,
			ClientName: "loudness_meter",
			SampleRate: 48000,
			BufferSize: 480,
			Realtime:   true,
		},
		Meter: MeterConfig{
			Interval:     100 * time.Millisecond,
			OnQueryError: PolicyAbort,
		},
		Store: StoreConfig{
			Path: "loudmeter.db",
		},
		Inputs: map[string]InputConfig{},
	}
}

// Load reads the config at path. A missing file is created with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Fill defaults for inputs
	if cfg.Inputs == nil {
		cfg.Inputs = map[string]InputConfig{}
	}
	for key, in := range cfg.Inputs {
		if in.Channels == 0 {
			in.Channels = defaultChannels
		}
		if in.Name == "" {
			in.Name = key
		}
		cfg.Inputs[key] = in
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as yaml.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks values the processing side depends on.
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case BackendPortAudio, BackendFFmpeg, BackendWAV:
	default:
		return fmt.Errorf("unknown audio backend %q", c.Audio.Backend)
	}
	if c.Audio.ClientName == "" {
		return fmt.Errorf("audio client_name is empty")
	}
	if c.Audio.BufferSize <= 0 {
		return fmt.Errorf("audio buffer_size must be positive, got %d", c.Audio.BufferSize)
	}
	if c.Audio.Backend != BackendWAV && c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Backend != BackendPortAudio && c.Audio.Source == "" {
		return fmt.Errorf("audio source is required for the %s backend", c.Audio.Backend)
	}
	if c.Meter.Interval <= 0 {
		return fmt.Errorf("meter interval must be positive, got %s", c.Meter.Interval)
	}
	switch c.Meter.OnQueryError {
	case PolicyAbort, PolicySentinel:
	default:
		return fmt.Errorf("unknown on_query_error policy %q", c.Meter.OnQueryError)
	}
	for key, in := range c.Inputs {
		if key == "" {
			return fmt.Errorf("input with empty key")
		}
		if in.Channels <= 0 {
			return fmt.Errorf("input %q: channels must be positive, got %d", key, in.Channels)
		}
	}
	return nil
}
