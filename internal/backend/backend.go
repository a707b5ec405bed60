// Package backend abstracts the audio source that drives the realtime processor.
//
// A Backend owns named capture ports and invokes a Handler once per fixed-size
// buffer. Ports are registered before Run; the Handler receives a Cycle from
// which each port's samples are read.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/christian-lee/loudmeter/internal/config"
)

var (
	ErrDuplicatePort = errors.New("backend: duplicate port name")
	ErrEmptyPortName = errors.New("backend: empty port name")
	ErrRunning       = errors.New("backend: ports cannot be registered while running")
	ErrNoPorts       = errors.New("backend: no ports registered")
)

// Control tells the backend whether to keep invoking the handler.
type Control int

const (
	Continue Control = iota
	Stop
)

func (c Control) String() string {
	if c == Stop {
		return "stop"
	}
	return "continue"
}

// Handler is invoked on the audio thread once per buffer. It must not block.
type Handler interface {
	Process(c *Cycle) Control
}

// Cycle is one processing period: one equal-length sample slice per registered port.
// Slices are only valid during the Process call.
type Cycle struct {
	frames int
	in     [][]float32
}

// NewCycle wraps planar port buffers. All slices must have the same length.
func NewCycle(in [][]float32) *Cycle {
	c := &Cycle{}
	c.Set(in)
	return c
}

// Set points the cycle at new buffers without allocating.
func (c *Cycle) Set(in [][]float32) {
	c.in = in
	c.frames = 0
	if len(in) > 0 {
		c.frames = len(in[0])
	}
}

func (c *Cycle) Frames() int { return c.frames }

// Port is a capture port handle. Index is the port's position in every Cycle.
type Port struct {
	name  string
	index int
}

func (p Port) Name() string { return p.name }
func (p Port) Index() int   { return p.index }

// Samples returns this port's buffer for the current cycle.
func (p Port) Samples(c *Cycle) []float32 {
	if p.index >= len(c.in) {
		return nil
	}
	return c.in[p.index]
}

// Backend is an audio source with named capture ports.
type Backend interface {
	// Name is the backend kind, e.g. "portaudio".
	Name() string
	SampleRate() int
	RegisterPort(name string) (Port, error)
	// Run invokes h once per buffer until ctx is cancelled, the source ends,
	// or h returns Stop.
	Run(ctx context.Context, h Handler) error
	Close() error
}

// New creates the backend selected by cfg.Backend.
func New(cfg config.AudioConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendPortAudio:
		return NewPortAudio(cfg)
	case config.BackendFFmpeg:
		return NewFFmpeg(cfg), nil
	case config.BackendWAV:
		return NewWAV(cfg)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}

// PortSet allocates port indices in registration order and rejects duplicate names.
type PortSet struct {
	ports  []Port
	byName map[string]int
	frozen bool
}

func (s *PortSet) Register(name string) (Port, error) {
	if s.frozen {
		return Port{}, ErrRunning
	}
	if name == "" {
		return Port{}, ErrEmptyPortName
	}
	if s.byName == nil {
		s.byName = make(map[string]int)
	}
	if _, ok := s.byName[name]; ok {
		return Port{}, fmt.Errorf("%w: %s", ErrDuplicatePort, name)
	}
	p := Port{name: name, index: len(s.ports)}
	s.ports = append(s.ports, p)
	s.byName[name] = p.index
	return p, nil
}

// Freeze stops further registration; backends call it when Run starts.
func (s *PortSet) Freeze() { s.frozen = true }

func (s *PortSet) Len() int      { return len(s.ports) }
func (s *PortSet) Ports() []Port { return append([]Port(nil), s.ports...) }
