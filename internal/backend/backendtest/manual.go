// Package backendtest provides an in-memory Backend that is driven by explicit
// Push calls instead of an audio device.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/christian-lee/loudmeter/internal/backend"
)

var ErrPortLimit = errors.New("backendtest: port limit reached")

// Manual is a Backend whose cycles are produced by Push.
type Manual struct {
	Rate     int
	MaxPorts int // 0 = unlimited

	mu      sync.Mutex
	ports   backend.PortSet
	handler backend.Handler
	cycle   backend.Cycle
	running chan struct{}
}

func New(sampleRate int) *Manual {
	return &Manual{Rate: sampleRate, running: make(chan struct{})}
}

func (m *Manual) Name() string    { return "manual" }
func (m *Manual) SampleRate() int { return m.Rate }
func (m *Manual) Close() error    { return nil }

func (m *Manual) RegisterPort(name string) (backend.Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MaxPorts > 0 && m.ports.Len() >= m.MaxPorts {
		return backend.Port{}, fmt.Errorf("%w: %s", ErrPortLimit, name)
	}
	return m.ports.Register(name)
}

// Ports returns the registered ports in registration order.
func (m *Manual) Ports() []backend.Port {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports.Ports()
}

// Attach binds h without blocking; Push then drives it directly.
func (m *Manual) Attach(h backend.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports.Freeze()
	m.handler = h
}

// Run attaches h and blocks until ctx is cancelled.
func (m *Manual) Run(ctx context.Context, h backend.Handler) error {
	m.Attach(h)
	close(m.running)
	<-ctx.Done()
	return nil
}

// Running is closed once Run has attached its handler.
func (m *Manual) Running() <-chan struct{} { return m.running }

// Push delivers one cycle: one buffer per registered port, all equal length.
func (m *Manual) Push(in [][]float32) backend.Control {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return backend.Stop
	}
	m.cycle.Set(in)
	return h.Process(&m.cycle)
}

// Constant returns a cycle of ports buffers of frames samples, all set to v.
func Constant(ports, frames int, v float32) [][]float32 {
	out := make([][]float32, ports)
	for i := range out {
		out[i] = make([]float32, frames)
		for j := range out[i] {
			out[i][j] = v
		}
	}
	return out
}
