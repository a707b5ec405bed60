// Package bus maps configured input names to capture ports and analyzers.
//
// A Registry is built once at startup and then owned by the realtime
// processor; nothing here is safe for concurrent use.
package bus

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/christian-lee/loudmeter/internal/backend"
	"github.com/christian-lee/loudmeter/internal/config"
	"github.com/christian-lee/loudmeter/internal/loudness"
)

var ErrInvalidChannels = errors.New("bus: channel count must be positive")

// Bus is one named input: its ports, analyzer and last published tuple.
type Bus struct {
	name     string
	channels int
	ports    []backend.Port
	analyzer loudness.Analyzer
	last     loudness.Values

	planar [][]float32 // per-cycle view of the port buffers
}

// PortName is the capture port name for channel i of bus name.
func PortName(name string, i int) string {
	return fmt.Sprintf("%s_%d", name, i)
}

// Register allocates one port per channel on be and an analyzer with every mode enabled.
func Register(be backend.Backend, name string, channels int, newAnalyzer loudness.Factory) (*Bus, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %s has %d", ErrInvalidChannels, name, channels)
	}
	ports := make([]backend.Port, 0, channels)
	for i := 0; i < channels; i++ {
		p, err := be.RegisterPort(PortName(name, i))
		if err != nil {
			return nil, fmt.Errorf("register port %s: %w", PortName(name, i), err)
		}
		ports = append(ports, p)
	}
	a, err := newAnalyzer(channels, be.SampleRate(), loudness.ModeAll)
	if err != nil {
		return nil, fmt.Errorf("create analyzer for %s: %w", name, err)
	}
	return &Bus{
		name:     name,
		channels: channels,
		ports:    ports,
		analyzer: a,
		last:     loudness.Unset(),
		planar:   make([][]float32, channels),
	}, nil
}

func (b *Bus) Name() string          { return b.name }
func (b *Bus) Channels() int         { return b.channels }
func (b *Bus) Ports() []backend.Port { return b.ports }

// Ingest feeds this bus's port buffers for the current cycle to the analyzer.
func (b *Bus) Ingest(c *backend.Cycle) error {
	for i, p := range b.ports {
		b.planar[i] = p.Samples(c)
	}
	err := b.analyzer.AddFrames(b.planar)
	clear(b.planar)
	return err
}

// Measure queries all four metrics. A failing or NaN metric is replaced by its
// sentinel in the returned tuple; failures are joined into the error.
func (b *Bus) Measure() (loudness.Values, error) {
	v := loudness.Unset()
	var errs []error
	query := func(metric string, dst *float64, q func() (float64, error)) {
		x, err := q()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", metric, err))
			return
		}
		if !math.IsNaN(x) {
			*dst = x
		}
	}
	query("momentary", &v.Momentary, b.analyzer.Momentary)
	query("short-term", &v.ShortTerm, b.analyzer.ShortTerm)
	query("global", &v.Global, b.analyzer.Global)
	query("range", &v.Range, b.analyzer.Range)
	return v, errors.Join(errs...)
}

// Reset clears the analyzer. The last published tuple is kept so the next
// publication reports the reset values as a change.
func (b *Bus) Reset() { b.analyzer.Reset() }

// Last is the tuple most recently published for this bus.
func (b *Bus) Last() loudness.Values { return b.last }

// Publish records v as published.
func (b *Bus) Publish(v loudness.Values) { b.last = v }

// Registry is the fixed set of buses, ordered by name.
type Registry struct {
	buses  []*Bus
	byName map[string]*Bus
}

// NewRegistry registers every configured input on be in sorted name order.
func NewRegistry(be backend.Backend, inputs map[string]config.InputConfig, newAnalyzer loudness.Factory) (*Registry, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	r := &Registry{byName: make(map[string]*Bus, len(names))}
	for _, name := range names {
		b, err := Register(be, name, inputs[name].Channels, newAnalyzer)
		if err != nil {
			return nil, fmt.Errorf("register bus %q: %w", name, err)
		}
		r.buses = append(r.buses, b)
		r.byName[name] = b
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (*Bus, bool) {
	b, ok := r.byName[name]
	return b, ok
}

func (r *Registry) Buses() []*Bus { return r.buses }
func (r *Registry) Len() int      { return len(r.buses) }
