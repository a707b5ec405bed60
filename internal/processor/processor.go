// Package processor runs on the audio callback: it applies pending commands,
// feeds every bus's analyzer and publishes changed loudness values at a fixed
// cadence measured in sample time.
//
// Process never blocks, takes no locks and does not log. It allocates only
// when a publication carries at least one changed bus.
package processor

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/christian-lee/loudmeter/internal/backend"
	"github.com/christian-lee/loudmeter/internal/broadcast"
	"github.com/christian-lee/loudmeter/internal/bus"
	"github.com/christian-lee/loudmeter/internal/command"
	"github.com/christian-lee/loudmeter/internal/config"
	"github.com/christian-lee/loudmeter/internal/loudness"
)

var ErrInvalidConfig = errors.New("processor: invalid configuration")

// QueryErrorPolicy decides what a failed analyzer query does to the processor.
type QueryErrorPolicy int

const (
	// PolicyAbort stops processing on the first failed query.
	PolicyAbort QueryErrorPolicy = iota
	// PolicySentinel reports the failed metric as its sentinel and keeps going.
	PolicySentinel
)

// ParsePolicy maps the config value to a policy.
func ParsePolicy(s string) (QueryErrorPolicy, error) {
	switch s {
	case "", config.PolicyAbort:
		return PolicyAbort, nil
	case config.PolicySentinel:
		return PolicySentinel, nil
	default:
		return 0, fmt.Errorf("%w: unknown query error policy %q", ErrInvalidConfig, s)
	}
}

func (p QueryErrorPolicy) String() string {
	if p == PolicySentinel {
		return config.PolicySentinel
	}
	return config.PolicyAbort
}

// Stage names the step of a cycle in which a fatal error happened.
type Stage string

const (
	StageIngest Stage = "ingest"
	StageQuery  Stage = "query"
)

// FatalError is recorded when the processor stops. After it is set, every
// Process call returns backend.Stop.
type FatalError struct {
	Stage Stage
	Bus   string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("processor: %s %s: %v", e.Stage, e.Bus, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

type Config struct {
	SampleRate int
	// Interval between publications in sample time.
	Interval time.Duration
	Policy   QueryErrorPolicy
}

// Stats are monotonically increasing counters, readable from any goroutine.
type Stats struct {
	Ticks         uint64 `json:"ticks"`
	Frames        uint64 `json:"frames"`
	Attempts      uint64 `json:"attempts"`
	Publications  uint64 `json:"publications"`
	Suppressed    uint64 `json:"suppressed"`
	ResetsApplied uint64 `json:"resets_applied"`
	ResetsIgnored uint64 `json:"resets_ignored"`
	QueryErrors   uint64 `json:"query_errors"`
}

type counters struct {
	ticks, frames, attempts, publications, suppressed atomic.Uint64
	resetsApplied, resetsIgnored, queryErrors        atomic.Uint64
}

// Processor is the backend.Handler that owns the bus registry. Only the
// backend's callback goroutine may call Process.
type Processor struct {
	reg    *bus.Registry
	queue  *command.Queue
	out    *broadcast.Broadcast
	policy QueryErrorPolicy

	interval int64 // publication interval in frames
	timer    int64 // frames left until the next publication attempt
	cmds     []command.Command

	stopped bool
	fatal   atomic.Pointer[FatalError]
	done    chan struct{}
	stats   counters
}

// New creates a processor that reads commands from queue and publishes to out.
// The interval is rounded to whole frames so the cadence never drifts.
func New(reg *bus.Registry, queue *command.Queue, out *broadcast.Broadcast, cfg Config) (*Processor, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidConfig, cfg.SampleRate)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval %s", ErrInvalidConfig, cfg.Interval)
	}
	interval := int64(math.Round(cfg.Interval.Seconds() * float64(cfg.SampleRate)))
	if interval < 1 {
		interval = 1
	}
	return &Processor{
		reg:      reg,
		queue:    queue,
		out:      out,
		policy:   cfg.Policy,
		interval: interval,
		timer:    interval,
		cmds:     make([]command.Command, 0, 16),
		done:     make(chan struct{}),
	}, nil
}

// Process handles one audio buffer.
func (p *Processor) Process(c *backend.Cycle) backend.Control {
	if p.stopped {
		return backend.Stop
	}
	p.stats.ticks.Add(1)
	p.stats.frames.Add(uint64(c.Frames()))

	p.drainCommands()

	for _, b := range p.reg.Buses() {
		if err := b.Ingest(c); err != nil {
			p.fail(StageIngest, b.Name(), err)
			return backend.Stop
		}
	}

	p.timer -= int64(c.Frames())
	if p.timer <= 0 {
		if !p.publish() {
			return backend.Stop
		}
		for p.timer <= 0 {
			p.timer += p.interval
		}
	}
	return backend.Continue
}

func (p *Processor) drainCommands() {
	p.cmds = p.queue.DrainAll(p.cmds[:0])
	for _, cmd := range p.cmds {
		switch cmd.Kind {
		case command.Reset:
			b, ok := p.reg.Lookup(cmd.Bus)
			if !ok {
				p.stats.resetsIgnored.Add(1)
				continue
			}
			b.Reset()
			p.stats.resetsApplied.Add(1)
		default:
			p.stats.resetsIgnored.Add(1)
		}
	}
	clear(p.cmds)
}

// publish measures every bus and writes the buses whose tuple changed. It
// returns false when a query failure stopped the processor.
func (p *Processor) publish() bool {
	p.stats.attempts.Add(1)
	var snap loudness.Snapshot
	for _, b := range p.reg.Buses() {
		v, err := b.Measure()
		if err != nil {
			if p.policy == PolicyAbort {
				p.fail(StageQuery, b.Name(), err)
				return false
			}
			p.stats.queryErrors.Add(1)
		}
		if v == b.Last() {
			continue
		}
		b.Publish(v)
		if snap == nil {
			snap = make(loudness.Snapshot, p.reg.Len())
		}
		snap[b.Name()] = v
	}
	if snap == nil {
		p.stats.suppressed.Add(1)
		return true
	}
	p.out.Write(snap)
	p.stats.publications.Add(1)
	return true
}

func (p *Processor) fail(stage Stage, name string, err error) {
	p.stopped = true
	p.fatal.Store(&FatalError{Stage: stage, Bus: name, Err: err})
	close(p.done)
}

// Err returns the fatal error, or nil while the processor is healthy.
func (p *Processor) Err() error {
	if e := p.fatal.Load(); e != nil {
		return e
	}
	return nil
}

// Done is closed when the processor stops on a fatal error.
func (p *Processor) Done() <-chan struct{} { return p.done }

// IntervalFrames is the publication interval after rounding to whole frames.
func (p *Processor) IntervalFrames() int64 { return p.interval }

func (p *Processor) Stats() Stats {
	return Stats{
		Ticks:         p.stats.ticks.Load(),
		Frames:        p.stats.frames.Load(),
		Attempts:      p.stats.attempts.Load(),
		Publications:  p.stats.publications.Load(),
		Suppressed:    p.stats.suppressed.Load(),
		ResetsApplied: p.stats.resetsApplied.Load(),
		ResetsIgnored: p.stats.resetsIgnored.Load(),
		QueryErrors:   p.stats.queryErrors.Load(),
	}
}

// Close makes further commands fail with command.ErrReceiverGone and wakes
// every broadcast reader. Call it after the backend has stopped.
func (p *Processor) Close() {
	p.queue.Close()
	p.out.Close()
}
