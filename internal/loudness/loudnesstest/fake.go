// Package loudnesstest provides a scripted Analyzer for processor and bus tests.
package loudnesstest

import (
	"fmt"
	"sync"

	"github.com/christian-lee/loudmeter/internal/loudness"
)

// Fake reports Values once it has seen a non-zero sample since creation or the
// last Reset, and loudness.Unset() while only silence has arrived.
type Fake struct {
	Channels   int
	SampleRate int
	Modes      loudness.Mode

	Values loudness.Values
	// QueryErr, when set, is returned by every query.
	QueryErr error
	// AddErr, when set, is returned by AddFrames.
	AddErr error

	Frames int
	Signal bool
	Resets int
}

func (f *Fake) AddFrames(planar [][]float32) error {
	if f.AddErr != nil {
		return f.AddErr
	}
	if len(planar) != f.Channels {
		return fmt.Errorf("%w: %d buffers for %d channels", loudness.ErrInvalidState, len(planar), f.Channels)
	}
	for _, p := range planar {
		if len(p) != len(planar[0]) {
			return fmt.Errorf("%w: unequal buffer lengths", loudness.ErrInvalidState)
		}
	}
	if len(planar) > 0 {
		f.Frames += len(planar[0])
	}
	for _, p := range planar {
		for _, x := range p {
			if x != 0 {
				f.Signal = true
				break
			}
		}
	}
	return nil
}

func (f *Fake) current() loudness.Values {
	if !f.Signal {
		return loudness.Unset()
	}
	return f.Values
}

func (f *Fake) Momentary() (float64, error) { return f.current().Momentary, f.QueryErr }
func (f *Fake) ShortTerm() (float64, error) { return f.current().ShortTerm, f.QueryErr }
func (f *Fake) Global() (float64, error)    { return f.current().Global, f.QueryErr }
func (f *Fake) Range() (float64, error)     { return f.current().Range, f.QueryErr }

func (f *Fake) Reset() {
	f.Signal = false
	f.Resets++
}

// Factory records every Fake it builds by creation order.
type Factory struct {
	mu    sync.Mutex
	Built []*Fake
	// Err, when set, fails construction.
	Err error
}

func (fa *Factory) New(channels, sampleRate int, modes loudness.Mode) (loudness.Analyzer, error) {
	if fa.Err != nil {
		return nil, fa.Err
	}
	f := &Fake{Channels: channels, SampleRate: sampleRate, Modes: modes}
	fa.mu.Lock()
	fa.Built = append(fa.Built, f)
	fa.mu.Unlock()
	return f, nil
}
