package loudness

import (
	"fmt"
	"math"

	dsploudness "github.com/cwbudde/algo-dsp/measure/loudness"
)

// meterFloor is what the underlying meter reports for a window with zero energy.
const meterFloor = -120.0

// R128 is an EBU R128 analyzer for one multi-channel bus.
//
// K-weighting and the sliding momentary/short-term windows are computed by the
// algo-dsp meter. Integrated loudness and loudness range are gated here over
// fixed-size block histograms, so neither memory nor query cost grows while
// audio is flowing.
type R128 struct {
	channels   int
	sampleRate int
	modes      Mode

	meter *dsploudness.Meter
	frame []float64 // one interleaved frame, reused for every sample

	framesSeen int // saturates at shortWindow

	// 400 ms gating blocks, one per 100 ms
	momWindow int
	gateStep  int
	sinceGate int
	gated     gatingHistogram

	// 3 s range blocks, one per second
	shortWindow   int
	blockStep     int
	sinceLastStep int
	hist          rangeHistogram
}

// NewR128 creates an analyzer for channels at sampleRate with the given modes enabled.
func NewR128(channels, sampleRate int, modes Mode) (*R128, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: channels must be positive, got %d", ErrInvalidConfig, channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidConfig, sampleRate)
	}

	meter := dsploudness.NewMeter(
		dsploudness.WithSampleRate(float64(sampleRate)),
		dsploudness.WithChannels(channels),
	)
	return &R128{
		channels:    channels,
		sampleRate:  sampleRate,
		modes:       modes,
		meter:       meter,
		frame:       make([]float64, channels),
		momWindow:   sampleRate * 4 / 10,
		gateStep:    sampleRate / 10,
		shortWindow: sampleRate * 3,
		blockStep:   sampleRate,
	}, nil
}

// NewAnalyzer adapts NewR128 to a Factory.
func NewAnalyzer(channels, sampleRate int, modes Mode) (Analyzer, error) {
	a, err := NewR128(channels, sampleRate, modes)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *R128) Channels() int   { return a.channels }
func (a *R128) SampleRate() int { return a.sampleRate }

func (a *R128) AddFrames(planar [][]float32) error {
	if len(planar) != a.channels {
		return fmt.Errorf("%w: got %d buffers for %d channels", ErrInvalidState, len(planar), a.channels)
	}
	n := len(planar[0])
	for ch := 1; ch < len(planar); ch++ {
		if len(planar[ch]) != n {
			return fmt.Errorf("%w: channel %d has %d frames, channel 0 has %d", ErrInvalidState, ch, len(planar[ch]), n)
		}
	}

	trackGlobal := a.modes.Has(ModeIntegrated)
	trackRange := a.modes.Has(ModeRange)
	for i := 0; i < n; i++ {
		for ch := range a.frame {
			a.frame[ch] = float64(planar[ch][i])
		}
		a.meter.ProcessSample(a.frame)

		if a.framesSeen < a.shortWindow {
			a.framesSeen++
		}
		if trackGlobal {
			a.sinceGate++
			if a.framesSeen >= a.momWindow && a.sinceGate >= a.gateStep {
				a.sinceGate = 0
				a.gated.add(a.meter.Momentary())
			}
		}
		if trackRange {
			a.sinceLastStep++
			if a.framesSeen >= a.shortWindow && a.sinceLastStep >= a.blockStep {
				a.sinceLastStep = 0
				a.hist.add(a.meter.ShortTerm())
			}
		}
	}
	return nil
}

func (a *R128) Momentary() (float64, error) {
	if !a.modes.Has(ModeMomentary) {
		return math.Inf(-1), fmt.Errorf("momentary: %w", ErrModeDisabled)
	}
	return floorToInf(a.meter.Momentary()), nil
}

func (a *R128) ShortTerm() (float64, error) {
	if !a.modes.Has(ModeShortTerm) {
		return math.Inf(-1), fmt.Errorf("short-term: %w", ErrModeDisabled)
	}
	return floorToInf(a.meter.ShortTerm()), nil
}

func (a *R128) Global() (float64, error) {
	if !a.modes.Has(ModeIntegrated) {
		return math.Inf(-1), fmt.Errorf("global: %w", ErrModeDisabled)
	}
	return a.gated.integrated(), nil
}

func (a *R128) Range() (float64, error) {
	if !a.modes.Has(ModeRange) {
		return 0, fmt.Errorf("range: %w", ErrModeDisabled)
	}
	return a.hist.loudnessRange(), nil
}

func (a *R128) Reset() {
	a.meter.Reset()
	a.gated.reset()
	a.hist.reset()
	a.framesSeen = 0
	a.sinceGate = 0
	a.sinceLastStep = 0
}

func floorToInf(lufs float64) float64 {
	if lufs == meterFloor {
		return math.Inf(-1)
	}
	return lufs
}
