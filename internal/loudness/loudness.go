// Package loudness defines the EBU R128 measurement values published per input
// bus and the analyzer contract the realtime processor drives.
package loudness

import (
	"encoding/json"
	"errors"
	"math"
)

var (
	// ErrInvalidState reports planar input that does not match the analyzer's
	// channel layout. It is a contract violation, not a recoverable condition.
	ErrInvalidState = errors.New("loudness: invalid state")
	// ErrModeDisabled is returned when querying a metric whose mode was not enabled.
	ErrModeDisabled = errors.New("loudness: mode not enabled")
	// ErrInvalidConfig is returned by constructors for unusable channel counts or rates.
	ErrInvalidConfig = errors.New("loudness: invalid configuration")
)

// Mode selects which metrics an analyzer maintains.
type Mode uint8

const (
	ModeMomentary Mode = 1 << iota
	ModeShortTerm
	ModeIntegrated
	ModeRange

	ModeAll = ModeMomentary | ModeShortTerm | ModeIntegrated | ModeRange
)

func (m Mode) Has(flag Mode) bool { return m&flag == flag }

// Analyzer accumulates planar sample frames for one bus.
type Analyzer interface {
	// AddFrames ingests one buffer per channel; all buffers must be equal length.
	AddFrames(planar [][]float32) error
	Momentary() (float64, error)
	ShortTerm() (float64, error)
	Global() (float64, error)
	Range() (float64, error)
	// Reset clears accumulated statistics without reallocating.
	Reset()
}

// Factory builds an analyzer for a bus.
type Factory func(channels, sampleRate int, modes Mode) (Analyzer, error)

// Values is the loudness tuple of one bus. Momentary, ShortTerm and Global are
// in LUFS, Range in LU.
type Values struct {
	Momentary float64 `json:"momentary"`
	ShortTerm float64 `json:"short_term"`
	Global    float64 `json:"global"`
	Range     float64 `json:"range"`
}

// Unset is the tuple of a bus with no accumulated signal, also reported right after a reset.
func Unset() Values {
	return Values{
		Momentary: math.Inf(-1),
		ShortTerm: math.Inf(-1),
		Global:    math.Inf(-1),
		Range:     0,
	}
}

// MarshalJSON encodes non-finite metrics as null.
func (v Values) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Momentary *float64 `json:"momentary"`
		ShortTerm *float64 `json:"short_term"`
		Global    *float64 `json:"global"`
		Range     *float64 `json:"range"`
	}{
		Momentary: finite(v.Momentary),
		ShortTerm: finite(v.ShortTerm),
		Global:    finite(v.Global),
		Range:     finite(v.Range),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON: null decodes to the metric's sentinel.
func (v *Values) UnmarshalJSON(data []byte) error {
	var raw struct {
		Momentary *float64 `json:"momentary"`
		ShortTerm *float64 `json:"short_term"`
		Global    *float64 `json:"global"`
		Range     *float64 `json:"range"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Unset()
	if raw.Momentary != nil {
		v.Momentary = *raw.Momentary
	}
	if raw.ShortTerm != nil {
		v.ShortTerm = *raw.ShortTerm
	}
	if raw.Global != nil {
		v.Global = *raw.Global
	}
	if raw.Range != nil {
		v.Range = *raw.Range
	}
	return nil
}

func finite(f float64) *float64 {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return &f
}

// Snapshot maps bus name to the tuples that changed since the previous publication.
// A published snapshot must not be modified.
type Snapshot map[string]Values
