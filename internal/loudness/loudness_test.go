package loudness

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testRate = 48000

func sine(frames int, amp, freq float64) []float32 {
	out := make([]float32, frames)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq/testRate*float64(i)))
	}
	return out
}

func query(t *testing.T, a Analyzer) Values {
	t.Helper()
	var v Values
	var err error
	if v.Momentary, err = a.Momentary(); err != nil {
		t.Fatalf("Momentary() failed: %v", err)
	}
	if v.ShortTerm, err = a.ShortTerm(); err != nil {
		t.Fatalf("ShortTerm() failed: %v", err)
	}
	if v.Global, err = a.Global(); err != nil {
		t.Fatalf("Global() failed: %v", err)
	}
	if v.Range, err = a.Range(); err != nil {
		t.Fatalf("Range() failed: %v", err)
	}
	return v
}

func TestNewR128RejectsInvalidConfig(t *testing.T) {
	if _, err := NewR128(0, testRate, ModeAll); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero channels: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewR128(2, 0, ModeAll); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero sample rate: err = %v, want ErrInvalidConfig", err)
	}
}

func TestFreshAnalyzerReportsUnset(t *testing.T) {
	a, err := NewR128(2, testRate, ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Unset(), query(t, a)); diff != "" {
		t.Errorf("fresh analyzer mismatch (-want +got):\n%s", diff)
	}
}

func TestAddFramesContract(t *testing.T) {
	a, err := NewR128(2, testRate, ModeAll)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		planar [][]float32
	}{
		{"too few buffers", [][]float32{make([]float32, 16)}},
		{"too many buffers", [][]float32{make([]float32, 16), make([]float32, 16), make([]float32, 16)}},
		{"unequal lengths", [][]float32{make([]float32, 16), make([]float32, 8)}},
	}
	for _, tt := range tests {
		if err := a.AddFrames(tt.planar); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s: err = %v, want ErrInvalidState", tt.name, err)
		}
	}

	if err := a.AddFrames([][]float32{make([]float32, 16), make([]float32, 16)}); err != nil {
		t.Errorf("valid buffers rejected: %v", err)
	}
}

func TestSineLoudness(t *testing.T) {
	a, err := NewR128(1, testRate, ModeAll)
	if err != nil {
		t.Fatal(err)
	}

	// 4 s of 1 kHz at 0.5 amplitude, fed in 10 ms buffers.
	sig := sine(testRate*4, 0.5, 1000)
	for off := 0; off < len(sig); off += 480 {
		if err := a.AddFrames([][]float32{sig[off : off+480]}); err != nil {
			t.Fatal(err)
		}
	}

	v := query(t, a)
	for name, got := range map[string]float64{"momentary": v.Momentary, "short-term": v.ShortTerm, "global": v.Global} {
		if math.Abs(got-(-9.1)) > 0.5 {
			t.Errorf("%s = %.2f LUFS, want about -9.1", name, got)
		}
	}
	if v.Range != 0 {
		t.Errorf("range of a steady tone = %v, want 0", v.Range)
	}
}

func TestResetRestoresUnset(t *testing.T) {
	a, err := NewR128(2, testRate, ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	tone := sine(testRate, 0.25, 440)
	if err := a.AddFrames([][]float32{tone, tone}); err != nil {
		t.Fatal(err)
	}
	if m, _ := a.Momentary(); math.IsInf(m, -1) {
		t.Fatal("momentary still unset after a second of signal")
	}

	a.Reset()
	if diff := cmp.Diff(Unset(), query(t, a)); diff != "" {
		t.Errorf("after reset (-want +got):\n%s", diff)
	}

	// silence after a reset keeps the sentinels
	silence := make([]float32, 4800)
	if err := a.AddFrames([][]float32{silence, silence}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Unset(), query(t, a)); diff != "" {
		t.Errorf("silence after reset (-want +got):\n%s", diff)
	}
}

func TestDisabledModes(t *testing.T) {
	a, err := NewR128(1, testRate, ModeMomentary)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Momentary(); err != nil {
		t.Errorf("enabled momentary failed: %v", err)
	}
	if _, err := a.ShortTerm(); !errors.Is(err, ErrModeDisabled) {
		t.Errorf("ShortTerm err = %v, want ErrModeDisabled", err)
	}
	if _, err := a.Global(); !errors.Is(err, ErrModeDisabled) {
		t.Errorf("Global err = %v, want ErrModeDisabled", err)
	}
	if _, err := a.Range(); !errors.Is(err, ErrModeDisabled) {
		t.Errorf("Range err = %v, want ErrModeDisabled", err)
	}
}

func TestRangeHistogram(t *testing.T) {
	var h rangeHistogram
	if got := h.loudnessRange(); got != 0 {
		t.Fatalf("empty histogram range = %v, want 0", got)
	}

	for i := 0; i < 50; i++ {
		h.add(-30)
		h.add(-20)
	}
	// below the absolute gate, ignored
	h.add(-80)
	h.add(math.Inf(-1))

	if got := h.loudnessRange(); math.Abs(got-10) > 1e-9 {
		t.Errorf("range = %v, want 10", got)
	}

	// far below the relative gate, ignored by the percentile walk
	for i := 0; i < 5; i++ {
		h.add(-65)
	}
	if got := h.loudnessRange(); math.Abs(got-10) > 1e-9 {
		t.Errorf("range with gated blocks = %v, want 10", got)
	}

	h.reset()
	if got := h.loudnessRange(); got != 0 {
		t.Errorf("range after reset = %v, want 0", got)
	}
}

func TestValuesJSON(t *testing.T) {
	data, err := json.Marshal(Unset())
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	want := `{"momentary":null,"short_term":null,"global":null,"range":0}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	v := Values{Momentary: -23, ShortTerm: -22.5, Global: math.Inf(-1), Range: 4.2}
	data, err = json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var back Values
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if diff := cmp.Diff(v, back); diff != "" {
		t.Errorf("JSON round trip (-want +got):\n%s", diff)
	}
}

func TestGatingHistogram(t *testing.T) {
	var h gatingHistogram
	if got := h.integrated(); !math.IsInf(got, -1) {
		t.Fatalf("empty histogram = %v, want -Inf", got)
	}

	// below the absolute gate, ignored
	h.add(-75)
	h.add(math.NaN())
	if got := h.integrated(); !math.IsInf(got, -1) {
		t.Fatalf("only gated blocks = %v, want -Inf", got)
	}

	for i := 0; i < 50; i++ {
		h.add(-20)
		h.add(-40)
	}
	// the -40 blocks sit below the relative gate (about -33 LUFS)
	if got := h.integrated(); math.Abs(got-(-20)) > 1e-9 {
		t.Errorf("integrated = %v, want -20", got)
	}

	h.reset()
	h.add(-23)
	h.add(-24)
	want := energyToLUFS((lufsToEnergy(-23) + lufsToEnergy(-24)) / 2)
	if got := h.integrated(); math.Abs(got-want) > 1e-9 {
		t.Errorf("integrated after reset = %v, want %v", got, want)
	}
}

func TestSteadyStateDoesNotAllocate(t *testing.T) {
	if testing.Short() {
		t.Skip("feeds several minutes of audio")
	}
	a, err := NewR128(1, testRate, ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	planar := [][]float32{sine(480, 0.25, 1000)}
	feed := func() {
		if err := a.AddFrames(planar); err != nil {
			t.Fatal(err)
		}
	}

	// 3 minutes of signal
	for i := 0; i < 3*60*100; i++ {
		feed()
	}
	before, _ := a.Global()

	allocs := testing.AllocsPerRun(200, func() {
		feed()
		a.Momentary()
		a.ShortTerm()
		a.Global()
		a.Range()
	})
	if allocs != 0 {
		t.Errorf("AddFrames plus queries allocated %v times per cycle, want 0", allocs)
	}
	if after, _ := a.Global(); math.Abs(after-before) > 0.1 {
		t.Errorf("integrated drifted from %.2f to %.2f on a steady tone", before, after)
	}
}
