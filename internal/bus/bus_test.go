package bus

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/christian-lee/loudmeter/internal/backend"
	"github.com/christian-lee/loudmeter/internal/backend/backendtest"
	"github.com/christian-lee/loudmeter/internal/config"
	"github.com/christian-lee/loudmeter/internal/loudness"
	"github.com/christian-lee/loudmeter/internal/loudness/loudnesstest"
)

func TestRegistryPortsMatchChannels(t *testing.T) {
	be := backendtest.New(48000)
	var fa loudnesstest.Factory
	inputs := map[string]config.InputConfig{
		"program":  {Name: "Program", Channels: 2},
		"mic":      {Name: "Mic", Channels: 1},
		"surround": {Name: "5.1", Channels: 6},
	}

	r, err := NewRegistry(be, inputs, fa.New)
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}

	var names []string
	for _, b := range r.Buses() {
		names = append(names, b.Name())
		if len(b.Ports()) != inputs[b.Name()].Channels {
			t.Errorf("%s: %d ports, want %d", b.Name(), len(b.Ports()), inputs[b.Name()].Channels)
		}
		if b.Channels() != inputs[b.Name()].Channels {
			t.Errorf("%s: Channels() = %d", b.Name(), b.Channels())
		}
	}
	if diff := cmp.Diff([]string{"mic", "program", "surround"}, names); diff != "" {
		t.Errorf("bus order (-want +got):\n%s", diff)
	}

	var ports []string
	for _, p := range be.Ports() {
		ports = append(ports, p.Name())
	}
	want := []string{"mic_0", "program_0", "program_1", "surround_0", "surround_1", "surround_2", "surround_3", "surround_4", "surround_5"}
	if diff := cmp.Diff(want, ports); diff != "" {
		t.Errorf("backend ports (-want +got):\n%s", diff)
	}

	for _, f := range fa.Built {
		if f.SampleRate != 48000 || f.Modes != loudness.ModeAll {
			t.Errorf("analyzer built with rate %d modes %b", f.SampleRate, f.Modes)
		}
	}
}

func TestRegistryRejectsBadInputs(t *testing.T) {
	var fa loudnesstest.Factory
	_, err := NewRegistry(backendtest.New(48000), map[string]config.InputConfig{"x": {Channels: 0}}, fa.New)
	if !errors.Is(err, ErrInvalidChannels) {
		t.Errorf("zero channels: err = %v, want ErrInvalidChannels", err)
	}

	be := backendtest.New(48000)
	be.MaxPorts = 1
	if _, err := NewRegistry(be, map[string]config.InputConfig{"x": {Channels: 2}}, fa.New); !errors.Is(err, backendtest.ErrPortLimit) {
		t.Errorf("port failure: err = %v, want ErrPortLimit", err)
	}

	boom := errors.New("boom")
	bad := loudnesstest.Factory{Err: boom}
	if _, err := NewRegistry(backendtest.New(48000), map[string]config.InputConfig{"x": {Channels: 1}}, bad.New); !errors.Is(err, boom) {
		t.Errorf("analyzer failure: err = %v, want boom", err)
	}
}

func TestLookup(t *testing.T) {
	var fa loudnesstest.Factory
	r, err := NewRegistry(backendtest.New(48000), map[string]config.InputConfig{"a": {Channels: 1}}, fa.New)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Lookup("a"); !ok {
		t.Error("Lookup(a) missing")
	}
	if _, ok := r.Lookup("b"); ok {
		t.Error("Lookup(b) found an unconfigured bus")
	}
}

func TestIngestAndMeasure(t *testing.T) {
	be := backendtest.New(48000)
	var fa loudnesstest.Factory
	b, err := Register(be, "a", 2, fa.New)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(loudness.Unset(), b.Last()); diff != "" {
		t.Errorf("initial Last() (-want +got):\n%s", diff)
	}

	fake := fa.Built[0]
	fake.Values = loudness.Values{Momentary: -23, ShortTerm: -24, Global: -25, Range: 3}

	if err := b.Ingest(backend.NewCycle(backendtest.Constant(2, 480, 0.1))); err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if fake.Frames != 480 {
		t.Errorf("analyzer saw %d frames, want 480", fake.Frames)
	}
	v, err := b.Measure()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(fake.Values, v); diff != "" {
		t.Errorf("Measure() (-want +got):\n%s", diff)
	}

	b.Reset()
	v, _ = b.Measure()
	if diff := cmp.Diff(loudness.Unset(), v); diff != "" {
		t.Errorf("Measure() after reset (-want +got):\n%s", diff)
	}
}

func TestMeasureSanitizes(t *testing.T) {
	be := backendtest.New(48000)
	var fa loudnesstest.Factory
	b, _ := Register(be, "a", 1, fa.New)
	fake := fa.Built[0]
	fake.Signal = true
	fake.Values = loudness.Values{Momentary: math.NaN(), ShortTerm: -20, Global: -21, Range: math.NaN()}

	v, err := b.Measure()
	if err != nil {
		t.Fatal(err)
	}
	want := loudness.Values{Momentary: math.Inf(-1), ShortTerm: -20, Global: -21, Range: 0}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Errorf("NaN sanitizing (-want +got):\n%s", diff)
	}

	fake.QueryErr = loudness.ErrModeDisabled
	v, err = b.Measure()
	if !errors.Is(err, loudness.ErrModeDisabled) {
		t.Errorf("err = %v, want ErrModeDisabled", err)
	}
	if diff := cmp.Diff(loudness.Unset(), v); diff != "" {
		t.Errorf("failed metrics not replaced by sentinels (-want +got):\n%s", diff)
	}
}

func TestIngestContractViolation(t *testing.T) {
	be := backendtest.New(48000)
	var fa loudnesstest.Factory
	b, _ := Register(be, "a", 2, fa.New)
	// a cycle with one buffer only: the second port has no samples
	err := b.Ingest(backend.NewCycle(backendtest.Constant(1, 16, 0)))
	if !errors.Is(err, loudness.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}
