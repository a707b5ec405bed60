package backend

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/gordonklaus/portaudio"

	"github.com/christian-lee/loudmeter/internal/config"
)

// PortAudio drives the handler from a realtime input stream. Every registered
// port is one input channel of the selected device, in registration order.
type PortAudio struct {
	clientName string
	device     *portaudio.DeviceInfo
	sampleRate int
	bufferSize int
	ports      PortSet
}

// NewPortAudio initializes PortAudio and resolves the input device. The device's
// default sample rate is used when cfg.SampleRate is zero.
func NewPortAudio(cfg config.AudioConfig) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("init portaudio: %w", err)
	}
	dev, err := inputDevice(cfg.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = int(math.Round(dev.DefaultSampleRate))
	}
	return &PortAudio{
		clientName: cfg.ClientName,
		device:     dev,
		sampleRate: rate,
		bufferSize: cfg.BufferSize,
	}, nil
}

func inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", name)
}

func (p *PortAudio) Name() string    { return config.BackendPortAudio }
func (p *PortAudio) SampleRate() int { return p.sampleRate }

func (p *PortAudio) RegisterPort(name string) (Port, error) {
	if p.ports.Len() >= p.device.MaxInputChannels {
		return Port{}, fmt.Errorf("register port %s: device %q has only %d input channels", name, p.device.Name, p.device.MaxInputChannels)
	}
	return p.ports.Register(name)
}

// Run opens a non-interleaved float32 stream with one channel per port.
func (p *PortAudio) Run(ctx context.Context, h Handler) error {
	if p.ports.Len() == 0 {
		return ErrNoPorts
	}
	p.ports.Freeze()

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   p.device,
			Channels: p.ports.Len(),
			Latency:  p.device.DefaultLowInputLatency,
		},
		SampleRate:      float64(p.sampleRate),
		FramesPerBuffer: p.bufferSize,
	}

	stopped := make(chan struct{}, 1)
	var cycle Cycle
	halted := false
	callback := func(in [][]float32) {
		if halted {
			return
		}
		cycle.Set(in)
		if h.Process(&cycle) == Stop {
			halted = true
			select {
			case stopped <- struct{}{}:
			default:
			}
		}
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	slog.Info("🎧 audio capture started (portaudio)",
		"client", p.clientName,
		"device", p.device.Name,
		"rate", p.sampleRate,
		"buffer", p.bufferSize,
		"channels", p.ports.Len(),
	)

	select {
	case <-ctx.Done():
	case <-stopped:
		slog.Warn("processor requested stop", "client", p.clientName)
	}

	if err := stream.Stop(); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	slog.Info("audio capture stopped", "client", p.clientName)
	return nil
}

func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

// Device describes an input device for the devices subcommand.
type Device struct {
	Name              string
	HostAPI           string
	InputChannels     int
	DefaultSampleRate float64
}

// ListDevices returns all devices with input channels.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("init portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var out []Device
	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		host := ""
		if d.HostApi != nil {
			host = d.HostApi.Name
		}
		out = append(out, Device{
			Name:              d.Name,
			HostAPI:           host,
			InputChannels:     d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}
