package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/christian-lee/loudmeter/internal/config"
)

var (
	ErrNotWavFile     = errors.New("backend: not a valid wav file")
	ErrUnsupportedWav = errors.New("backend: only integer PCM wav files are supported")
	ErrTooFewChannels = errors.New("backend: wav file has fewer channels than registered ports")
)

// WAV replays a PCM wav file through the handler, optionally at wall-clock
// speed and in a loop. Port i reads channel i of the file.
type WAV struct {
	path       string
	bufferSize int
	realtime   bool
	loop       bool

	file  *os.File
	dec   *wav.Decoder
	ports PortSet
}

func NewWAV(cfg config.AudioConfig) (*WAV, error) {
	f, err := os.Open(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotWavFile, cfg.Source)
	}
	dec.ReadInfo()
	if dec.WavAudioFormat != 1 || dec.BitDepth == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: format %d, %d bit", ErrUnsupportedWav, dec.WavAudioFormat, dec.BitDepth)
	}
	return &WAV{
		path:       cfg.Source,
		bufferSize: cfg.BufferSize,
		realtime:   cfg.Realtime,
		loop:       cfg.Loop,
		file:       f,
		dec:        dec,
	}, nil
}

func (w *WAV) Name() string    { return config.BackendWAV }
func (w *WAV) SampleRate() int { return int(w.dec.SampleRate) }
func (w *WAV) Channels() int   { return int(w.dec.NumChans) }

func (w *WAV) RegisterPort(name string) (Port, error) {
	return w.ports.Register(name)
}

func (w *WAV) Close() error {
	return w.file.Close()
}

func (w *WAV) Run(ctx context.Context, h Handler) error {
	if w.ports.Len() == 0 {
		return ErrNoPorts
	}
	channels := w.Channels()
	if channels < w.ports.Len() {
		return fmt.Errorf("%w: %d < %d", ErrTooFewChannels, channels, w.ports.Len())
	}
	w.ports.Freeze()

	p := newPump(channels, w.ports.Len(), w.bufferSize)
	if w.realtime {
		period := time.Duration(float64(w.bufferSize) / float64(w.SampleRate()) * float64(time.Second))
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		p.tick = ticker.C
	}

	buf := &audio.IntBuffer{
		Format: w.dec.Format(),
		Data:   make([]int, w.bufferSize*channels),
	}
	samples := make([]float32, len(buf.Data))
	scale := float32(int64(1) << (w.dec.BitDepth - 1))
	// 8-bit PCM is unsigned
	offset := 0
	if w.dec.BitDepth == 8 {
		offset = 128
	}

	slog.Info("🎧 wav replay started", "path", w.path, "rate", w.SampleRate(), "channels", channels, "loop", w.loop)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := w.dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode wav: %w", err)
		}
		if n == 0 {
			if !w.loop {
				slog.Info("wav replay finished", "path", w.path)
				return nil
			}
			if err := w.dec.Rewind(); err != nil {
				return fmt.Errorf("rewind wav: %w", err)
			}
			continue
		}

		n -= n % channels
		for i := 0; i < n; i++ {
			samples[i] = float32(buf.Data[i]-offset) / scale
		}
		ctl, err := p.push(ctx, h, samples[:n])
		if err != nil || ctl == Stop {
			return nil
		}
	}
}
