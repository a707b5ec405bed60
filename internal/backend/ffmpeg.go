package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/christian-lee/loudmeter/internal/config"
)

// FFmpeg captures audio from a stream URL or file via an ffmpeg subprocess.
// Every registered port is one channel of the decoded stream, in registration order.
type FFmpeg struct {
	source     string
	sampleRate int
	bufferSize int
	realtime   bool
	ports      PortSet

	// Command builds the subprocess; replaced in tests.
	Command func(ctx context.Context, args ...string) *exec.Cmd
}

func NewFFmpeg(cfg config.AudioConfig) *FFmpeg {
	return &FFmpeg{
		source:     cfg.Source,
		sampleRate: cfg.SampleRate,
		bufferSize: cfg.BufferSize,
		realtime:   cfg.Realtime,
		Command: func(ctx context.Context, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "ffmpeg", args...)
		},
	}
}

func (f *FFmpeg) Name() string    { return config.BackendFFmpeg }
func (f *FFmpeg) SampleRate() int { return f.sampleRate }
func (f *FFmpeg) Close() error    { return nil }

func (f *FFmpeg) RegisterPort(name string) (Port, error) {
	return f.ports.Register(name)
}

func (f *FFmpeg) args() []string {
	var args []string
	if f.realtime {
		args = append(args, "-re") // read input at native rate
	}
	args = append(args,
		"-i", f.source,
		"-vn",                  // no video
		"-acodec", "pcm_f32le", // raw float PCM
		"-ar", fmt.Sprintf("%d", f.sampleRate),
		"-ac", fmt.Sprintf("%d", f.ports.Len()),
		"-f", "f32le", // raw output format
		"-loglevel", "error",
		"-", // output to stdout
	)
	return args
}

func (f *FFmpeg) Run(ctx context.Context, h Handler) error {
	if f.ports.Len() == 0 {
		return ErrNoPorts
	}
	f.ports.Freeze()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	source := f.source[:min(80, len(f.source))]
	cmd := f.Command(ctx, f.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	slog.Info("🎧 audio capture started (ffmpeg)", "source", source, "channels", f.ports.Len())

	lastLine := make(chan string, 1)
	go func() { lastLine <- logLines(stderr, source) }()

	cycles, ended, runErr := f.feed(ctx, stdout, h)
	cancel()
	last := <-lastLine
	waitErr := cmd.Wait()
	slog.Info("audio capture stopped", "source", source, "cycles", cycles)

	// a killed process is expected once we stopped reading
	if runErr != nil || !ended || waitErr == nil {
		return runErr
	}
	if cycles == 0 {
		if last != "" {
			return fmt.Errorf("ffmpeg: %w: %s", waitErr, last)
		}
		return fmt.Errorf("ffmpeg: %w", waitErr)
	}
	slog.Warn("⚠️ ffmpeg exited with an error", "source", source, "err", waitErr)
	return nil
}

// logLines logs every stderr line of the subprocess and returns the last one.
func logLines(r io.Reader, source string) string {
	var last string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		last = sc.Text()
		slog.Warn("ffmpeg", "source", source, "msg", last)
	}
	return last
}

// feed pumps decoded PCM into h. It reports how many cycles were delivered
// and whether the stream ended on its own rather than by Stop or ctx.
func (f *FFmpeg) feed(ctx context.Context, r io.Reader, h Handler) (cycles int64, ended bool, err error) {
	channels := f.ports.Len()
	dec := newF32Reader(r, channels, f.bufferSize)
	p := newPump(channels, channels, f.bufferSize)
	for {
		samples, rerr := dec.next()
		if len(samples) > 0 {
			ctl, perr := p.push(ctx, h, samples)
			if perr != nil || ctl == Stop {
				return p.cycles, false, nil
			}
		}
		if errors.Is(rerr, io.EOF) {
			return p.cycles, ctx.Err() == nil, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return p.cycles, false, nil
			}
			return p.cycles, false, fmt.Errorf("read ffmpeg output: %w", rerr)
		}
	}
}
