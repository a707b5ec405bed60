package backend

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"
)

// pump cuts an interleaved sample stream into fixed-size planar cycles and feeds
// them to a Handler. Source channels beyond the registered ports are dropped.
type pump struct {
	srcChannels int
	size        int // frames per cycle

	planes [][]float32 // one buffer per port
	fill   int
	cycle  Cycle
	cycles int64 // delivered to the handler

	tick <-chan time.Time // paces cycles at wall-clock speed when set
}

func newPump(srcChannels, ports, size int) *pump {
	planes := make([][]float32, ports)
	for i := range planes {
		planes[i] = make([]float32, size)
	}
	p := &pump{
		srcChannels: srcChannels,
		size:        size,
		planes:      planes,
	}
	p.cycle.Set(planes)
	return p
}

// push consumes whole interleaved frames from samples. It returns Stop when the
// handler asked to stop and ctx.Err() when cancelled while pacing.
func (p *pump) push(ctx context.Context, h Handler, samples []float32) (Control, error) {
	frames := len(samples) / p.srcChannels
	for f := 0; f < frames; f++ {
		base := f * p.srcChannels
		for ch := range p.planes {
			p.planes[ch][p.fill] = samples[base+ch]
		}
		p.fill++
		if p.fill < p.size {
			continue
		}
		p.fill = 0

		if p.tick != nil {
			select {
			case <-ctx.Done():
				return Stop, ctx.Err()
			case <-p.tick:
			}
		}
		p.cycles++
		if h.Process(&p.cycle) == Stop {
			return Stop, nil
		}
	}
	return Continue, nil
}

// f32Reader decodes interleaved little-endian float32 PCM. Partial frames are
// carried over to the next read so callers always see whole frames.
type f32Reader struct {
	r          io.Reader
	frameBytes int
	buf        []byte
	keep       int
	out        []float32
}

func newF32Reader(r io.Reader, channels, frames int) *f32Reader {
	return &f32Reader{
		r:          r,
		frameBytes: channels * 4,
		buf:        make([]byte, frames*channels*4),
		out:        make([]float32, frames*channels),
	}
}

// next returns the decoded samples of one read. The slice is reused by the next call.
func (d *f32Reader) next() ([]float32, error) {
	n, err := d.r.Read(d.buf[d.keep:])
	n += d.keep
	used := n / d.frameBytes * d.frameBytes
	samples := used / 4
	for i := 0; i < samples; i++ {
		d.out[i] = math.Float32frombits(binary.LittleEndian.Uint32(d.buf[i*4 : i*4+4]))
	}
	d.keep = copy(d.buf, d.buf[used:n])
	return d.out[:samples], err
}
