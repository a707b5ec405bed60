// Package broadcast holds the most recently published loudness snapshot and
// lets any number of readers wait for a newer one.
//
// It is a single slot, not a queue: a reader that is slower than the writer
// only ever sees the latest value at the time it wakes up.
package broadcast

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/christian-lee/loudmeter/internal/loudness"
)

var ErrClosed = errors.New("broadcast: closed")

type state struct {
	snap    loudness.Snapshot
	version uint64
	closed  bool
	changed chan struct{} // closed when this state is replaced
}

// Broadcast is a single-writer, multi-reader latest-value cell. Write never
// blocks and takes no locks, so it is safe to call from the audio callback.
type Broadcast struct {
	cur atomic.Pointer[state]
}

// New returns a broadcast holding an empty snapshot at version 0.
func New() *Broadcast {
	b := &Broadcast{}
	b.cur.Store(&state{changed: make(chan struct{})})
	return b
}

// Write publishes s and wakes every waiting reader. s must not be modified
// afterwards. Only one goroutine may call Write.
func (b *Broadcast) Write(s loudness.Snapshot) uint64 {
	old := b.cur.Load()
	if old.closed {
		return old.version
	}
	next := &state{snap: s, version: old.version + 1, changed: make(chan struct{})}
	b.cur.Store(next)
	close(old.changed)
	return next.version
}

// Current returns the latest snapshot and its version without waiting.
func (b *Broadcast) Current() (loudness.Snapshot, uint64) {
	s := b.cur.Load()
	return s.snap, s.version
}

// AwaitChange blocks until the version is greater than last and returns the
// latest snapshot at that moment.
func (b *Broadcast) AwaitChange(ctx context.Context, last uint64) (loudness.Snapshot, uint64, error) {
	for {
		s := b.cur.Load()
		if s.version > last {
			return s.snap, s.version, nil
		}
		if s.closed {
			return nil, s.version, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, s.version, ctx.Err()
		case <-s.changed:
		}
	}
}

// Close wakes all readers; waiting and later AwaitChange calls that have
// nothing newer return ErrClosed. Further writes are ignored.
func (b *Broadcast) Close() {
	old := b.cur.Load()
	if old.closed {
		return
	}
	b.cur.Store(&state{snap: old.snap, version: old.version, closed: true, changed: make(chan struct{})})
	close(old.changed)
}

// Subscribe returns a reader cursor positioned before any published value.
func (b *Broadcast) Subscribe() *Receiver {
	return &Receiver{b: b}
}

// Receiver tracks one consumer's position. It is not safe for concurrent use;
// give each consumer its own.
type Receiver struct {
	b       *Broadcast
	last    uint64
	seen    bool
	skipped uint64
}

// Current returns the latest snapshot and marks it as seen.
func (r *Receiver) Current() (loudness.Snapshot, uint64) {
	s, v := r.b.Current()
	r.mark(v)
	return s, v
}

// Next waits for a snapshot newer than the last one this receiver saw.
func (r *Receiver) Next(ctx context.Context) (loudness.Snapshot, uint64, error) {
	s, v, err := r.b.AwaitChange(ctx, r.last)
	if err != nil {
		return nil, v, err
	}
	r.mark(v)
	return s, v, nil
}

func (r *Receiver) mark(v uint64) {
	if r.seen && v > r.last+1 {
		r.skipped += v - r.last - 1
	}
	if v > 0 {
		r.seen = true
	}
	r.last = v
}

// Version is the last version this receiver returned.
func (r *Receiver) Version() uint64 { return r.last }

// Skipped counts snapshots that were replaced before this receiver read them.
func (r *Receiver) Skipped() uint64 { return r.skipped }
