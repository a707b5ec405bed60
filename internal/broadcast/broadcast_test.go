package broadcast

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/christian-lee/loudmeter/internal/loudness"
)

func snap(name string, m float64) loudness.Snapshot {
	return loudness.Snapshot{name: {Momentary: m, ShortTerm: m, Global: m, Range: 0}}
}

func TestCurrentStartsEmpty(t *testing.T) {
	b := New()
	s, v := b.Current()
	if v != 0 || len(s) != 0 {
		t.Errorf("Current() = %v, %d, want empty at version 0", s, v)
	}
}

func TestWriteWakesWaiter(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan uint64, 1)
	go func() {
		_, v, err := b.AwaitChange(ctx, 0)
		if err != nil {
			t.Errorf("AwaitChange() failed: %v", err)
		}
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	if v := b.Write(snap("a", -20)); v != 1 {
		t.Fatalf("Write() version = %d, want 1", v)
	}
	select {
	case v := <-got:
		if v != 1 {
			t.Errorf("woken at version %d, want 1", v)
		}
	case <-ctx.Done():
		t.Fatal("waiter was not woken")
	}
}

func TestAwaitChangeReturnsImmediatelyWhenBehind(t *testing.T) {
	b := New()
	b.Write(snap("a", -30))
	b.Write(snap("a", -25))
	s, v, err := b.AwaitChange(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	if diff := cmp.Diff(snap("a", -25), s); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
}

func TestAwaitChangeCancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := b.AwaitChange(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestClose(t *testing.T) {
	b := New()
	b.Write(snap("a", -10))

	done := make(chan error, 1)
	go func() {
		_, _, err := b.AwaitChange(context.Background(), 1)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not wake the waiter")
	}

	// A reader that is behind still gets the last value.
	if _, v, err := b.AwaitChange(context.Background(), 0); err != nil || v != 1 {
		t.Errorf("AwaitChange(0) after close = %d, %v, want 1, nil", v, err)
	}
	if v := b.Write(snap("a", -5)); v != 1 {
		t.Errorf("Write() after Close returned version %d, want 1", v)
	}
	b.Close()
}

func TestLateReaderSeesOnlyLatest(t *testing.T) {
	b := New()
	for i := 1; i <= 5; i++ {
		b.Write(snap("a", float64(-i)))
	}
	r := b.Subscribe()
	s, v, err := r.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 5 {
		t.Errorf("late reader version = %d, want 5", v)
	}
	if diff := cmp.Diff(snap("a", -5), s); diff != "" {
		t.Errorf("late reader snapshot (-want +got):\n%s", diff)
	}
	if r.Skipped() != 0 {
		t.Errorf("Skipped() = %d for a fresh receiver, want 0", r.Skipped())
	}

	b.Write(snap("a", -6))
	b.Write(snap("a", -7))
	b.Write(snap("a", -8))
	if _, v, _ := r.Next(context.Background()); v != 8 {
		t.Errorf("version = %d, want 8", v)
	}
	if r.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", r.Skipped())
	}
}

func TestReceiverCurrentMarksSeen(t *testing.T) {
	b := New()
	b.Write(snap("a", -1))
	r := b.Subscribe()
	if _, v := r.Current(); v != 1 {
		t.Fatalf("Current() version = %d", v)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := r.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() after Current = %v, want to wait", err)
	}
}

func TestMultipleReadersMonotonic(t *testing.T) {
	const writes = 200
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	start := func() {
		r := b.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				s, v, err := r.Next(ctx)
				if err != nil {
					if !errors.Is(err, ErrClosed) {
						t.Errorf("Next() failed: %v", err)
					}
					return
				}
				if v <= last {
					t.Errorf("version went from %d to %d", last, v)
					return
				}
				if got := s["a"].Momentary; got != -float64(v) {
					t.Errorf("version %d carried momentary %v", v, got)
					return
				}
				last = v
				if v == writes {
					return
				}
			}
		}()
	}

	start()
	for i := 1; i <= writes; i++ {
		b.Write(snap("a", -float64(i)))
		if i == writes/2 {
			start()
		}
	}
	wg.Wait()
}

func TestSnapshotNonFiniteSurvives(t *testing.T) {
	b := New()
	want := loudness.Snapshot{"a": loudness.Unset()}
	b.Write(want)
	got, _ := b.Current()
	if diff := cmp.Diff(want, got, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if !math.IsInf(got["a"].Global, -1) {
		t.Errorf("Global = %v, want -Inf", got["a"].Global)
	}
}
