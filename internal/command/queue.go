package command

import (
	"errors"
	"sync/atomic"
)

// ErrReceiverGone is returned by Send once the consumer has closed the queue.
var ErrReceiverGone = errors.New("command: receiver is gone")

type node struct {
	next atomic.Pointer[node]
	cmd  Command
}

// Queue is an unbounded multi-producer single-consumer queue. Send may be
// called from any goroutine; DrainAll, TryRecv and Close belong to the
// consumer. The consumer side never blocks and never allocates.
type Queue struct {
	head atomic.Pointer[node] // last linked node, producers swap here
	tail *node                // consumer-owned dummy; its successor is the next item

	sent   atomic.Uint64
	recv   atomic.Uint64
	closed atomic.Bool
}

func NewQueue() *Queue {
	stub := &node{}
	q := &Queue{tail: stub}
	q.head.Store(stub)
	return q
}

// Send enqueues cmd without blocking. Commands from one sender are received in
// the order they were sent. A Send that races with Close reports
// ErrReceiverGone; its command may or may not still be drained.
func (q *Queue) Send(cmd Command) error {
	if q.closed.Load() {
		return ErrReceiverGone
	}
	n := &node{cmd: cmd}
	prev := q.head.Swap(n)
	prev.next.Store(n)
	q.sent.Add(1)
	if q.closed.Load() {
		return ErrReceiverGone
	}
	return nil
}

// TryRecv pops one command if one is fully linked.
func (q *Queue) TryRecv() (Command, bool) {
	next := q.tail.next.Load()
	if next == nil {
		return Command{}, false
	}
	q.tail = next
	cmd := next.cmd
	next.cmd = Command{}
	q.recv.Add(1)
	return cmd, true
}

// DrainAll appends the commands that were pending when the call started to dst.
// Commands sent while draining are left for the next call.
func (q *Queue) DrainAll(dst []Command) []Command {
	pending := q.sent.Load() - q.recv.Load()
	for ; pending > 0; pending-- {
		cmd, ok := q.TryRecv()
		if !ok {
			// a producer swapped head but has not linked yet
			break
		}
		dst = append(dst, cmd)
	}
	return dst
}

// Pending reports the number of sent but not yet received commands.
func (q *Queue) Pending() int {
	return int(q.sent.Load() - q.recv.Load())
}

// Close makes further Send calls fail with ErrReceiverGone. Commands already
// queued stay drainable.
func (q *Queue) Close() {
	q.closed.Store(true)
}
