// Package controller is the consumer-facing side of the meter: it reads
// published snapshots and turns reset requests into processor commands.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/christian-lee/loudmeter/internal/broadcast"
	"github.com/christian-lee/loudmeter/internal/command"
	"github.com/christian-lee/loudmeter/internal/config"
	"github.com/christian-lee/loudmeter/internal/loudness"
	"github.com/christian-lee/loudmeter/internal/processor"
	"github.com/christian-lee/loudmeter/internal/store"
)

// ErrBusNotFound is returned for a reset request naming an unconfigured bus.
var ErrBusNotFound = errors.New("controller: bus not found")

// Input describes a configured bus for consumers.
type Input struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Channels int    `json:"channels"`
}

// Sender enqueues commands for the processor.
type Sender interface {
	Send(cmd command.Command) error
}

// StatsSource reports processor counters.
type StatsSource interface {
	Stats() processor.Stats
}

// Controller is safe for concurrent use by any number of consumers.
type Controller struct {
	inputs map[string]config.InputConfig
	out    *broadcast.Broadcast
	cmds   Sender
	stats  StatsSource
	audit  *store.Store // optional

	// rejected requests, written to the audit log in aggregate
	limited  atomic.Uint64
	notFound atomic.Uint64
}

// New creates a controller. inputs must be the configuration the processor's
// registry was built from. audit may be nil.
func New(inputs map[string]config.InputConfig, out *broadcast.Broadcast, cmds Sender, stats StatsSource, audit *store.Store) *Controller {
	copied := make(map[string]config.InputConfig, len(inputs))
	for k, v := range inputs {
		copied[k] = v
	}
	return &Controller{inputs: copied, out: out, cmds: cmds, stats: stats, audit: audit}
}

// Current returns the latest snapshot and its version.
func (c *Controller) Current() (loudness.Snapshot, uint64) {
	return c.out.Current()
}

// AwaitChange waits for a snapshot newer than version.
func (c *Controller) AwaitChange(ctx context.Context, version uint64) (loudness.Snapshot, uint64, error) {
	return c.out.AwaitChange(ctx, version)
}

// Subscribe returns a private cursor into the published snapshots.
func (c *Controller) Subscribe() *broadcast.Receiver {
	return c.out.Subscribe()
}

// RequestReset asks the processor to reset bus name. Unknown names fail with
// ErrBusNotFound and are only counted; a processor that is gone fails with
// command.ErrReceiverGone. source identifies the requester in the audit log.
func (c *Controller) RequestReset(name, source string) error {
	if _, ok := c.inputs[name]; !ok {
		c.notFound.Add(1)
		return fmt.Errorf("%w: %s", ErrBusNotFound, name)
	}
	if err := c.cmds.Send(command.ResetBus(name)); err != nil {
		c.log(name, source, store.OutcomeFailed, err.Error())
		return fmt.Errorf("send reset %s: %w", name, err)
	}
	c.log(name, source, store.OutcomeOK, "")
	slog.Info("🔁 reset requested", "input", name, "source", source)
	return nil
}

// RecordLimited counts a reset request rejected by rate limiting.
func (c *Controller) RecordLimited() {
	c.limited.Add(1)
}

// FlushRejected writes one audit row per outcome for the requests rejected
// since the previous flush.
func (c *Controller) FlushRejected() {
	c.flush(store.OutcomeLimited, &c.limited)
	c.flush(store.OutcomeNotFound, &c.notFound)
}

func (c *Controller) flush(outcome string, n *atomic.Uint64) {
	if k := n.Swap(0); k > 0 {
		c.log("", "", outcome, fmt.Sprintf("%d requests", k))
	}
}

// Run flushes rejected-request counts every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.FlushRejected()
			return nil
		case <-ticker.C:
			c.FlushRejected()
		}
	}
}

func (c *Controller) log(name, source, outcome, detail string) {
	if c.audit != nil {
		c.audit.LogReset(name, source, outcome, detail)
	}
}

// Inputs returns the configured buses sorted by id.
func (c *Controller) Inputs() []Input {
	out := make([]Input, 0, len(c.inputs))
	for id, in := range c.inputs {
		out = append(out, Input{ID: id, Name: in.Name, Channels: in.Channels})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the processor counters.
func (c *Controller) Stats() processor.Stats {
	if c.stats == nil {
		return processor.Stats{}
	}
	return c.stats.Stats()
}

// Resets returns the newest audit entries; empty when no store is configured.
func (c *Controller) Resets(limit int) ([]store.ResetEntry, error) {
	if c.audit == nil {
		return []store.ResetEntry{}, nil
	}
	return c.audit.RecentResets(limit)
}
