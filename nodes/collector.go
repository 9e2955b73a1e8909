package nodes

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Collector runs the node_poll periodic pass (§4.3/§5): nodes silent past
// TNack get NO_RESPOND set, nodes silent past TDown transition to DOWN and
// have their running jobs marked NODE_FAIL.
type Collector struct {
	store *state.Store
	log   hclog.Logger

	TNack time.Duration
	TDown time.Duration

	// Events, if set, is notified when a node goes DOWN on heartbeat
	// timeout, feeding the accounting rollup's down_secs input. Nil
	// disables event recording.
	Events EventRecorder
}

// NewCollector constructs a Collector. Zero durations fall back to the
// spec's illustrative scenario S4 values (TNack=30s, TDown=300s).
func NewCollector(store *state.Store, log hclog.Logger, tNack, tDown time.Duration) *Collector {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if tNack <= 0 {
		tNack = 30 * time.Second
	}
	if tDown <= 0 {
		tDown = 300 * time.Second
	}
	return &Collector{store: store, log: log.Named("nodes.collector"), TNack: tNack, TDown: tDown}
}

// Poll runs one node_poll pass against wall-clock `now`.
func (c *Collector) Poll(now time.Time) error {
	defer metrics.MeasureSince([]string{"nodes", "poll"}, now)

	nodes, err := c.store.ListNodes(state.NodeFilter{})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Tombstone || n.Base == structs.NodeDown || n.Base == structs.NodeUnknown {
			continue
		}
		elapsed := now.Sub(n.LastResponse)
		switch {
		case elapsed > c.TDown:
			c.log.Warn("node heartbeat timeout, marking down", "node", n.Name, "elapsed", elapsed)
			metrics.IncrCounter([]string{"nodes", "down"}, 1)
			if err := c.store.MarkNodeState(n.Name, structs.NodeDown, 0, 0); err != nil {
				return err
			}
			if err := c.store.SetNodeReason(n.Name, "heartbeat timeout", 0); err != nil {
				return err
			}
			if err := failJobsOnNode(c.store, n.Index); err != nil {
				return err
			}
			if c.Events != nil {
				c.Events.Open(n.Index, n.CPUs, structs.NodeEventDown, now)
			}
		case elapsed > c.TNack:
			if !n.Flags.Has(structs.FlagNoRespond) {
				c.log.Debug("node heartbeat overdue, setting NO_RESPOND", "node", n.Name, "elapsed", elapsed)
				if err := c.store.MarkNodeState(n.Name, n.Base, structs.FlagNoRespond, 0); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Run starts a ticker that calls Poll every interval until ctx is
// cancelled, the same "named periodic goroutine" shape package agent
// uses for every other timer.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := c.Poll(now); err != nil {
				c.log.Error("node_poll pass failed", "error", err)
			}
		}
	}
}
