package accounting

import (
	"sync"
	"time"

	"github.com/lattice-hpc/ctldcore/structs"
)

// NodeEventLog is an append-only record of node down/maintenance
// intervals, the "node-event records" the rollup walks (spec §4.9).
// state.Store only tracks a node's current status, not its history, so
// nodes.Machine/nodes.Collector notify a NodeEventLog on DOWN/resume
// transitions to give the rollup something to walk.
type NodeEventLog struct {
	mu     sync.Mutex
	events []structs.NodeEvent
}

// NewNodeEventLog constructs an empty log.
func NewNodeEventLog() *NodeEventLog {
	return &NodeEventLog{}
}

// Open records the start of a new down/maint interval for nodeIndex.
func (l *NodeEventLog) Open(nodeIndex int, cpus uint32, kind structs.NodeEventKind, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, structs.NodeEvent{NodeIndex: nodeIndex, CPUs: cpus, Kind: kind, Start: at})
}

// Close closes the most recent still-open event for nodeIndex, if any.
func (l *NodeEventLog) Close(nodeIndex int, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].NodeIndex == nodeIndex && l.events[i].End.IsZero() {
			l.events[i].End = at
			return
		}
	}
}

// Overlapping returns every event (closed or still-open) that overlaps
// [s, e).
func (l *NodeEventLog) Overlapping(s, e time.Time) []structs.NodeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []structs.NodeEvent
	for _, ev := range l.events {
		if ev.Overlap(s, e) > 0 {
			out = append(out, ev)
		}
	}
	return out
}
