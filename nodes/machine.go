// Package nodes implements the node-state machine transitions (spec §4.3)
// and the heartbeat collector that drives them: missed-heartbeat
// NO_RESPOND/DOWN transitions, NODE_FAIL marking of jobs on a downed
// node, and DOWN→IDLE resume on fresh registration.
package nodes

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Machine exposes the admin-facing node transitions that don't belong to
// the heartbeat collector: drain, resume, and forced down.
type Machine struct {
	store *state.Store
	log   hclog.Logger

	// Events, if set, is notified of admin-forced down/resume transitions
	// so the accounting rollup has planned_down intervals to walk. Nil
	// disables event recording.
	Events EventRecorder
	// Clock returns the current time; overridable by tests. Defaults to
	// time.Now.
	Clock func() time.Time
}

// NewMachine constructs a Machine over store.
func NewMachine(store *state.Store, log hclog.Logger) *Machine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Machine{store: store, log: log.Named("nodes"), Clock: time.Now}
}

func (m *Machine) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

// Drain sets the DRAIN flag and records a reason, without changing Base;
// the scheduler's candidate-bitmap computation (§4.4 step 1) excludes
// drained nodes from `up` regardless of Base.
func (m *Machine) Drain(name, reason string, reqUID uint32) error {
	n, err := m.store.LookupNodeByName(name)
	if err != nil {
		return err
	}
	if err := m.store.MarkNodeState(name, n.Base, structs.FlagDrain, 0); err != nil {
		return err
	}
	return m.store.SetNodeReason(name, reason, reqUID)
}

// Resume clears DRAIN and, if the node is DOWN, transitions it to IDLE
// (the admin-initiated half of the "any -> DOWN -> IDLE" edge in §4.3;
// the heartbeat-driven half lives in Register).
func (m *Machine) Resume(name string, reqUID uint32) error {
	n, err := m.store.LookupNodeByName(name)
	if err != nil {
		return err
	}
	wasDown := n.Base == structs.NodeDown
	newBase := n.Base
	if wasDown {
		newBase = structs.NodeIdle
	}
	if err := m.store.MarkNodeState(name, newBase, 0, structs.FlagDrain); err != nil {
		return err
	}
	if wasDown && m.Events != nil {
		m.Events.Close(n.Index, m.now())
	}
	return m.store.SetNodeReason(name, "", reqUID)
}

// Down forces a node to DOWN (admin RPC), independent of heartbeat
// status, and fails any jobs it's running the same way the heartbeat
// collector does on timeout.
func (m *Machine) Down(name, reason string, reqUID uint32) error {
	const op = "nodes.down"
	n, err := m.store.LookupNodeByName(name)
	if err != nil {
		return err
	}
	if err := m.store.MarkNodeState(name, structs.NodeDown, 0, 0); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if err := m.store.SetNodeReason(name, reason, reqUID); err != nil {
		return err
	}
	if m.Events != nil {
		// Admin-forced down is treated as planned maintenance, distinct
		// from Collector.Poll's heartbeat-timeout DOWN which is unplanned.
		m.Events.Open(n.Index, n.CPUs, structs.NodeEventMaint, m.now())
	}
	return failJobsOnNode(m.store, n.Index)
}

// Register wraps state.Store.RegisterNode, closing any open down/maint
// event for the node when registration resumes it from DOWN (the
// heartbeat-driven half of the "any -> DOWN -> IDLE" edge §4.3 describes;
// Resume is the admin-initiated half).
func (m *Machine) Register(name string, advertised structs.Node) error {
	n, err := m.store.LookupNodeByName(name)
	if err != nil {
		return err
	}
	wasDown := n.Base == structs.NodeDown
	if err := m.store.RegisterNode(name, advertised); err != nil {
		return err
	}
	if wasDown && m.Events != nil {
		m.Events.Close(n.Index, m.now())
	}
	return nil
}

// failJobsOnNode transitions every non-terminal job holding resources on
// nodeIndex to NODE_FAIL and releases its allocation, per §4.3's "any
// running jobs on it are marked NODE_FAIL" rule.
func failJobsOnNode(store *state.Store, nodeIndex int) error {
	jobs, err := store.ListJobs(state.JobFilter{})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.State.Terminal() || j.Allocation == nil {
			continue
		}
		for _, na := range j.Allocation.Nodes {
			if na.NodeIndex != nodeIndex {
				continue
			}
			if err := store.TransitionJob(j.JobID, structs.JobNodeFail, 0, -1); err != nil {
				return err
			}
			if err := store.ReleaseJobAllocation(j.JobID); err != nil {
				return err
			}
			break
		}
	}
	return nil
}
