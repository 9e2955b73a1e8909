package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/scheduler/topology"
	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.New(nil)
	require.NoError(t, err)
	return s
}

func TestEnforceTimeLimitsSignalsTimeoutPastLimit(t *testing.T) {
	s := newTestStore(t)
	cfg := &structs.Config{Name: "std", CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}
	require.NoError(t, s.CreateConfig(cfg))
	n, err := s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))

	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	j, err := s.CreateJob(structs.JobRequest{MinNodes: 1, MaxNodes: 1, TimeLimit: 10}, func() structs.Job { return structs.Job{} })
	require.NoError(t, err)
	require.NoError(t, s.SetJobAllocation(j.JobID, &structs.JobResources{
		Nodes: []structs.NodeAlloc{{NodeIndex: n.Index, AllocCPUs: 4}},
	}, func() structs.Job { return structs.Job{StartTime: start} }))

	sup := NewSupervisor(s, nil)
	require.NoError(t, sup.enforceTimeLimits(start.Add(11*time.Minute)))

	got, err := s.LookupJob(j.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobTimeout, got.State)
	require.True(t, got.Allocation.Empty())
}

func TestEnforceTimeLimitsLeavesJobsUnderLimit(t *testing.T) {
	s := newTestStore(t)
	cfg := &structs.Config{Name: "std", CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}
	require.NoError(t, s.CreateConfig(cfg))
	n, err := s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))

	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	j, err := s.CreateJob(structs.JobRequest{MinNodes: 1, MaxNodes: 1, TimeLimit: 10}, func() structs.Job { return structs.Job{} })
	require.NoError(t, err)
	require.NoError(t, s.SetJobAllocation(j.JobID, &structs.JobResources{
		Nodes: []structs.NodeAlloc{{NodeIndex: n.Index, AllocCPUs: 4}},
	}, func() structs.Job { return structs.Job{StartTime: start} }))

	sup := NewSupervisor(s, nil)
	require.NoError(t, sup.enforceTimeLimits(start.Add(2*time.Minute)))

	got, err := s.LookupJob(j.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobRunning, got.State)
}

func TestReconcileSwitchesFreesBlocksForTerminalJobs(t *testing.T) {
	s := newTestStore(t)
	j, err := s.CreateJob(structs.JobRequest{}, func() structs.Job { return structs.Job{} })
	require.NoError(t, err)
	require.NoError(t, s.TransitionJob(j.JobID, structs.JobCompleted, 0, 0))

	sel := topology.NewSelector(1, 1, 1) // one midplane, 512 nodes total
	_, err = sel.Allocate(256, topology.Mesh)
	require.NoError(t, err)
	block2, err := sel.Allocate(256, topology.Mesh)
	require.NoError(t, err)

	// Capacity is now exhausted: a third 256-node request must fail.
	_, err = sel.Allocate(256, topology.Mesh)
	require.Error(t, err)

	sup := NewSupervisor(s, nil)
	sup.Topology = sel
	sup.TrackBlock(block2.ID, j.JobID)

	require.NoError(t, sup.reconcileSwitches(time.Now()))

	_, err = sel.Allocate(256, topology.Mesh)
	require.NoError(t, err, "freeing the terminal job's block should make its capacity available again")
}

func TestReconcileSwitchesLeavesBlocksForRunningJobs(t *testing.T) {
	s := newTestStore(t)
	cfg := &structs.Config{Name: "std", CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}
	require.NoError(t, s.CreateConfig(cfg))
	n, err := s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))

	j, err := s.CreateJob(structs.JobRequest{MinNodes: 1, MaxNodes: 1}, func() structs.Job { return structs.Job{} })
	require.NoError(t, err)
	require.NoError(t, s.SetJobAllocation(j.JobID, &structs.JobResources{
		Nodes: []structs.NodeAlloc{{NodeIndex: n.Index, AllocCPUs: 4}},
	}, func() structs.Job { return structs.Job{StartTime: time.Now()} }))

	sel := topology.NewSelector(1, 1, 1)
	block, err := sel.Allocate(512, topology.Mesh)
	require.NoError(t, err)

	sup := NewSupervisor(s, nil)
	sup.Topology = sel
	sup.TrackBlock(block.ID, j.JobID)

	require.NoError(t, sup.reconcileSwitches(time.Now()))

	sup.mu.Lock()
	_, stillTracked := sup.blockJobs[block.ID]
	sup.mu.Unlock()
	require.True(t, stillTracked)
}
