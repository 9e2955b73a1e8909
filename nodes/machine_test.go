package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

func newTestStore(t *testing.T) (*state.Store, *structs.Config) {
	t.Helper()
	s, err := state.New(nil)
	require.NoError(t, err)
	cfg := &structs.Config{Name: "std", CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}
	require.NoError(t, s.CreateConfig(cfg))
	return s, cfg
}

func TestDrainSetsFlagWithoutChangingBase(t *testing.T) {
	s, cfg := newTestStore(t)
	_, err := s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))

	m := NewMachine(s, nil)
	require.NoError(t, m.Drain("node0", "maintenance", 100))

	got, err := s.LookupNodeByName("node0")
	require.NoError(t, err)
	require.True(t, got.Flags.Has(structs.FlagDrain))
	require.Equal(t, structs.NodeIdle, got.Base)
	require.Equal(t, "maintenance", got.Reason)
}

func TestResumeFromDownTransitionsToIdle(t *testing.T) {
	s, cfg := newTestStore(t)
	_, err := s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkNodeState("node0", structs.NodeDown, 0, 0))

	m := NewMachine(s, nil)
	require.NoError(t, m.Resume("node0", 100))

	got, err := s.LookupNodeByName("node0")
	require.NoError(t, err)
	require.Equal(t, structs.NodeIdle, got.Base)
	require.False(t, got.Flags.Has(structs.FlagDrain))
}

func TestDownFailsRunningJobs(t *testing.T) {
	s, cfg := newTestStore(t)
	_, err := s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))

	j, err := s.CreateJob(structs.JobRequest{MinNodes: 1, MaxNodes: 1}, func() structs.Job { return structs.Job{} })
	require.NoError(t, err)
	alloc := &structs.JobResources{NodeIndices: []int{0}, Nodes: []structs.NodeAlloc{{NodeIndex: 0, AllocCPUs: 4, AllocMemory: 8192}}}
	require.NoError(t, s.SetJobAllocation(j.JobID, alloc, func() structs.Job { return structs.Job{StartTime: time.Now()} }))

	m := NewMachine(s, nil)
	require.NoError(t, m.Down("node0", "hardware failure", 0))

	gotJob, err := s.LookupJob(j.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobNodeFail, gotJob.State)

	gotNode, err := s.LookupNodeByName("node0")
	require.NoError(t, err)
	require.Equal(t, structs.NodeDown, gotNode.Base)
	require.Equal(t, uint32(0), gotNode.AllocCPUs)
}

type recordingEvents struct {
	opened []structs.NodeEventKind
	closed []int
}

func (r *recordingEvents) Open(nodeIndex int, cpus uint32, kind structs.NodeEventKind, at time.Time) {
	r.opened = append(r.opened, kind)
}

func (r *recordingEvents) Close(nodeIndex int, at time.Time) {
	r.closed = append(r.closed, nodeIndex)
}

func TestDownRecordsPlannedMaintEventAndResumeCloses(t *testing.T) {
	s, cfg := newTestStore(t)
	_, err := s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))

	rec := &recordingEvents{}
	m := NewMachine(s, nil)
	m.Events = rec

	require.NoError(t, m.Down("node0", "maintenance", 0))
	require.Equal(t, []structs.NodeEventKind{structs.NodeEventMaint}, rec.opened)

	require.NoError(t, m.Resume("node0", 0))
	require.Equal(t, []int{0}, rec.closed)
}
