package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/structs"
)

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	cfg := testConfig("std", 4, 8192)
	require.NoError(t, s.CreateConfig(cfg))
	_, err = s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))

	require.NoError(t, s.CreatePartition(&structs.Partition{Name: "batch", Priority: 5}))

	now := time.Now()
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		ID: "resv1", TimeStart: now, TimeEnd: now.Add(time.Hour), Flags: structs.ResvMaint,
	}))

	j, err := s.CreateJob(structs.JobRequest{MinNodes: 1, MaxNodes: 1}, func() structs.Job { return structs.Job{} })
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, s.Checkpoint(dir))

	restored, err := Restore(nil, dir, map[string]*structs.Config{"std": cfg})
	require.NoError(t, err)

	n, err := restored.LookupNodeByName("node0")
	require.NoError(t, err)
	require.Equal(t, structs.NodeIdle, n.Base)
	require.Equal(t, uint32(4), n.CPUs)

	p, err := restored.LookupPartition("batch")
	require.NoError(t, err)
	require.Equal(t, 5, p.Priority)

	r, err := restored.LookupReservation("resv1")
	require.NoError(t, err)
	require.True(t, r.Flags.Has(structs.ResvMaint))

	gotJob, err := restored.LookupJob(j.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobPending, gotJob.State)

	// A subsequently created node must not collide with the restored index.
	n2, err := restored.CreateNode(cfg, "node1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, n2.Index)
}

func TestRestoreEmptyDirInitializesEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Restore(nil, dir, nil)
	require.NoError(t, err)

	nodes, err := s.ListNodes(NodeFilter{})
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestCheckpointKeepsPreviousAsOld(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	dir := t.TempDir()

	require.NoError(t, s.Checkpoint(dir))
	require.NoError(t, s.Checkpoint(dir))

	restored, err := Restore(nil, dir, nil)
	require.NoError(t, err)
	nodes, err := restored.ListNodes(NodeFilter{})
	require.NoError(t, err)
	require.Empty(t, nodes)
}
