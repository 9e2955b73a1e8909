package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/structs"
)

func testConfig(name string, cpus uint32, mem uint64) *structs.Config {
	return &structs.Config{Name: name, CPUs: cpus, RealMemoryMB: mem, Cores: cpus, Sockets: 1, Threads: 1}
}

func TestCreateAndLookupNode(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	cfg := testConfig("std", 4, 8192)
	require.NoError(t, s.CreateConfig(cfg))

	n, err := s.CreateNode(cfg, "node001", nil)
	require.NoError(t, err)
	require.Equal(t, 0, n.Index)
	require.Equal(t, structs.NodeUnknown, n.Base)
	require.Equal(t, uint32(4), n.CPUs)

	got, err := s.LookupNodeByName("node001")
	require.NoError(t, err)
	require.Equal(t, n.Name, got.Name)

	_, err = s.CreateNode(cfg, "node001", nil)
	require.Error(t, err)
}

func TestRegisterNodeFirstTransitionsToIdle(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	cfg := testConfig("std", 4, 8192)
	require.NoError(t, s.CreateConfig(cfg))
	_, err = s.CreateNode(cfg, "node001", nil)
	require.NoError(t, err)

	err = s.RegisterNode("node001", structs.Node{
		CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1,
		LastResponse: time.Now(),
	})
	require.NoError(t, err)

	got, err := s.LookupNodeByName("node001")
	require.NoError(t, err)
	require.Equal(t, structs.NodeIdle, got.Base)
	require.False(t, got.Flags.Has(structs.FlagDrain))
}

func TestRegisterNodeUnderDeliveredDrains(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	cfg := testConfig("std", 8, 16384)
	require.NoError(t, s.CreateConfig(cfg))
	_, err = s.CreateNode(cfg, "node001", nil)
	require.NoError(t, err)

	err = s.RegisterNode("node001", structs.Node{
		CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1,
	})
	require.Error(t, err)

	got, err := s.LookupNodeByName("node001")
	require.NoError(t, err)
	require.True(t, got.Flags.Has(structs.FlagDrain))
}

func TestUpIdleCompletingBitmaps(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	cfg := testConfig("std", 4, 8192)
	require.NoError(t, s.CreateConfig(cfg))

	for _, name := range []string{"n0", "n1", "n2"} {
		_, err := s.CreateNode(cfg, name, nil)
		require.NoError(t, err)
		require.NoError(t, s.RegisterNode(name, structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))
	}
	require.NoError(t, s.MarkNodeState("n1", structs.NodeDown, 0, 0))

	up, idle, completing, err := s.UpIdleCompleting()
	require.NoError(t, err)
	require.True(t, up.Test(0))
	require.False(t, up.Test(1))
	require.True(t, up.Test(2))
	require.True(t, idle.Test(0))
	require.False(t, idle.Test(1))
	require.Equal(t, 0, completing.Count())
}

func TestApplyHeartbeatClearsNoRespond(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	cfg := testConfig("std", 4, 8192)
	require.NoError(t, s.CreateConfig(cfg))
	_, err = s.CreateNode(cfg, "node001", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkNodeState("node001", structs.NodeIdle, structs.FlagNoRespond, 0))

	now := time.Now()
	require.NoError(t, s.ApplyHeartbeat("node001", now))

	got, err := s.LookupNodeByName("node001")
	require.NoError(t, err)
	require.False(t, got.Flags.Has(structs.FlagNoRespond))
	require.WithinDuration(t, now, got.LastResponse, time.Millisecond)
}
