package structs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeIsUp(t *testing.T) {
	n := &Node{Base: NodeIdle}
	require.True(t, n.IsUp())

	n.Base = NodeDown
	require.False(t, n.IsUp())

	n.Base = NodeIdle
	n.Flags = FlagDrain
	require.False(t, n.IsUp())
}

func TestNodeIsIdle(t *testing.T) {
	n := &Node{Base: NodeIdle}
	require.True(t, n.IsIdle())

	n.AllocCPUs = 1
	require.False(t, n.IsIdle())

	n.AllocCPUs = 0
	n.Flags = FlagFail
	require.False(t, n.IsIdle())
}

func TestNodeUnderDelivered(t *testing.T) {
	cfg := &Config{CPUs: 8, RealMemoryMB: 16000}
	n := &Node{ConfigRef: cfg, CPUs: 8, RealMemoryMB: 16000}
	require.False(t, n.UnderDelivered())

	n.RealMemoryMB = 8000
	require.True(t, n.UnderDelivered())
}

func TestNodeFreeResources(t *testing.T) {
	n := &Node{CPUs: 4, AllocCPUs: 4, RealMemoryMB: 100, AllocMemory: 120}
	require.Equal(t, uint32(0), n.FreeCPUs())
	require.Equal(t, uint64(0), n.FreeMemoryMB())
}

func TestNodeCloneIndependence(t *testing.T) {
	n := &Node{GRES: GRES{"gpu": 2}, Features: []string{"x86"}}
	cp := n.Clone()
	cp.GRES["gpu"] = 99
	cp.Features[0] = "arm"
	require.Equal(t, uint64(2), n.GRES["gpu"])
	require.Equal(t, "x86", n.Features[0])
}

func TestJobTerminal(t *testing.T) {
	nonTerminal := []JobState{JobPending, JobRunning, JobSuspended, JobCompleting, JobResizing}
	for _, s := range nonTerminal {
		require.False(t, s.Terminal(), s.String())
	}
	terminal := []JobState{JobCompleted, JobCancelled, JobFailed, JobTimeout, JobNodeFail, JobPreempted, JobBootFail, JobDeadline, JobOutOfMemory}
	for _, s := range terminal {
		require.True(t, s.Terminal(), s.String())
	}
}

func TestJobResourcesEmptyAndTotals(t *testing.T) {
	var jr *JobResources
	require.True(t, jr.Empty())

	jr = &JobResources{Nodes: []NodeAlloc{{AllocCPUs: 2, AllocMemory: 100}, {AllocCPUs: 3, AllocMemory: 50}}}
	require.False(t, jr.Empty())
	require.Equal(t, uint32(5), jr.TotalCPUs())
	require.Equal(t, uint64(150), jr.TotalMemory())
}
