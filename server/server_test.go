package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/config"
	"github.com/lattice-hpc/ctldcore/rpc"
	"github.com/lattice-hpc/ctldcore/structs"
)

type recordingTransport struct {
	launched []string
}

func (t *recordingTransport) LaunchBatchJob(ctx context.Context, nodeName string, req rpc.LaunchBatchJobRequest) error {
	t.launched = append(t.launched, nodeName)
	return nil
}
func (t *recordingTransport) LaunchTasks(ctx context.Context, nodeName string, req rpc.LaunchTasksRequest) error {
	return nil
}
func (t *recordingTransport) TerminateJob(ctx context.Context, nodeName string, req rpc.TerminateJobRequest) error {
	return nil
}
func (t *recordingTransport) Reconfigure(ctx context.Context, nodeName string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *recordingTransport) {
	t.Helper()
	cfg := config.Default()
	cfg.ClusterName = "test-cluster"
	cfg.StateSaveLocation = ""

	transport := &recordingTransport{}
	s, err := New(cfg, transport, nil)
	require.NoError(t, err)

	nodeCfg := &structs.Config{Name: "std", CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}
	require.NoError(t, s.Store.CreateConfig(nodeCfg))
	_, err = s.Store.CreateNode(nodeCfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.Store.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))
	require.NoError(t, s.Store.CreatePartition(&structs.Partition{Name: "batch", NodeIndices: []int{0}, NodeNames: []string{"node0"}, MaxRows: 1}))

	return s, transport
}

func TestNewWiresEverySubsystem(t *testing.T) {
	s, _ := newTestServer(t)
	require.NotNil(t, s.Store)
	require.NotNil(t, s.Machine)
	require.NotNil(t, s.Collector)
	require.NotNil(t, s.Driver)
	require.NotNil(t, s.Reservations)
	require.NotNil(t, s.Roller)
	require.NotNil(t, s.Dispatcher)
	require.Nil(t, s.Topology, "topology selector stays unconstructed without select_type=topology_3d and a grid")
}

func TestNewConstructsTopologyWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.SelectType = config.SelectTopology3D
	cfg.GridX, cfg.GridY, cfg.GridZ = 4, 4, 2

	s, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, s.Topology)
}

func TestRunDispatchesStartedJobsThroughBackfill(t *testing.T) {
	s, transport := newTestServer(t)
	s.Supervisor.BackfillInterval = 10 * time.Millisecond

	_, err := s.Dispatcher.SubmitBatchJob(rpc.SubmitBatchJobRequest{
		Request:   structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2},
		Partition: "batch",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(transport.launched) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"node0"}, transport.launched)

	cancel()
	<-done
}

func TestShutdownIsIdempotentWithoutRun(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
}
