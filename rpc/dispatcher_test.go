package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/nodes"
	"github.com/lattice-hpc/ctldcore/scheduler"
	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

type recordingTransport struct {
	launched       []string
	terminated     []string
	reconfigured   []string
	lastDispatchID string
}

func (t *recordingTransport) LaunchBatchJob(ctx context.Context, nodeName string, req LaunchBatchJobRequest) error {
	t.launched = append(t.launched, nodeName)
	t.lastDispatchID = req.DispatchID
	return nil
}
func (t *recordingTransport) LaunchTasks(ctx context.Context, nodeName string, req LaunchTasksRequest) error {
	return nil
}
func (t *recordingTransport) TerminateJob(ctx context.Context, nodeName string, req TerminateJobRequest) error {
	t.terminated = append(t.terminated, nodeName)
	return nil
}
func (t *recordingTransport) Reconfigure(ctx context.Context, nodeName string) error {
	t.reconfigured = append(t.reconfigured, nodeName)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *state.Store, *recordingTransport) {
	t.Helper()
	s, err := state.New(nil)
	require.NoError(t, err)
	cfg := &structs.Config{Name: "std", CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}
	require.NoError(t, s.CreateConfig(cfg))
	_, err = s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))
	require.NoError(t, s.CreatePartition(&structs.Partition{Name: "batch", NodeIndices: []int{0}, NodeNames: []string{"node0"}, MaxRows: 1}))

	m := nodes.NewMachine(s, nil)
	d := scheduler.NewDriver(s, nil)
	tr := &recordingTransport{}
	return NewDispatcher(s, m, d, tr, nil), s, tr
}

func TestSubmitThenAllocateResourcesRunsAJob(t *testing.T) {
	disp, _, transport := newTestDispatcher(t)

	resp, err := disp.AllocateResources(AllocateResourcesRequest{
		Request:   structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2},
		Partition: "batch",
		Credentials: Credentials{UID: 1000, GID: 1000},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"node0"}, resp.NodeList)
	require.NotZero(t, resp.JobID)
	require.Empty(t, transport.launched, "AllocateResources doesn't itself dispatch LAUNCH_BATCH_JOB; DispatchStarted does")
}

func TestKillJobRejectsNonOwner(t *testing.T) {
	disp, _, _ := newTestDispatcher(t)

	sub, err := disp.SubmitBatchJob(SubmitBatchJobRequest{
		Request:     structs.JobRequest{MinNodes: 1, MaxNodes: 1},
		Partition:   "batch",
		Credentials: Credentials{UID: 1000, GID: 1000},
	})
	require.NoError(t, err)

	_, err = disp.KillJob(KillJobRequest{JobID: sub.JobID, Credentials: Credentials{UID: 2000}})
	require.Error(t, err)

	_, err = disp.KillJob(KillJobRequest{JobID: sub.JobID, Credentials: Credentials{UID: 1000}})
	require.NoError(t, err)
}

func TestKillJobIsIdempotentOnTerminalJob(t *testing.T) {
	disp, _, _ := newTestDispatcher(t)

	sub, err := disp.SubmitBatchJob(SubmitBatchJobRequest{
		Request:     structs.JobRequest{MinNodes: 1, MaxNodes: 1},
		Partition:   "batch",
		Credentials: Credentials{UID: 1000},
	})
	require.NoError(t, err)
	_, err = disp.KillJob(KillJobRequest{JobID: sub.JobID, Credentials: Credentials{UID: 1000}})
	require.NoError(t, err)

	_, err = disp.KillJob(KillJobRequest{JobID: sub.JobID, Credentials: Credentials{UID: 1000}})
	require.NoError(t, err, "cancel on an already-terminal job is idempotent-success per spec §7")
}

func TestCompleteJobBatchStepTransitionsToCompleted(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)

	resp, err := disp.AllocateResources(AllocateResourcesRequest{
		Request:   structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2},
		Partition: "batch",
	})
	require.NoError(t, err)

	_, err = disp.CompleteJob(CompleteJobRequest{JobID: resp.JobID, StepID: structs.StepIDBatch, ExitCode: 0})
	require.NoError(t, err)

	j, err := store.LookupJob(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobCompleted, j.State)
	require.True(t, j.Allocation.Empty())
}

func TestCompleteJobNonZeroExitMarksFailed(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)

	resp, err := disp.AllocateResources(AllocateResourcesRequest{
		Request:   structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2},
		Partition: "batch",
	})
	require.NoError(t, err)

	_, err = disp.CompleteJob(CompleteJobRequest{JobID: resp.JobID, StepID: structs.StepIDBatch, ExitCode: 1})
	require.NoError(t, err)

	j, err := store.LookupJob(resp.JobID)
	require.NoError(t, err)
	require.Equal(t, structs.JobFailed, j.State)
}

func TestLaunchTasksCreatesStepAndDispatchesTransport(t *testing.T) {
	disp, _, _ := newTestDispatcher(t)

	resp, err := disp.AllocateResources(AllocateResourcesRequest{
		Request:   structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2},
		Partition: "batch",
	})
	require.NoError(t, err)

	lresp, err := disp.LaunchTasks(context.Background(), LaunchTasksRequest{
		JobID: resp.JobID, StepID: 0, TaskSpec: TaskSpec{NTasks: 2, NodeIdxs: []int{0}},
	})
	require.NoError(t, err)
	require.True(t, lresp.OK)

	_, err = disp.CompleteJob(CompleteJobRequest{JobID: resp.JobID, StepID: 0, ExitCode: 0})
	require.NoError(t, err)
}

func TestUpdateNodeDrainAndResume(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)

	_, err := disp.UpdateNode(UpdateNodeRequest{NameExpression: "node0", State: "DRAIN", Reason: "maint"})
	require.NoError(t, err)
	n, err := store.LookupNodeByName("node0")
	require.NoError(t, err)
	require.True(t, n.Flags.Has(structs.FlagDrain))

	_, err = disp.UpdateNode(UpdateNodeRequest{NameExpression: "node0", State: "RESUME"})
	require.NoError(t, err)
	n, err = store.LookupNodeByName("node0")
	require.NoError(t, err)
	require.False(t, n.Flags.Has(structs.FlagDrain))
}

func TestUpdatePartitionPatchesOnlySetFields(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)

	maxNodes := uint32(5)
	_, err := disp.UpdatePartition(UpdatePartitionRequest{Name: "batch", MaxNodes: &maxNodes})
	require.NoError(t, err)

	p, err := store.LookupPartition("batch")
	require.NoError(t, err)
	require.Equal(t, uint32(5), p.MaxNodes)
	require.Equal(t, 1, p.MaxRows, "fields left nil in the patch must be untouched")
}

func TestLoadJobsFiltersByOwnerUnlessAdmin(t *testing.T) {
	disp, _, _ := newTestDispatcher(t)

	_, err := disp.SubmitBatchJob(SubmitBatchJobRequest{Request: structs.JobRequest{MinNodes: 1, MaxNodes: 1}, Partition: "batch", Credentials: Credentials{UID: 1000}})
	require.NoError(t, err)
	_, err = disp.SubmitBatchJob(SubmitBatchJobRequest{Request: structs.JobRequest{MinNodes: 1, MaxNodes: 1}, Partition: "batch", Credentials: Credentials{UID: 2000}})
	require.NoError(t, err)

	resp, err := disp.LoadJobs(LoadJobsRequest{Credentials: Credentials{UID: 1000}})
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 1)
	require.Equal(t, uint32(1000), resp.Jobs[0].UID)

	resp, err = disp.LoadJobs(LoadJobsRequest{IsAdmin: true})
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 2)
}

func TestDispatchStartedCallsTransportForRunningJobs(t *testing.T) {
	disp, store, transport := newTestDispatcher(t)

	sub, err := disp.SubmitBatchJob(SubmitBatchJobRequest{Request: structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2}, Partition: "batch"})
	require.NoError(t, err)

	d := scheduler.NewDriver(store, nil)
	result, err := d.RunCycle(time.Now())
	require.NoError(t, err)
	require.Contains(t, result.Started, sub.JobID)

	disp.DispatchStarted(context.Background(), result)
	require.Equal(t, []string{"node0"}, transport.launched)
	require.NotEmpty(t, transport.lastDispatchID)
}

func TestTerminateJobCallsTransportForAllocatedNodes(t *testing.T) {
	disp, _, transport := newTestDispatcher(t)

	resp, err := disp.AllocateResources(AllocateResourcesRequest{Request: structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2}, Partition: "batch"})
	require.NoError(t, err)

	_, err = disp.TerminateJob(context.Background(), TerminateJobRequest{JobID: resp.JobID, Signal: 9})
	require.NoError(t, err)
	require.Equal(t, []string{"node0"}, transport.terminated)
}

func TestTestOnlyAndWillRunDifferOnPreemptiveFit(t *testing.T) {
	s, err := state.New(nil)
	require.NoError(t, err)
	cfg := &structs.Config{Name: "std", CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}
	require.NoError(t, s.CreateConfig(cfg))
	_, err = s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: 4, RealMemoryMB: 8192, Cores: 4, Sockets: 1, Threads: 1}))
	require.NoError(t, s.CreatePartition(&structs.Partition{
		Name: "low", Priority: 1, PreemptMode: structs.PreemptCancel,
		NodeIndices: []int{0}, NodeNames: []string{"node0"}, MaxRows: 1,
	}))
	require.NoError(t, s.CreatePartition(&structs.Partition{
		Name: "high", Priority: 100, PreemptMode: structs.PreemptCancel,
		NodeIndices: []int{0}, NodeNames: []string{"node0"}, MaxRows: 1,
	}))

	d := scheduler.NewDriver(s, nil)
	disp := NewDispatcher(s, nodes.NewMachine(s, nil), d, nil, nil)

	_, err = disp.AllocateResources(AllocateResourcesRequest{
		Request: structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 4}, Partition: "low",
	})
	require.NoError(t, err)

	tresp, err := disp.TestOnly(TestOnlyRequest{
		Request: structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2}, Partition: "high",
	})
	require.NoError(t, err)
	require.False(t, tresp.WouldFit, "TEST_ONLY never considers preemption, so a full node reports infeasible")

	wresp, err := disp.WillRun(WillRunRequest{
		Request: structs.JobRequest{MinNodes: 1, MaxNodes: 1, MinCPUs: 2}, Partition: "high",
	})
	require.NoError(t, err)
	require.True(t, wresp.CanRun)
	require.False(t, wresp.EarliestStart, "WILL_RUN reports a later start when eviction is required")
	require.NotEmpty(t, wresp.VictimJobIDs)

	jobs, err := s.ListJobs(state.JobFilter{})
	require.NoError(t, err)
	var sawRunning bool
	for _, j := range jobs {
		if j.Partition == "low" {
			sawRunning = j.State == structs.JobRunning
		}
	}
	require.True(t, sawRunning, "WILL_RUN must never evict anyone")
}

func TestReconfigureFansOutToEveryNode(t *testing.T) {
	disp, _, transport := newTestDispatcher(t)

	_, err := disp.Reconfigure(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"node0"}, transport.reconfigured)
}
