package rpc

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/hostlist"
	"github.com/lattice-hpc/ctldcore/nodes"
	"github.com/lattice-hpc/ctldcore/scheduler"
	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

// NodeTransport is the seam a real listener fills in to actually reach a
// node agent; Dispatcher calls it after committing the state change the
// RPC implies. A nil Transport makes every node-directed call a no-op,
// which is enough to exercise the controller-side semantics in tests.
type NodeTransport interface {
	LaunchBatchJob(ctx context.Context, nodeName string, req LaunchBatchJobRequest) error
	LaunchTasks(ctx context.Context, nodeName string, req LaunchTasksRequest) error
	TerminateJob(ctx context.Context, nodeName string, req TerminateJobRequest) error
	Reconfigure(ctx context.Context, nodeName string) error
}

// Dispatcher is the in-process realization of the §6.1/§6.2 RPC surface,
// translating each named RPC into calls against the already-built
// subsystems rather than owning any scheduling or state logic itself.
type Dispatcher struct {
	store     *state.Store
	machine   *nodes.Machine
	driver    *scheduler.Driver
	transport NodeTransport
	log       hclog.Logger
}

func NewDispatcher(store *state.Store, machine *nodes.Machine, driver *scheduler.Driver, transport NodeTransport, log hclog.Logger) *Dispatcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Dispatcher{store: store, machine: machine, driver: driver, transport: transport, log: log.Named("rpc")}
}

// RegisterNode handles §6.1 REGISTER_NODE.
func (d *Dispatcher) RegisterNode(req RegisterNodeRequest) (*RegisterNodeResponse, error) {
	const op = "rpc.register_node"
	defer metrics.MeasureSince([]string{"rpc", "register_node"}, time.Now())

	advertised := structs.Node{
		CPUs: req.CPUs, RealMemoryMB: req.RealMemoryMB, TmpDiskMB: req.TmpDiskMB,
		Sockets: req.Sockets, Cores: req.Cores, Threads: req.Threads,
		GRES: req.GRES, Features: req.Features,
		BootTime: req.BootTime, SlurmdVersion: req.SlurmdVersion,
	}
	if err := d.machine.Register(req.Name, advertised); err != nil {
		if ctlderrors.Is(err, ctlderrors.ValidationFail) {
			return &RegisterNodeResponse{OK: false, Reason: err.Error()}, nil
		}
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	return &RegisterNodeResponse{OK: true}, nil
}

// Heartbeat handles §6.1 HEARTBEAT. Per-job status reports feed the same
// node-liveness tracking nodes.Collector's periodic poll performs; here we
// only need to record the timestamp so Collector.Poll sees a live node.
func (d *Dispatcher) Heartbeat(req HeartbeatRequest) (*HeartbeatResponse, error) {
	const op = "rpc.heartbeat"
	if err := d.store.ApplyHeartbeat(req.Name, req.At); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	return &HeartbeatResponse{}, nil
}

// CompleteJob handles both §6.1's node->controller report and §6.2's
// client self-report; a batch job's top-level step uses StepIDBatch.
func (d *Dispatcher) CompleteJob(req CompleteJobRequest) (*CompleteJobResponse, error) {
	const op = "rpc.complete_job"
	if req.StepID != structs.StepIDBatch {
		if err := d.store.CompleteStep(req.JobID, req.StepID, req.ExitCode); err != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
		}
		return &CompleteJobResponse{}, nil
	}
	newState := structs.JobCompleted
	if req.ExitCode != 0 {
		newState = structs.JobFailed
	}
	if err := d.store.TransitionJob(req.JobID, newState, 0, req.ExitCode); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	if err := d.store.ReleaseJobAllocation(req.JobID); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	return &CompleteJobResponse{}, nil
}

// TerminateJob handles §6.1 TERMINATE_JOB, relaying the signal to the
// node agent via Transport after looking up which nodes hold the job.
func (d *Dispatcher) TerminateJob(ctx context.Context, req TerminateJobRequest) (*TerminateJobResponse, error) {
	const op = "rpc.terminate_job"
	j, err := d.store.LookupJob(req.JobID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	if d.transport != nil {
		req.DispatchID = newDispatchID()
		for _, name := range allocatedNodeNames(d.store, j) {
			if err := d.transport.TerminateJob(ctx, name, req); err != nil {
				d.log.Warn("terminate_job transport call failed", "job", req.JobID, "node", name, "error", err)
			}
		}
	}
	return &TerminateJobResponse{}, nil
}

// LaunchTasks handles §6.1 LAUNCH_TASKS, dispatching to every node the
// step's task spec names.
func (d *Dispatcher) LaunchTasks(ctx context.Context, req LaunchTasksRequest) (*LaunchTasksResponse, error) {
	const op = "rpc.launch_tasks"
	j, err := d.store.LookupJob(req.JobID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	step := &structs.Step{
		StepID: req.StepID, JobID: req.JobID, NodeIdxs: req.TaskSpec.NodeIdxs,
		State: structs.JobRunning, TaskDistribution: req.TaskSpec.Distribution,
	}
	if err := d.store.UpsertStep(req.JobID, step); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	if d.transport != nil {
		req.DispatchID = newDispatchID()
		for _, name := range allocatedNodeNames(d.store, j) {
			if err := d.transport.LaunchTasks(ctx, name, req); err != nil {
				return &LaunchTasksResponse{OK: false, FailureKind: err.Error()}, nil
			}
		}
	}
	return &LaunchTasksResponse{OK: true}, nil
}

// Reconfigure handles §6.1/§6.2 RECONFIGURE; fanning the signal out to
// every registered node is Transport's job, controller-side there's
// nothing to mutate beyond whatever config.Loader already applied.
func (d *Dispatcher) Reconfigure(ctx context.Context) (*ReconfigureResponse, error) {
	if d.transport != nil {
		nodeList, err := d.store.ListNodes(state.NodeFilter{})
		if err == nil {
			for _, n := range nodeList {
				if n.Tombstone {
					continue
				}
				if err := d.transport.Reconfigure(ctx, n.Name); err != nil {
					d.log.Warn("reconfigure transport call failed", "node", n.Name, "error", err)
				}
			}
		}
	}
	return &ReconfigureResponse{}, nil
}

// SubmitBatchJob handles §6.2 SUBMIT_BATCH_JOB: the job is created
// PENDING and left for the next scheduler cycle to place.
func (d *Dispatcher) SubmitBatchJob(req SubmitBatchJobRequest) (*SubmitBatchJobResponse, error) {
	const op = "rpc.submit_batch_job"
	now := time.Now()
	j, err := d.store.CreateJob(req.Request, func() structs.Job {
		return structs.Job{
			SubmitTime: now, EligibleTime: now,
			Partition: req.Partition, Account: req.Account,
			UID: req.Credentials.UID, GID: req.Credentials.GID,
			QOSID: req.QOSID, AssociationID: req.AssociationID,
			WCKeyID: req.WCKeyID, ReservationID: req.ReservationID,
		}
	})
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	metrics.IncrCounter([]string{"rpc", "submit_batch_job"}, 1)
	return &SubmitBatchJobResponse{JobID: j.JobID}, nil
}

// AllocateResources handles §6.2 ALLOCATE_RESOURCES: submit then drive one
// scheduler cycle immediately, the synchronous srun-style path.
func (d *Dispatcher) AllocateResources(req AllocateResourcesRequest) (*AllocateResourcesResponse, error) {
	const op = "rpc.allocate_resources"
	sub := SubmitBatchJobRequest{
		Request: req.Request, Partition: req.Partition, Account: req.Account,
		Credentials: req.Credentials, QOSID: req.QOSID, AssociationID: req.AssociationID,
		WCKeyID: req.WCKeyID, ReservationID: req.ReservationID,
	}
	resp, err := d.SubmitBatchJob(sub)
	if err != nil {
		return nil, err
	}
	if d.driver != nil {
		if _, err := d.driver.RunCycle(time.Now()); err != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
		}
	}
	j, err := d.store.LookupJob(resp.JobID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	if j.State != structs.JobRunning {
		return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, j.WaitReason)
	}
	return &AllocateResourcesResponse{JobID: j.JobID, NodeList: allocatedNodeNames(d.store, j)}, nil
}

// probeJob builds the hypothetical *structs.Job a TEST_ONLY/WILL_RUN call
// evaluates against, without inserting it into the store: these modes must
// never be observable as a real pending job.
func probeJob(request structs.JobRequest, partition, account string, creds Credentials, qosID, assocID, wckeyID, resvID string) *structs.Job {
	return &structs.Job{
		Request: request, Partition: partition, Account: account,
		UID: creds.UID, GID: creds.GID,
		QOSID: qosID, AssociationID: assocID, WCKeyID: wckeyID, ReservationID: resvID,
	}
}

// TestOnly handles §6.2 TEST_ONLY: a pure idle-only feasibility probe.
func (d *Dispatcher) TestOnly(req TestOnlyRequest) (*TestOnlyResponse, error) {
	const op = "rpc.test_only"
	if d.driver == nil {
		return nil, ctlderrors.New(op, ctlderrors.FatalConfig, "no scheduler driver configured")
	}
	j := probeJob(req.Request, req.Partition, req.Account, req.Credentials, req.QOSID, req.AssociationID, req.WCKeyID, req.ReservationID)
	_, err := d.driver.TestOnly(j, time.Now())
	if err == nil {
		return &TestOnlyResponse{WouldFit: true}, nil
	}
	if ctlderrors.KindOf(err) == ctlderrors.InsufficientResources {
		return &TestOnlyResponse{WouldFit: false, Reason: err.Error()}, nil
	}
	return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
}

// WillRun handles §6.2 WILL_RUN: would the job start now, and if so by
// preempting whom. No allocation is committed and no victim is evicted;
// a RUN_NOW dispatch later may see a different outcome if the state changes
// in between.
func (d *Dispatcher) WillRun(req WillRunRequest) (*WillRunResponse, error) {
	const op = "rpc.will_run"
	if d.driver == nil {
		return nil, ctlderrors.New(op, ctlderrors.FatalConfig, "no scheduler driver configured")
	}
	j := probeJob(req.Request, req.Partition, req.Account, req.Credentials, req.QOSID, req.AssociationID, req.WCKeyID, req.ReservationID)
	res, err := d.driver.WillRun(j, time.Now())
	if err == nil {
		return &WillRunResponse{CanRun: true, EarliestStart: res.EarliestStart, VictimJobIDs: res.Victims}, nil
	}
	if ctlderrors.KindOf(err) == ctlderrors.InsufficientResources {
		return &WillRunResponse{CanRun: false, Reason: err.Error()}, nil
	}
	return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
}

// KillJob handles §6.2 KILL_JOB. Ownership is enforced the way spec §7's
// PERMISSION kind requires: the caller must be the job's owner or uid 0.
func (d *Dispatcher) KillJob(req KillJobRequest) (*KillJobResponse, error) {
	const op = "rpc.kill_job"
	j, err := d.store.LookupJob(req.JobID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	if req.Credentials.UID != 0 && req.Credentials.UID != j.UID {
		return nil, ctlderrors.New(op, ctlderrors.Permission, "not job owner")
	}
	if j.State.Terminal() {
		return &KillJobResponse{}, nil // cancel is idempotent-success on a terminal job, spec §7
	}
	if err := d.store.TransitionJob(req.JobID, structs.JobCancelled, req.Credentials.UID, -1); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	if err := d.store.ReleaseJobAllocation(req.JobID); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	return &KillJobResponse{}, nil
}

// LoadJobs handles §6.2 LOAD_JOBS, filtered by submit time and, unless
// the caller is an admin, to the caller's own jobs.
func (d *Dispatcher) LoadJobs(req LoadJobsRequest) (*LoadJobsResponse, error) {
	jobs, err := d.store.ListJobs(state.JobFilter{})
	if err != nil {
		return nil, ctlderrors.Wrap("rpc.load_jobs", ctlderrors.KindOf(err), err)
	}
	out := jobs[:0:0]
	for _, j := range jobs {
		if !req.Since.IsZero() && j.SubmitTime.Before(req.Since) {
			continue
		}
		if !req.IsAdmin && req.Credentials.UID != 0 && j.UID != req.Credentials.UID {
			continue
		}
		out = append(out, j)
	}
	return &LoadJobsResponse{Jobs: out}, nil
}

// LoadNodes handles §6.2 LOAD_NODES. The data model carries no per-record
// update timestamp, so Since is accepted but not filtered on; every
// registered node is returned (documented simplification, see DESIGN.md).
func (d *Dispatcher) LoadNodes(req LoadNodesRequest) (*LoadNodesResponse, error) {
	nodeList, err := d.store.ListNodes(state.NodeFilter{})
	if err != nil {
		return nil, ctlderrors.Wrap("rpc.load_nodes", ctlderrors.KindOf(err), err)
	}
	return &LoadNodesResponse{Nodes: nodeList}, nil
}

// LoadPartitions handles §6.2 LOAD_PARTITIONS, same Since caveat as
// LoadNodes.
func (d *Dispatcher) LoadPartitions(req LoadPartitionsRequest) (*LoadPartitionsResponse, error) {
	parts, err := d.store.ListPartitions()
	if err != nil {
		return nil, ctlderrors.Wrap("rpc.load_partitions", ctlderrors.KindOf(err), err)
	}
	return &LoadPartitionsResponse{Partitions: parts}, nil
}

// UpdateNode handles §6.2 UPDATE_NODE, expanding NameExpression as a
// hostlist (spec §3.6) and applying the requested transition to each.
func (d *Dispatcher) UpdateNode(req UpdateNodeRequest) (*UpdateNodeResponse, error) {
	const op = "rpc.update_node"
	hl, err := hostlist.Parse(req.NameExpression)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.InvalidRequest, err)
	}
	for _, name := range hl.Hosts() {
		var applyErr error
		switch req.State {
		case "DRAIN":
			applyErr = d.machine.Drain(name, req.Reason, req.Credentials.UID)
		case "RESUME":
			applyErr = d.machine.Resume(name, req.Credentials.UID)
		case "DOWN":
			applyErr = d.machine.Down(name, req.Reason, req.Credentials.UID)
		case "":
			applyErr = d.store.SetNodeReason(name, req.Reason, req.Credentials.UID)
		default:
			applyErr = ctlderrors.New(op, ctlderrors.InvalidRequest, "unknown node state "+req.State)
		}
		if applyErr != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(applyErr), applyErr)
		}
	}
	return &UpdateNodeResponse{}, nil
}

// UpdatePartition handles §6.2 UPDATE_PARTITION as a sparse patch.
func (d *Dispatcher) UpdatePartition(req UpdatePartitionRequest) (*UpdatePartitionResponse, error) {
	const op = "rpc.update_partition"
	err := d.store.UpdatePartition(req.Name, func(p *structs.Partition) {
		if req.State != nil {
			p.State = *req.State
		}
		if req.Sharing != nil {
			p.Sharing = *req.Sharing
		}
		if req.PreemptMode != nil {
			p.PreemptMode = *req.PreemptMode
		}
		if req.MaxTime != nil {
			p.MaxTime = *req.MaxTime
		}
		if req.DefaultTime != nil {
			p.DefaultTime = *req.DefaultTime
		}
		if req.MaxNodes != nil {
			p.MaxNodes = *req.MaxNodes
		}
		if req.MinNodes != nil {
			p.MinNodes = *req.MinNodes
		}
		if req.MaxCPUsPerNode != nil {
			p.MaxCPUsPerNode = *req.MaxCPUsPerNode
		}
	})
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	return &UpdatePartitionResponse{}, nil
}

// DispatchStarted sends LAUNCH_BATCH_JOB to the owning nodes of every job
// a scheduler.Driver.RunCycle pass just started; server.Server calls this
// right after RunCycle returns.
func (d *Dispatcher) DispatchStarted(ctx context.Context, result *scheduler.CycleResult) {
	if d.transport == nil || result == nil {
		return
	}
	for _, jobID := range result.Started {
		j, err := d.store.LookupJob(jobID)
		if err != nil {
			continue
		}
		names := allocatedNodeNames(d.store, j)
		req := LaunchBatchJobRequest{
			DispatchID: newDispatchID(),
			JobID:      j.JobID, StepID: structs.StepIDBatch, NodeList: names,
			Script: j.Request.Script, Credentials: Credentials{UID: j.UID, GID: j.GID},
		}
		for _, name := range names {
			if err := d.transport.LaunchBatchJob(ctx, name, req); err != nil {
				d.log.Warn("launch_batch_job transport call failed", "job", j.JobID, "node", name, "error", err)
			}
		}
	}
}

// newDispatchID generates the correlation id stamped on every
// node-directed RPC; an empty string on the rare entropy-source failure
// still lets the call through, since node agents treat it as opaque.
func newDispatchID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return ""
	}
	return id
}

func allocatedNodeNames(store *state.Store, j *structs.Job) []string {
	if j.Allocation == nil {
		return nil
	}
	nodeList, err := store.ListNodes(state.NodeFilter{})
	if err != nil {
		return nil
	}
	byIndex := make(map[int]string, len(nodeList))
	for _, n := range nodeList {
		byIndex[n.Index] = n.Name
	}
	names := make([]string, 0, len(j.Allocation.Nodes))
	for _, na := range j.Allocation.Nodes {
		if name, ok := byIndex[na.NodeIndex]; ok {
			names = append(names, name)
		}
	}
	return names
}
