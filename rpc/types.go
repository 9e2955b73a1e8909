// Package rpc defines the controller's external message surface (spec
// §6.1 controller<->node-agent, §6.2 client<->controller) and an
// in-process Dispatcher that realizes it. Wire framing is explicitly out
// of scope (spec §1); NodeTransport is the seam a real listener would
// fill in.
package rpc

import (
	"time"

	"github.com/lattice-hpc/ctldcore/structs"
)

// Credentials carries the submitting/terminating identity; KillJob checks
// it against job ownership (owner or uid 0, spec §7's PERMISSION kind)
// and LoadJobs filters by its uid.
type Credentials struct {
	UID uint32
	GID uint32
}

// --- §6.1: controller <-> node-agent -------------------------------

type RegisterNodeRequest struct {
	Name          string
	CPUs          uint32
	RealMemoryMB  uint64
	TmpDiskMB     uint64
	Sockets       uint32
	Cores         uint32
	Threads       uint32
	GRES          structs.GRES
	BootTime      time.Time
	SlurmdVersion string
	Features      []string
}

type RegisterNodeResponse struct {
	OK     bool
	Reason string // populated on VALIDATION_FAIL
}

type JobStatus struct {
	JobID  uint32
	StepID uint32
	State  structs.JobState
}

type HeartbeatRequest struct {
	Name         string
	At           time.Time
	PerJobStatus []JobStatus
}

type HeartbeatResponse struct{}

type LaunchBatchJobRequest struct {
	// DispatchID uniquely identifies this dispatch attempt, so a node
	// agent receiving the same call twice over an at-least-once
	// transport can recognize the retry instead of double-launching.
	DispatchID string

	JobID        uint32
	StepID       uint32
	NodeList     []string
	ResourceBits map[string][]int // node name -> allocated core/thread indices
	Env          map[string]string
	Script       string
	Credentials  Credentials
}

type LaunchBatchJobResponse struct {
	OK          bool
	FailureKind string
}

type TaskSpec struct {
	NTasks       uint32
	Distribution structs.TaskDistribution
	NodeIdxs     []int
}

type LaunchTasksRequest struct {
	DispatchID string
	JobID      uint32
	StepID     uint32
	TaskSpec   TaskSpec
}

type LaunchTasksResponse struct {
	OK          bool
	FailureKind string
}

type TerminateJobRequest struct {
	DispatchID string
	JobID      uint32
	Signal     int
	GraceSec   uint32
}

type TerminateJobResponse struct{}

type ReconfigureRequest struct{}

type ReconfigureResponse struct{}

// CompleteJobRequest is shared by both directions §6.1 and §6.2 describe:
// a node agent reporting a finished step, or a client self-reporting one
// (srun's own exit path). Both collapse to the same state transition.
type CompleteJobRequest struct {
	JobID    uint32
	StepID   uint32
	ExitCode int32
}

type CompleteJobResponse struct{}

// --- §6.2: client <-> controller -------------------------------------

type SubmitBatchJobRequest struct {
	Request       structs.JobRequest
	Partition     string
	Account       string
	Credentials   Credentials
	QOSID         string
	AssociationID string
	WCKeyID       string
	ReservationID string
}

type SubmitBatchJobResponse struct {
	JobID uint32
}

// AllocateResourcesRequest is srun's synchronous "give me nodes now"
// request; it shares SubmitBatchJobRequest's shape. AllocateResources
// runs one scheduler cycle right after submitting and returns
// INSUFFICIENT_RESOURCES if the job did not start in it, leaving the job
// PENDING in the queue.
type AllocateResourcesRequest struct {
	Request       structs.JobRequest
	Partition     string
	Account       string
	Credentials   Credentials
	QOSID         string
	AssociationID string
	WCKeyID       string
	ReservationID string
}

type AllocateResourcesResponse struct {
	JobID    uint32
	NodeList []string
}

type KillJobRequest struct {
	JobID       uint32
	Signal      int
	Credentials Credentials
}

type KillJobResponse struct{}

type LoadJobsRequest struct {
	Since       time.Time
	Credentials Credentials
	IsAdmin     bool
}

type LoadJobsResponse struct {
	Jobs []*structs.Job
}

type LoadNodesRequest struct {
	Since time.Time
}

type LoadNodesResponse struct {
	Nodes []*structs.Node
}

type LoadPartitionsRequest struct {
	Since time.Time
}

type LoadPartitionsResponse struct {
	Partitions []*structs.Partition
}

// UpdateNodeRequest targets every node matched by NameExpression (parsed
// as a hostlist, spec §3.6), applying whichever of State/Reason is set.
type UpdateNodeRequest struct {
	NameExpression string
	State          string // "DRAIN" | "RESUME" | "DOWN" | ""
	Reason         string
	Credentials    Credentials
}

type UpdateNodeResponse struct{}

// UpdatePartitionRequest is a sparse patch: nil fields are left alone.
type UpdatePartitionRequest struct {
	Name string

	State          *structs.PartitionState
	Sharing        *structs.Sharing
	PreemptMode    *structs.PreemptMode
	MaxTime        *uint32
	DefaultTime    *uint32
	MaxNodes       *uint32
	MinNodes       *uint32
	MaxCPUsPerNode *uint32

	Credentials Credentials
}

type UpdatePartitionResponse struct{}

// TestOnlyRequest probes §4.4's TEST_ONLY mode: would this job fit against
// the partition's current allocation right now, ignoring preemption and
// row-sharing entirely. It shares SubmitBatchJobRequest's shape since the
// probe is evaluated against a hypothetical job with the same requirements.
type TestOnlyRequest struct {
	Request       structs.JobRequest
	Partition     string
	Account       string
	Credentials   Credentials
	QOSID         string
	AssociationID string
	WCKeyID       string
	ReservationID string
}

type TestOnlyResponse struct {
	WouldFit bool
	Reason   string
}

// WillRunRequest probes §4.4's WILL_RUN mode: would this job start right
// now, including the preemption steps 2/3 would require, without
// committing any allocation or evicting anyone.
type WillRunRequest struct {
	Request       structs.JobRequest
	Partition     string
	Account       string
	Credentials   Credentials
	QOSID         string
	AssociationID string
	WCKeyID       string
	ReservationID string
}

type WillRunResponse struct {
	CanRun        bool
	EarliestStart bool
	VictimJobIDs  []uint32
	Reason        string
}
