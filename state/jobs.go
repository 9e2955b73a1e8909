package state

import (
	"sync/atomic"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/structs"
)

// CreateJob assigns the next monotonic job_id (spec §5: strictly
// monotonic in arrival order at the single submit critical section,
// enforced here by holding JobLock exclusively for the whole allocate+
// insert) and inserts the job PENDING.
func (s *Store) CreateJob(req structs.JobRequest, submitTime func() structs.Job) (*structs.Job, error) {
	const op = "state.create_job"
	if req.MinNodes > 0 && req.MaxNodes > 0 && req.MinNodes > req.MaxNodes {
		return nil, ctlderrors.New(op, ctlderrors.InvalidRequest, "min_nodes exceeds max_nodes")
	}

	g := s.locker.Locks(JobLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	id := atomic.AddUint32(&s.nextJobID, 1) - 1
	j := submitTime()
	j.JobID = id
	j.Request = req
	j.State = structs.JobPending

	if err := txn.Insert(tableJobs, &j); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return j.Clone(), nil
}

// LookupJob returns the job, or NOT_FOUND.
func (s *Store) LookupJob(jobID uint32) (*structs.Job, error) {
	const op = "state.lookup_job"
	g := s.locker.RLocks(JobLock)
	defer g.Release()

	txn := s.txn(false)
	raw, err := txn.First(tableJobs, indexID, uint64(jobID))
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return nil, ctlderrors.New(op, ctlderrors.NotFound, "job not found")
	}
	return raw.(*structs.Job).Clone(), nil
}

// JobFilter narrows ListJobs; zero values match all.
type JobFilter struct {
	State     *structs.JobState
	Partition string
	Pending   bool // only PENDING jobs, for the scheduler's candidate queue
}

// ListJobs returns a snapshot of jobs matching filter.
func (s *Store) ListJobs(filter JobFilter) ([]*structs.Job, error) {
	const op = "state.list_jobs"
	g := s.locker.RLocks(JobLock)
	defer g.Release()

	txn := s.txn(false)
	it, err := txn.Get(tableJobs, indexID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	var out []*structs.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		j := raw.(*structs.Job)
		if filter.Pending && j.State != structs.JobPending {
			continue
		}
		if filter.State != nil && j.State != *filter.State {
			continue
		}
		if filter.Partition != "" && j.Partition != filter.Partition {
			continue
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

// mutateJob loads, clones, applies fn, and re-inserts the job within a
// single write transaction.
func (s *Store) mutateJob(op string, jobID uint32, txn *memdb.Txn, fn func(*structs.Job) error) (*structs.Job, error) {
	raw, err := txn.First(tableJobs, indexID, uint64(jobID))
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return nil, ctlderrors.New(op, ctlderrors.NotFound, "job not found")
	}
	j := raw.(*structs.Job).Clone()
	if err := fn(j); err != nil {
		return nil, err
	}
	if err := txn.Insert(tableJobs, j); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	return j, nil
}

// SetJobWaitReason records why a PENDING job hasn't started (spec §4.10:
// INSUFFICIENT_RESOURCES is a recorded reason, not an error).
func (s *Store) SetJobWaitReason(jobID uint32, reason string) error {
	const op = "state.set_job_wait_reason"
	g := s.locker.Locks(JobLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	_, err := s.mutateJob(op, jobID, txn, func(j *structs.Job) error {
		j.WaitReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// SetJobAllocation records the allocation chosen by the scheduler,
// transitions the job to RUNNING, and applies the additive per-node
// counters under NODE exclusive lock in the same call, satisfying I1/I2.
// Lock order CONFIG->JOB->NODE->PARTITION is honored by acquiring
// JobLock then NodeLock.
func (s *Store) SetJobAllocation(jobID uint32, alloc *structs.JobResources, startTime func() structs.Job) error {
	const op = "state.set_job_allocation"
	g := s.locker.Locks(JobLock, NodeLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	_, err := s.mutateJob(op, jobID, txn, func(j *structs.Job) error {
		if j.State.Terminal() {
			return ctlderrors.New(op, ctlderrors.AlreadyTerminal, "job is terminal")
		}
		patch := startTime()
		j.StartTime = patch.StartTime
		j.Allocation = alloc
		j.State = structs.JobRunning
		return nil
	})
	if err != nil {
		return err
	}

	for _, na := range alloc.Nodes {
		if err := s.applyNodeDelta(txn, na.NodeIndex, int64(na.AllocCPUs), int64(na.AllocMemory)); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// ReleaseJobAllocation subtracts the job's per-node counters and clears
// its allocation (called on completion/cancel/preemption).
func (s *Store) ReleaseJobAllocation(jobID uint32) error {
	const op = "state.release_job_allocation"
	g := s.locker.Locks(JobLock, NodeLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	var toSubtract []structs.NodeAlloc
	_, err := s.mutateJob(op, jobID, txn, func(j *structs.Job) error {
		if j.Allocation != nil {
			toSubtract = j.Allocation.Nodes
		}
		j.Allocation = nil
		return nil
	})
	if err != nil {
		return err
	}
	for _, na := range toSubtract {
		if err := s.applyNodeDelta(txn, na.NodeIndex, -int64(na.AllocCPUs), -int64(na.AllocMemory)); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// TransitionJob moves a job to a new state, recording exit/req-uid
// metadata. Cancelling a terminal job is idempotent success (spec §7);
// any other operation on a terminal job is ALREADY_TERMINAL.
func (s *Store) TransitionJob(jobID uint32, newState structs.JobState, reqUID uint32, exitCode int32) error {
	const op = "state.transition_job"
	g := s.locker.Locks(JobLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	_, err := s.mutateJob(op, jobID, txn, func(j *structs.Job) error {
		if j.State.Terminal() {
			if newState == structs.JobCancelled {
				return nil // idempotent success
			}
			return ctlderrors.New(op, ctlderrors.AlreadyTerminal, "job already in terminal state "+j.State.String())
		}
		j.State = newState
		j.ReqUID = reqUID
		j.ExitCode = exitCode
		return nil
	})
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// applyNodeDelta adds deltaCPUs/deltaMemory to a node's allocated
// counters (I2's additive invariant), clamping at zero defensively.
func (s *Store) applyNodeDelta(txn *memdb.Txn, nodeIndex int, deltaCPUs, deltaMemory int64) error {
	const op = "state.apply_node_delta"
	raw, err := txn.First(tableNodes, indexIndex, nodeIndex)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "node index not found")
	}
	n := raw.(*structs.Node).Clone()

	newCPUs := int64(n.AllocCPUs) + deltaCPUs
	if newCPUs < 0 {
		newCPUs = 0
	}
	n.AllocCPUs = uint32(newCPUs)

	newMem := int64(n.AllocMemory) + deltaMemory
	if newMem < 0 {
		newMem = 0
	}
	n.AllocMemory = uint64(newMem)

	switch {
	case n.AllocCPUs == 0:
		if n.Base == structs.NodeAllocated || n.Base == structs.NodeMixed {
			n.Base = structs.NodeCompleting
		}
	case n.AllocCPUs == n.CPUs:
		n.Base = structs.NodeAllocated
	default:
		n.Base = structs.NodeMixed
	}

	return txn.Insert(tableNodes, n)
}
