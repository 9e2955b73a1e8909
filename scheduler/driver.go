package scheduler

import (
	"sort"
	"strconv"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/lattice-hpc/ctldcore/bitset"
	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/scheduler/consres"
	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Driver runs the scheduler loop described in §4.4 over a state.Store.
type Driver struct {
	store *state.Store
	log   hclog.Logger

	Priority PriorityFunc

	// MaxJobsPerCycle bounds how many pending jobs one RunCycle call
	// examines; 0 means unbounded (examine the whole queue).
	MaxJobsPerCycle int
}

// NewDriver constructs a Driver with DefaultPriorityFunc.
func NewDriver(store *state.Store, log hclog.Logger) *Driver {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Driver{store: store, log: log.Named("scheduler"), Priority: DefaultPriorityFunc}
}

// CycleResult summarizes one RunCycle pass.
type CycleResult struct {
	Started      []uint32
	Pending      []uint32
	Failed       []uint32
}

// RunCycle iterates the pending queue in descending priority order,
// dispatching each job to the consumable-resource selector in RunNow
// mode, per §4.4 steps 1-6.
func (d *Driver) RunCycle(now time.Time) (*CycleResult, error) {
	const op = "scheduler.run_cycle"
	defer metrics.MeasureSince([]string{"scheduler", "cycle"}, now)

	pending, err := d.store.ListJobs(state.JobFilter{Pending: true})
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}

	type scored struct {
		job      *structs.Job
		priority int64
	}
	scoredJobs := make([]scored, 0, len(pending))
	for _, j := range pending {
		part, _ := d.store.LookupPartition(j.Partition)
		var assoc *structs.Association
		if j.AssociationID != "" {
			assoc, _ = d.store.LookupAssociation(j.AssociationID)
		}
		var qos *structs.QOS
		if j.QOSID != "" {
			qos, _ = d.store.LookupQOS(j.QOSID)
		}
		scoredJobs = append(scoredJobs, scored{job: j, priority: d.Priority(j, part, assoc, qos, now)})
	}
	sort.SliceStable(scoredJobs, func(i, k int) bool { return scoredJobs[i].priority > scoredJobs[k].priority })

	result := &CycleResult{}
	budget := d.MaxJobsPerCycle
	for i, sj := range scoredJobs {
		if budget > 0 && i >= budget {
			break
		}
		j := sj.job

		part, err := d.store.LookupPartition(j.Partition)
		if err != nil {
			d.log.Warn("pending job references unknown partition", "job", j.JobID, "partition", j.Partition)
			result.Failed = append(result.Failed, j.JobID)
			_ = d.store.TransitionJob(j.JobID, structs.JobFailed, 0, -1)
			continue
		}

		candidate, err := d.candidateBitmap(part, j, now)
		if err != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
		}

		sres, err := consres.Select(d.store, consres.Request{
			Job:       j,
			Partition: part,
			Candidate: candidate,
			NodeReq:   nodeReqFor(part, j),
			Mode:      consres.RunNow,
		})
		if err != nil {
			if ctlderrors.KindOf(err) == ctlderrors.InsufficientResources {
				result.Pending = append(result.Pending, j.JobID)
				_ = d.store.SetJobWaitReason(j.JobID, "INSUFFICIENT_RESOURCES")
				metrics.IncrCounter([]string{"scheduler", "pending"}, 1)
				continue
			}
			result.Failed = append(result.Failed, j.JobID)
			_ = d.store.TransitionJob(j.JobID, structs.JobFailed, 0, -1)
			metrics.IncrCounter([]string{"scheduler", "failed"}, 1)
			continue
		}

		for _, victimID := range sres.Victims {
			if err := d.preemptVictim(victimID); err != nil {
				return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
			}
			metrics.IncrCounter([]string{"scheduler", "preempted"}, 1)
		}

		startNow := now
		if err := d.store.SetJobAllocation(j.JobID, sres.Allocation, func() structs.Job { return structs.Job{StartTime: startNow} }); err != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
		}
		result.Started = append(result.Started, j.JobID)
		metrics.IncrCounter([]string{"scheduler", "started"}, 1)
	}

	return result, nil
}

// nodeReqFor derives the NODE_REQ flags consres.Select checks allocations
// against from the partition's sharing policy and the job's own --exclusive
// request, per §4.5.
func nodeReqFor(part *structs.Partition, job *structs.Job) structs.NodeReq {
	nodeReq := structs.NodeReqAvailable
	switch {
	case part.Sharing.Kind == structs.SharingExclusive:
		nodeReq = structs.NodeReqReserved
	case part.Sharing.Kind != structs.SharingYes && part.Sharing.Kind != structs.SharingForce && !job.Request.Shared:
		nodeReq = structs.NodeReqOneRow
	}
	return nodeReq
}

// TestOnly evaluates whether j would fit against the partition's current
// allocation without consulting preemption or row-sharing, per §4.4's
// TEST_ONLY mode: a pure idle-only feasibility probe that never reports
// victims and never implies a later WILL_RUN call would behave the same.
func (d *Driver) TestOnly(j *structs.Job, now time.Time) (*consres.Result, error) {
	return d.probe(j, now, consres.TestOnly)
}

// WillRun evaluates whether and when j would start if dispatched right now,
// including any preemption steps 2/3 would require, per §4.4's WILL_RUN
// mode. Unlike RunCycle, it never mutates the store: no allocation is
// committed and no victim is actually evicted, so a caller must re-run
// RunCycle (or rely on the next natural cycle) to realize the result.
func (d *Driver) WillRun(j *structs.Job, now time.Time) (*consres.Result, error) {
	return d.probe(j, now, consres.WillRun)
}

func (d *Driver) probe(j *structs.Job, now time.Time, mode consres.Mode) (*consres.Result, error) {
	const op = "scheduler.probe"
	part, err := d.store.LookupPartition(j.Partition)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	candidate, err := d.candidateBitmap(part, j, now)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	return consres.Select(d.store, consres.Request{
		Job:       j,
		Partition: part,
		Candidate: candidate,
		NodeReq:   nodeReqFor(part, j),
		Mode:      mode,
	})
}

// candidateBitmap computes (partition nodes) ∩ up ∖ (reserved nodes the
// job's {user, account} isn't allowed into), per §4.4 step 1 and §4.7.
// Feature-expression and node-list filtering happen inside consres.Select.
func (d *Driver) candidateBitmap(part *structs.Partition, job *structs.Job, now time.Time) (*bitset.Bitmap, error) {
	up, _, _, err := d.store.UpIdleCompleting()
	if err != nil {
		return nil, err
	}
	n := up.Len()

	partBM := bitset.New(n)
	for _, idx := range part.NodeIndices {
		if idx >= 0 && idx < n {
			partBM.Set(idx)
		}
	}
	partBM.And(up)

	reserved, err := d.store.ReservedBitmap(now, n, d.jobUser(job), job.Account)
	if err != nil {
		return nil, err
	}
	if job.ReservationID == "" {
		partBM.AndNot(reserved)
	}
	return partBM, nil
}

// jobUser resolves the username a reservation's allow-list should be
// checked against. The association record carries the real username
// (spec §3.7's "associated users" list is string-keyed); jobs submitted
// without an association fall back to their numeric uid so an ordinary
// reservation listing that uid in Users still matches.
func (d *Driver) jobUser(job *structs.Job) string {
	if job.AssociationID != "" {
		if assoc, err := d.store.LookupAssociation(job.AssociationID); err == nil && assoc.User != "" {
			return assoc.User
		}
	}
	return strconv.FormatUint(uint64(job.UID), 10)
}

// preemptVictim releases a lower-priority job's allocation and
// transitions it per its partition's preempt_mode (spec §4.7, §9 S6),
// actually freeing the cores consres.Select counted as available for
// eviction before the higher-priority job's allocation is committed.
func (d *Driver) preemptVictim(jobID uint32) error {
	const op = "scheduler.preempt_victim"
	victim, err := d.store.LookupJob(jobID)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}
	if victim.State.Terminal() {
		return nil
	}

	mode := structs.PreemptCancel
	if part, err := d.store.LookupPartition(victim.Partition); err == nil {
		mode = part.PreemptMode
	}

	if err := d.store.ReleaseJobAllocation(jobID); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.KindOf(err), err)
	}

	switch mode {
	case structs.PreemptRequeue:
		return d.store.TransitionJob(jobID, structs.JobPending, 0, -1)
	case structs.PreemptSuspend, structs.PreemptGang:
		return d.store.TransitionJob(jobID, structs.JobSuspended, 0, -1)
	default: // CANCEL, and OFF which shouldn't reach here since consres only
		// selects victims whose partition permits eviction.
		return d.store.TransitionJob(jobID, structs.JobPreempted, 0, -1)
	}
}
