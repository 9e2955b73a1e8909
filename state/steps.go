package state

import (
	"time"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/structs"
)

// UpsertStep adds or replaces a step on an existing job (spec §3.4: a
// step is a named sub-allocation inside a running job's node list).
func (s *Store) UpsertStep(jobID uint32, step *structs.Step) error {
	const op = "state.upsert_step"
	g := s.locker.Locks(JobLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	_, err := s.mutateJob(op, jobID, txn, func(j *structs.Job) error {
		if j.State.Terminal() {
			return ctlderrors.New(op, ctlderrors.AlreadyTerminal, "job is terminal")
		}
		for i, existing := range j.Steps {
			if existing.StepID == step.StepID {
				j.Steps[i] = step
				return nil
			}
		}
		j.Steps = append(j.Steps, step)
		return nil
	})
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// CompleteStep transitions one step of jobID to a terminal state,
// recording its exit code (spec §6.1's COMPLETE_JOB(job_id, step_id,
// exit_code) node->controller report).
func (s *Store) CompleteStep(jobID, stepID uint32, exitCode int32) error {
	const op = "state.complete_step"
	g := s.locker.Locks(JobLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	_, err := s.mutateJob(op, jobID, txn, func(j *structs.Job) error {
		for _, step := range j.Steps {
			if step.StepID != stepID {
				continue
			}
			step.State = structs.JobCompleted
			step.ExitCode = exitCode
			step.EndTime = time.Now()
			return nil
		}
		return ctlderrors.New(op, ctlderrors.NotFound, "step not found")
	})
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}
