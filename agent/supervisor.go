// Package agent implements the periodic controller timers described in
// spec §4.8: node_poll, switch_poll, backfill, time_limit, checkpoint,
// and the hourly accounting rollup, each its own goroutine torn down by
// a shared context, instrumented with go-metrics the way the rest of
// the corpus's periodic loops are.
package agent

import (
	"context"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/lattice-hpc/ctldcore/accounting"
	"github.com/lattice-hpc/ctldcore/nodes"
	"github.com/lattice-hpc/ctldcore/reservation"
	"github.com/lattice-hpc/ctldcore/scheduler"
	"github.com/lattice-hpc/ctldcore/scheduler/topology"
	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Defaults mirror spec §4.8's representative intervals.
const (
	DefaultNodePollInterval   = 120 * time.Second
	DefaultSwitchPollInterval = 180 * time.Second
	DefaultBackfillInterval   = 30 * time.Second
	DefaultTimeLimitInterval  = 30 * time.Second
	DefaultCheckpointInterval = 300 * time.Second
	DefaultRollupInterval     = time.Hour
)

// Supervisor owns every periodic timer a running ctld needs. All fields
// besides store/log are optional; a nil subsystem simply means that
// timer's pass is a no-op (useful for tests that only want one timer
// wired).
type Supervisor struct {
	store *state.Store
	log   hclog.Logger

	Collector    *nodes.Collector
	Driver       *scheduler.Driver
	Reservations *reservation.Manager
	Roller       *accounting.Roller
	Topology     *topology.Selector

	// CheckpointDir is where the checkpoint timer writes state.Store
	// snapshots; empty disables the checkpoint timer.
	CheckpointDir string

	// OnCycleComplete, if set, is called with the result of every
	// backfill pass. server.Server wires this to rpc.Dispatcher.
	// DispatchStarted so newly-started jobs get their LAUNCH_BATCH_JOB
	// calls without package scheduler or this package knowing about RPC.
	OnCycleComplete func(*scheduler.CycleResult)

	NodePollInterval   time.Duration
	SwitchPollInterval time.Duration
	BackfillInterval   time.Duration
	TimeLimitInterval  time.Duration
	CheckpointInterval time.Duration
	RollupInterval     time.Duration

	mu        sync.Mutex
	blockJobs map[int]uint32 // topology block id -> owning job id
}

// NewSupervisor constructs a Supervisor over store with every interval
// set to its spec §4.8 default.
func NewSupervisor(store *state.Store, log hclog.Logger) *Supervisor {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Supervisor{
		store:              store,
		log:                log.Named("agent"),
		blockJobs:          map[int]uint32{},
		NodePollInterval:   DefaultNodePollInterval,
		SwitchPollInterval: DefaultSwitchPollInterval,
		BackfillInterval:   DefaultBackfillInterval,
		TimeLimitInterval:  DefaultTimeLimitInterval,
		CheckpointInterval: DefaultCheckpointInterval,
		RollupInterval:     DefaultRollupInterval,
	}
}

// TrackBlock registers blockID as owned by jobID so the switch_poll pass
// can free it once the job terminates. Only blocks registered here are
// freed by switch_poll; no package in this module registers the blocks
// Topology.Allocate hands out.
func (s *Supervisor) TrackBlock(blockID int, jobID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockJobs[blockID] = jobID
}

// Run starts one goroutine per configured timer; every goroutine exits
// when ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	if s.Collector != nil {
		go s.runTicker(ctx, "node_poll", s.NodePollInterval, func(now time.Time) error {
			return s.Collector.Poll(now)
		})
	}
	go s.runTicker(ctx, "switch_poll", s.SwitchPollInterval, s.reconcileSwitches)
	if s.Driver != nil {
		go s.runTicker(ctx, "backfill", s.BackfillInterval, func(now time.Time) error {
			result, err := s.Driver.RunCycle(now)
			if err != nil {
				return err
			}
			if s.OnCycleComplete != nil {
				s.OnCycleComplete(result)
			}
			return nil
		})
	}
	go s.runTicker(ctx, "time_limit", s.TimeLimitInterval, s.enforceTimeLimits)
	if s.CheckpointDir != "" {
		go s.runTicker(ctx, "checkpoint", s.CheckpointInterval, func(time.Time) error {
			return s.store.Checkpoint(s.CheckpointDir)
		})
	}
	if s.Roller != nil {
		go s.runHourlyRollup(ctx)
	}
	// Reservations has its own Run(ctx, interval) loop (package
	// reservation follows the identical named-timer shape); server.Server
	// starts it alongside Supervisor.Run rather than Supervisor
	// duplicating that ticker.
}

// runTicker is the common "named periodic goroutine" shape every timer
// in this package and in nodes.Collector/reservation.Manager follows.
func (s *Supervisor) runTicker(ctx context.Context, name string, interval time.Duration, pass func(time.Time) error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := pass(now); err != nil {
				s.log.Error(name+" pass failed", "error", err)
			}
			metrics.MeasureSince([]string{"agent", name}, now)
		}
	}
}

// enforceTimeLimits is the time_limit timer (spec §4.8/§4.10): any
// RUNNING job whose elapsed wall time has reached its time limit is
// signaled TIMEOUT and its allocation released.
func (s *Supervisor) enforceTimeLimits(now time.Time) error {
	running := structs.JobRunning
	jobs, err := s.store.ListJobs(state.JobFilter{State: &running})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Request.TimeLimit == 0 || j.StartTime.IsZero() {
			continue
		}
		limit := time.Duration(j.Request.TimeLimit) * time.Minute
		if now.Sub(j.StartTime) < limit {
			continue
		}
		s.log.Info("job exceeded time limit, signaling TIMEOUT", "job", j.JobID, "limit_minutes", j.Request.TimeLimit)
		metrics.IncrCounter([]string{"agent", "time_limit", "expired"}, 1)
		if err := s.store.TransitionJob(j.JobID, structs.JobTimeout, 0, -1); err != nil {
			return err
		}
		if err := s.store.ReleaseJobAllocation(j.JobID); err != nil {
			return err
		}
	}
	return nil
}

// reconcileSwitches is the switch_poll timer: it frees any tracked
// topology block whose owning job has reached a terminal state, keeping
// the selector's free-list in sync with the job lifecycle it no longer
// observes directly.
func (s *Supervisor) reconcileSwitches(now time.Time) error {
	if s.Topology == nil {
		return nil
	}
	s.mu.Lock()
	stale := make(map[int]uint32, len(s.blockJobs))
	for blockID, jobID := range s.blockJobs {
		stale[blockID] = jobID
	}
	s.mu.Unlock()

	for blockID, jobID := range stale {
		j, err := s.store.LookupJob(jobID)
		if err != nil || j.State.Terminal() {
			if err := s.Topology.Free(blockID); err != nil {
				continue // already freed or unknown; nothing further to reconcile
			}
			s.mu.Lock()
			delete(s.blockJobs, blockID)
			s.mu.Unlock()
			metrics.IncrCounter([]string{"agent", "switch_poll", "freed"}, 1)
		}
	}
	return nil
}

// runHourlyRollup fires RollHour on the hour boundary, then every
// RollupInterval thereafter, per spec §4.8's "hourly on the hour".
func (s *Supervisor) runHourlyRollup(ctx context.Context) {
	next := time.Now().Truncate(time.Hour).Add(time.Hour)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			if _, err := s.Roller.RollHour(now); err != nil {
				s.log.Error("hourly rollup failed", "error", err)
			}
			metrics.MeasureSince([]string{"agent", "rollup"}, now)
			timer.Reset(s.RollupInterval)
		}
	}
}
