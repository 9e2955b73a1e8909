// Package scheduler implements the scheduler driver loop (spec §4.4):
// pulling the pending-job queue in priority order and dispatching each
// to the consumable-resource selector.
package scheduler

import (
	"time"

	"github.com/lattice-hpc/ctldcore/structs"
)

// PriorityFunc computes a job's effective scheduling priority; left
// pluggable per spec.md's Open Question on the priority formula. Higher
// values run first.
type PriorityFunc func(job *structs.Job, partition *structs.Partition, assoc *structs.Association, qos *structs.QOS, now time.Time) int64

// PriorityWeights configures DefaultPriority's four terms.
type PriorityWeights struct {
	AgeWeight       int64
	AgeHalfLife     time.Duration
	FairShareWeight int64
	QOSWeight       int64
	PartitionWeight int64
}

// DefaultWeights mirrors the balanced-multifactor defaults a fresh
// controller ships with: age and fair-share matter most, QOS and
// partition priority are smaller nudges.
var DefaultWeights = PriorityWeights{
	AgeWeight:       1000,
	AgeHalfLife:     24 * time.Hour,
	FairShareWeight: 1000,
	QOSWeight:       1,
	PartitionWeight: 1,
}

// DefaultPriority sums four independently testable terms: job age
// (saturating within AgeHalfLife), fair-share (inversely proportional to
// the association's decayed usage), QOS priority factor, and partition
// priority, each scaled by its configured weight.
func (w PriorityWeights) DefaultPriority(job *structs.Job, partition *structs.Partition, assoc *structs.Association, qos *structs.QOS, now time.Time) int64 {
	var total int64

	if !job.EligibleTime.IsZero() {
		age := now.Sub(job.EligibleTime)
		if age < 0 {
			age = 0
		}
		frac := float64(age) / float64(w.AgeHalfLife)
		if frac > 1 {
			frac = 1
		}
		total += int64(frac * float64(w.AgeWeight))
	}

	if assoc != nil {
		share := assoc.FairShareWeight
		if share <= 0 {
			share = 1
		}
		ratio := assoc.UsageRaw / share
		frac := 1.0 / (1.0 + ratio)
		total += int64(frac * float64(w.FairShareWeight))
	}

	if qos != nil {
		total += qos.PriorityFactor * w.QOSWeight
	}

	if partition != nil {
		total += int64(partition.Priority) * w.PartitionWeight
	}

	return total
}

// DefaultPriorityFunc is DefaultWeights.DefaultPriority, the scheduler's
// out-of-the-box PriorityFunc.
func DefaultPriorityFunc(job *structs.Job, partition *structs.Partition, assoc *structs.Association, qos *structs.QOS, now time.Time) int64 {
	return DefaultWeights.DefaultPriority(job, partition, assoc, qos, now)
}
