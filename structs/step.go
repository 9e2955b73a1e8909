package structs

import "time"

// Pseudo step IDs (spec §3.4).
const (
	StepIDBatch  = ^uint32(0)
	StepIDExtern = ^uint32(0) - 1
)

// Step is a sub-allocation inside a running job (spec §3.4).
type Step struct {
	StepID   uint32
	JobID    uint32
	NodeIdxs []int // subset of the parent job's allocation

	State    JobState
	ExitCode int32
	ReqUID   uint32

	StartTime     time.Time
	EndTime       time.Time
	SuspendedTime time.Duration

	TaskDistribution TaskDistribution

	// Usage counters (spec §3.4).
	CPUSec    uint64
	CPUUsec   uint64
	MaxRSS    uint64
	MaxVSize  uint64
	MaxPages  uint64
	MinCPU    uint64
	AvgRSS    float64
	AvgVSize  float64
	EnergyJ   uint64
}

// Clone returns an independent copy.
func (s *Step) Clone() *Step {
	cp := *s
	cp.NodeIdxs = append([]int(nil), s.NodeIdxs...)
	return &cp
}
