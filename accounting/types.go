// Package accounting implements the hourly/daily/monthly usage rollup
// (spec §4.9) over job, node-event, and reservation records, plus the
// accounting-store abstraction (§6.5) with a retrying buffered writer
// (§4.10).
package accounting

import "time"

// Level is the rollup granularity.
type Level int

const (
	Hourly Level = iota
	Daily
	Monthly
)

func (l Level) String() string {
	switch l {
	case Daily:
		return "DAILY"
	case Monthly:
		return "MONTHLY"
	default:
		return "HOURLY"
	}
}

// Row is one cluster/association/wckey usage aggregate for one period,
// spec §4.9's six accumulators. A repeated roll over the same
// PeriodStart produces byte-identical Rows (the operation is a pure
// function of its inputs), satisfying the idempotent-upsert requirement.
type Row struct {
	Level       Level
	PeriodStart time.Time
	Cluster     string
	Association string
	WCKey       string

	AllocCPUSeconds       float64
	DownCPUSeconds        float64
	PlannedDownCPUSeconds float64
	ReservedCPUSeconds    float64
	IdleCPUSeconds        float64
	OvercommitCPUSeconds  float64
}

// key identifies a Row for upsert/idempotency purposes.
type key struct {
	level       Level
	periodStart time.Time
	cluster     string
	association string
	wckey       string
}

func (r Row) key() key {
	return key{r.Level, r.PeriodStart, r.Cluster, r.Association, r.WCKey}
}

// Add accumulates src's six counters into r in place.
func (r *Row) Add(src Row) {
	r.AllocCPUSeconds += src.AllocCPUSeconds
	r.DownCPUSeconds += src.DownCPUSeconds
	r.PlannedDownCPUSeconds += src.PlannedDownCPUSeconds
	r.ReservedCPUSeconds += src.ReservedCPUSeconds
	r.IdleCPUSeconds += src.IdleCPUSeconds
	r.OvercommitCPUSeconds += src.OvercommitCPUSeconds
}
