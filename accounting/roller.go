package accounting

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Roller computes the hourly/daily/monthly usage rollup (spec §4.9) and
// upserts the resulting Rows into a Store.
type Roller struct {
	store   *state.Store
	events  *NodeEventLog
	acct    Store
	Cluster string
	log     hclog.Logger
}

// NewRoller constructs a Roller for the single cluster this ctld instance
// serves.
func NewRoller(store *state.Store, events *NodeEventLog, acct Store, cluster string, log hclog.Logger) *Roller {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Roller{store: store, events: events, acct: acct, Cluster: cluster, log: log.Named("accounting")}
}

// assocKey groups a job's contribution by the two dimensions spec §4.9
// breaks alloc_cpu_seconds out along.
type assocKey struct {
	association string
	wckey       string
}

// RollHour computes and upserts the Rows for the hour starting at h
// (h is truncated to the hour boundary). It returns every Row it wrote:
// one cluster-total Row (Association == WCKey == "") plus one Row per
// (association, wckey) pair that contributed alloc_cpu_seconds during
// the hour.
//
// The six steps below follow spec §4.9 in order: cpu_count, node events,
// reservations, jobs (with suspend subtraction and unused-reservation-time
// redistribution), then the idle/overcommit close.
func (r *Roller) RollHour(now time.Time) ([]Row, error) {
	defer metrics.MeasureSince([]string{"accounting", "roll_hour"}, now)

	h := now.Truncate(time.Hour)
	end := h.Add(time.Hour)

	// 1. cpu_count for the cluster: sum of CPUs across every live node.
	nodes, err := r.store.ListNodes(state.NodeFilter{})
	if err != nil {
		return nil, err
	}
	var cpuCount uint32
	for _, n := range nodes {
		if n.Tombstone {
			continue
		}
		cpuCount += n.CPUs
	}
	totalTime := float64(cpuCount) * 3600

	// 2. node events: MAINT intervals count as planned_down, everything
	// else as down_secs.
	var downSecs, plannedDown float64
	if r.events != nil {
		for _, ev := range r.events.Overlapping(h, end) {
			secs := ev.Overlap(h, end).Seconds() * float64(ev.CPUs)
			if ev.Kind == structs.NodeEventMaint {
				plannedDown += secs
			} else {
				downSecs += secs
			}
		}
	}

	// 3. reservations: accumulate reserved_cpu_seconds for the cluster,
	// and separately the seconds used by jobs running inside each
	// reservation (needed for step 5's unused-time redistribution).
	reservations, err := r.store.ListReservations()
	if err != nil {
		return nil, err
	}
	reservedSecs := map[string]float64{} // by reservation ID
	var reservedTotal, reservedPlannedDown float64
	for _, res := range reservations {
		overlap := Interval(res.TimeStart, res.TimeEnd).Overlap(h, end)
		if overlap <= 0 {
			continue
		}
		secs := overlap.Seconds() * float64(res.CPUCount)
		reservedSecs[res.ID] = secs
		reservedTotal += secs
		if res.Flags.Has(structs.ResvMaint) {
			reservedPlannedDown += secs
		}
	}

	// 4. jobs: clip each job's run interval to the hour, subtract any
	// suspended overlap, and accumulate alloc_cpu_seconds by
	// (association, wckey). Jobs still running have no EndTime; use now
	// as the open end. Jobs not yet started (no StartTime) but already
	// eligible contribute to the cluster's reserved_cpu_seconds instead
	// (queued-but-not-yet-running "reserved" time).
	jobs, err := r.store.ListJobs(state.JobFilter{})
	if err != nil {
		return nil, err
	}

	assoc := map[assocKey]float64{}
	reservationUsed := map[string]float64{} // reservation ID -> alloc secs inside it
	var eligiblePending float64

	for _, j := range jobs {
		if j.StartTime.IsZero() {
			if j.EligibleTime.IsZero() {
				continue
			}
			overlap := Interval(j.EligibleTime, openEnd(j.EndTime, now)).Overlap(h, end)
			if overlap <= 0 {
				continue
			}
			eligiblePending += overlap.Seconds() * float64(j.Request.MinCPUs)
			continue
		}

		runEnd := openEnd(j.EndTime, now)
		overlap := Interval(j.StartTime, runEnd).Overlap(h, end)
		if overlap <= 0 {
			continue
		}
		secs := overlap.Seconds()
		for _, iv := range j.SuspendIntervals {
			secs -= iv.Overlap(h, end).Seconds()
		}
		if secs < 0 {
			secs = 0
		}

		cpus := allocatedCPUs(j)
		contribution := secs * float64(cpus)
		assoc[assocKey{j.AssociationID, j.WCKeyID}] += contribution
		if j.ReservationID != "" {
			reservationUsed[j.ReservationID] += contribution
		}
	}

	// 5. unused reservation time: whatever of a reservation's window the
	// jobs running inside it didn't consume is divided equally among the
	// reservation's listed accounts, each contributing as alloc_cpu_seconds
	// under that account's association.
	for _, res := range reservations {
		total, ok := reservedSecs[res.ID]
		if !ok || len(res.Accounts) == 0 {
			continue
		}
		unused := total - reservationUsed[res.ID]
		if unused <= 0 {
			continue
		}
		share := unused / float64(len(res.Accounts))
		for _, account := range res.Accounts {
			assocID := r.resolveAssociation(account)
			assoc[assocKey{assocID, ""}] += share
		}
	}

	var clusterAlloc float64
	rows := make([]Row, 0, len(assoc)+1)
	for k, secs := range assoc {
		if secs == 0 {
			continue
		}
		clusterAlloc += secs
		rows = append(rows, Row{
			Level: Hourly, PeriodStart: h, Cluster: r.Cluster,
			Association: k.association, WCKey: k.wckey,
			AllocCPUSeconds: secs,
		})
	}

	// 6. idle/overcommit close.
	plannedDownTotal := plannedDown + reservedPlannedDown
	reservedClusterTotal := reservedTotal + eligiblePending
	idle := totalTime - clusterAlloc - downSecs - plannedDownTotal - reservedClusterTotal
	var overcommit float64
	if idle < 0 {
		overcommit = -idle
		idle = 0
	}

	clusterRow := Row{
		Level: Hourly, PeriodStart: h, Cluster: r.Cluster,
		AllocCPUSeconds:       clusterAlloc,
		DownCPUSeconds:        downSecs,
		PlannedDownCPUSeconds: plannedDownTotal,
		ReservedCPUSeconds:    reservedClusterTotal,
		IdleCPUSeconds:        idle,
		OvercommitCPUSeconds:  overcommit,
	}
	rows = append(rows, clusterRow)

	for _, row := range rows {
		if err := r.acct.Upsert(row); err != nil {
			return nil, err
		}
	}
	r.log.Debug("rolled hour", "period", h, "alloc", clusterAlloc, "idle", idle, "overcommit", overcommit)
	return rows, nil
}

// RollDay sums every Hourly row for cluster within [d, d+24h) into one
// Daily row per (association, wckey), keyed at d's midnight.
func (r *Roller) RollDay(d time.Time) ([]Row, error) {
	d = d.Truncate(24 * time.Hour)
	return r.summarize(Hourly, Daily, d, d.Add(24*time.Hour), d)
}

// RollMonth sums every Daily row for cluster within calendar month m into
// one Monthly row per (association, wckey), keyed at the month's first day.
func (r *Roller) RollMonth(m time.Time) ([]Row, error) {
	start := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, m.Location())
	end := start.AddDate(0, 1, 0)
	return r.summarize(Daily, Monthly, start, end, start)
}

func (r *Roller) summarize(from Level, to Level, start, end, periodStart time.Time) ([]Row, error) {
	source, err := r.acct.Query(from, r.Cluster, start, end)
	if err != nil {
		return nil, err
	}
	groups := map[assocKey]*Row{}
	for _, src := range source {
		k := assocKey{src.Association, src.WCKey}
		g, ok := groups[k]
		if !ok {
			g = &Row{Level: to, PeriodStart: periodStart, Cluster: r.Cluster, Association: src.Association, WCKey: src.WCKey}
			groups[k] = g
		}
		g.Add(src)
	}
	var out []Row
	for _, g := range groups {
		out = append(out, *g)
		if err := r.acct.Upsert(*g); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// resolveAssociation maps an account name to the first association on
// record for (r.Cluster, account), or falls back to the bare account
// name if none is registered. Reservations name accounts, not
// associations directly, so this join is approximate.
func (r *Roller) resolveAssociation(account string) string {
	assocs, err := r.store.ListAssociations()
	if err != nil {
		return account
	}
	for _, a := range assocs {
		if a.Cluster == r.Cluster && a.Account == account {
			return a.ID
		}
	}
	return account
}

func allocatedCPUs(j *structs.Job) uint32 {
	if j.Allocation == nil {
		return 0
	}
	var total uint32
	for _, na := range j.Allocation.Nodes {
		total += na.AllocCPUs
	}
	return total
}

// openEnd treats a zero EndTime as still-open, extending through now.
func openEnd(end, now time.Time) time.Time {
	if end.IsZero() {
		return now
	}
	return end
}

// Interval is a small local constructor mirroring structs.Interval so
// reservation windows can reuse the same Overlap logic as job/node-event
// intervals.
func Interval(start, end time.Time) structs.Interval {
	return structs.Interval{Start: start, End: end}
}
