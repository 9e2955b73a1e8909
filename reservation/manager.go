// Package reservation implements periodic reservation re-materialization
// (spec §4.7): a DAILY or WEEKLY template reservation is expanded into
// concrete, distinctly-identified instances on a rolling horizon.
package reservation

import (
	"context"
	"fmt"
	"time"

	cronexpr "github.com/hashicorp/cronexpr"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

// DefaultHorizon is how far ahead of "now" Materialize keeps concrete
// instances of a periodic template on the books.
const DefaultHorizon = 7 * 24 * time.Hour

// Manager owns the periodic-reservation materialization loop.
type Manager struct {
	store   *state.Store
	log     hclog.Logger
	Horizon time.Duration
}

// NewManager constructs a Manager with DefaultHorizon.
func NewManager(store *state.Store, log hclog.Logger) *Manager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Manager{store: store, log: log.Named("reservation"), Horizon: DefaultHorizon}
}

// Materialize scans every periodic template reservation and ensures a
// concrete instance exists for each occurrence between now and
// now+Horizon, spec §4.7's "re-materialized ... on a rolling horizon;
// each instance gets a distinct id."
func (m *Manager) Materialize(now time.Time) error {
	const op = "reservation.materialize"
	all, err := m.store.ListReservations()
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}

	existing := map[string]bool{}
	var templates []*structs.Reservation
	for _, r := range all {
		existing[r.ID] = true
		if r.ParentName == "" && (r.Flags.Has(structs.ResvDaily) || r.Flags.Has(structs.ResvWeekly)) {
			templates = append(templates, r)
		}
	}

	for _, tpl := range templates {
		if err := m.materializeTemplate(tpl, now, existing); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) materializeTemplate(tpl *structs.Reservation, now time.Time, existing map[string]bool) error {
	const op = "reservation.materialize_template"
	expr, err := cronExprFor(tpl)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	sched, err := cronexpr.Parse(expr)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}

	duration := tpl.TimeEnd.Sub(tpl.TimeStart)
	horizonEnd := now.Add(m.Horizon)

	after := tpl.TimeStart
	if after.Before(now.Add(-duration)) {
		after = now.Add(-duration)
	}

	period := 24 * time.Hour
	if tpl.Flags.Has(structs.ResvWeekly) {
		period = 7 * 24 * time.Hour
	}

	for {
		occurrence := sched.Next(after)
		if occurrence.IsZero() || occurrence.After(horizonEnd) {
			break
		}
		after = occurrence

		// Number each instance by its period offset from the template's
		// start, so a later pass over a moved window reuses the same id.
		gen := tpl.Generation + int((occurrence.Sub(tpl.TimeStart)+period/2)/period)
		id := fmt.Sprintf("%s+%d", tpl.Name, gen)
		if existing[id] {
			continue
		}

		inst := tpl.Clone()
		inst.ID = id
		inst.ParentName = tpl.Name
		inst.Generation = gen
		inst.TimeStart = occurrence
		inst.TimeEnd = occurrence.Add(duration)

		if err := m.store.CreateReservation(inst); err != nil {
			return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
		}
		existing[id] = true
		metrics.IncrCounter([]string{"reservation", "materialized"}, 1)
		m.log.Info("materialized periodic reservation instance", "template", tpl.Name, "id", id, "start", occurrence)
	}
	return nil
}

// cronExprFor builds a standard five-field cron expression reproducing
// tpl's time-of-day (and, for WEEKLY, day-of-week) from its TimeStart.
func cronExprFor(tpl *structs.Reservation) (string, error) {
	minute := tpl.TimeStart.Minute()
	hour := tpl.TimeStart.Hour()
	switch {
	case tpl.Flags.Has(structs.ResvWeekly):
		return fmt.Sprintf("%d %d * * %d", minute, hour, int(tpl.TimeStart.Weekday())), nil
	case tpl.Flags.Has(structs.ResvDaily):
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	default:
		return "", ctlderrors.New("reservation.cron_expr_for", ctlderrors.InvalidRequest, "reservation is not periodic")
	}
}

// Run drives Materialize on a ticker until ctx is cancelled, the
// periodic-agent shape used throughout the corpus for timer-driven
// controller work.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := m.Materialize(now); err != nil {
				m.log.Error("reservation materialization failed", "error", err)
			}
		}
	}
}
