package reservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

func TestMaterializeDailyTemplateProducesInstances(t *testing.T) {
	s, err := state.New(nil)
	require.NoError(t, err)

	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		Name: "nightly-maint", ID: "nightly-maint",
		TimeStart: base, TimeEnd: base.Add(time.Hour),
		Flags: structs.ResvDaily | structs.ResvMaint,
	}))

	m := NewManager(s, nil)
	m.Horizon = 3 * 24 * time.Hour
	now := base.Add(25 * time.Hour)
	require.NoError(t, m.Materialize(now))

	all, err := s.ListReservations()
	require.NoError(t, err)

	var instances []*structs.Reservation
	for _, r := range all {
		if r.ParentName == "nightly-maint" {
			instances = append(instances, r)
		}
	}
	require.NotEmpty(t, instances)
	for _, inst := range instances {
		require.Equal(t, 9, inst.TimeStart.Hour())
		require.True(t, inst.TimeEnd.Sub(inst.TimeStart) == time.Hour)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	s, err := state.New(nil)
	require.NoError(t, err)

	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		Name: "nightly-maint", ID: "nightly-maint",
		TimeStart: base, TimeEnd: base.Add(time.Hour),
		Flags: structs.ResvDaily,
	}))

	m := NewManager(s, nil)
	m.Horizon = 3 * 24 * time.Hour
	now := base.Add(25 * time.Hour)
	require.NoError(t, m.Materialize(now))
	first, err := s.ListReservations()
	require.NoError(t, err)

	require.NoError(t, m.Materialize(now))
	second, err := s.ListReservations()
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
}

func TestMaterializeSkipsNonPeriodicReservations(t *testing.T) {
	s, err := state.New(nil)
	require.NoError(t, err)

	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		Name: "one-off", ID: "one-off",
		TimeStart: base, TimeEnd: base.Add(time.Hour),
	}))

	m := NewManager(s, nil)
	require.NoError(t, m.Materialize(base))

	all, err := s.ListReservations()
	require.NoError(t, err)
	require.Len(t, all, 1)
}
