package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/structs"
)

func TestReservationCRUDAndActive(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	now := time.Now()
	r := &structs.Reservation{
		ID:          "resv1",
		Name:        "maint1",
		TimeStart:   now.Add(-time.Hour),
		TimeEnd:     now.Add(time.Hour),
		Flags:       structs.ResvMaint,
		NodeIndices: []int{0, 1},
	}
	require.NoError(t, s.CreateReservation(r))
	require.Error(t, s.CreateReservation(r))

	got, err := s.LookupReservation("resv1")
	require.NoError(t, err)
	require.Equal(t, "maint1", got.Name)

	active, err := s.ActiveReservations(now)
	require.NoError(t, err)
	require.Len(t, active, 1)

	stale, err := s.ActiveReservations(now.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestReservedBitmapUnionsMaintWindows(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	now := time.Now()

	require.NoError(t, s.CreateReservation(&structs.Reservation{
		ID: "a", TimeStart: now.Add(-time.Hour), TimeEnd: now.Add(time.Hour),
		Flags: structs.ResvMaint, NodeIndices: []int{0},
	}))
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		ID: "b", TimeStart: now.Add(-time.Hour), TimeEnd: now.Add(time.Hour),
		Flags: structs.ResvMaint, NodeIndices: []int{1},
	}))
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		ID: "c", TimeStart: now.Add(-time.Hour), TimeEnd: now.Add(time.Hour),
		NodeIndices: []int{2}, // no MAINT flag, but still carves out since nobody is Allows'd
	}))

	bm, err := s.ReservedBitmap(now, 4, "nobody", "nobody")
	require.NoError(t, err)
	require.True(t, bm.Test(0))
	require.True(t, bm.Test(1))
	require.True(t, bm.Test(2))
}

func TestReservedBitmapAdmitsAllowedUserOrAccount(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	now := time.Now()

	require.NoError(t, s.CreateReservation(&structs.Reservation{
		ID: "ordinary", TimeStart: now.Add(-time.Hour), TimeEnd: now.Add(time.Hour),
		NodeIndices: []int{0}, Users: []string{"alice"},
	}))
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		ID: "by-account", TimeStart: now.Add(-time.Hour), TimeEnd: now.Add(time.Hour),
		NodeIndices: []int{1}, Accounts: []string{"physics"},
	}))

	bm, err := s.ReservedBitmap(now, 2, "alice", "chemistry")
	require.NoError(t, err)
	require.False(t, bm.Test(0), "alice is in the first reservation's allow list")
	require.True(t, bm.Test(1), "chemistry isn't in the second reservation's allow list")

	bm, err = s.ReservedBitmap(now, 2, "bob", "physics")
	require.NoError(t, err)
	require.True(t, bm.Test(0), "bob isn't in the first reservation's allow list")
	require.False(t, bm.Test(1), "physics is in the second reservation's allow list")
}

func TestUpdateAndDeleteReservation(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		ID: "r1", TimeStart: now, TimeEnd: now.Add(time.Hour),
	}))

	require.NoError(t, s.UpdateReservation("r1", func(r *structs.Reservation) {
		r.Generation++
	}))
	got, err := s.LookupReservation("r1")
	require.NoError(t, err)
	require.Equal(t, 1, got.Generation)

	require.NoError(t, s.DeleteReservation("r1"))
	_, err = s.LookupReservation("r1")
	require.Error(t, err)
}

func TestPartitionCRUDOrdering(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, s.CreatePartition(&structs.Partition{Name: "low", Priority: 1}))
	require.NoError(t, s.CreatePartition(&structs.Partition{Name: "high", Priority: 10}))
	require.Error(t, s.CreatePartition(&structs.Partition{Name: "high", Priority: 10}))

	parts, err := s.ListPartitions()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, "high", parts[0].Name)

	require.NoError(t, s.UpdatePartition("low", func(p *structs.Partition) {
		p.State = structs.PartitionDrain
	}))
	got, err := s.LookupPartition("low")
	require.NoError(t, err)
	require.Equal(t, structs.PartitionDrain, got.State)
}
