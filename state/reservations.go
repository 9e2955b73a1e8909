package state

import (
	"time"

	"github.com/lattice-hpc/ctldcore/bitset"
	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/structs"
)

// CreateReservation inserts a new reservation, failing DUPLICATE if its ID
// already exists.
func (s *Store) CreateReservation(r *structs.Reservation) error {
	const op = "state.create_reservation"
	g := s.locker.Locks(PartitionLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableReservations, indexID, r.ID)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if existing != nil {
		return ctlderrors.New(op, ctlderrors.Duplicate, "reservation "+r.ID+" already exists")
	}
	if err := txn.Insert(tableReservations, r.Clone()); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// LookupReservation returns the named reservation, or NOT_FOUND.
func (s *Store) LookupReservation(id string) (*structs.Reservation, error) {
	const op = "state.lookup_reservation"
	g := s.locker.RLocks(PartitionLock)
	defer g.Release()

	txn := s.txn(false)
	raw, err := txn.First(tableReservations, indexID, id)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return nil, ctlderrors.New(op, ctlderrors.NotFound, "reservation "+id+" not found")
	}
	return raw.(*structs.Reservation).Clone(), nil
}

// ListReservations returns a snapshot of every reservation.
func (s *Store) ListReservations() ([]*structs.Reservation, error) {
	const op = "state.list_reservations"
	g := s.locker.RLocks(PartitionLock)
	defer g.Release()

	txn := s.txn(false)
	it, err := txn.Get(tableReservations, indexID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	var out []*structs.Reservation
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Reservation).Clone())
	}
	return out, nil
}

// ActiveReservations returns the reservations whose window covers at.
func (s *Store) ActiveReservations(at time.Time) ([]*structs.Reservation, error) {
	all, err := s.ListReservations()
	if err != nil {
		return nil, err
	}
	var out []*structs.Reservation
	for _, r := range all {
		if r.Active(at) {
			out = append(out, r)
		}
	}
	return out, nil
}

// UpdateReservation applies a mutation function to the named reservation.
func (s *Store) UpdateReservation(id string, fn func(*structs.Reservation)) error {
	const op = "state.update_reservation"
	g := s.locker.Locks(PartitionLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableReservations, indexID, id)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "reservation "+id+" not found")
	}
	r := raw.(*structs.Reservation).Clone()
	fn(r)
	if err := txn.Insert(tableReservations, r); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// DeleteReservation removes a reservation by ID.
func (s *Store) DeleteReservation(id string) error {
	const op = "state.delete_reservation"
	g := s.locker.Locks(PartitionLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableReservations, indexID, id)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "reservation "+id+" not found")
	}
	if err := txn.Delete(tableReservations, raw); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// ReservedBitmap unions the node indices of every reservation active at
// `at` whose allowed {user, account} set does not admit the given
// (user, account) pair (spec §4.7: "the scheduler treats RESERVED nodes
// as unavailable to jobs whose {user, account} pair is not in the
// reservation's allowed set"). This applies uniformly to every
// reservation, not just MAINT ones: MAINT only adds planned-downtime
// accounting (§4.9), it carries no different node-carve-out rule. A
// MAINT reservation's empty Users/Accounts lists make Allows false for
// everyone, so it still blocks every job as before. Overlapping
// reservations are resolved by unioning every excluded window (see
// DESIGN.md).
func (s *Store) ReservedBitmap(at time.Time, n int, user, account string) (*bitset.Bitmap, error) {
	active, err := s.ActiveReservations(at)
	if err != nil {
		return nil, err
	}
	out := bitset.New(n)
	for _, r := range active {
		if r.Allows(user, account) {
			continue
		}
		for _, idx := range r.NodeIndices {
			if idx >= 0 && idx < n {
				out.Set(idx)
			}
		}
	}
	return out, nil
}
