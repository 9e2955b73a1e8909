package state

import (
	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/structs"
)

// CreateAssociation inserts a new association, failing DUPLICATE if its ID
// already exists.
func (s *Store) CreateAssociation(a *structs.Association) error {
	const op = "state.create_association"
	g := s.locker.Locks(ConfigLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableAssociations, indexID, a.ID)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if existing != nil {
		return ctlderrors.New(op, ctlderrors.Duplicate, "association "+a.ID+" already exists")
	}
	if err := txn.Insert(tableAssociations, a.Clone()); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// LookupAssociation returns the named association, or NOT_FOUND.
func (s *Store) LookupAssociation(id string) (*structs.Association, error) {
	const op = "state.lookup_association"
	g := s.locker.RLocks(ConfigLock)
	defer g.Release()

	txn := s.txn(false)
	raw, err := txn.First(tableAssociations, indexID, id)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return nil, ctlderrors.New(op, ctlderrors.NotFound, "association "+id+" not found")
	}
	return raw.(*structs.Association).Clone(), nil
}

// ListAssociations returns a snapshot of every association.
func (s *Store) ListAssociations() ([]*structs.Association, error) {
	const op = "state.list_associations"
	g := s.locker.RLocks(ConfigLock)
	defer g.Release()

	txn := s.txn(false)
	it, err := txn.Get(tableAssociations, indexID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	var out []*structs.Association
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Association).Clone())
	}
	return out, nil
}

// UpdateAssociationUsage adds delta to the association's decayed usage
// (UsageRaw), the value DefaultPriority's fair-share term reads.
func (s *Store) UpdateAssociationUsage(id string, delta float64) error {
	const op = "state.update_association_usage"
	g := s.locker.Locks(ConfigLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableAssociations, indexID, id)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "association "+id+" not found")
	}
	a := raw.(*structs.Association).Clone()
	a.UsageRaw += delta
	if err := txn.Insert(tableAssociations, a); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// CreateQOS inserts a new QOS policy, failing DUPLICATE if its ID already
// exists.
func (s *Store) CreateQOS(q *structs.QOS) error {
	const op = "state.create_qos"
	g := s.locker.Locks(ConfigLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableQOS, indexID, q.ID)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if existing != nil {
		return ctlderrors.New(op, ctlderrors.Duplicate, "qos "+q.ID+" already exists")
	}
	if err := txn.Insert(tableQOS, q.Clone()); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// LookupQOS returns the named QOS policy, or NOT_FOUND.
func (s *Store) LookupQOS(id string) (*structs.QOS, error) {
	const op = "state.lookup_qos"
	g := s.locker.RLocks(ConfigLock)
	defer g.Release()

	txn := s.txn(false)
	raw, err := txn.First(tableQOS, indexID, id)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return nil, ctlderrors.New(op, ctlderrors.NotFound, "qos "+id+" not found")
	}
	return raw.(*structs.QOS).Clone(), nil
}

// ListQOS returns a snapshot of every QOS policy.
func (s *Store) ListQOS() ([]*structs.QOS, error) {
	const op = "state.list_qos"
	g := s.locker.RLocks(ConfigLock)
	defer g.Release()

	txn := s.txn(false)
	it, err := txn.Get(tableQOS, indexID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	var out []*structs.QOS
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.QOS).Clone())
	}
	return out, nil
}
