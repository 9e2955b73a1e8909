package state

import (
	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/structs"
)

// CreatePartition inserts a new partition, failing DUPLICATE if the name
// already exists (I6: partition names are unique within their namespace).
func (s *Store) CreatePartition(p *structs.Partition) error {
	const op = "state.create_partition"
	g := s.locker.Locks(PartitionLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	existing, err := txn.First(tablePartitions, indexID, p.Name)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if existing != nil {
		return ctlderrors.New(op, ctlderrors.Duplicate, "partition "+p.Name+" already exists")
	}
	if err := txn.Insert(tablePartitions, p.Clone()); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// LookupPartition returns the named partition, or NOT_FOUND.
func (s *Store) LookupPartition(name string) (*structs.Partition, error) {
	const op = "state.lookup_partition"
	g := s.locker.RLocks(PartitionLock)
	defer g.Release()

	txn := s.txn(false)
	raw, err := txn.First(tablePartitions, indexID, name)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return nil, ctlderrors.New(op, ctlderrors.NotFound, "partition "+name+" not found")
	}
	return raw.(*structs.Partition).Clone(), nil
}

// ListPartitions returns every partition, ordered by descending priority
// then name.
func (s *Store) ListPartitions() ([]*structs.Partition, error) {
	const op = "state.list_partitions"
	g := s.locker.RLocks(PartitionLock)
	defer g.Release()

	txn := s.txn(false)
	it, err := txn.Get(tablePartitions, indexID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	var out []*structs.Partition
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Partition).Clone())
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && (out[j-1].Priority < out[j].Priority ||
			(out[j-1].Priority == out[j].Priority && out[j-1].Name > out[j].Name)); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// UpdatePartition applies a mutation function to the named partition.
func (s *Store) UpdatePartition(name string, fn func(*structs.Partition)) error {
	const op = "state.update_partition"
	g := s.locker.Locks(PartitionLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	raw, err := txn.First(tablePartitions, indexID, name)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "partition "+name+" not found")
	}
	p := raw.(*structs.Partition).Clone()
	fn(p)
	if err := txn.Insert(tablePartitions, p); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}
