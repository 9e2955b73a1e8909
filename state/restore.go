package state

import (
	"io"
	"os"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Restore rebuilds a Store from the state-save directory per §6.3: reads
// "<name>", falls back to "<name>.old", and initializes that table empty
// if neither exists. configs resolves a persisted node's ConfigName back
// to the live Config template (loaded separately from the config file);
// a name absent from configs leaves the node's ConfigRef nil.
func Restore(log hclog.Logger, dir string, configs map[string]*structs.Config) (*Store, error) {
	const op = "state.restore"
	st, err := New(log)
	if err != nil {
		return nil, err
	}

	var nodeHdr nodeStateHeader
	var nodeRecs []nodeRecord
	if err := readStateFile(dir, fileNodeState, &nodeHdr, &nodeRecs); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	for _, r := range nodeRecs {
		n := &structs.Node{
			Name:         r.Name,
			Index:        r.Index,
			Base:         r.Base,
			Flags:        r.Flags,
			CPUs:         r.CPUs,
			RealMemoryMB: r.RealMemoryMB,
			TmpDiskMB:    r.TmpDiskMB,
			Reason:       r.Reason,
			ReasonUID:    r.ReasonUID,
			LastResponse: r.LastResponse,
		}
		if cfg, ok := configs[r.ConfigName]; ok {
			n.ConfigRef = cfg
			cfg.Retain()
		}
		if err := st.restoreNode(n); err != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
		}
	}

	var jobHdr jobStateHeader
	var jobRecs []jobRecord
	if err := readStateFile(dir, fileJobState, &jobHdr, &jobRecs); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	st.nextJobID = jobHdr.NextJobID
	if st.nextJobID == 0 {
		st.nextJobID = 1
	}
	for _, r := range jobRecs {
		j := r.Job
		if err := st.restoreJob(&j); err != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
		}
	}

	var partHdr partStateHeader
	var partRecs []structs.Partition
	if err := readStateFile(dir, filePartState, &partHdr, &partRecs); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	for i := range partRecs {
		if err := st.CreatePartition(&partRecs[i]); err != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
		}
	}

	var resvHdr resvStateHeader
	var resvRecs []structs.Reservation
	if err := readStateFile(dir, fileResvState, &resvHdr, &resvRecs); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	for i := range resvRecs {
		if err := st.CreateReservation(&resvRecs[i]); err != nil {
			return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
		}
	}

	return st, nil
}

// restoreNode inserts a node record exactly as persisted (including its
// original dense Index), advancing nextNodeIndex past it so subsequently
// created nodes never collide with a restored one.
func (st *Store) restoreNode(n *structs.Node) error {
	g := st.locker.Locks(NodeLock)
	defer g.Release()

	txn := st.txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableNodes, n); err != nil {
		return err
	}
	txn.Commit()

	if int64(n.Index)+1 > st.nextNodeIndex {
		st.nextNodeIndex = int64(n.Index) + 1
	}
	return nil
}

// restoreJob inserts a job record exactly as persisted.
func (st *Store) restoreJob(j *structs.Job) error {
	g := st.locker.Locks(JobLock)
	defer g.Release()

	txn := st.txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableJobs, j); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// readStateFile tries "<name>", then "<name>.old", leaving header/records
// at their zero values (an empty table) if neither is present. Forward
// compatibility follows directly from codec's decode-into-struct
// semantics: unrecognized trailing map keys are simply skipped.
func readStateFile(dir, name string, header, records interface{}) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		f, err = os.Open(path + ".old")
		if err != nil {
			return nil
		}
	}
	defer f.Close()

	dec := codec.NewDecoder(f, msgpackHandle)
	if err := dec.Decode(header); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := dec.Decode(records); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}
