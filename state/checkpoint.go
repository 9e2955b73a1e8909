package state

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/structs"
)

// File names within the state-save directory (spec §6.3).
const (
	fileNodeState = "node_state"
	fileJobState  = "job_state"
	filePartState = "part_state"
	fileResvState = "resv_state"
)

var msgpackHandle = &codec.MsgpackHandle{}

type nodeStateHeader struct {
	Timestamp time.Time
}

type jobStateHeader struct {
	Timestamp time.Time
	NextJobID uint32
}

type partStateHeader struct {
	Timestamp time.Time
}

type resvStateHeader struct {
	Timestamp time.Time
}

// nodeRecord is the subset of Node fields spec §6.3 names for node_state;
// the rest (allocation counters, derived bitmaps) are recomputed from live
// heartbeats and job state after restore, not persisted.
type nodeRecord struct {
	Name         string
	Index        int
	Base         structs.NodeBase
	Flags        structs.NodeFlag
	CPUs         uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	Reason       string
	ReasonUID    uint32
	LastResponse time.Time
	ConfigName   string
}

type jobRecord struct {
	Job structs.Job
}

// Checkpoint persists every table to dir following the §6.3 file layout:
// each file is written as "<name>.new", fsynced, renamed over "<name>",
// and the file it replaced is kept as "<name>.old". Only one checkpoint
// may run at a time; the caller (the periodic agent) is responsible for
// serializing calls, matching the single checkpoint-worker design of
// spec §5's periodic agent list.
func (s *Store) Checkpoint(dir string) error {
	const op = "state.checkpoint"
	now := time.Now()

	nodes, err := s.ListNodes(NodeFilter{})
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	nodeRecs := make([]nodeRecord, 0, len(nodes))
	for _, n := range nodes {
		cfgName := ""
		if n.ConfigRef != nil {
			cfgName = n.ConfigRef.Name
		}
		nodeRecs = append(nodeRecs, nodeRecord{
			Name:         n.Name,
			Index:        n.Index,
			Base:         n.Base,
			Flags:        n.Flags,
			CPUs:         n.CPUs,
			RealMemoryMB: n.RealMemoryMB,
			TmpDiskMB:    n.TmpDiskMB,
			Reason:       n.Reason,
			ReasonUID:    n.ReasonUID,
			LastResponse: n.LastResponse,
			ConfigName:   cfgName,
		})
	}
	if err := writeStateFile(dir, fileNodeState, nodeStateHeader{Timestamp: now}, nodeRecs); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}

	jobs, err := s.ListJobs(JobFilter{})
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	jobRecs := make([]jobRecord, 0, len(jobs))
	for _, j := range jobs {
		jobRecs = append(jobRecs, jobRecord{Job: *j})
	}
	hdr := jobStateHeader{Timestamp: now, NextJobID: s.nextJobID}
	if err := writeStateFile(dir, fileJobState, hdr, jobRecs); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}

	parts, err := s.ListPartitions()
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	partRecs := make([]structs.Partition, 0, len(parts))
	for _, p := range parts {
		partRecs = append(partRecs, *p)
	}
	if err := writeStateFile(dir, filePartState, partStateHeader{Timestamp: now}, partRecs); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}

	resvs, err := s.ListReservations()
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	resvRecs := make([]structs.Reservation, 0, len(resvs))
	for _, r := range resvs {
		resvRecs = append(resvRecs, *r)
	}
	if err := writeStateFile(dir, fileResvState, resvStateHeader{Timestamp: now}, resvRecs); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}

	return nil
}

// writeStateFile encodes header then records as two sequential msgpack
// values in the same stream — "header + sequence of records" per §6.3 —
// so a future decoder can stop after the fields it knows about and
// tolerate anything a newer writer appended.
func writeStateFile(dir, name string, header, records interface{}) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	tmpPath := path + ".new"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc := codec.NewEncoder(f, msgpackHandle)
	if err := enc.Encode(header); err != nil {
		f.Close()
		return err
	}
	if err := enc.Encode(records); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".old"); err != nil {
			return err
		}
	}
	return os.Rename(tmpPath, path)
}
