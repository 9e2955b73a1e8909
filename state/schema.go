// Package state implements the process-wide cluster state store (spec
// §4.1): in-memory, go-memdb-indexed tables for nodes, partitions,
// configs, jobs, and reservations, the derived up/idle/completing
// bitmaps, and checkpoint/restore to the state-save directory layout
// (spec §6.3). Grounded on hashicorp/nomad's own nomad/state package
// shape (schema() building a *memdb.DBSchema, a Store wrapping
// *memdb.MemDB) even though that package itself is absent from the
// retrieved teacher tree — go-memdb is pinned in the teacher's go.mod
// for exactly this purpose.
package state

import memdb "github.com/hashicorp/go-memdb"

const (
	tableNodes        = "nodes"
	tablePartitions    = "partitions"
	tableConfigs       = "configs"
	tableJobs          = "jobs"
	tableReservations  = "reservations"
	tableAssociations  = "associations"
	tableQOS           = "qos"

	indexID    = "id"
	indexIndex = "index" // node dense index
	indexJobID = "job_id"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableNodes: {
				Name: tableNodes,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
					indexIndex: {
						Name:    indexIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Index"},
					},
				},
			},
			tablePartitions: {
				Name: tablePartitions,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			tableConfigs: {
				Name: tableConfigs,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			tableJobs: {
				Name: tableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "JobID"},
					},
				},
			},
			tableReservations: {
				Name: tableReservations,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tableAssociations: {
				Name: tableAssociations,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tableQOS: {
				Name: tableQOS,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}
