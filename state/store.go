package state

import (
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/lattice-hpc/ctldcore/bitset"
	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Store is the process-wide in-memory database described by spec §4.1.
// All mutation goes through its exported operations, which acquire the
// appropriate lock domain(s) internally; callers never touch the
// underlying memdb transactions directly.
type Store struct {
	db     *memdb.MemDB
	locker *domainLocker
	log    hclog.Logger

	nextNodeIndex int64 // atomic
	nextJobID     uint32
}

// New constructs an empty Store.
func New(log hclog.Logger) (*Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, ctlderrors.Wrap("state.New", ctlderrors.FatalConfig, err)
	}
	return &Store{
		db:        db,
		locker:    &domainLocker{},
		log:       log.Named("state"),
		nextJobID: 1,
	}, nil
}

func (s *Store) txn(write bool) *memdb.Txn {
	return s.db.Txn(write)
}

// --- Config table -----------------------------------------------------

// CreateConfig inserts a new Config template, failing DUPLICATE if its
// name already exists.
func (s *Store) CreateConfig(c *structs.Config) error {
	const op = "state.CreateConfig"
	g := s.locker.Locks(ConfigLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableConfigs, indexID, c.Name)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if existing != nil {
		return ctlderrors.New(op, ctlderrors.Duplicate, "config "+c.Name+" already exists")
	}
	if err := txn.Insert(tableConfigs, c.Clone()); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// LookupConfig returns the named Config, or NOT_FOUND.
func (s *Store) LookupConfig(name string) (*structs.Config, error) {
	const op = "state.LookupConfig"
	g := s.locker.RLocks(ConfigLock)
	defer g.Release()

	txn := s.txn(false)
	raw, err := txn.First(tableConfigs, indexID, name)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return nil, ctlderrors.New(op, ctlderrors.NotFound, "config "+name+" not found")
	}
	return raw.(*structs.Config), nil
}

// --- Node table ---------------------------------------------------------

// CreateNode allocates a dense index and inserts a new Node, failing
// DUPLICATE_NAME if the name already exists (spec §4.1).
func (s *Store) CreateNode(configRef *structs.Config, name string, coord *structs.Coord) (*structs.Node, error) {
	const op = "state.CreateNode"
	g := s.locker.Locks(ConfigLock, NodeLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableNodes, indexID, name)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if existing != nil {
		return nil, ctlderrors.New(op, ctlderrors.Duplicate, "node "+name+" already exists")
	}

	idx := int(atomic.AddInt64(&s.nextNodeIndex, 1) - 1)
	n := &structs.Node{
		Name:        name,
		Index:       idx,
		Base:        structs.NodeUnknown,
		ConfigRef:   configRef,
		Coordinates: coord,
	}
	if configRef != nil {
		configRef.Retain()
		n.CPUs = configRef.CPUs
		n.RealMemoryMB = configRef.RealMemoryMB
		n.TmpDiskMB = configRef.TmpDiskMB
		n.Cores = configRef.Cores
		n.Sockets = configRef.Sockets
		n.Threads = configRef.Threads
		n.Features = append([]string(nil), configRef.Features...)
	}
	if err := txn.Insert(tableNodes, n); err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return n.Clone(), nil
}

// LookupNodeByName returns the named node, or NOT_FOUND.
func (s *Store) LookupNodeByName(name string) (*structs.Node, error) {
	const op = "state.lookup_node_by_name"
	g := s.locker.RLocks(NodeLock)
	defer g.Release()
	return s.lookupNodeLocked(op, name)
}

func (s *Store) lookupNodeLocked(op, name string) (*structs.Node, error) {
	txn := s.txn(false)
	raw, err := txn.First(tableNodes, indexID, name)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return nil, ctlderrors.New(op, ctlderrors.NotFound, "node "+name+" not found")
	}
	return raw.(*structs.Node).Clone(), nil
}

// NodeFilter narrows ListNodes results; a nil/zero field matches all.
type NodeFilter struct {
	Partition string
	Base      *structs.NodeBase
}

// ListNodes returns a snapshot of nodes matching filter, ordered by index.
func (s *Store) ListNodes(filter NodeFilter) ([]*structs.Node, error) {
	const op = "state.list_nodes"
	g := s.locker.RLocks(NodeLock)
	defer g.Release()

	txn := s.txn(false)
	it, err := txn.Get(tableNodes, indexID)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	var out []*structs.Node
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n := raw.(*structs.Node)
		if filter.Base != nil && n.Base != *filter.Base {
			continue
		}
		if filter.Partition != "" {
			found := false
			for _, p := range n.Partitions {
				if p == filter.Partition {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, n.Clone())
	}
	sortNodesByIndex(out)
	return out, nil
}

func sortNodesByIndex(nodes []*structs.Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j-1].Index > nodes[j].Index; j-- {
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
		}
	}
}

// MarkNodeState applies an admin/heartbeat-driven transition (spec §4.3).
func (s *Store) MarkNodeState(name string, newBase structs.NodeBase, setFlags, clearFlags structs.NodeFlag) error {
	const op = "state.mark_node_state"
	g := s.locker.Locks(NodeLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNodes, indexID, name)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "node "+name+" not found")
	}
	n := raw.(*structs.Node).Clone()
	n.Base = newBase
	n.Flags = (n.Flags &^ clearFlags) | setFlags
	if err := txn.Insert(tableNodes, n); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// SetNodeReason records the human reason string and acting uid for a
// drain/down/resume admin action (§3.1's reason bookkeeping).
func (s *Store) SetNodeReason(name, reason string, reqUID uint32) error {
	const op = "state.set_node_reason"
	g := s.locker.Locks(NodeLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNodes, indexID, name)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "node "+name+" not found")
	}
	n := raw.(*structs.Node).Clone()
	n.Reason = reason
	n.ReasonUID = reqUID
	n.ReasonTime = time.Now()
	if err := txn.Insert(tableNodes, n); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// RegisterNode validates advertised resources against the node's Config
// template and transitions it per spec §4.3/I8. If advertised resources
// are strictly below the template, the node is DRAINed and
// VALIDATION_FAIL is returned (but the registration is still recorded).
func (s *Store) RegisterNode(name string, advertised structs.Node) error {
	const op = "state.register_node"
	g := s.locker.Locks(NodeLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNodes, indexID, name)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "node "+name+" not found")
	}
	n := raw.(*structs.Node).Clone()

	firstRegistration := n.Base == structs.NodeUnknown
	resumingFromDown := n.Base == structs.NodeDown

	n.CPUs = advertised.CPUs
	n.RealMemoryMB = advertised.RealMemoryMB
	n.TmpDiskMB = advertised.TmpDiskMB
	n.Cores = advertised.Cores
	n.Sockets = advertised.Sockets
	n.Threads = advertised.Threads
	n.GRES = advertised.GRES
	n.Features = advertised.Features
	n.BootTime = advertised.BootTime
	n.SlurmdVersion = advertised.SlurmdVersion
	n.LastResponse = advertised.LastResponse
	n.Flags &^= structs.FlagNoRespond

	underDelivered := n.UnderDelivered()
	if underDelivered {
		n.Flags |= structs.FlagDrain
		if firstRegistration || resumingFromDown {
			n.Base = structs.NodeIdle
		}
	} else if firstRegistration || resumingFromDown {
		n.Base = structs.NodeIdle
	}

	if err := txn.Insert(tableNodes, n); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()

	if underDelivered {
		return ctlderrors.New(op, ctlderrors.ValidationFail, "node "+name+" advertised resources below config template")
	}
	return nil
}

// ApplyHeartbeat records the last-response time for a node, clearing
// NO_RESPOND. Timeout-driven transitions are applied separately by the
// node-state machine's poll pass (package nodes), which calls
// MarkNodeState/SetNodeReason and fails the node's jobs.
func (s *Store) ApplyHeartbeat(name string, at time.Time) error {
	const op = "state.apply_heartbeat"
	g := s.locker.Locks(NodeLock)
	defer g.Release()

	txn := s.txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNodes, indexID, name)
	if err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	if raw == nil {
		return ctlderrors.New(op, ctlderrors.NotFound, "node "+name+" not found")
	}
	n := raw.(*structs.Node).Clone()
	n.LastResponse = at
	n.Flags &^= structs.FlagNoRespond
	if err := txn.Insert(tableNodes, n); err != nil {
		return ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	txn.Commit()
	return nil
}

// UpIdleCompleting computes the three derived bitmaps over the current
// node universe per invariant I3.
func (s *Store) UpIdleCompleting() (up, idle, completing *bitset.Bitmap, err error) {
	const op = "state.up_idle_completing"
	g := s.locker.RLocks(NodeLock)
	defer g.Release()

	txn := s.txn(false)
	it, ierr := txn.Get(tableNodes, indexID)
	if ierr != nil {
		return nil, nil, nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, ierr)
	}
	maxIdx := -1
	var nodes []*structs.Node
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n := raw.(*structs.Node)
		nodes = append(nodes, n)
		if n.Index > maxIdx {
			maxIdx = n.Index
		}
	}
	n := maxIdx + 1
	up = bitset.New(n)
	idle = bitset.New(n)
	completing = bitset.New(n)
	for _, node := range nodes {
		if node.Tombstone {
			continue
		}
		if node.IsUp() {
			up.Set(node.Index)
		}
		if node.IsIdle() {
			idle.Set(node.Index)
		}
		if node.Flags.Has(structs.FlagCompleting) {
			completing.Set(node.Index)
		}
	}
	return up, idle, completing, nil
}
