// Package structs holds the controller's authoritative data model: nodes,
// partitions, jobs, steps, configs, job resource records, reservations,
// associations, and QOS definitions, exactly as described by the cluster
// state model (spec §3). This package is intentionally free of behavior —
// state mutation lives in package state, scheduling in package scheduler.
package structs

import "time"

// NodeBase is the node's primary state, per the node state machine (§4.3).
type NodeBase int

const (
	NodeUnknown NodeBase = iota
	NodeDown
	NodeIdle
	NodeAllocated
	NodeCompleting
	NodeMixed
)

func (b NodeBase) String() string {
	switch b {
	case NodeDown:
		return "DOWN"
	case NodeIdle:
		return "IDLE"
	case NodeAllocated:
		return "ALLOCATED"
	case NodeCompleting:
		return "COMPLETING"
	case NodeMixed:
		return "MIXED"
	default:
		return "UNKNOWN"
	}
}

// NodeFlag bits overlay NodeBase (§4.3).
type NodeFlag uint32

const (
	FlagDrain NodeFlag = 1 << iota
	FlagFail
	FlagNoRespond
	FlagPowerSave
	FlagMaint
	FlagReserved
	FlagCompleting
)

func (f NodeFlag) Has(bit NodeFlag) bool { return f&bit != 0 }

// GRES is a generic-resource count keyed by resource type name (e.g. "gpu").
type GRES map[string]uint64

// Clone returns an independent copy of the GRES map.
func (g GRES) Clone() GRES {
	if g == nil {
		return nil
	}
	out := make(GRES, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// Node is one compute node record (spec §3.1).
type Node struct {
	Name  string
	Index int // dense 0..N-1 assignment used by bitmaps

	Base  NodeBase
	Flags NodeFlag

	LastResponse time.Time
	CreateTime   time.Time

	// Advertised resources, as reported at registration.
	CPUs         uint32
	RealMemoryMB uint64
	TmpDiskMB    uint64
	Cores        uint32
	Sockets      uint32
	Threads      uint32
	GRES         GRES
	Features     []string

	// Allocated resources, the additive sum over active jobs (I2).
	AllocCPUs   uint32
	AllocMemory uint64
	AllocGRES   GRES

	ConfigRef    *Config
	Partitions   []string // partition name memberships
	Coordinates  *Coord   // optional, used by the topology selector

	// Reason bookkeeping, carried the way the original controller's
	// node_mgr attaches a human reason whenever a node is drained/downed.
	Reason     string
	ReasonUID  uint32
	ReasonTime time.Time

	BootTime      time.Time
	SlurmdVersion string

	// Tombstone marks a node removed by config reload while keeping its
	// bitmap index stable for any in-flight snapshot readers (design note
	// in spec §9: explicit tombstone flag rather than implicit removal).
	Tombstone bool
}

// Coord is a node's physical position in a fixed-geometry (3D torus/mesh)
// cluster, used only by the topology selector (§4.6).
type Coord struct {
	X, Y, Z int
}

// IsUp reports the "up" bitmap membership rule from I3: base not in
// {DOWN, UNKNOWN} and DRAIN is not set.
func (n *Node) IsUp() bool {
	if n.Tombstone {
		return false
	}
	if n.Base == NodeDown || n.Base == NodeUnknown {
		return false
	}
	return !n.Flags.Has(FlagDrain)
}

// IsIdle reports the "idle" bitmap membership rule from I3: no active job,
// base is IDLE, and no blocking flag (DRAIN/FAIL/DOWN) is set.
func (n *Node) IsIdle() bool {
	if n.Tombstone {
		return false
	}
	if n.Base != NodeIdle {
		return false
	}
	if n.Flags.Has(FlagDrain) || n.Flags.Has(FlagFail) {
		return false
	}
	return n.AllocCPUs == 0
}

// UnderDelivered reports whether the node's advertised resources are
// strictly less than its Config template (I8).
func (n *Node) UnderDelivered() bool {
	if n.ConfigRef == nil {
		return false
	}
	c := n.ConfigRef
	return n.CPUs < c.CPUs || n.RealMemoryMB < c.RealMemoryMB || n.TmpDiskMB < c.TmpDiskMB ||
		n.Cores < c.Cores || n.Sockets < c.Sockets || n.Threads < c.Threads
}

// FreeCPUs returns the node's currently unallocated CPU count.
func (n *Node) FreeCPUs() uint32 {
	if n.AllocCPUs >= n.CPUs {
		return 0
	}
	return n.CPUs - n.AllocCPUs
}

// FreeMemoryMB returns the node's currently unallocated memory.
func (n *Node) FreeMemoryMB() uint64 {
	if n.AllocMemory >= n.RealMemoryMB {
		return 0
	}
	return n.RealMemoryMB - n.AllocMemory
}

// Clone returns a deep-enough copy for snapshot isolation: scalar fields
// copy by value, slice/map fields get independent backing storage.
func (n *Node) Clone() *Node {
	cp := *n
	if n.GRES != nil {
		cp.GRES = n.GRES.Clone()
	}
	if n.AllocGRES != nil {
		cp.AllocGRES = n.AllocGRES.Clone()
	}
	if n.Features != nil {
		cp.Features = append([]string(nil), n.Features...)
	}
	if n.Partitions != nil {
		cp.Partitions = append([]string(nil), n.Partitions...)
	}
	if n.Coordinates != nil {
		c := *n.Coordinates
		cp.Coordinates = &c
	}
	return &cp
}
