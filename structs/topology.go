package structs

// WirePattern enumerates the deterministic switch-connect patterns the
// topology selector emits when handing out a multi-coordinate block (spec
// §4.6(D)): pattern depends on the block's position along an axis (first,
// interior, last) and whether the connection is torus or mesh.
type WirePattern int

const (
	WirePatternA WirePattern = iota
	WirePatternB
	WirePatternC
	WirePatternD
	WirePatternE
	WirePatternF
)

func (p WirePattern) String() string {
	return string(rune('A' + int(p)))
}

// ConnKind distinguishes torus (wraps) from mesh (no wrap) wiring.
type ConnKind int

const (
	ConnMesh ConnKind = iota
	ConnTorus
)

// Axis identifies one of the three fixed-geometry dimensions.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// Switch models one base-partition's per-axis switch (spec §4.6(D)):
// fixed-geometry clusters wire one switch per axis per base partition.
type Switch struct {
	BasePartitionID string
	Axis            Axis
	ConnKind        ConnKind
	Pattern         WirePattern
	// ConnectedTo lists the base-partition ids this switch's ports feed,
	// per the "next/prev" adjacency rule along Axis.
	ConnectedTo []string
}

// BasePartition is a physical rectangle of nodes forming one unit of
// wiring in the 3D topology selector (GLOSSARY).
type BasePartition struct {
	ID     string
	Coord  Coord
	Size   int // node count, a midplane or a small-block fraction thereof
	Switches [3]*Switch
}

// BlockGeometry is a rectangular axis-aligned sub-block request/result
// (spec §4.6).
type BlockGeometry struct {
	DX, DY, DZ int
}

// Volume returns DX*DY*DZ.
func (g BlockGeometry) Volume() int { return g.DX * g.DY * g.DZ }

// Block is an allocation unit in the topology selector (GLOSSARY): a
// contiguous axis-aligned rectangle, identified by a monotonically
// assigned id.
type Block struct {
	ID       int
	Origin   Coord
	Geometry BlockGeometry
	JobID    uint32
	ConnKind ConnKind
}

// Rect is a free or allocated axis-aligned rectangular region, described
// by its low (inclusive) and high (exclusive) corner on each axis.
type Rect struct {
	LoX, LoY, LoZ int
	HiX, HiY, HiZ int
}

// Dims returns the rectangle's per-axis extents.
func (r Rect) Dims() (int, int, int) {
	return r.HiX - r.LoX, r.HiY - r.LoY, r.HiZ - r.LoZ
}

// Volume returns the rectangle's node count.
func (r Rect) Volume() int {
	dx, dy, dz := r.Dims()
	return dx * dy * dz
}
