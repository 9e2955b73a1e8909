package topology

// applyWiring fills in b.Wiring, one pattern letter per axis, for a
// multi-midplane block (spec §4.6.D). Each axis's letter depends only
// on whether the block spans that axis at all and the requested
// connection type; vendor-specific switch programming is out of scope
// (spec.md's own framing), so this selects from the fixed six-pattern
// alphabet deterministically rather than emitting real switch commands.
func applyWiring(b *Block) {
	for axis := 0; axis < 3; axis++ {
		b.Wiring[axis] = wiringPattern(b.Dims[axis], b.ConnType)
	}
}

// wiringPattern picks one of the six patterns for an axis of the given
// span: a span of 1 needs no inter-midplane connection on that axis
// (pattern C, pass-through); longer spans alternate between the torus
// set {D,E,F} and the mesh set {A,B,C} depending on ConnType, with the
// letter distinguishing first/last/interior position being resolved
// per base-partition by wirePositionLetter.
func wiringPattern(span int, conn ConnType) string {
	if span <= 1 {
		return "C"
	}
	if conn == Torus {
		return "D"
	}
	return "A"
}

// wirePositionLetter refines wiringPattern's axis-level letter to the
// per-base-partition pattern used when emitting the actual connect
// sequence: first and last base-partitions close the torus wrap (or,
// for mesh, dead-end), interior ones pass straight through.
func wirePositionLetter(base string, pos, length int, conn ConnType) string {
	switch {
	case length <= 1:
		return "C"
	case pos == 0:
		if conn == Torus {
			return "D"
		}
		return "A"
	case pos == length-1:
		if conn == Torus {
			return "E"
		}
		return "B"
	default:
		if conn == Torus {
			return "F"
		}
		return "C"
	}
}

// WireOp is one entry of a block's connect sequence: the position of one
// base partition covered by the block, carrying the axis letters that
// would be programmed into that partition's three switches.
type WireOp struct {
	Offset  [3]int // position within the block, 0-based
	Pattern [3]string
}

// WiringSequence returns b's full deterministic connect sequence (spec
// §4.6.D), one WireOp per base partition in the block, in a fixed
// traversal order (z-major, then y, then x).
func (b *Block) WiringSequence() []WireOp {
	var ops []WireOp
	for z := 0; z < b.Dims[2]; z++ {
		for y := 0; y < b.Dims[1]; y++ {
			for x := 0; x < b.Dims[0]; x++ {
				ops = append(ops, WireOp{
					Offset: [3]int{x, y, z},
					Pattern: [3]string{
						wirePositionLetter("x", x, b.Dims[0], b.ConnType),
						wirePositionLetter("y", y, b.Dims[1], b.ConnType),
						wirePositionLetter("z", z, b.Dims[2], b.ConnType),
					},
				})
			}
		}
	}
	return ops
}
