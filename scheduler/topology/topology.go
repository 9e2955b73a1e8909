// Package topology implements the fixed-geometry block selector (spec
// §4.6): rectangular free-list splitting over a 3D grid of midplanes,
// sub-midplane subdivision for requests smaller than one midplane, and
// deterministic switch-wiring pattern emission for multi-midplane
// blocks.
package topology

import (
	"sort"
	"sync"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
)

// ConnType is the requested inter-midplane connection topology.
type ConnType int

const (
	Mesh ConnType = iota
	Torus
)

// MidplaneNodeCount is the node count of one full midplane, the grid's
// atomic spatial unit; sub-midplane requests (16/32/64/128/256) carve a
// fraction of a single midplane rather than occupying grid coordinates
// of their own.
const MidplaneNodeCount = 512

// SubMidplaneSizes are the only accepted request sizes smaller than one
// midplane (spec §4.6's "small block" granularities).
var SubMidplaneSizes = []int{16, 32, 64, 128, 256}

func isSubMidplaneSize(n int) bool {
	for _, s := range SubMidplaneSizes {
		if s == n {
			return true
		}
	}
	return false
}

// coord is an axis-aligned origin or extent in midplane-grid units.
type coord [3]int

func (c coord) volume() int { return c[0] * c[1] * c[2] }

// rect is a free or allocated axis-aligned sub-block of the grid.
type rect struct {
	origin coord
	dims   coord
}

func (r rect) volume() int { return r.dims.volume() }

// fits reports whether need's dims fit inside r's dims under some axis
// permutation (spec §4.6.B.2's "all six axis permutations").
func (r rect) fits(need coord) bool {
	perms := permutations(need)
	for _, p := range perms {
		if p[0] <= r.dims[0] && p[1] <= r.dims[1] && p[2] <= r.dims[2] {
			return true
		}
	}
	return false
}

// orientToFit returns the permutation of need that fits componentwise
// within r.dims, so splitRect's axis-by-axis comparison lines up with
// whichever rotation rect.fits found.
func orientToFit(r rect, need coord) coord {
	for _, p := range permutations(need) {
		if p[0] <= r.dims[0] && p[1] <= r.dims[1] && p[2] <= r.dims[2] {
			return p
		}
	}
	return need
}

func permutations(c coord) []coord {
	idx := []int{0, 1, 2}
	var out []coord
	var perm func([]int, []int)
	perm = func(chosen, remaining []int) {
		if len(remaining) == 0 {
			out = append(out, coord{c[chosen[0]], c[chosen[1]], c[chosen[2]]})
			return
		}
		for i, v := range remaining {
			rest := append(append([]int(nil), remaining[:i]...), remaining[i+1:]...)
			perm(append(chosen, v), rest)
		}
	}
	perm(nil, idx)
	return out
}

// midplaneSlot tracks the sub-midplane carve-out state of one grid cell
// that has been handed out for small-block use: free holds the sizes
// still uncommitted within that midplane, allocated maps a block id to
// the size it holds.
type midplaneSlot struct {
	origin    coord
	free      []int
	allocated map[int]int
}

// isWhole reports whether nothing carved out of this midplane is
// currently in use. Every subdivision is volume-preserving (spec
// §4.6.C), so an empty allocated set means the whole midplane is free
// again regardless of how its free list is currently fragmented.
func (m *midplaneSlot) isWhole() bool {
	return len(m.allocated) == 0
}

// Block is a granted allocation: either a multi-midplane rectangular
// block (SubSize 0, Dims' volume > 1) or a sub-midplane carve-out
// (SubSize > 0, confined to a single grid cell at Origin).
type Block struct {
	ID       int
	Origin   [3]int
	Dims     [3]int
	SubSize  int
	ConnType ConnType

	// Wiring is one pattern letter (A-F) per axis, populated for
	// whole-midplane blocks (SubSize 0); sub-midplane carve-outs leave it
	// empty (spec §4.6.D).
	Wiring [3]string
}

// Selector manages the free/allocated rectangle lists for one cluster
// grid.
type Selector struct {
	mu sync.Mutex

	dims coord
	free []rect

	slots     map[coord]*midplaneSlot // grid cells currently carved for small blocks
	allocated map[int]*Block
	nextID    int
}

// NewSelector builds a Selector over an x*y*z grid of midplanes, spec
// §4.6.A's initial state: Free = { full cluster rectangle }.
func NewSelector(x, y, z int) *Selector {
	return &Selector{
		dims:      coord{x, y, z},
		free:      []rect{{origin: coord{0, 0, 0}, dims: coord{x, y, z}}},
		slots:     map[coord]*midplaneSlot{},
		allocated: map[int]*Block{},
		nextID:    1,
	}
}

// Allocate serves one request of sizeNodes nodes, spec §4.6.B/C.
func (s *Selector) Allocate(sizeNodes int, conn ConnType) (*Block, error) {
	const op = "topology.allocate"
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case sizeNodes >= MidplaneNodeCount && sizeNodes%MidplaneNodeCount == 0:
		return s.allocateMidplanes(sizeNodes/MidplaneNodeCount, conn, op)
	case isSubMidplaneSize(sizeNodes):
		return s.allocateSubMidplane(sizeNodes, conn, op)
	default:
		return nil, ctlderrors.New(op, ctlderrors.InvalidRequest, "size is not a midplane multiple or a recognized sub-midplane size")
	}
}

// allocateMidplanes serves a request of k whole midplanes (spec
// §4.6.B): find the smallest free rectangle that can hold a k-volume
// block under some axis permutation, splitting power-of-two along the
// earliest axis where the free block exceeds it if no exact fit exists.
func (s *Selector) allocateMidplanes(k int, conn ConnType, op string) (*Block, error) {
	need, ok := decomposeVolume(k, s.dims)
	if !ok {
		return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "request volume exceeds cluster geometry")
	}

	idx := s.pickFreeRect(need)
	if idx < 0 {
		return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "no free block fits the requested shape")
	}

	r := s.free[idx]
	oriented := orientToFit(r, need)
	for r.dims != oriented {
		_, half1, half2, ok := splitRect(r, oriented)
		if !ok {
			return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "free block cannot be split to the requested power-of-two shape")
		}
		s.free = append(s.free[:idx], s.free[idx+1:]...)
		s.free = append(s.free, half1, half2)
		// re-pick the half that contains the target shape.
		idx = s.pickFreeRect(need)
		if idx < 0 {
			return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "split did not yield a usable block")
		}
		r = s.free[idx]
		oriented = orientToFit(r, need)
	}
	s.free = append(s.free[:idx], s.free[idx+1:]...)

	b := &Block{ID: s.nextID, Origin: [3]int(r.origin), Dims: [3]int(r.dims), ConnType: conn}
	s.nextID++
	applyWiring(b)
	s.allocated[b.ID] = b
	return b, nil
}

// pickFreeRect finds the smallest-volume free rectangle that fits need
// under some axis permutation, breaking ties by list order (spec
// §4.6.B.2's fixed traversal).
func (s *Selector) pickFreeRect(need coord) int {
	best := -1
	for i, r := range s.free {
		if !r.fits(need) {
			continue
		}
		if best < 0 || r.volume() < s.free[best].volume() {
			best = i
		}
	}
	return best
}

// splitRect halves r along the earliest axis where r exceeds need,
// spec §4.6.B.3.
func splitRect(r rect, need coord) (axis int, a, b rect, ok bool) {
	for axis = 0; axis < 3; axis++ {
		if r.dims[axis] > need[axis] {
			half := r.dims[axis] / 2
			if half == 0 {
				continue
			}
			d1 := r.dims
			d1[axis] = half
			d2 := r.dims
			d2[axis] = r.dims[axis] - half
			o2 := r.origin
			o2[axis] += half
			return axis, rect{origin: r.origin, dims: d1}, rect{origin: o2, dims: d2}, true
		}
	}
	return 0, rect{}, rect{}, false
}

// decomposeVolume finds dims (dx,dy,dz) with dx*dy*dz=k, each dim a
// power of two not exceeding the cluster's corresponding extent,
// preferring the most cube-like factoring (spec §4.6's "dx*dy*dz=s").
func decomposeVolume(k int, clusterDims coord) (coord, bool) {
	best := coord{}
	found := false
	bestSkew := -1
	for dx := 1; dx <= clusterDims[0]; dx *= 2 {
		if k%dx != 0 {
			continue
		}
		for dy := 1; dy <= clusterDims[1]; dy *= 2 {
			if (k/dx)%dy != 0 {
				continue
			}
			dz := k / dx / dy
			if dz < 1 || dz > clusterDims[2] || dz&(dz-1) != 0 {
				continue
			}
			skew := dx*dx + dy*dy + dz*dz
			if !found || skew < bestSkew {
				best = coord{dx, dy, dz}
				bestSkew = skew
				found = true
			}
		}
	}
	return best, found
}

// allocateSubMidplane serves a sub-midplane request (spec §4.6.C): use
// an already-carved slot with sizeNodes free, else carve a whole free
// midplane cell, else subdivide an existing slot's larger free chunk.
func (s *Selector) allocateSubMidplane(sizeNodes int, conn ConnType, op string) (*Block, error) {
	for _, slot := range s.slots {
		if takeFree(slot, sizeNodes) {
			return s.finishSubMidplane(slot, sizeNodes, conn), nil
		}
	}

	for _, slot := range s.slots {
		if subdivideSlot(slot, sizeNodes) && takeFree(slot, sizeNodes) {
			return s.finishSubMidplane(slot, sizeNodes, conn), nil
		}
	}

	idx := s.pickFreeRect(coord{1, 1, 1})
	if idx < 0 {
		return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "no free midplane available to carve for a sub-midplane request")
	}
	r := s.free[idx]
	for r.volume() > 1 {
		_, half1, half2, ok := splitRect(r, coord{1, 1, 1})
		if !ok {
			return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "cluster geometry cannot isolate a single midplane")
		}
		s.free = append(s.free[:idx], s.free[idx+1:]...)
		s.free = append(s.free, half1, half2)
		idx = s.pickFreeRect(coord{1, 1, 1})
		r = s.free[idx]
	}
	s.free = append(s.free[:idx], s.free[idx+1:]...)

	slot := &midplaneSlot{origin: r.origin, free: []int{MidplaneNodeCount}, allocated: map[int]int{}}
	s.slots[r.origin] = slot
	if !subdivideSlot(slot, sizeNodes) || !takeFree(slot, sizeNodes) {
		return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "freshly carved midplane cannot satisfy its own subdivision")
	}
	return s.finishSubMidplane(slot, sizeNodes, conn), nil
}

func (s *Selector) finishSubMidplane(slot *midplaneSlot, sizeNodes int, conn ConnType) *Block {
	b := &Block{ID: s.nextID, Origin: [3]int(slot.origin), Dims: [3]int{1, 1, 1}, SubSize: sizeNodes, ConnType: conn}
	s.nextID++
	slot.allocated[b.ID] = sizeNodes
	s.allocated[b.ID] = b
	return b
}

// takeFree removes one free chunk of exactly sizeNodes from slot, if
// present.
func takeFree(slot *midplaneSlot, sizeNodes int) bool {
	for i, f := range slot.free {
		if f == sizeNodes {
			slot.free = append(slot.free[:i], slot.free[i+1:]...)
			return true
		}
	}
	return false
}

// subdivideSlot replaces the smallest free chunk of slot that is larger
// than sizeNodes with subdivisionMultiset(parent, sizeNodes), spec
// §4.6.C's deterministic table.
func subdivideSlot(slot *midplaneSlot, sizeNodes int) bool {
	bestIdx, bestParent := -1, 0
	for i, f := range slot.free {
		if f > sizeNodes && (bestIdx < 0 || f < bestParent) {
			bestIdx, bestParent = i, f
		}
	}
	if bestIdx < 0 {
		return false
	}
	pieces, ok := subdivisionMultiset(bestParent, sizeNodes)
	if !ok {
		return false
	}
	slot.free = append(slot.free[:bestIdx], slot.free[bestIdx+1:]...)
	slot.free = append(slot.free, pieces...)
	return true
}

// Free releases a previously-allocated block, spec §4.6.E.
func (s *Selector) Free(id int) error {
	const op = "topology.free"
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.allocated[id]
	if !ok {
		return ctlderrors.New(op, ctlderrors.NotFound, "block not allocated")
	}
	delete(s.allocated, id)

	if b.SubSize == 0 {
		r := rect{origin: coord(b.Origin), dims: coord(b.Dims)}
		s.free = append(s.free, r)
		s.coalesce()
		return nil
	}

	slot, ok := s.slots[coord(b.Origin)]
	if !ok {
		return ctlderrors.New(op, ctlderrors.NotFound, "sub-midplane slot not found")
	}
	delete(slot.allocated, id)
	slot.free = append(slot.free, b.SubSize)
	if slot.isWhole() {
		delete(s.slots, slot.origin)
		s.free = append(s.free, rect{origin: slot.origin, dims: coord{1, 1, 1}})
		s.coalesce()
	}
	return nil
}

// coalesce eagerly merges any two free rectangles that are face-adjacent
// along one axis and share identical extents on the other two (spec
// §4.6.E), repeating until a full pass makes no further merge.
func (s *Selector) coalesce() {
	for {
		merged := false
		sort.Slice(s.free, func(i, j int) bool {
			if s.free[i].origin != s.free[j].origin {
				return less(s.free[i].origin, s.free[j].origin)
			}
			return less(s.free[i].dims, s.free[j].dims)
		})
		for i := 0; i < len(s.free) && !merged; i++ {
			for j := i + 1; j < len(s.free); j++ {
				if m, ok := tryMerge(s.free[i], s.free[j]); ok {
					s.free = append(s.free[:j], s.free[j+1:]...)
					s.free = append(s.free[:i], s.free[i+1:]...)
					s.free = append(s.free, m)
					merged = true
					break
				}
			}
		}
		if !merged {
			return
		}
	}
}

func less(a, b coord) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// tryMerge merges a and b into one rectangle if, for some axis, they
// share identical origin and extent on the other two axes and are
// face-adjacent along that axis (a ends exactly where b starts, or
// vice versa) -- spec §4.6.E's "face-adjacent Free rectangle of the
// same span in the other two dimensions".
func tryMerge(a, b rect) (rect, bool) {
	for axis := 0; axis < 3; axis++ {
		ok := true
		for other := 0; other < 3; other++ {
			if other == axis {
				continue
			}
			if a.dims[other] != b.dims[other] || a.origin[other] != b.origin[other] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if a.origin[axis]+a.dims[axis] == b.origin[axis] {
			d := a.dims
			d[axis] += b.dims[axis]
			return rect{origin: a.origin, dims: d}, true
		}
		if b.origin[axis]+b.dims[axis] == a.origin[axis] {
			d := b.dims
			d[axis] += a.dims[axis]
			return rect{origin: b.origin, dims: d}, true
		}
	}
	return rect{}, false
}
