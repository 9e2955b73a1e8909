// Package consres implements the consumable-resource selector (spec
// §4.5): per-node feasible-CPU accounting, the four-step idle/priority/
// row attempt sequence, preemption-aware victim selection, and cr_dist
// BLOCK/CYCLIC core assignment.
package consres

import (
	"sort"

	"github.com/lattice-hpc/ctldcore/bitset"
	"github.com/lattice-hpc/ctldcore/ctlderrors"
	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

// Mode is the selector invocation mode (spec §4.4's RUN_NOW/TEST_ONLY/
// WILL_RUN).
type Mode int

const (
	RunNow Mode = iota
	TestOnly
	WillRun
)

// Request bundles everything the selector needs for one placement
// attempt.
type Request struct {
	Job       *structs.Job
	Partition *structs.Partition
	Candidate *bitset.Bitmap // node indices eligible per §4.4 step 1
	NodeReq   structs.NodeReq
	Mode      Mode
}

// Result is what Select returns on success.
type Result struct {
	Allocation *structs.JobResources

	// EarliestStart is true when the job could start immediately in the
	// requested mode; for WILL_RUN it is false whenever the winning
	// attempt needed eviction or row-sharing rather than idle cores.
	EarliestStart bool

	// Victims lists jobs a RUN_NOW/WILL_RUN attempt counted on being able
	// to preempt. RUN_NOW callers must evict every one of them (release
	// its allocation and transition it per its partition's preempt_mode)
	// before committing this Allocation.
	Victims []uint32
}

// victimUsage records one lower-priority job's CPU footprint on a node,
// kept as an eviction candidate because its owning partition's
// preempt_mode permits eviction (spec §4.7/§9 scenario S6).
type victimUsage struct {
	JobID    uint32
	Priority int
	CPUs     uint32
}

// usageTiers summarizes, per node index, how many CPUs are held by jobs
// in strictly-higher-priority, same-priority, and lower-priority
// partitions, plus per-row usage within the requesting job's own
// partition (row usage is only meaningful when Partition matches).
// Lower-priority usage is split: lowerBlocked is held by partitions whose
// preempt_mode forbids eviction (never available, like higher), while
// lowerVictims is held by preemptible partitions and tracked per-job so
// Select can name actual victims instead of just counting CPUs.
type usageTiers struct {
	higher       map[int]uint32
	same         map[int]uint32
	lowerBlocked map[int]uint32
	lowerVictims map[int][]victimUsage
	rows         map[int]map[int]uint32 // nodeIndex -> row -> cpus
}

func (ut *usageTiers) lowerVictimTotal(nodeIndex int) uint32 {
	var sum uint32
	for _, v := range ut.lowerVictims[nodeIndex] {
		sum += v.CPUs
	}
	return sum
}

func computeUsageTiers(store *state.Store, reqPartition *structs.Partition) (*usageTiers, error) {
	jobs, err := store.ListJobs(state.JobFilter{})
	if err != nil {
		return nil, err
	}
	partCache := map[string]*structs.Partition{}
	lookupPartition := func(name string) *structs.Partition {
		if p, ok := partCache[name]; ok {
			return p
		}
		p, err := store.LookupPartition(name)
		if err != nil {
			partCache[name] = nil
			return nil
		}
		partCache[name] = p
		return p
	}

	ut := &usageTiers{
		higher:       map[int]uint32{},
		same:         map[int]uint32{},
		lowerBlocked: map[int]uint32{},
		lowerVictims: map[int][]victimUsage{},
		rows:         map[int]map[int]uint32{},
	}
	for _, j := range jobs {
		if j.State.Terminal() || j.Allocation == nil {
			continue
		}
		p := lookupPartition(j.Partition)
		var priority int
		var preemptMode structs.PreemptMode
		if p != nil {
			priority = p.Priority
			preemptMode = p.PreemptMode
		}
		sameJobPartition := reqPartition != nil && j.Partition == reqPartition.Name
		for _, na := range j.Allocation.Nodes {
			switch {
			case reqPartition != nil && priority > reqPartition.Priority:
				ut.higher[na.NodeIndex] += na.AllocCPUs
			case reqPartition != nil && priority == reqPartition.Priority:
				ut.same[na.NodeIndex] += na.AllocCPUs
			case reqPartition != nil && preemptMode != structs.PreemptOff:
				ut.lowerVictims[na.NodeIndex] = append(ut.lowerVictims[na.NodeIndex], victimUsage{
					JobID: j.JobID, Priority: priority, CPUs: na.AllocCPUs,
				})
			default:
				ut.lowerBlocked[na.NodeIndex] += na.AllocCPUs
			}
			if sameJobPartition {
				if ut.rows[na.NodeIndex] == nil {
					ut.rows[na.NodeIndex] = map[int]uint32{}
				}
				ut.rows[na.NodeIndex][j.Allocation.RowIndex] += na.AllocCPUs
			}
		}
	}
	return ut, nil
}

// pool computes the available-CPU pool for node n at attempt step.
// Steps 2/3 (spec §4.5) leave lowerVictims out of the exclusion set:
// those cores are only "available" because their owning job can be
// preempted, which Select's caller must actually do before committing
// any allocation that drew on them (see victimsFor).
func (ut *usageTiers) pool(n *structs.Node, step int, row int) uint32 {
	var excluded uint32
	switch step {
	case 1:
		excluded = ut.higher[n.Index] + ut.same[n.Index] + ut.lowerBlocked[n.Index] + ut.lowerVictimTotal(n.Index)
	case 2:
		excluded = ut.higher[n.Index] + ut.lowerBlocked[n.Index]
	case 3:
		excluded = ut.higher[n.Index] + ut.same[n.Index] + ut.lowerBlocked[n.Index]
	case 4:
		excluded = ut.higher[n.Index] + ut.same[n.Index] + ut.lowerBlocked[n.Index] + ut.lowerVictimTotal(n.Index) + ut.rows[n.Index][row]
	}
	if excluded >= n.CPUs {
		return 0
	}
	return n.CPUs - excluded
}

// victimsFor names the jobs that must actually be evicted to honor an
// allocation steps 2/3 produced: on any node where the chosen cpu count
// exceeds what was truly idle (pool at step 1), the gap was counted as
// available only because lowerVictims on that node can be preempted, so
// enough of them (lowest priority first) must give up their cores.
func (ut *usageTiers) victimsFor(alloc *structs.JobResources, nodeByIndex map[int]*structs.Node) []uint32 {
	seen := map[uint32]bool{}
	var victims []uint32
	for _, na := range alloc.Nodes {
		n := nodeByIndex[na.NodeIndex]
		if n == nil {
			continue
		}
		idle := ut.pool(n, 1, 0)
		if na.AllocCPUs <= idle {
			continue
		}
		deficit := na.AllocCPUs - idle

		candidates := append([]victimUsage(nil), ut.lowerVictims[na.NodeIndex]...)
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].JobID < candidates[j].JobID
		})
		for _, v := range candidates {
			if deficit == 0 {
				break
			}
			if seen[v.JobID] {
				continue
			}
			seen[v.JobID] = true
			victims = append(victims, v.JobID)
			if v.CPUs >= deficit {
				deficit = 0
			} else {
				deficit -= v.CPUs
			}
		}
	}
	return victims
}

// memoryAllowedCPUs caps pool by the node's free memory given the job's
// per-CPU/per-node memory request (spec §4.5's memory_allowed_cpus).
func memoryAllowedCPUs(n *structs.Node, req structs.JobRequest, pool uint32) uint32 {
	if req.PnMinMemory == 0 {
		return pool
	}
	free := n.FreeMemoryMB()
	if req.MemoryFlag == structs.MemoryPerCPU {
		cap := uint32(free / req.PnMinMemory)
		if cap < pool {
			return cap
		}
		return pool
	}
	if free < req.PnMinMemory {
		return 0
	}
	return pool
}

// gresAllowedCPUs zeroes pool if the node cannot satisfy the job's GRES
// request; SLURM-proper computes a finer per-GRES-unit core cap, but
// co-located GRES-to-core binding data isn't modeled here, so a node
// either satisfies the whole GRES request or contributes nothing.
func gresAllowedCPUs(n *structs.Node, req structs.JobRequest, pool uint32) uint32 {
	for name, need := range req.GRESRequest {
		have := n.GRES[name]
		used := n.AllocGRES[name]
		if have < used || have-used < need {
			return 0
		}
	}
	return pool
}

func feasibleCPUs(n *structs.Node, req structs.JobRequest, ut *usageTiers, step, row int) uint32 {
	pool := ut.pool(n, step, row)
	pool = memoryAllowedCPUs(n, req, pool)
	pool = gresAllowedCPUs(n, req, pool)
	return pool
}

// candidateNodes resolves candidate's set bits to live Node records,
// filtering by feature expression / required / excluded node lists.
func candidateNodes(store *state.Store, candidate *bitset.Bitmap, req structs.JobRequest) ([]*structs.Node, error) {
	all, err := store.ListNodes(state.NodeFilter{})
	if err != nil {
		return nil, err
	}
	excluded := map[string]bool{}
	for _, n := range req.ExcludedNodeList {
		excluded[n] = true
	}
	required := map[string]bool{}
	for _, n := range req.RequiredNodeList {
		required[n] = true
	}

	var out []*structs.Node
	for _, n := range all {
		if n.Index >= candidate.Len() || !candidate.Test(n.Index) {
			continue
		}
		if excluded[n.Name] {
			continue
		}
		if len(required) > 0 && !required[n.Name] {
			continue
		}
		ok, err := MatchesFeatures(req.FeaturesExpr, n.Features)
		if err != nil {
			return nil, ctlderrors.Wrap("consres.candidate_nodes", ctlderrors.InvalidRequest, err)
		}
		if !ok {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// orderNodes sorts candidates per the node-picking policy: LLN (largest
// feasible first, tie-break lowest index) or first-fit ascending index.
func orderNodes(nodes []*structs.Node, feasible map[int]uint32, lln bool) {
	sort.Slice(nodes, func(i, j int) bool {
		if lln {
			fi, fj := feasible[nodes[i].Index], feasible[nodes[j].Index]
			if fi != fj {
				return fi > fj
			}
		}
		return nodes[i].Index < nodes[j].Index
	})
}

// attempt runs one of the four steps against the candidate set, greedily
// packing nodes until the job's node/cpu requirements are met.
func attempt(nodes []*structs.Node, req structs.JobRequest, nodeReq structs.NodeReq, ut *usageTiers, partition *structs.Partition, step, row int) (*structs.JobResources, bool) {
	feasible := map[int]uint32{}
	for _, n := range nodes {
		feasible[n.Index] = feasibleCPUs(n, req, ut, step, row)
	}

	lln := partition != nil && partition.Flags.Has(structs.PartitionLLN)
	ordered := append([]*structs.Node(nil), nodes...)
	orderNodes(ordered, feasible, lln)

	minNodes := req.MinNodes
	if minNodes == 0 {
		minNodes = 1
	}
	maxNodes := req.MaxNodes
	if maxNodes == 0 {
		maxNodes = uint32(len(ordered))
	}
	needCPUs := req.MinCPUs
	if needCPUs == 0 {
		needCPUs = 1
	}

	var chosen []*structs.Node
	var chosenCPUs []uint32
	var totalCPUs uint32
	for _, n := range ordered {
		f := feasible[n.Index]
		if f == 0 {
			continue
		}
		chosen = append(chosen, n)
		chosenCPUs = append(chosenCPUs, f)
		totalCPUs += f
		if uint32(len(chosen)) >= minNodes && totalCPUs >= needCPUs {
			break
		}
		if uint32(len(chosen)) >= maxNodes {
			break
		}
	}
	if uint32(len(chosen)) < minNodes || totalCPUs < needCPUs {
		return nil, false
	}

	return buildAllocation(chosen, chosenCPUs, needCPUs, req, nodeReq, row), true
}

// buildAllocation applies cr_dist to distribute needCPUs across chosen
// nodes (BLOCK: fill node-by-node; CYCLIC: round-robin one unit at a
// time) and records each node's resulting CoreBitmap and memory charge.
func buildAllocation(chosen []*structs.Node, capacity []uint32, needCPUs uint32, req structs.JobRequest, nodeReq structs.NodeReq, row int) *structs.JobResources {
	assigned := make([]uint32, len(chosen))
	remaining := needCPUs

	if req.TaskDistribution == structs.DistCyclic {
		for remaining > 0 {
			progressed := false
			for i := range chosen {
				if remaining == 0 {
					break
				}
				if assigned[i] < capacity[i] {
					assigned[i]++
					remaining--
					progressed = true
				}
			}
			if !progressed {
				break
			}
		}
	} else {
		for i := range chosen {
			if remaining == 0 {
				break
			}
			take := capacity[i]
			if take > remaining {
				take = remaining
			}
			assigned[i] = take
			remaining -= take
		}
	}

	jr := &structs.JobResources{NodeReq: nodeReq, RowIndex: row}
	for i, n := range chosen {
		if assigned[i] == 0 {
			continue
		}
		var mem uint64
		if req.MemoryFlag == structs.MemoryPerCPU {
			mem = uint64(assigned[i]) * req.PnMinMemory
		} else {
			mem = req.PnMinMemory
		}
		cb := make([]bool, n.CPUs)
		for c := uint32(0); c < assigned[i] && c < n.CPUs; c++ {
			cb[c] = true
		}
		jr.NodeIndices = append(jr.NodeIndices, n.Index)
		jr.Nodes = append(jr.Nodes, structs.NodeAlloc{
			NodeIndex:   n.Index,
			CoreBitmap:  cb,
			AllocCPUs:   assigned[i],
			AllocMemory: mem,
		})
	}
	return jr
}

// Select runs the four-step attempt sequence (spec §4.5) and returns the
// winning allocation, or an INSUFFICIENT_RESOURCES error if every step
// fails. Steps 2/3 assume lower-priority jobs in preemptible partitions
// can be evicted; when such a job contributed cores to the winning
// allocation, its id is returned in Result.Victims and the caller (the
// RUN_NOW path in scheduler.Driver) must actually evict it — release its
// allocation and transition it per its partition's preempt_mode — before
// the new allocation is committed. Req.Mode selects which of the three
// invocation modes (spec §4.4) this call realizes:
//   - RunNow:   full step 1-4 sequence; victims are real and must be evicted.
//   - WillRun:  same sequence, but EarliestStart is false whenever eviction
//     or row-sharing was needed, since nothing is committed here.
//   - TestOnly: only step 1 is attempted (does J fit against the current
//     allocation, right now, with no hypothesis about eviction).
func Select(store *state.Store, req Request) (*Result, error) {
	const op = "consres.select"
	ut, err := computeUsageTiers(store, req.Partition)
	if err != nil {
		return nil, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err)
	}
	nodes, err := candidateNodes(store, req.Candidate, req.Job.Request)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "no candidate nodes")
	}
	nodeByIndex := make(map[int]*structs.Node, len(nodes))
	for _, n := range nodes {
		nodeByIndex[n.Index] = n
	}

	if alloc, ok := attempt(nodes, req.Job.Request, req.NodeReq, ut, req.Partition, 1, 0); ok {
		return &Result{Allocation: alloc, EarliestStart: true}, nil
	}
	if req.Mode == TestOnly {
		return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "does not fit against current allocation")
	}

	noShare := req.Partition != nil && (req.Partition.Sharing.Kind == structs.SharingExclusive || req.Partition.Sharing.Kind == structs.SharingNo)
	preemptible := req.Partition != nil && req.Partition.PreemptMode != structs.PreemptOff

	if preemptible {
		if alloc, ok := attempt(nodes, req.Job.Request, req.NodeReq, ut, req.Partition, 2, 0); ok {
			return &Result{Allocation: alloc, EarliestStart: req.Mode != WillRun, Victims: ut.victimsFor(alloc, nodeByIndex)}, nil
		}
		if alloc, ok := attempt(nodes, req.Job.Request, req.NodeReq, ut, req.Partition, 3, 0); ok {
			return &Result{Allocation: alloc, EarliestStart: req.Mode != WillRun, Victims: ut.victimsFor(alloc, nodeByIndex)}, nil
		}
	}
	if noShare {
		return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "no feasible placement under no-share policy")
	}

	maxRows := req.Partition.MaxRows
	if maxRows <= 0 {
		maxRows = 1
	}
	for row := 0; row < maxRows; row++ {
		if alloc, ok := attempt(nodes, req.Job.Request, req.NodeReq, ut, req.Partition, 4, row); ok {
			return &Result{Allocation: alloc, EarliestStart: req.Mode != WillRun}, nil
		}
	}

	return nil, ctlderrors.New(op, ctlderrors.InsufficientResources, "no feasible placement in any row")
}
