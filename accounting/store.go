package accounting

import (
	"sort"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/lattice-hpc/ctldcore/ctlderrors"
)

// Store is the accounting-store abstraction (spec §6.5): idempotent
// upsert of one rollup row, and a range query per level for reporting
// and for Roller's daily/monthly summation passes.
type Store interface {
	Upsert(row Row) error
	Query(level Level, cluster string, from, to time.Time) ([]Row, error)
}

// MemoryStore is the in-memory reference Store implementation.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[key]Row
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[key]Row{}}
}

// Upsert replaces any existing row sharing the same level/period/
// cluster/association/wckey key, spec §4.9's "upserted idempotently".
func (m *MemoryStore) Upsert(row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.key()] = row
	return nil
}

// Query returns every row at level for cluster whose PeriodStart lies
// in [from, to), sorted ascending by period.
func (m *MemoryStore) Query(level Level, cluster string, from, to time.Time) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Row
	for _, r := range m.rows {
		if r.Level != level || r.Cluster != cluster {
			continue
		}
		if r.PeriodStart.Before(from) || !r.PeriodStart.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

// BufferedStore wraps a Store with the retry-with-backoff-then-buffer
// policy spec §4.10 requires of accounting writes: Upsert tries the
// underlying store immediately; on failure the row is queued and
// Flush retries every queued row, fanning out any repeat failures into
// one *multierror.Error (the corpus's own pattern for batched
// failures, e.g. fsm.go applying a raft batch).
type BufferedStore struct {
	mu      sync.Mutex
	backing Store
	pending []Row

	// Backoff is consulted by Flush before each queued row after the
	// first, with that row's position in the queue; nil disables sleeping
	// between rows (tests call Flush directly without wanting to wait).
	Backoff func(attempt int) time.Duration
}

// NewBufferedStore wraps backing.
func NewBufferedStore(backing Store) *BufferedStore {
	return &BufferedStore{backing: backing}
}

// Upsert attempts the write immediately; on failure it buffers the row
// for a later Flush instead of returning an error to the caller, since
// accounting writes must never block the rollup's correctness-critical
// path (spec §4.10).
func (b *BufferedStore) Upsert(row Row) error {
	if err := b.backing.Upsert(row); err != nil {
		b.mu.Lock()
		b.pending = append(b.pending, row)
		b.mu.Unlock()
		return nil
	}
	return nil
}

// Query passes straight through to the backing store.
func (b *BufferedStore) Query(level Level, cluster string, from, to time.Time) ([]Row, error) {
	return b.backing.Query(level, cluster, from, to)
}

// Pending returns the number of rows queued for retry.
func (b *BufferedStore) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush retries every buffered row once, removing it from the queue on
// success and returning any remaining failures aggregated via
// ctlderrors.Append.
func (b *BufferedStore) Flush() error {
	const op = "accounting.buffered_store.flush"
	b.mu.Lock()
	rows := b.pending
	b.pending = nil
	b.mu.Unlock()

	var merr *multierror.Error
	var stillPending []Row
	for i, row := range rows {
		if b.Backoff != nil && i > 0 {
			time.Sleep(b.Backoff(i))
		}
		if err := b.backing.Upsert(row); err != nil {
			stillPending = append(stillPending, row)
			merr = ctlderrors.Append(merr, ctlderrors.Wrap(op, ctlderrors.FatalConfig, err))
		}
	}
	b.mu.Lock()
	b.pending = append(b.pending, stillPending...)
	b.mu.Unlock()
	return merr.ErrorOrNil()
}
