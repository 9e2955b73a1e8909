package accounting

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpsertIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	row := Row{Level: Hourly, PeriodStart: base, Cluster: "c1", Association: "a1", AllocCPUSeconds: 10}

	require.NoError(t, s.Upsert(row))
	row.AllocCPUSeconds = 20
	require.NoError(t, s.Upsert(row))

	rows, err := s.Query(Hourly, "c1", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 20.0, rows[0].AllocCPUSeconds)
}

func TestMemoryStoreQueryFiltersByRangeAndCluster(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(Row{Level: Hourly, PeriodStart: base, Cluster: "c1"}))
	require.NoError(t, s.Upsert(Row{Level: Hourly, PeriodStart: base.Add(time.Hour), Cluster: "c1"}))
	require.NoError(t, s.Upsert(Row{Level: Hourly, PeriodStart: base, Cluster: "c2"}))

	rows, err := s.Query(Hourly, "c1", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

type failingStore struct {
	fail bool
}

func (f *failingStore) Upsert(row Row) error {
	if f.fail {
		return errors.New("write failed")
	}
	return nil
}

func (f *failingStore) Query(level Level, cluster string, from, to time.Time) ([]Row, error) {
	return nil, nil
}

func TestBufferedStoreQueuesOnFailureAndFlushes(t *testing.T) {
	backing := &failingStore{fail: true}
	b := NewBufferedStore(backing)

	row := Row{Level: Hourly, PeriodStart: time.Now(), Cluster: "c1"}
	require.NoError(t, b.Upsert(row))
	require.Equal(t, 1, b.Pending())

	err := b.Flush()
	require.Error(t, err)
	require.Equal(t, 1, b.Pending())

	backing.fail = false
	require.NoError(t, b.Flush())
	require.Equal(t, 0, b.Pending())
}
