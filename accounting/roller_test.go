package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-hpc/ctldcore/state"
	"github.com/lattice-hpc/ctldcore/structs"
)

func newTestRoller(t *testing.T, nCPUs uint32) (*state.Store, *Roller, int) {
	t.Helper()
	s, err := state.New(nil)
	require.NoError(t, err)
	cfg := &structs.Config{Name: "std", CPUs: nCPUs, RealMemoryMB: 8192, Cores: nCPUs, Sockets: 1, Threads: 1}
	require.NoError(t, s.CreateConfig(cfg))
	n, err := s.CreateNode(cfg, "node0", nil)
	require.NoError(t, err)
	require.NoError(t, s.RegisterNode("node0", structs.Node{CPUs: nCPUs, RealMemoryMB: 8192, Cores: nCPUs, Sockets: 1, Threads: 1}))

	acct := NewMemoryStore()
	r := NewRoller(s, NewNodeEventLog(), acct, "cluster1", nil)
	return s, r, n.Index
}

func TestRollHourAllIdleWhenNoActivity(t *testing.T) {
	_, r, _ := newTestRoller(t, 4)
	h := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	rows, err := r.RollHour(h)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 4*3600.0, rows[0].IdleCPUSeconds)
	require.Equal(t, 0.0, rows[0].AllocCPUSeconds)
	require.Equal(t, 0.0, rows[0].OvercommitCPUSeconds)
}

func TestRollHourAccumulatesJobAllocation(t *testing.T) {
	s, r, idx := newTestRoller(t, 4)
	h := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	job, err := s.CreateJob(structs.JobRequest{MinCPUs: 4}, func() structs.Job {
		return structs.Job{AssociationID: "assoc-a"}
	})
	require.NoError(t, err)
	require.NoError(t, s.SetJobAllocation(job.JobID, &structs.JobResources{
		Nodes: []structs.NodeAlloc{{NodeIndex: idx, AllocCPUs: 4}},
	}, func() structs.Job { return structs.Job{StartTime: h} }))

	now := h.Add(30 * time.Minute)
	rows, err := r.RollHour(now)
	require.NoError(t, err)

	var clusterRow, assocRow *Row
	for i := range rows {
		if rows[i].Association == "" {
			clusterRow = &rows[i]
		} else if rows[i].Association == "assoc-a" {
			assocRow = &rows[i]
		}
	}
	require.NotNil(t, assocRow)
	require.NotNil(t, clusterRow)

	wantAlloc := 1800.0 * 4 // 30 minutes * 4 CPUs
	require.Equal(t, wantAlloc, assocRow.AllocCPUSeconds)
	require.Equal(t, wantAlloc, clusterRow.AllocCPUSeconds)
	require.Equal(t, 4*3600.0-wantAlloc, clusterRow.IdleCPUSeconds)
}

func TestRollHourNodeEventCountsAsDown(t *testing.T) {
	_, r, idx := newTestRoller(t, 4)
	h := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	r.events.Open(idx, 4, structs.NodeEventDown, h)
	r.events.Close(idx, h.Add(time.Hour))

	rows, err := r.RollHour(h)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 4*3600.0, rows[0].DownCPUSeconds)
	require.Equal(t, 0.0, rows[0].IdleCPUSeconds)
}

func TestRollHourMaintReservationCountsAsPlannedDown(t *testing.T) {
	s, r, idx := newTestRoller(t, 4)
	h := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateReservation(&structs.Reservation{
		Name: "maint", ID: "maint",
		TimeStart: h, TimeEnd: h.Add(time.Hour),
		Flags:       structs.ResvMaint,
		NodeIndices: []int{idx},
		CPUCount:    4,
	}))

	rows, err := r.RollHour(h)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 4*3600.0, rows[0].PlannedDownCPUSeconds)
	require.Equal(t, 4*3600.0, rows[0].ReservedCPUSeconds)
	require.Equal(t, 0.0, rows[0].IdleCPUSeconds)
}

func TestRollDaySummarizesHourlyRows(t *testing.T) {
	_, r, _ := newTestRoller(t, 4)
	day := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 24; i++ {
		_, err := r.RollHour(day.Add(time.Duration(i) * time.Hour))
		require.NoError(t, err)
	}

	rows, err := r.RollDay(day)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 24*4*3600.0, rows[0].IdleCPUSeconds)
	require.Equal(t, Daily, rows[0].Level)
	require.True(t, rows[0].PeriodStart.Equal(day))
}

func TestRollMonthSummarizesDailyRows(t *testing.T) {
	_, r, _ := newTestRoller(t, 4)
	monthStart := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	for d := 0; d < 3; d++ {
		day := monthStart.AddDate(0, 0, d)
		for i := 0; i < 24; i++ {
			_, err := r.RollHour(day.Add(time.Duration(i) * time.Hour))
			require.NoError(t, err)
		}
		_, err := r.RollDay(day)
		require.NoError(t, err)
	}

	rows, err := r.RollMonth(monthStart)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, Monthly, rows[0].Level)
	require.Equal(t, 3*24*4*3600.0, rows[0].IdleCPUSeconds)
}
