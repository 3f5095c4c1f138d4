package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteRecorder(t *testing.T) *SQLRecorder {
	t.Helper()
	rec, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	require.NoError(t, rec.Setup(context.Background()))
	return rec
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
}

func TestSQLRecorder_Report(t *testing.T) {
	ctx := context.Background()
	rec := newSQLiteRecorder(t)

	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	records := []Record{
		{ServiceType: "deposit", ClientID: "a", Status: StatusCompleted, WaitTime: 4, TimeSpent: 2, RecordedAt: base},
		{ServiceType: "deposit", ClientID: "b", Status: StatusCompleted, WaitTime: 8, TimeSpent: 4, RecordedAt: base.Add(time.Minute)},
		{ServiceType: "deposit", ClientID: "c", Status: StatusAbandoned, RecordedAt: base.Add(2 * time.Minute)},
		{ServiceType: "withdrawal", ClientID: "d", Status: StatusCompleted, WaitTime: 100, TimeSpent: 100, RecordedAt: base},
	}
	for _, r := range records {
		require.NoError(t, rec.Record(ctx, r))
	}

	report, err := rec.Report(ctx, "deposit")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, "deposit", report.ServiceType)
	assert.Equal(t, int64(3), report.TotalClients)
	assert.Equal(t, int64(2), report.CompletedClients)
	assert.Equal(t, int64(1), report.AbandonedClients)
	assert.InDelta(t, 4.0, report.AverageWaitTime, 1e-9)
	assert.InDelta(t, 2.0, report.AverageTimeSpent, 1e-9)
}

func TestSQLRecorder_ReportWithoutHistory(t *testing.T) {
	rec := newSQLiteRecorder(t)

	report, err := rec.Report(context.Background(), "consultation")
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestSQLRecorder_RecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	rec := newSQLiteRecorder(t)

	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, rec.Record(ctx, Record{
			ServiceType: "deposit",
			ClientID:    id,
			Status:      StatusCompleted,
			HourOfDay:   10,
			MinuteOfDay: 600 + i,
			DayOfWeek:   1,
			RecordedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := rec.Recent(ctx, "deposit", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].ClientID)
	assert.Equal(t, "second", recent[1].ClientID)
	assert.Equal(t, 601, recent[1].MinuteOfDay)
	assert.True(t, recent[0].RecordedAt.Equal(base.Add(2*time.Second)))
}

func TestSQLRecorder_SetupIsRepeatable(t *testing.T) {
	rec := newSQLiteRecorder(t)
	assert.NoError(t, rec.Setup(context.Background()))
}
