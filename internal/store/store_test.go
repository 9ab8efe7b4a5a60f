package store

import (
	"context"
	"fuzzhub/pkg/database"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.Open("sqlite://" + filepath.Join(t.TempDir(), "fuzzhub.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db)
}

// fixedClock returns a clock the test can move forward.
func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestCampaignCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &database.Campaign{Name: "libpng", TargetBinary: "/out/png_read"}
	require.NoError(t, s.CreateCampaign(ctx, c))
	require.NotEmpty(t, c.ID)

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "libpng", got.Name)
	assert.True(t, got.Active)

	list, err := s.ListCampaigns(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetCampaign(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstanceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pid := 4242
	started := time.Now().UTC()
	inst := &database.FuzzerInstance{
		CampaignID: "c1",
		FuzzerType: "dummy",
		PID:        &pid,
		State:      database.StateRunning,
		Config:     datatypes.JSONMap{"timeout_ms": float64(1000)},
		StartedAt:  &started,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))
	require.NotEmpty(t, inst.ID)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StateRunning, got.State)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4242, *got.PID)
	assert.Equal(t, float64(1000), got.Config["timeout_ms"])

	running, err := s.ListInstancesByState(ctx, database.StateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	beat := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.Heartbeat(ctx, inst.ID, database.StateRunning, &pid, beat))
	got, err = s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, beat, *got.LastHeartbeat, time.Millisecond)

	require.NoError(t, s.UpdateInstanceState(ctx, inst.ID, database.StateStopped, nil))
	got, err = s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StateStopped, got.State)
	assert.Nil(t, got.PID)

	running, err = s.ListInstancesByState(ctx, database.StateRunning)
	require.NoError(t, err)
	assert.Empty(t, running)

	assert.ErrorIs(t, s.UpdateInstanceState(ctx, "missing", database.StateStopped, nil), ErrNotFound)
	_, err = s.GetInstance(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstanceConfigReadsBackAsDecodedJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := &database.FuzzerInstance{
		CampaignID: "c1",
		FuzzerType: "aflpp",
		State:      database.StateRunning,
		Config: datatypes.JSONMap{
			"timeout_ms":  1500,
			"target_args": []any{"@@", 3},
			"env":         map[string]any{"AFL_SKIP_CPUFREQ": 1},
		},
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	want := map[string]any{
		"timeout_ms":  float64(1500),
		"target_args": []any{"@@", float64(3)},
		"env":         map[string]any{"AFL_SKIP_CPUFREQ": float64(1)},
	}

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, want, map[string]any(got.Config))

	all, err := s.ListInstances(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, want, map[string]any(all[0].Config))

	running, err := s.ListInstancesByState(ctx, database.StateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, want, map[string]any(running[0].Config))
}

func TestListInstancesByCampaign(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, campaign := range []string{"a", "a", "b"} {
		require.NoError(t, s.CreateInstance(ctx, &database.FuzzerInstance{
			CampaignID: campaign, FuzzerType: "dummy", State: database.StateStopped,
		}))
	}

	a, err := s.ListInstances(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, a, 2)

	all, err := s.ListInstances(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecordCrashDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock, advance := fixedClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s.now = clock

	crash := &database.Crash{
		CampaignID:       "c1",
		FuzzerInstanceID: "f1",
		CrashHash:        "abc",
		CrashType:        "segmentation_fault",
		InputPath:        "/tmp/input_1",
		StackTrace:       "#0 0xdeadbeef in vulnerable_function",
	}

	first, created, err := s.RecordCrash(ctx, crash)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, first.Occurrences)
	assert.True(t, first.FirstSeen.Equal(first.LastSeen))

	advance(time.Minute)
	again := *crash
	again.FuzzerInstanceID = "f2"
	second, created, err := s.RecordCrash(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, second.Occurrences)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.FirstSeen.Equal(first.FirstSeen))
	assert.True(t, second.LastSeen.After(first.LastSeen))
	// the first finder keeps the crash
	assert.Equal(t, "f1", second.FuzzerInstanceID)

	// same hash in another campaign is a different signature
	other := *crash
	other.CampaignID = "c2"
	_, created, err = s.RecordCrash(ctx, &other)
	require.NoError(t, err)
	assert.True(t, created)

	n, err := s.CountCrashes(ctx, "f1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	crashes, err := s.ListCrashes(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, crashes, 1)
	assert.Equal(t, 2, crashes[0].Occurrences)
}

func TestLatestMetric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestMetric(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Now().UTC()
	for i := range 3 {
		require.NoError(t, s.InsertMetric(ctx, &database.MetricSnapshot{
			FuzzerInstanceID: "f1",
			ExecPerSec:       float64(100 * (i + 1)),
			Timestamp:        base.Add(time.Duration(i) * time.Second),
		}))
	}

	m, err := s.LatestMetric(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, float64(300), m.ExecPerSec)
}

func TestTouchWorkerNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TouchWorkerNode(ctx, "node-1", "online"))
	require.NoError(t, s.TouchWorkerNode(ctx, "node-1", "draining"))

	var nodes []database.WorkerNode
	require.NoError(t, s.db.Find(&nodes).Error)
	require.Len(t, nodes, 1)
	assert.Equal(t, "draining", nodes[0].Status)
}
