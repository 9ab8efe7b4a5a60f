package collector

import (
	"context"
	"errors"
	"fuzzhub/internal/bus"
	"fuzzhub/internal/fuzz"
	"fuzzhub/internal/store"
	"fuzzhub/pkg/database"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedFuzzer struct {
	mu      sync.Mutex
	metrics []*fuzz.Metrics
	crashes [][]fuzz.CrashRecord
	err     error
}

func (f *scriptedFuzzer) Setup(ctx context.Context) error { return nil }

func (f *scriptedFuzzer) BuildCommand() ([]string, error) { return []string{"true"}, nil }

func (f *scriptedFuzzer) CollectMetrics(ctx context.Context) (*fuzz.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.metrics) == 0 {
		return nil, nil
	}
	m := f.metrics[0]
	f.metrics = f.metrics[1:]
	return m, nil
}

func (f *scriptedFuzzer) CollectCrashes(ctx context.Context) ([]fuzz.CrashRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.crashes) == 0 {
		return nil, nil
	}
	c := f.crashes[0]
	f.crashes = f.crashes[1:]
	return c, nil
}

type memoryMetrics struct {
	mu   sync.Mutex
	rows []database.MetricSnapshot
}

func (s *memoryMetrics) InsertMetric(ctx context.Context, m *database.MetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *m)
	return nil
}

func (s *memoryMetrics) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func newSQLiteStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := database.Open("sqlite://" + filepath.Join(t.TempDir(), "fuzzhub.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return store.NewStore(db)
}

func TestLoopStopIsIdempotent(t *testing.T) {
	var ticks atomic.Int32
	l := NewLoop("test", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, zap.NewNop())

	l.Stop()
	l.Start()
	l.Start()
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()

	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestLoopSurvivesErrorsAndPanics(t *testing.T) {
	var ticks atomic.Int32
	var failures atomic.Int32
	l := NewLoop("test", 5*time.Millisecond, func(ctx context.Context) error {
		switch ticks.Add(1) {
		case 1:
			return errors.New("boom")
		case 2:
			panic("worse")
		}
		return nil
	}, zap.NewNop())
	l.onError = func(error) { failures.Add(1) }

	l.Start()
	defer l.Stop()
	require.Eventually(t, func() bool { return ticks.Load() >= 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), failures.Load())
}

func TestMetricsCollectorSkipsNilSamples(t *testing.T) {
	f := &scriptedFuzzer{metrics: []*fuzz.Metrics{
		{ExecPerSec: 1500, CorpusSize: 120, Coverage: 33.3, CrashesFound: 1},
	}}
	s := &memoryMetrics{}
	c := NewMetricsCollector(Target{InstanceID: "f1", CampaignID: "c1", FuzzerType: "dummy", Fuzzer: f}, s,
		WithInterval(5*time.Millisecond))

	require.NoError(t, c.collect(context.Background()))
	require.NoError(t, c.collect(context.Background()))
	require.Equal(t, 1, s.count())
	assert.Equal(t, "f1", s.rows[0].FuzzerInstanceID)
	assert.Equal(t, float64(1500), s.rows[0].ExecPerSec)
	assert.Equal(t, 120, s.rows[0].CorpusSize)
}

func TestMetricsCollectorLoopWrites(t *testing.T) {
	f := &scriptedFuzzer{metrics: []*fuzz.Metrics{{ExecPerSec: 1}, {ExecPerSec: 2}}}
	s := &memoryMetrics{}
	c := NewMetricsCollector(Target{InstanceID: "f1", Fuzzer: f}, s, WithInterval(5*time.Millisecond))

	c.Start()
	require.Eventually(t, func() bool { return s.count() == 2 }, time.Second, 5*time.Millisecond)
	c.Stop()
}

func TestCrashHash(t *testing.T) {
	// sha256("segmentation_fault" + "trace")
	h := CrashHash("segmentation_fault", "trace")
	assert.Len(t, h, 64)
	assert.Equal(t, h, CrashHash("segmentation_fault", "trace"))
	assert.NotEqual(t, h, CrashHash("heap_overflow", "trace"))
}

func TestCrashCollectorDeduplicates(t *testing.T) {
	s := newSQLiteStore(t)
	b := bus.NewEventBus(zap.NewNop())

	var mu sync.Mutex
	var found []CrashFoundPayload
	b.Subscribe(bus.CrashFound, bus.NewHandler(func(ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		found = append(found, ev.Payload.(CrashFoundPayload))
		return nil
	}))

	rec := fuzz.CrashRecord{Type: "segmentation_fault", InputPath: "/tmp/input_1", StackTrace: "frame"}
	f := &scriptedFuzzer{crashes: [][]fuzz.CrashRecord{
		{rec},
		{rec, {Type: "abort", InputPath: "/tmp/input_2", StackTrace: "frame"}},
	}}
	c := NewCrashCollector(Target{InstanceID: "f1", CampaignID: "c1", FuzzerType: "dummy", Fuzzer: f}, s, b)

	ctx := context.Background()
	require.NoError(t, c.collect(ctx))
	require.NoError(t, c.collect(ctx))

	crashes, err := s.ListCrashes(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, crashes, 2)

	byHash := map[string]database.Crash{}
	for _, cr := range crashes {
		byHash[cr.CrashHash] = cr
	}
	segv := byHash[CrashHash("segmentation_fault", "frame")]
	assert.Equal(t, 2, segv.Occurrences)
	assert.False(t, segv.LastSeen.Before(segv.FirstSeen))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, found, 2)
	assert.Equal(t, "segmentation_fault", found[0].Crash.CrashType)
	assert.Equal(t, 1, found[0].Crash.Occurrences)
	assert.Equal(t, "abort", found[1].Crash.CrashType)
}

func TestCrashCollectorArchivesInputs(t *testing.T) {
	s := newSQLiteStore(t)
	input := filepath.Join(t.TempDir(), "id:000000,sig:11")
	require.NoError(t, os.WriteFile(input, []byte("AAAA"), 0o644))
	archive := t.TempDir()

	f := &scriptedFuzzer{crashes: [][]fuzz.CrashRecord{
		{{Type: "segmentation_fault", InputPath: input, StackTrace: "a"}},
		{{Type: "segmentation_fault", InputPath: "/does/not/exist", StackTrace: "b"}},
	}}
	c := NewCrashCollector(Target{InstanceID: "f1", CampaignID: "c1", Fuzzer: f}, s, nil, WithArchiveDir(archive))

	ctx := context.Background()
	require.NoError(t, c.collect(ctx))
	require.NoError(t, c.collect(ctx))

	crashes, err := s.ListCrashes(ctx, "c1")
	require.NoError(t, err)
	paths := map[string]string{}
	for _, cr := range crashes {
		paths[cr.StackTrace] = cr.InputPath
	}
	assert.Equal(t, filepath.Join(archive, "c1"), filepath.Dir(paths["a"]))
	assert.FileExists(t, paths["a"])
	assert.Equal(t, "/does/not/exist", paths["b"])
}
