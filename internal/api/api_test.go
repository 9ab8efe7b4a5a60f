package api

import (
	"context"
	"encoding/json"
	"fmt"
	"fuzzhub/internal/bus"
	"fuzzhub/internal/campaign"
	"fuzzhub/internal/fuzz"
	"fuzzhub/internal/fuzz/dummy"
	"fuzzhub/internal/store"
	"fuzzhub/pkg/database"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCommander struct {
	mu      sync.Mutex
	active  map[string]fuzz.Status
	stopped []string
	next    int
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{active: map[string]fuzz.Status{}}
}

func (f *fakeCommander) StartFuzzer(ctx context.Context, campaignID, fuzzerType string, cfg map[string]any) (string, error) {
	if fuzzerType != dummy.Name {
		return "", fuzz.ErrNotRegistered
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("f%d", f.next)
	pid := 1000 + f.next
	f.active[id] = fuzz.Status{ID: id, CampaignID: campaignID, FuzzerType: fuzzerType, State: fuzz.StateRunning, PID: &pid}
	return id, nil
}

func (f *fakeCommander) StopFuzzer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, id)
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeCommander) RestartFuzzer(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	old, ok := f.active[id]
	f.mu.Unlock()
	if !ok {
		return "", campaign.ErrUnknownInstance
	}
	f.StopFuzzer(ctx, id)
	return f.StartFuzzer(ctx, old.CampaignID, old.FuzzerType, nil)
}

func (f *fakeCommander) ListActive() []fuzz.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fuzz.Status, 0, len(f.active))
	for _, s := range f.active {
		out = append(out, s)
	}
	return out
}

type testEnv struct {
	router    *mux.Router
	store     *store.GormStore
	commander *fakeCommander
	hub       *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open("sqlite://" + filepath.Join(t.TempDir(), "fuzzhub.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	st := store.NewStore(db)
	registry, err := fuzz.NewRegistryFrom(zap.NewNop(), dummy.NewPlugin())
	require.NoError(t, err)
	commander := newFakeCommander()
	hub := NewHub(zap.NewNop())
	t.Cleanup(hub.Close)

	h := New(commander, st, registry, zap.NewNop())
	return &testEnv{
		router:    NewRouter(h, hub, prometheus.NewRegistry()),
		store:     st,
		commander: commander,
		hub:       hub,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

func TestCampaignRoutes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/campaigns", `{"name":"libpng","target_binary":"/out/png"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[campaignResponse](t, w)
	assert.Equal(t, "libpng", created.Name)
	assert.NotEmpty(t, created.ID)

	w = env.do(t, "GET", "/campaigns/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/out/png", decode[campaignResponse](t, w).TargetBinary)

	w = env.do(t, "GET", "/campaigns", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]campaignResponse](t, w), 1)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/campaigns/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/campaigns", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/campaigns", `not json`).Code)
}

func TestFuzzerRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do(t, "POST", "/fuzzers/start", `{"campaign_id":"c1","fuzzer_type":"dummy","config":{}}`)
	require.Equal(t, http.StatusOK, w.Code)
	id := decode[map[string]string](t, w)["fuzzer_id"]
	require.NotEmpty(t, id)

	require.NoError(t, env.store.InsertMetric(ctx, &database.MetricSnapshot{
		FuzzerInstanceID: id, ExecPerSec: 2500, CorpusSize: 300, Coverage: 42.5,
	}))
	_, _, err := env.store.RecordCrash(ctx, &database.Crash{CampaignID: "c1", FuzzerInstanceID: id, CrashHash: "h1"})
	require.NoError(t, err)

	w = env.do(t, "GET", "/fuzzers", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0]["id"])
	assert.Equal(t, "running", list[0]["state"])
	assert.Equal(t, float64(2500), list[0]["exec_per_sec"])
	assert.Equal(t, float64(1), list[0]["crash_count"])

	w = env.do(t, "POST", "/fuzzers/"+id+"/restart", "")
	require.Equal(t, http.StatusOK, w.Code)
	restarted := decode[map[string]string](t, w)
	assert.Equal(t, "restarted", restarted["status"])
	assert.NotEqual(t, id, restarted["new_id"])

	w = env.do(t, "POST", "/fuzzers/"+restarted["new_id"]+"/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode[map[string]string](t, w)["status"])
	assert.Empty(t, env.commander.ListActive())

	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/fuzzers/missing/restart", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/fuzzers/start", `{"campaign_id":"c1","fuzzer_type":"libfuzzer"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/fuzzers/start", `{"fuzzer_type":"dummy"}`).Code)
}

func TestFuzzerTypes(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/fuzzers/types", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"dummy"}, decode[[]string](t, w))
}

func TestCrashRoute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for range 2 {
		_, _, err := env.store.RecordCrash(ctx, &database.Crash{
			CampaignID: "c1", FuzzerInstanceID: "f1", CrashHash: "h1", CrashType: "segmentation_fault",
		})
		require.NoError(t, err)
	}

	w := env.do(t, "GET", "/campaigns/c1/crashes", "")
	require.Equal(t, http.StatusOK, w.Code)
	crashes := decode[[]crashResponse](t, w)
	require.Len(t, crashes, 1)
	assert.Equal(t, 2, crashes[0].Occurrences)
	assert.Equal(t, "segmentation_fault", crashes[0].CrashType)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ev := bus.Event{
		Type:      bus.FuzzerUpdate,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"fuzzer": map[string]any{"id": "f1", "state": "running"}},
	}
	require.NoError(t, env.hub.Publish(context.Background(), ev))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "fuzzer_update", got["type"])
	assert.Equal(t, "2026-01-01T00:00:00Z", got["timestamp"])
	assert.Equal(t, "running", got["payload"].(map[string]any)["fuzzer"].(map[string]any)["state"])

	env.hub.Close()
	assert.Equal(t, 0, env.hub.ClientCount())
}
