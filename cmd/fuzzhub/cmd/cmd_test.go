package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuzzerConfigMergesFileAndSets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuzzer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: /bin/true\ntimeout_ms: 1000\n"), 0o644))

	cfg, err := fuzzerConfig(path, []string{"timeout_ms=2000", "mode=secondary", "target_args=[-a, -b]"})
	require.NoError(t, err)

	assert.Equal(t, "/bin/true", cfg["target"])
	assert.Equal(t, 2000, cfg["timeout_ms"])
	assert.Equal(t, "secondary", cfg["mode"])
	assert.Equal(t, []any{"-a", "-b"}, cfg["target_args"])
}

func TestFuzzerConfigRejectsBadSet(t *testing.T) {
	_, err := fuzzerConfig("", []string{"novalue"})
	require.Error(t, err)
}

func TestCallAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fuzzers/start":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["fuzzer_type"] != "dummy" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"fuzzer_id": "f-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "fuzzer not found"})
		}
	}))
	defer srv.Close()

	old := serverURL
	serverURL = srv.URL + "/"
	defer func() { serverURL = old }()

	var resp struct {
		FuzzerID string `json:"fuzzer_id"`
	}
	require.NoError(t, callAPI(http.MethodPost, "/fuzzers/start", map[string]any{"fuzzer_type": "dummy"}, &resp))
	assert.Equal(t, "f-1", resp.FuzzerID)

	err := callAPI(http.MethodPost, "/fuzzers/nope/stop", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fuzzer not found")
}
