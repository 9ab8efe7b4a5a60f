package api

import (
	"context"
	"encoding/json"
	"errors"
	"fuzzhub/internal/campaign"
	"fuzzhub/internal/fuzz"
	"fuzzhub/internal/store"
	"fuzzhub/pkg/database"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Commander is the command surface of the campaign manager.
type Commander interface {
	StartFuzzer(ctx context.Context, campaignID, fuzzerType string, cfg map[string]any) (string, error)
	StopFuzzer(ctx context.Context, id string) error
	RestartFuzzer(ctx context.Context, id string) (string, error)
	ListActive() []fuzz.Status
}

type Handler struct {
	commander Commander
	store     store.Store
	registry  *fuzz.Registry
	logger    *zap.Logger
}

type HandlerParams struct {
	fx.In

	Manager  *campaign.Manager
	Store    store.Store
	Registry *fuzz.Registry
	Logger   *zap.Logger
}

func NewHandler(p HandlerParams) *Handler {
	return New(p.Manager, p.Store, p.Registry, p.Logger)
}

func New(commander Commander, st store.Store, registry *fuzz.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		commander: commander,
		store:     st,
		registry:  registry,
		logger:    logger.Named("api"),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/campaigns", h.ListCampaigns).Methods("GET")
	r.HandleFunc("/campaigns", h.CreateCampaign).Methods("POST")
	r.HandleFunc("/campaigns/{id}", h.GetCampaign).Methods("GET")
	r.HandleFunc("/campaigns/{id}/crashes", h.ListCrashes).Methods("GET")
	r.HandleFunc("/campaigns/{id}/fuzzers", h.ListCampaignFuzzers).Methods("GET")

	// register specific routes before parameterized routes
	r.HandleFunc("/fuzzers/types", h.ListFuzzerTypes).Methods("GET")
	r.HandleFunc("/fuzzers/start", h.StartFuzzer).Methods("POST")
	r.HandleFunc("/fuzzers", h.ListFuzzers).Methods("GET")
	r.HandleFunc("/fuzzers/{id}/stop", h.StopFuzzer).Methods("POST")
	r.HandleFunc("/fuzzers/{id}/restart", h.RestartFuzzer).Methods("POST")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_fuzzers": len(h.commander.ListActive()),
	})
}

type createCampaignRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	TargetBinary string `json:"target_binary"`
}

type campaignResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	TargetBinary string `json:"target_binary"`
	CreatedAt    string `json:"created_at"`
	Active       bool   `json:"active"`
}

func toCampaignResponse(c *database.Campaign) campaignResponse {
	return campaignResponse{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		TargetBinary: c.TargetBinary,
		CreatedAt:    c.CreatedAt.UTC().Format(time.RFC3339),
		Active:       c.Active,
	}
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	c := &database.Campaign{
		Name:         req.Name,
		Description:  req.Description,
		TargetBinary: req.TargetBinary,
		Active:       true,
	}
	if err := h.store.CreateCampaign(r.Context(), c); err != nil {
		h.logger.Error("failed to create campaign", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("campaign created", zap.String("campaign_id", c.ID), zap.String("name", c.Name))
	writeJSON(w, http.StatusCreated, toCampaignResponse(c))
}

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.store.ListCampaigns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for i := range campaigns {
		out = append(out, toCampaignResponse(&campaigns[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCampaign(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

type crashResponse struct {
	ID               uint   `json:"id"`
	CampaignID       string `json:"campaign_id"`
	FuzzerInstanceID string `json:"fuzzer_instance_id"`
	CrashHash        string `json:"crash_hash"`
	CrashType        string `json:"crash_type"`
	InputPath        string `json:"input_path"`
	StackTrace       string `json:"stack_trace"`
	FirstSeen        string `json:"first_seen"`
	LastSeen         string `json:"last_seen"`
	Occurrences      int    `json:"occurrences"`
}

func (h *Handler) ListCrashes(w http.ResponseWriter, r *http.Request) {
	crashes, err := h.store.ListCrashes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]crashResponse, 0, len(crashes))
	for _, c := range crashes {
		out = append(out, crashResponse{
			ID:               c.ID,
			CampaignID:       c.CampaignID,
			FuzzerInstanceID: c.FuzzerInstanceID,
			CrashHash:        c.CrashHash,
			CrashType:        c.CrashType,
			InputPath:        c.InputPath,
			StackTrace:       c.StackTrace,
			FirstSeen:        c.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:         c.LastSeen.UTC().Format(time.RFC3339),
			Occurrences:      c.Occurrences,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// instanceResponse is the persisted view of a run, live or not.
type instanceResponse struct {
	ID            string         `json:"id"`
	CampaignID    string         `json:"campaign_id"`
	FuzzerType    string         `json:"fuzzer_type"`
	State         string         `json:"state"`
	PID           *int           `json:"pid"`
	Config        map[string]any `json:"config"`
	StartedAt     *string        `json:"started_at"`
	LastHeartbeat *string        `json:"last_heartbeat"`
}

func (h *Handler) ListCampaignFuzzers(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListInstances(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]instanceResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, instanceResponse{
			ID:            row.ID,
			CampaignID:    row.CampaignID,
			FuzzerType:    row.FuzzerType,
			State:         string(row.State),
			PID:           row.PID,
			Config:        row.Config,
			StartedAt:     formatTime(row.StartedAt),
			LastHeartbeat: formatTime(row.LastHeartbeat),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListFuzzerTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Names())
}

// fuzzerResponse is a live status joined with its latest sample.
type fuzzerResponse struct {
	fuzz.Status
	ExecPerSec *float64 `json:"exec_per_sec"`
	CorpusSize *int     `json:"corpus_size"`
	Coverage   *float64 `json:"coverage"`
	CrashCount int64    `json:"crash_count"`
}

func (h *Handler) ListFuzzers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active := h.commander.ListActive()
	out := make([]fuzzerResponse, 0, len(active))
	for _, status := range active {
		resp := fuzzerResponse{Status: status}

		metric, err := h.store.LatestMetric(ctx, status.ID)
		switch {
		case err == nil:
			resp.ExecPerSec = &metric.ExecPerSec
			resp.CorpusSize = &metric.CorpusSize
			resp.Coverage = &metric.Coverage
		case !errors.Is(err, store.ErrNotFound):
			h.logger.Warn("failed to load latest metric", zap.String("fuzzer_id", status.ID), zap.Error(err))
		}

		count, err := h.store.CountCrashes(ctx, status.ID)
		if err != nil {
			h.logger.Warn("failed to count crashes", zap.String("fuzzer_id", status.ID), zap.Error(err))
		}
		resp.CrashCount = count
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

type startFuzzerRequest struct {
	CampaignID string         `json:"campaign_id"`
	FuzzerType string         `json:"fuzzer_type"`
	Config     map[string]any `json:"config"`
}

func (h *Handler) StartFuzzer(w http.ResponseWriter, r *http.Request) {
	var req startFuzzerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CampaignID == "" || req.FuzzerType == "" {
		writeError(w, http.StatusBadRequest, "campaign_id and fuzzer_type are required")
		return
	}

	id, err := h.commander.StartFuzzer(r.Context(), req.CampaignID, req.FuzzerType, req.Config)
	switch {
	case errors.Is(err, fuzz.ErrNotRegistered):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to start fuzzer", zap.String("campaign_id", req.CampaignID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fuzzer_id": id})
}

func (h *Handler) StopFuzzer(w http.ResponseWriter, r *http.Request) {
	if err := h.commander.StopFuzzer(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) RestartFuzzer(w http.ResponseWriter, r *http.Request) {
	newID, err := h.commander.RestartFuzzer(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, campaign.ErrUnknownInstance):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "new_id": newID})
}
