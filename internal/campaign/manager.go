package campaign

import (
	"context"
	"errors"
	"fmt"
	"fuzzhub/config"
	"fuzzhub/internal/bus"
	"fuzzhub/internal/collector"
	"fuzzhub/internal/fuzz"
	"fuzzhub/internal/monitor"
	"fuzzhub/internal/store"
	"fuzzhub/pkg/database"
	"fuzzhub/pkg/proc"
	"fuzzhub/pkg/telemetry"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

var ErrUnknownInstance = errors.New("unknown fuzzer instance")

// FuzzerUpdatePayload is the payload of a fuzzer_update event.
type FuzzerUpdatePayload struct {
	Fuzzer fuzz.Status `json:"fuzzer"`
}

type Settings struct {
	WorkDir         string
	MetricsInterval time.Duration
	CrashInterval   time.Duration
	StopTimeout     time.Duration
}

// entry is one live instance and what was attached to it at start.
type entry struct {
	instance   fuzz.Instance
	collectors []interface{ Stop() }
	output     io.Closer

	exitReported bool
}

// Manager owns the live fuzzer registry. Every structural change (start,
// stop, restart, heartbeat) is serialized by mu, including the bounded wait
// for a process to exit.
//
// A start spawns its process before it takes mu to register the entry, so
// starts hold startMu for reading from spawn to registration and StopAll
// holds it for writing. StopAll therefore sees every instance whose start
// began before it, and starts issued during StopAll wait for it to finish.
type Manager struct {
	startMu sync.RWMutex
	mu      sync.Mutex
	live    map[string]*entry

	registry *fuzz.Registry
	store    store.Store
	bus      *bus.EventBus
	tracer   *telemetry.TracerFactory
	monitor  *monitor.Monitor
	logger   *zap.Logger
	settings Settings

	alive func(ctx context.Context, pid int) bool
	newID func() string
	now   func() time.Time
}

type Option func(*Manager)

func WithTracerFactory(f *telemetry.TracerFactory) Option {
	return func(m *Manager) { m.tracer = f }
}

func WithMonitor(mon *monitor.Monitor) Option {
	return func(m *Manager) { m.monitor = mon }
}

func New(registry *fuzz.Registry, st store.Store, eventBus *bus.EventBus, logger *zap.Logger, settings Settings, opts ...Option) *Manager {
	if settings.WorkDir == "" {
		settings.WorkDir = filepath.Join(os.TempDir(), "fuzzhub")
	}
	m := &Manager{
		live:     make(map[string]*entry),
		registry: registry,
		store:    st,
		bus:      eventBus,
		logger:   logger.Named("campaign"),
		settings: settings,
		alive:    proc.Alive,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type ManagerParams struct {
	fx.In

	Registry *fuzz.Registry
	Store    store.Store
	Bus      *bus.EventBus
	Tracer   *telemetry.TracerFactory
	Monitor  *monitor.Monitor `optional:"true"`
	Logger   *zap.Logger
	Config   *config.AppConfig
}

func NewManager(p ManagerParams) *Manager {
	return New(p.Registry, p.Store, p.Bus, p.Logger, Settings{
		WorkDir:         p.Config.WorkDir,
		MetricsInterval: p.Config.Supervisor.MetricsInterval,
		CrashInterval:   p.Config.Supervisor.CrashInterval,
		StopTimeout:     p.Config.Supervisor.StopTimeout,
	}, WithTracerFactory(p.Tracer), WithMonitor(p.Monitor))
}

var Module = fx.Options(
	fx.Provide(NewManager),
)

// StartFuzzer launches a new instance of fuzzerType for the campaign and
// returns its id.
func (m *Manager) StartFuzzer(ctx context.Context, campaignID, fuzzerType string, cfg map[string]any) (string, error) {
	tracer := m.tracer.NewTracer(ctx, "campaign.start_fuzzer")
	tracer.Start()
	defer tracer.End()
	tracer.WithAttributes(attribute.String("campaign.id", campaignID), attribute.String("fuzzer.type", fuzzerType))

	m.startMu.RLock()
	defer m.startMu.RUnlock()
	id, err := m.startFuzzer(tracer.Context(), campaignID, fuzzerType, cfg)
	if err != nil {
		tracer.RecordError(err)
		tracer.SetStatus(codes.Error, "failed to start fuzzer")
		return "", err
	}
	tracer.WithAttributes(attribute.String("fuzzer.id", id))
	return id, nil
}

func (m *Manager) startFuzzer(ctx context.Context, campaignID, fuzzerType string, cfg map[string]any) (string, error) {
	plugin, err := m.registry.Lookup(fuzzerType)
	if err != nil {
		return "", err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}

	id := m.newID()
	logger := m.logger.With(zap.String("fuzzer_id", id), zap.String("fuzzer_type", fuzzerType))
	workDir := filepath.Join(m.settings.WorkDir, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	fuzzer, err := plugin.New(fuzz.InstanceSpec{
		ID:         id,
		CampaignID: campaignID,
		WorkDir:    workDir,
		Config:     cfg,
	})
	if err != nil {
		return "", fmt.Errorf("build %s fuzzer: %w", fuzzerType, err)
	}
	if err := fuzzer.Setup(ctx); err != nil {
		closeFuzzer(fuzzer, logger)
		return "", fmt.Errorf("setup %s fuzzer: %w", fuzzerType, err)
	}

	output, err := os.Create(filepath.Join(workDir, "fuzzer.log"))
	if err != nil {
		closeFuzzer(fuzzer, logger)
		return "", fmt.Errorf("create fuzzer log: %w", err)
	}

	process := fuzz.NewProcess(id, campaignID, fuzzerType, fuzzer,
		fuzz.WithStopTimeout(m.settings.StopTimeout),
		fuzz.WithOutput(output),
		fuzz.WithLogger(m.logger),
	)
	if err := process.Start(ctx); err != nil {
		output.Close()
		closeFuzzer(fuzzer, logger)
		return "", err
	}

	target := collector.Target{InstanceID: id, CampaignID: campaignID, FuzzerType: fuzzerType, Fuzzer: fuzzer}
	metrics := collector.NewMetricsCollector(target, m.store,
		collector.WithInterval(m.settings.MetricsInterval),
		collector.WithLogger(m.logger),
		collector.WithMonitor(m.monitor),
	)
	crashes := collector.NewCrashCollector(target, m.store, m.bus,
		collector.WithInterval(m.settings.CrashInterval),
		collector.WithLogger(m.logger),
		collector.WithMonitor(m.monitor),
		collector.WithArchiveDir(filepath.Join(m.settings.WorkDir, "crashes")),
	)
	metrics.Start()
	crashes.Start()

	e := &entry{
		instance:   process,
		collectors: []interface{ Stop() }{metrics, crashes},
		output:     output,
	}
	status := process.Status()
	startedAt := m.now()

	m.mu.Lock()
	m.live[id] = e
	err = m.store.CreateInstance(ctx, &database.FuzzerInstance{
		ID:         id,
		CampaignID: campaignID,
		FuzzerType: fuzzerType,
		PID:        status.PID,
		State:      database.InstanceState(status.State),
		Config:     datatypes.JSONMap(cfg),
		StartedAt:  &startedAt,
	})
	if err != nil {
		delete(m.live, id)
	}
	m.monitor.SetLiveFuzzers(len(m.live))
	m.mu.Unlock()

	if err != nil {
		// an instance nobody can find in the store cannot be restarted or recovered
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopTimeout())
		defer cancel()
		if stopErr := m.release(stopCtx, target, e); stopErr != nil {
			logger.Error("failed to stop unpersisted fuzzer", zap.Error(stopErr))
		}
		return "", fmt.Errorf("persist fuzzer instance: %w", err)
	}

	logger.Info("fuzzer started", zap.String("campaign_id", campaignID), zap.Intp("pid", status.PID))
	m.emit(status)
	return id, nil
}

// StopFuzzer stops a live instance. Unknown ids are ignored.
func (m *Manager) StopFuzzer(ctx context.Context, id string) error {
	tracer := m.tracer.NewTracer(ctx, "campaign.stop_fuzzer")
	tracer.Start()
	defer tracer.End()
	tracer.WithAttributes(attribute.String("fuzzer.id", id))

	m.mu.Lock()
	e, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("stop requested for unknown fuzzer", zap.String("fuzzer_id", id))
		return nil
	}
	status, err := m.stopEntry(tracer.Context(), id, e)
	delete(m.live, id)
	m.monitor.SetLiveFuzzers(len(m.live))
	m.mu.Unlock()

	m.emit(status)
	if err != nil {
		tracer.RecordError(err)
		tracer.SetStatus(codes.Error, "failed to stop fuzzer")
	}
	return err
}

// RestartFuzzer stops id and starts a new instance with the campaign, type
// and config persisted for it. The new instance gets a new id.
func (m *Manager) RestartFuzzer(ctx context.Context, id string) (string, error) {
	tracer := m.tracer.NewTracer(ctx, "campaign.restart_fuzzer")
	tracer.Start()
	defer tracer.End()
	tracer.WithAttributes(attribute.String("fuzzer.id", id))
	ctx = tracer.Context()

	row, err := m.store.GetInstance(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnknownInstance
	}
	if err != nil {
		return "", fmt.Errorf("load fuzzer %s: %w", id, err)
	}

	if err := m.StopFuzzer(ctx, id); err != nil {
		m.logger.Warn("old fuzzer did not stop cleanly", zap.String("fuzzer_id", id), zap.Error(err))
	}
	newID, err := m.StartFuzzer(ctx, row.CampaignID, row.FuzzerType, map[string]any(row.Config))
	if err != nil {
		tracer.RecordError(err)
		return "", err
	}
	m.logger.Info("fuzzer restarted", zap.String("old_id", id), zap.String("new_id", newID))
	return newID, nil
}

// StopAll stops every live instance concurrently and returns once their
// collectors have exited and their rows are marked stopped. A failing stop
// does not cancel the others.
func (m *Manager) StopAll(ctx context.Context) error {
	tracer := m.tracer.NewTracer(ctx, "campaign.stop_all")
	tracer.Start()
	defer tracer.End()
	ctx = tracer.Context()

	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	var (
		g        errgroup.Group
		resMu    sync.Mutex
		statuses []fuzz.Status
		errs     []error
	)
	for id, e := range m.live {
		g.Go(func() error {
			status, err := m.stopEntry(ctx, id, e)
			resMu.Lock()
			defer resMu.Unlock()
			statuses = append(statuses, status)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	g.Wait()
	n := len(m.live)
	clear(m.live)
	m.monitor.SetLiveFuzzers(0)
	m.mu.Unlock()

	for _, s := range statuses {
		m.emit(s)
	}
	err := errors.Join(errs...)
	if err != nil {
		tracer.RecordError(err)
	}
	m.logger.Info("all fuzzers stopped", zap.Int("count", n), zap.Int("failed", len(errs)))
	return err
}

// Heartbeat refreshes the persisted state of every live instance and emits
// its current status.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	now := m.now()
	statuses := make([]fuzz.Status, 0, len(m.live))
	var errs []error
	for id, e := range m.live {
		status := e.instance.Status()
		statuses = append(statuses, status)
		if status.State == fuzz.StateCrashed && !e.exitReported {
			e.exitReported = true
			m.logger.Warn("fuzzer exited unexpectedly",
				zap.String("fuzzer_id", id),
				zap.String("campaign_id", status.CampaignID),
				zap.Error(exitError(e.instance)),
			)
		}
		if err := m.store.Heartbeat(ctx, id, database.InstanceState(status.State), status.PID, now); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat %s: %w", id, err))
		}
	}
	m.mu.Unlock()

	sortStatuses(statuses)
	for _, s := range statuses {
		m.emit(s)
	}
	return errors.Join(errs...)
}

// ListActive returns the status of every live instance, ordered by id.
func (m *Manager) ListActive() []fuzz.Status {
	m.mu.Lock()
	statuses := make([]fuzz.Status, 0, len(m.live))
	for _, e := range m.live {
		statuses = append(statuses, e.instance.Status())
	}
	m.mu.Unlock()

	sortStatuses(statuses)
	return statuses
}

func (m *Manager) Get(id string) (fuzz.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live[id]
	if !ok {
		return fuzz.Status{}, false
	}
	return e.instance.Status(), true
}

// stopEntry stops the collectors and the instance and marks the row stopped.
// The caller holds mu and removes the entry.
func (m *Manager) stopEntry(ctx context.Context, id string, e *entry) (fuzz.Status, error) {
	var target collector.Target
	if c, ok := e.instance.(fuzz.Collectable); ok {
		target.Fuzzer = c.Fuzzer()
	}
	status := e.instance.Status()
	target.InstanceID, target.FuzzerType = id, status.FuzzerType

	stopErr := m.release(ctx, target, e)

	state := database.StateStopped
	if stopErr != nil {
		state = database.StateError
	}
	if err := m.store.UpdateInstanceState(ctx, id, state, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("failed to persist stopped fuzzer", zap.String("fuzzer_id", id), zap.Error(err))
	}

	status = e.instance.Status()
	status.PID = nil
	status.UptimeSeconds = nil
	if stopErr != nil {
		status.State = fuzz.StateError
		return status, fmt.Errorf("stop fuzzer %s: %w", id, stopErr)
	}
	m.logger.Info("fuzzer stopped", zap.String("fuzzer_id", id))
	return status, nil
}

// release stops everything attached to an entry, collectors first so no
// tick races the process teardown.
func (m *Manager) release(ctx context.Context, target collector.Target, e *entry) error {
	for _, c := range e.collectors {
		c.Stop()
	}
	err := e.instance.Stop(ctx)
	if target.Fuzzer != nil {
		closeFuzzer(target.Fuzzer, m.logger)
	}
	if e.output != nil {
		e.output.Close()
	}
	m.monitor.ForgetFuzzer(target.InstanceID, target.FuzzerType)
	return err
}

func (m *Manager) stopTimeout() time.Duration {
	if m.settings.StopTimeout > 0 {
		return 2 * m.settings.StopTimeout
	}
	return 2 * fuzz.DefaultStopTimeout
}

func (m *Manager) emit(status fuzz.Status) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(bus.FuzzerUpdate, FuzzerUpdatePayload{Fuzzer: status})
}

// exitError is the wait error of a supervised process that died on its own.
func exitError(inst fuzz.Instance) error {
	if p, ok := inst.(*fuzz.Process); ok {
		return p.ExitErr()
	}
	return nil
}

func closeFuzzer(f fuzz.Fuzzer, logger *zap.Logger) {
	if c, ok := f.(fuzz.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("failed to release fuzzer resources", zap.Error(err))
		}
	}
}

func sortStatuses(statuses []fuzz.Status) {
	slices.SortFunc(statuses, func(a, b fuzz.Status) int { return strings.Compare(a.ID, b.ID) })
}
