package scheduler

import (
	"context"
	"fuzzhub/config"
	"fuzzhub/internal/campaign"
	"fuzzhub/internal/store"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	nodeOnline  = "online"
	nodeOffline = "offline"
)

// Supervisor is the part of the campaign manager the scheduler drives.
type Supervisor interface {
	Recover(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	StopAll(ctx context.Context) error
}

type NodeStore interface {
	TouchWorkerNode(ctx context.Context, hostname, status string) error
}

// Scheduler recovers fuzzers left by a previous run, then drives the
// heartbeat on a fixed interval until shutdown, when it stops every fuzzer.
type Scheduler struct {
	supervisor Supervisor
	nodes      NodeStore
	logger     *zap.Logger
	interval   time.Duration
	hostname   string

	cancel context.CancelFunc
	done   chan struct{}
}

type SchedulerParams struct {
	fx.In

	Lc        fx.Lifecycle
	Manager   *campaign.Manager
	Store     store.Store
	Logger    *zap.Logger
	AppConfig *config.AppConfig
}

func NewScheduler(params SchedulerParams) *Scheduler {
	scheduler := New(params.Manager, params.Store, params.Logger, params.AppConfig.Supervisor.HeartbeatInterval, params.AppConfig.Hostname)

	params.Lc.Append(fx.Hook{
		OnStart: scheduler.Start,
		OnStop:  scheduler.Stop,
	})
	return scheduler
}

func New(supervisor Supervisor, nodes NodeStore, logger *zap.Logger, interval time.Duration, hostname string) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		supervisor: supervisor,
		nodes:      nodes,
		logger:     logger.Named("scheduler"),
		interval:   interval,
		hostname:   hostname,
	}
}

// Start runs recovery before the heartbeat loop so no command sees a
// registry that is missing recovered fuzzers.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.supervisor.Recover(ctx); err != nil {
		return err
	}
	s.touch(ctx, nodeOnline)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.start(loopCtx)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	err := s.supervisor.StopAll(ctx)
	s.touch(ctx, nodeOffline)
	return err
}

// starts a loop to send heartbeats
func (s *Scheduler) start(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context done, stopping heartbeat")
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Scheduler) beat(ctx context.Context) {
	if err := s.supervisor.Heartbeat(ctx); err != nil {
		s.logger.Warn("heartbeat failed", zap.Error(err))
	}
	s.touch(ctx, nodeOnline)
}

func (s *Scheduler) touch(ctx context.Context, status string) {
	if s.nodes == nil || s.hostname == "" {
		return
	}
	if err := s.nodes.TouchWorkerNode(ctx, s.hostname, status); err != nil {
		s.logger.Warn("failed to update worker node", zap.String("hostname", s.hostname), zap.Error(err))
	}
}

var Module = fx.Options(
	fx.Invoke(NewScheduler),
)
