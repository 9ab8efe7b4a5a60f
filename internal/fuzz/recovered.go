package fuzz

import (
	"context"
	"fuzzhub/pkg/proc"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Recovered stands in for a process started by an earlier daemon run. It
// reports the last persisted status and can stop the process, but carries
// no Fuzzer, so nothing collects from it.
type Recovered struct {
	mu sync.Mutex

	id         string
	campaignID string
	fuzzerType string
	pid        int
	state      State
	startedAt  *time.Time

	stopTimeout time.Duration
	pollEvery   time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewRecovered(id, campaignID, fuzzerType string, pid int, startedAt *time.Time, stopTimeout time.Duration, logger *zap.Logger) *Recovered {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Recovered{
		id:          id,
		campaignID:  campaignID,
		fuzzerType:  fuzzerType,
		pid:         pid,
		state:       StateRunning,
		startedAt:   startedAt,
		stopTimeout: stopTimeout,
		pollEvery:   100 * time.Millisecond,
		logger:      logger.With(zap.String("fuzzer_id", id), zap.Int("pid", pid)),
		now:         time.Now,
	}
}

func (r *Recovered) ID() string { return r.id }

func (r *Recovered) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		ID:         r.id,
		CampaignID: r.campaignID,
		FuzzerType: r.fuzzerType,
		State:      r.state,
		Recovered:  true,
	}
	if r.state == StateRunning {
		pid := r.pid
		s.PID = &pid
		if r.startedAt != nil {
			uptime := r.now().Sub(*r.startedAt).Seconds()
			s.UptimeSeconds = &uptime
		}
	}
	return s
}

// Stop sends SIGTERM to the recorded pid and polls for its exit, sending
// SIGKILL once the stop timeout passes. The process is not our child, so
// there is nothing to reap.
func (r *Recovered) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateStopped {
		return nil
	}
	if err := proc.Signal(r.pid, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.NewTimer(r.stopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

wait:
	for proc.Alive(ctx, r.pid) {
		select {
		case <-ticker.C:
		case <-deadline.C:
			r.logger.Warn("recovered fuzzer ignored SIGTERM, killing")
			_ = proc.Signal(r.pid, syscall.SIGKILL)
			break wait
		case <-ctx.Done():
			_ = proc.Signal(r.pid, syscall.SIGKILL)
			break wait
		}
	}

	r.state = StateStopped
	r.logger.Info("recovered fuzzer stopped")
	return nil
}
