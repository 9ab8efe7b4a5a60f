package fuzz

import (
	"context"
	"errors"
	"fmt"
	"fuzzhub/pkg/proc"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var ErrSpawn = errors.New("failed to spawn fuzzer process")

const (
	DefaultStopTimeout = 10 * time.Second
	killGrace          = 5 * time.Second
)

// Process supervises at most one external process for one fuzzer instance.
//
// opMu serializes Start and Stop end to end. mu guards the fields and is
// never held while waiting for the process, so Status stays responsive
// during a slow stop.
type Process struct {
	opMu sync.Mutex
	mu   sync.Mutex

	id         string
	campaignID string
	fuzzerType string
	fuzzer     Fuzzer

	state     State
	cmd       *exec.Cmd
	exited    chan struct{}
	exitErr   error
	startedAt time.Time

	stopTimeout time.Duration
	output      io.Writer
	logger      *zap.Logger
	now         func() time.Time
}

type ProcessOption func(*Process)

// WithStopTimeout bounds how long Stop waits after SIGTERM before SIGKILL.
func WithStopTimeout(d time.Duration) ProcessOption {
	return func(p *Process) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

// WithOutput receives the combined stdout and stderr of the process.
func WithOutput(w io.Writer) ProcessOption {
	return func(p *Process) { p.output = w }
}

func WithLogger(logger *zap.Logger) ProcessOption {
	return func(p *Process) { p.logger = logger }
}

func NewProcess(id, campaignID, fuzzerType string, f Fuzzer, opts ...ProcessOption) *Process {
	p := &Process{
		id:          id,
		campaignID:  campaignID,
		fuzzerType:  fuzzerType,
		fuzzer:      f,
		state:       StateStopped,
		stopTimeout: DefaultStopTimeout,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("fuzzer_id", id), zap.String("fuzzer_type", fuzzerType))
	return p
}

func (p *Process) ID() string { return p.id }

func (p *Process) Fuzzer() Fuzzer { return p.fuzzer }

// Start launches the external process. It is a no-op when already running.
// A build or spawn failure leaves the instance in the error state.
func (p *Process) Start(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRunning {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTransition(p.state, StateStarting); err != nil {
		return err
	}
	p.state = StateStarting

	argv, err := p.fuzzer.BuildCommand()
	if err == nil && len(argv) == 0 {
		err = errors.New("empty command")
	}
	if err != nil {
		p.state = StateError
		return fmt.Errorf("%w: build command: %w", ErrSpawn, err)
	}

	// not CommandContext: the process must outlive the request that started it
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if p.output != nil {
		cmd.Stdout = p.output
		cmd.Stderr = p.output
	}
	if err := cmd.Start(); err != nil {
		p.state = StateError
		return fmt.Errorf("%w: %s: %w", ErrSpawn, argv[0], err)
	}

	exited := make(chan struct{})
	p.cmd = cmd
	p.exited = exited
	p.exitErr = nil
	p.startedAt = p.now()
	p.state = StateRunning
	go p.wait(cmd, exited)

	p.logger.Info("fuzzer process started", zap.Int("pid", cmd.Process.Pid), zap.Strings("argv", argv))
	return nil
}

// wait reaps the process and flags an exit nobody asked for as a crash.
func (p *Process) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	close(exited)
	if p.cmd != cmd {
		return
	}
	p.exitErr = err
	if p.state == StateRunning || p.state == StatePaused {
		p.state = StateCrashed
		p.logger.Debug("fuzzer process exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
	}
}

// Stop terminates the process group with SIGTERM, escalating to SIGKILL after
// the stop timeout or when ctx is done. Stopping a stopped instance is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()

	if cmd == nil {
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		return nil
	}

	err := p.terminate(ctx, cmd.Process.Pid, exited)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = StateError
		return err
	}
	if p.cmd == cmd {
		p.cmd = nil
		p.exited = nil
		p.startedAt = time.Time{}
	}
	p.state = StateStopped
	p.logger.Info("fuzzer process stopped", zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *Process) terminate(ctx context.Context, pid int, exited <-chan struct{}) error {
	select {
	case <-exited:
		return nil
	default:
	}

	if err := proc.SignalGroup(pid, syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to send SIGTERM", zap.Int("pid", pid), zap.Error(err))
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
		p.logger.Warn("fuzzer did not exit after SIGTERM, killing", zap.Int("pid", pid), zap.Duration("timeout", p.stopTimeout))
	case <-ctx.Done():
		p.logger.Warn("stop cancelled, killing fuzzer", zap.Int("pid", pid), zap.Error(ctx.Err()))
	}

	if err := proc.SignalGroup(pid, syscall.SIGKILL); err != nil {
		p.logger.Error("failed to send SIGKILL", zap.Int("pid", pid), zap.Error(err))
	}
	select {
	case <-exited:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		ID:         p.id,
		CampaignID: p.campaignID,
		FuzzerType: p.fuzzerType,
		State:      p.state,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		pid := p.cmd.Process.Pid
		s.PID = &pid
	}
	if !p.startedAt.IsZero() {
		uptime := p.now().Sub(p.startedAt).Seconds()
		s.UptimeSeconds = &uptime
	}
	return s
}

// ExitErr returns the wait error of the last process that exited on its own.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
