package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickFunc is one collection pass.
type TickFunc func(ctx context.Context) error

// Loop runs a TickFunc immediately and then on every interval until Stop.
// A failing or panicking tick is logged and the loop carries on.
type Loop struct {
	name     string
	interval time.Duration
	tick     TickFunc
	logger   *zap.Logger
	onError  func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(name string, interval time.Duration, tick TickFunc, logger *zap.Logger) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		tick:     tick,
		logger:   logger,
	}
}

// Start is a no-op when the loop is already running.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop cancels the loop and waits for the running tick to return. It may be
// called any number of times.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if err := l.runTick(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("collector tick failed", zap.String("collector", l.name), zap.Error(err))
			if l.onError != nil {
				l.onError(err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) runTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panic: %v", r)
		}
	}()
	return l.tick(ctx)
}
