package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Policy decides what happens when the forwarding queue is full.
type Policy string

const (
	Block      Policy = "block"       // emitter waits for room
	DropOldest Policy = "drop_oldest" // evict the head of the queue
	DropNewest Policy = "drop_newest" // discard the incoming event
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case Block, DropOldest, DropNewest:
		return p, nil
	}
	return "", fmt.Errorf("unknown backpressure policy %q", s)
}

// Sink receives forwarded events on the forwarder goroutine.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

const sinkTimeout = 5 * time.Second

// Forwarder moves every bus event through a bounded queue to a set of sinks,
// consumed by a single goroutine so slow sinks never stall emitters (unless
// the policy is Block).
type Forwarder struct {
	bus     *EventBus
	handler Handler
	queue   chan Event
	policy  Policy
	sinks   []Sink
	logger  *zap.Logger
	onDrop  func(Event)

	dropped atomic.Uint64
	enqMu   sync.Mutex // serializes evict-then-insert for DropOldest

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

type ForwarderOption func(*Forwarder)

func WithSinks(sinks ...Sink) ForwarderOption {
	return func(f *Forwarder) { f.sinks = append(f.sinks, sinks...) }
}

// WithDropHook is called for every event discarded by the policy.
func WithDropHook(fn func(Event)) ForwarderOption {
	return func(f *Forwarder) { f.onDrop = fn }
}

func NewForwarder(bus *EventBus, logger *zap.Logger, size int, policy Policy, opts ...ForwarderOption) *Forwarder {
	if size <= 0 {
		size = 1
	}
	f := &Forwarder{
		bus:    bus,
		queue:  make(chan Event, size),
		policy: policy,
		logger: logger.Named("forwarder"),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.handler = NewHandler(f.enqueue)
	return f
}

// Start subscribes to all events and launches the consumer goroutine.
func (f *Forwarder) Start() {
	f.startOnce.Do(func() {
		f.bus.Subscribe(Wildcard, f.handler)
		go f.run()
	})
}

// Stop unsubscribes, drains what is already queued and waits for the
// consumer, bounded by ctx.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.bus.Unsubscribe(Wildcard, f.handler)
	f.stopOnce.Do(func() { close(f.quit) })
	f.startOnce.Do(func() { close(f.done) }) // never started
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many events the policy has discarded.
func (f *Forwarder) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Forwarder) enqueue(ev Event) error {
	switch f.policy {
	case Block:
		select {
		case f.queue <- ev:
		case <-f.quit:
			f.drop(ev)
		}
	case DropNewest:
		select {
		case f.queue <- ev:
		default:
			f.drop(ev)
		}
	default:
		f.enqMu.Lock()
		defer f.enqMu.Unlock()
		for {
			select {
			case f.queue <- ev:
				return nil
			default:
			}
			select {
			case old := <-f.queue:
				f.drop(old)
			default:
			}
		}
	}
	return nil
}

func (f *Forwarder) drop(ev Event) {
	n := f.dropped.Add(1)
	if f.onDrop != nil {
		f.onDrop(ev)
	}
	// log the first drop and then every 1000th to avoid flooding
	if n == 1 || n%1000 == 0 {
		f.logger.Warn("event queue full, dropping events",
			zap.String("policy", string(f.policy)),
			zap.String("event_type", ev.Type),
			zap.Uint64("dropped_total", n),
		)
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ev)
		case <-f.quit:
			for {
				select {
				case ev := <-f.queue:
					f.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (f *Forwarder) deliver(ev Event) {
	for _, sink := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Publish(ctx, ev); err != nil {
			f.logger.Error("sink publish failed",
				zap.String("sink", sink.Name()),
				zap.String("event_type", ev.Type),
				zap.Error(err),
			)
		}
		cancel()
	}
}
