// Package dummy provides a fuzzer that runs a long sleep and invents
// plausible metrics and crashes. It exercises the whole pipeline without a
// real target.
package dummy

import (
	"context"
	"fmt"
	"fuzzhub/internal/fuzz"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/fx"
)

const Name = "dummy"

const (
	crashProbability = 0.2
	sleepSeconds     = "10000"
)

type Plugin struct {
	newRand func() *rand.Rand
}

func NewPlugin() *Plugin {
	return &Plugin{
		newRand: func() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) },
	}
}

// NewPluginWithSeed makes every fuzzer it builds deterministic.
func NewPluginWithSeed(seed int64) *Plugin {
	return &Plugin{
		newRand: func() *rand.Rand { return rand.New(rand.NewSource(seed)) },
	}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) New(spec fuzz.InstanceSpec) (fuzz.Fuzzer, error) {
	return &Fuzzer{spec: spec, rng: p.newRand()}, nil
}

type Fuzzer struct {
	spec fuzz.InstanceSpec

	mu      sync.Mutex
	rng     *rand.Rand
	crashes atomic.Int64
}

func (f *Fuzzer) Setup(ctx context.Context) error { return nil }

func (f *Fuzzer) BuildCommand() ([]string, error) {
	return []string{"sleep", sleepSeconds}, nil
}

func (f *Fuzzer) CollectMetrics(ctx context.Context) (*fuzz.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fuzz.Metrics{
		ExecPerSec:   float64(1000 + f.rng.Intn(4001)),
		CorpusSize:   100 + f.rng.Intn(401),
		Coverage:     10 + f.rng.Float64()*75,
		CrashesFound: f.rng.Intn(6),
	}, nil
}

func (f *Fuzzer) CollectCrashes(ctx context.Context) ([]fuzz.CrashRecord, error) {
	f.mu.Lock()
	hit := f.rng.Float64() < crashProbability
	f.mu.Unlock()
	if !hit {
		return nil, nil
	}
	n := f.crashes.Add(1)
	return []fuzz.CrashRecord{{
		Type:       "segmentation_fault",
		InputPath:  fmt.Sprintf("/tmp/input_%d", n),
		StackTrace: "dummy_stack_trace_line_1\nline_2\nline_3",
	}}, nil
}

var Module = fx.Options(
	fx.Provide(fx.Annotate(NewPlugin, fx.As(new(fuzz.Plugin)), fx.ResultTags(`group:"fuzzers"`))),
)
