package aflpp

import (
	"encoding/json"
	"errors"
	"fmt"
	"fuzzhub/internal/fuzz"
	"fuzzhub/pkg/watchdog"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const Name = "aflpp"

const defaultTimeoutMs = 5000

type Plugin struct {
	logger      *zap.Logger
	watchDogFac *watchdog.WatchDogFactory
	aflPath     string
}

type AFLPluginParams struct {
	fx.In

	Logger      *zap.Logger
	WatchDogFac *watchdog.WatchDogFactory
}

// NewAFLPlugin returns nil when afl-fuzz is not installed, which keeps the
// type out of the registry.
func NewAFLPlugin(params AFLPluginParams) *Plugin {
	aflPath, err := exec.LookPath("afl-fuzz")
	if err != nil {
		params.Logger.Info("afl-fuzz not found, aflpp fuzzer disabled", zap.Error(err))
		return nil
	}
	return NewPluginWithBinary(params.Logger, params.WatchDogFac, aflPath)
}

func NewPluginWithBinary(logger *zap.Logger, watchDogFac *watchdog.WatchDogFactory, aflPath string) *Plugin {
	return &Plugin{
		logger:      logger.Named("aflpp"),
		watchDogFac: watchDogFac,
		aflPath:     aflPath,
	}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) New(spec fuzz.InstanceSpec) (fuzz.Fuzzer, error) {
	opts, err := parseOptions(spec)
	if err != nil {
		return nil, err
	}
	return &Fuzzer{
		spec:        spec,
		opts:        opts,
		aflPath:     p.aflPath,
		watchDogFac: p.watchDogFac,
		logger:      p.logger.With(zap.String("fuzzer_id", spec.ID)),
		pending:     make(map[string]int),
		seen:        make(map[string]struct{}),
		settle:      crashSettleDelay,
		now:         time.Now,
	}, nil
}

// options are read from the instance config
type options struct {
	Target     string   // harness binary, required
	TargetArgs []string // arguments after the harness, "@@" for file input
	InputDir   string   // -i
	SeedDir    string   // copied into InputDir before the first run
	OutputDir  string   // -o
	DictPath   string   // -x
	TimeoutMs  int      // -t
	Name       string   // -M or -S
	Secondary  bool     // run with -S instead of -M
}

func parseOptions(spec fuzz.InstanceSpec) (options, error) {
	cfg := spec.Config
	opts := options{
		Target:    stringOpt(cfg, "target"),
		InputDir:  stringOpt(cfg, "input_dir"),
		SeedDir:   stringOpt(cfg, "seed_dir"),
		OutputDir: stringOpt(cfg, "output_dir"),
		DictPath:  stringOpt(cfg, "dict"),
		TimeoutMs: intOpt(cfg, "timeout_ms", defaultTimeoutMs),
		Name:      stringOpt(cfg, "name"),
		Secondary: stringOpt(cfg, "mode") == "secondary",
	}
	if opts.Target == "" {
		return opts, errors.New("aflpp: config.target is required")
	}
	if raw, ok := cfg["target_args"].([]any); ok {
		for _, a := range raw {
			opts.TargetArgs = append(opts.TargetArgs, fmt.Sprint(a))
		}
	}
	if opts.InputDir == "" {
		opts.InputDir = filepath.Join(spec.WorkDir, "in")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(spec.WorkDir, "out")
	}
	if opts.Name == "" {
		opts.Name = "main"
	}
	return opts, nil
}

func stringOpt(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

// intOpt accepts the float64 that JSON decoding produces, json.Number from
// UseNumber decoders, and plain ints.
func intOpt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	}
	return def
}

var AFLModule = fx.Options(
	fx.Provide(fx.Annotate(NewAFLPlugin, fx.As(new(fuzz.Plugin)), fx.ResultTags(`group:"fuzzers"`))),
)
