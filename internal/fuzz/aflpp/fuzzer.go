package aflpp

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"fuzzhub/internal/fuzz"
	"fuzzhub/pkg/fsutil"
	"fuzzhub/pkg/watchdog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	crashQueueSize = 256
	// a crash file untouched for this long is taken as fully written
	crashSettleDelay = time.Second
	maxCrashReads    = 5
)

// Fuzzer drives one afl-fuzz main instance.
type Fuzzer struct {
	spec        fuzz.InstanceSpec
	opts        options
	aflPath     string
	watchDogFac *watchdog.WatchDogFactory
	logger      *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	watchDog *watchdog.WatchDog
	crashCh  chan string
	watching bool
	pending  map[string]int // crash file -> failed reads
	seen     map[string]struct{}

	settle time.Duration
	now    func() time.Time
}

// Setup creates the input and output folders and drops a single seed into an
// empty corpus, since afl-fuzz refuses to start without one.
func (f *Fuzzer) Setup(ctx context.Context) error {
	for _, dir := range []string{f.opts.InputDir, f.opts.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	entries, err := os.ReadDir(f.opts.InputDir)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	seeded := len(entries) > 0
	if !seeded && f.opts.SeedDir != "" {
		n, err := fsutil.CopyDir(f.opts.SeedDir, f.opts.InputDir)
		if err != nil {
			return fmt.Errorf("copy seeds: %w", err)
		}
		f.logger.Debug("seeded corpus", zap.String("seed_dir", f.opts.SeedDir), zap.Int("seeds", n))
		seeded = n > 0
	}
	if !seeded {
		if err := os.WriteFile(filepath.Join(f.opts.InputDir, "seed0"), []byte("fuzz"), 0o644); err != nil {
			return fmt.Errorf("write initial seed: %w", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchDog != nil || f.watchDogFac == nil {
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	crashCh := make(chan string, crashQueueSize)
	wd, err := f.watchDogFac.New(watchCtx, crashCh, filterCrashFiles)
	if err != nil {
		cancel()
		return fmt.Errorf("start crash watcher: %w", err)
	}
	f.cancel = cancel
	f.watchDog = wd
	f.crashCh = crashCh
	return nil
}

// BuildCommand wraps afl-fuzz in env(1) so the AFL_* variables reach it
// without touching the supervisor's own environment.
func (f *Fuzzer) BuildCommand() ([]string, error) {
	argv := append([]string{"env"}, f.env()...)
	argv = append(argv, f.aflPath)
	argv = append(argv, f.buildArgs()...)
	return argv, nil
}

func (f *Fuzzer) env() []string {
	if f.opts.Secondary {
		return defaultAFLEnv()
	}
	return masterAFLEnv()
}

// buildArgs builds the command line arguments for afl-fuzz.
func (f *Fuzzer) buildArgs() []string {
	// Input & Output
	args := []string{"-i", f.opts.InputDir, "-o", f.opts.OutputDir}

	// Mode & Name
	if f.opts.Secondary {
		args = append(args, "-S", f.opts.Name)
	} else {
		args = append(args, "-M", f.opts.Name)
	}

	timeout := f.opts.TimeoutMs
	if timeout <= 0 {
		timeout = defaultTimeoutMs
	}
	args = append(args, "-t", fmt.Sprintf("%d+", timeout))

	if f.opts.DictPath != "" {
		args = append(args, "-x", f.opts.DictPath)
	}

	args = append(args, "--", f.opts.Target)
	return append(args, f.opts.TargetArgs...)
}

func (f *Fuzzer) syncDir() string {
	return filepath.Join(f.opts.OutputDir, f.opts.Name)
}

func (f *Fuzzer) CollectMetrics(ctx context.Context) (*fuzz.Metrics, error) {
	file, err := os.Open(filepath.Join(f.syncDir(), "fuzzer_stats"))
	if err != nil {
		if os.IsNotExist(err) {
			// afl-fuzz writes the first stats after calibration
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	stats, err := parseFuzzerStats(file)
	if err != nil {
		return nil, err
	}
	return stats.metrics(), nil
}

// CollectCrashes returns the crash inputs written since the previous call.
// The crashes folder only appears once afl-fuzz is running, so it is attached
// to the watcher lazily, picking up anything written before that.
func (f *Fuzzer) CollectCrashes(ctx context.Context) ([]fuzz.CrashRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.watchDog == nil {
		return nil, nil
	}
	if !f.watching {
		crashDir := filepath.Join(f.syncDir(), "crashes")
		if _, err := os.Stat(crashDir); err != nil {
			return nil, nil
		}
		if err := f.watchDog.AddDir(crashDir); err != nil {
			return nil, err
		}
		f.watching = true
		existing, err := filepath.Glob(filepath.Join(crashDir, "id:*"))
		if err != nil {
			return nil, err
		}
		for _, name := range existing {
			f.addPending(name)
		}
	}

drain:
	for {
		select {
		case name, ok := <-f.crashCh:
			if !ok {
				break drain
			}
			f.addPending(name)
		default:
			break drain
		}
	}

	var records []fuzz.CrashRecord
	for name, failures := range f.pending {
		info, err := os.Stat(name)
		if err == nil && f.now().Sub(info.ModTime()) < f.settle {
			// still being written, look again next tick
			continue
		}
		var rec fuzz.CrashRecord
		if err == nil {
			rec, err = readCrash(name)
		}
		if err != nil {
			failures++
			if failures >= maxCrashReads {
				f.logger.Warn("giving up on crash input", zap.String("path", name), zap.Int("attempts", failures), zap.Error(err))
				delete(f.pending, name)
				continue
			}
			f.logger.Debug("failed to read crash input, will retry", zap.String("path", name), zap.Error(err))
			f.pending[name] = failures
			continue
		}
		delete(f.pending, name)
		f.seen[name] = struct{}{}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].InputPath < records[j].InputPath })
	return records, nil
}

func (f *Fuzzer) addPending(name string) {
	if _, dup := f.seen[name]; dup {
		return
	}
	if _, ok := f.pending[name]; !ok {
		f.pending[name] = 0
	}
}

// Close stops the crash watcher.
func (f *Fuzzer) Close() error {
	f.mu.Lock()
	cancel, wd := f.cancel, f.watchDog
	f.cancel, f.watchDog = nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-wd.Done()
	}
	return nil
}

// readCrash turns a crash input into a record. AFL keeps no stack trace, so
// the md5 of the input stands in for one and keeps distinct inputs distinct.
func readCrash(name string) (fuzz.CrashRecord, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return fuzz.CrashRecord{}, err
	}
	sum := md5.Sum(data)
	return fuzz.CrashRecord{
		Type:       crashType(filepath.Base(name)),
		InputPath:  name,
		StackTrace: "input md5 " + hex.EncodeToString(sum[:]),
	}, nil
}

// crashType maps the sig field of an AFL crash file name, e.g.
// "id:000000,sig:11,src:000000,time:1,op:havoc,rep:2", to a signal name
// such as "segmentation_fault".
func crashType(base string) string {
	for _, field := range strings.Split(base, ",") {
		num, ok := strings.CutPrefix(field, "sig:")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			break
		}
		return strings.ReplaceAll(syscall.Signal(n).String(), " ", "_")
	}
	return "unknown"
}

// filterCrashFiles drops the README afl-fuzz writes next to the crashes.
func filterCrashFiles(name string) bool {
	return strings.HasPrefix(filepath.Base(name), "id:")
}

func defaultAFLEnv() []string {
	return []string{
		"AFL_NO_UI=1",
		"AFL_I_DONT_CARE_ABOUT_MISSING_CRASHES=1",
		"AFL_SKIP_CPUFREQ=1",
		"AFL_TRY_AFFINITY=1",
		"AFL_FAST_CAL=1",
		"AFL_FORKSRV_INIT_TMOUT=30000",
		"AFL_IGNORE_PROBLEMS=1",      // do not terminate fuzzing
		"AFL_IGNORE_SEED_PROBLEMS=1", // skip over crashes and timeouts in the seeds instead of exiting
		"AFL_IGNORE_UNKNOWN_ENVS=1",
	}
}

// AFL_FINAL_SYNC makes the main instance import every secondary queue on exit.
func masterAFLEnv() []string {
	return append(defaultAFLEnv(), "AFL_FINAL_SYNC=1")
}
