// Package collector samples running fuzzers on a fixed interval and writes
// what it finds to the store.
package collector

import (
	"fuzzhub/internal/fuzz"
	"fuzzhub/internal/monitor"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMetricsInterval = 5 * time.Second
	DefaultCrashInterval   = 3 * time.Second
)

// Target identifies the fuzzer a collector samples.
type Target struct {
	InstanceID string
	CampaignID string
	FuzzerType string
	Fuzzer     fuzz.Fuzzer
}

type options struct {
	interval   time.Duration
	logger     *zap.Logger
	monitor    *monitor.Monitor
	archiveDir string
}

type Option func(*options)

func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMonitor(m *monitor.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithArchiveDir copies every crash input under dir/<campaign>/<md5> so it
// outlives the fuzzer's own output folder.
func WithArchiveDir(dir string) Option {
	return func(o *options) { o.archiveDir = dir }
}

func buildOptions(interval time.Duration, opts []Option) options {
	o := options{interval: interval, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
