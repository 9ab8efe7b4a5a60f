package collector

import (
	"context"
	"fuzzhub/internal/monitor"
	"fuzzhub/pkg/database"

	"go.uber.org/zap"
)

type MetricStore interface {
	InsertMetric(ctx context.Context, m *database.MetricSnapshot) error
}

// MetricsCollector stores one MetricSnapshot per tick.
type MetricsCollector struct {
	*Loop
	target  Target
	store   MetricStore
	monitor *monitor.Monitor
}

func NewMetricsCollector(target Target, store MetricStore, opts ...Option) *MetricsCollector {
	o := buildOptions(DefaultMetricsInterval, opts)
	c := &MetricsCollector{
		target:  target,
		store:   store,
		monitor: o.monitor,
	}
	logger := o.logger.With(zap.String("fuzzer_id", target.InstanceID))
	c.Loop = NewLoop("metrics", o.interval, c.collect, logger)
	c.Loop.onError = func(error) { c.monitor.CollectorError("metrics") }
	return c
}

func (c *MetricsCollector) collect(ctx context.Context) error {
	m, err := c.target.Fuzzer.CollectMetrics(ctx)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	c.monitor.FuzzerSample(c.target.InstanceID, c.target.FuzzerType, m.ExecPerSec, m.Coverage)
	return c.store.InsertMetric(ctx, &database.MetricSnapshot{
		FuzzerInstanceID: c.target.InstanceID,
		ExecPerSec:       m.ExecPerSec,
		CorpusSize:       m.CorpusSize,
		Coverage:         m.Coverage,
		CrashesFound:     m.CrashesFound,
	})
}
