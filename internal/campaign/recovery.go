package campaign

import (
	"context"
	"fmt"
	"fuzzhub/internal/fuzz"
	"fuzzhub/pkg/database"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Recover reconciles rows persisted as running with the processes actually
// alive on this host. Live pids come back as fuzz.Recovered instances without
// collectors; the rest are marked crashed. Only a failing query is returned.
func (m *Manager) Recover(ctx context.Context) error {
	tracer := m.tracer.NewTracer(ctx, "campaign.recover")
	tracer.Start()
	defer tracer.End()
	ctx = tracer.Context()

	rows, err := m.store.ListInstancesByState(ctx, database.StateRunning)
	if err != nil {
		tracer.RecordError(err)
		return fmt.Errorf("list running fuzzers: %w", err)
	}

	var recovered, crashed int
	var lost []fuzz.Status

	m.mu.Lock()
	for _, row := range rows {
		logger := m.logger.With(zap.String("fuzzer_id", row.ID), zap.Intp("pid", row.PID))
		if _, ok := m.live[row.ID]; ok {
			continue
		}

		if row.PID != nil && m.alive(ctx, *row.PID) {
			m.live[row.ID] = &entry{
				instance: fuzz.NewRecovered(row.ID, row.CampaignID, row.FuzzerType, *row.PID, row.StartedAt, m.settings.StopTimeout, m.logger),
			}
			recovered++
			logger.Info("recovered running fuzzer")
			continue
		}

		if err := m.store.UpdateInstanceState(ctx, row.ID, database.StateCrashed, row.PID); err != nil {
			logger.Error("failed to mark lost fuzzer crashed", zap.Error(err))
			continue
		}
		crashed++
		lost = append(lost, fuzz.Status{
			ID:         row.ID,
			CampaignID: row.CampaignID,
			FuzzerType: row.FuzzerType,
			State:      fuzz.StateCrashed,
		})
		logger.Warn("fuzzer process is gone, marked crashed")
	}
	m.monitor.SetLiveFuzzers(len(m.live))
	m.mu.Unlock()

	for _, s := range lost {
		m.emit(s)
	}
	tracer.WithAttributes(attribute.Int("fuzzers.recovered", recovered), attribute.Int("fuzzers.crashed", crashed))
	m.logger.Info("recovery finished", zap.Int("recovered", recovered), zap.Int("crashed", crashed))
	return nil
}
