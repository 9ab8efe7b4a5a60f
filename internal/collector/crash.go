package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"fuzzhub/internal/bus"
	"fuzzhub/internal/fuzz"
	"fuzzhub/internal/monitor"
	"fuzzhub/pkg/database"
	"fuzzhub/pkg/fsutil"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

type CrashStore interface {
	RecordCrash(ctx context.Context, crash *database.Crash) (*database.Crash, bool, error)
}

// CrashInfo is the payload of a crash_found event.
type CrashInfo struct {
	CampaignID       string `json:"campaign_id"`
	FuzzerInstanceID string `json:"fuzzer_instance_id"`
	CrashHash        string `json:"crash_hash"`
	CrashType        string `json:"crash_type"`
	Occurrences      int    `json:"occurrences"`
}

type CrashFoundPayload struct {
	Crash CrashInfo `json:"crash"`
}

// CrashHash is the deduplication key of a crash within a campaign.
func CrashHash(crashType, stackTrace string) string {
	sum := sha256.Sum256([]byte(crashType + stackTrace))
	return hex.EncodeToString(sum[:])
}

// CrashCollector records the crashes a fuzzer reports and announces the
// signatures not seen before in the campaign.
type CrashCollector struct {
	*Loop
	target     Target
	store      CrashStore
	bus        *bus.EventBus
	monitor    *monitor.Monitor
	archiveDir string
	logger     *zap.Logger
}

func NewCrashCollector(target Target, store CrashStore, eventBus *bus.EventBus, opts ...Option) *CrashCollector {
	o := buildOptions(DefaultCrashInterval, opts)
	c := &CrashCollector{
		target:     target,
		store:      store,
		bus:        eventBus,
		monitor:    o.monitor,
		archiveDir: o.archiveDir,
		logger:     o.logger.With(zap.String("fuzzer_id", target.InstanceID)),
	}
	c.Loop = NewLoop("crashes", o.interval, c.collect, c.logger)
	c.Loop.onError = func(error) { c.monitor.CollectorError("crashes") }
	return c
}

func (c *CrashCollector) collect(ctx context.Context) error {
	records, err := c.target.Fuzzer.CollectCrashes(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, rec := range records {
		if err := c.record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *CrashCollector) record(ctx context.Context, rec fuzz.CrashRecord) error {
	hash := CrashHash(rec.Type, rec.StackTrace)
	stored, created, err := c.store.RecordCrash(ctx, &database.Crash{
		CampaignID:       c.target.CampaignID,
		FuzzerInstanceID: c.target.InstanceID,
		CrashHash:        hash,
		CrashType:        rec.Type,
		InputPath:        c.archive(rec.InputPath),
		StackTrace:       rec.StackTrace,
	})
	if err != nil {
		return fmt.Errorf("record crash %s: %w", hash[:12], err)
	}
	c.monitor.CrashRecorded(c.target.CampaignID, created)
	if !created {
		c.logger.Debug("duplicate crash", zap.String("crash_hash", hash), zap.Int("occurrences", stored.Occurrences))
		return nil
	}

	c.logger.Info("new crash found", zap.String("crash_hash", hash), zap.String("crash_type", rec.Type))
	if c.bus != nil {
		c.bus.Emit(bus.CrashFound, CrashFoundPayload{Crash: CrashInfo{
			CampaignID:       stored.CampaignID,
			FuzzerInstanceID: stored.FuzzerInstanceID,
			CrashHash:        stored.CrashHash,
			CrashType:        stored.CrashType,
			Occurrences:      stored.Occurrences,
		}})
	}
	return nil
}

// archive returns the path of the archived copy, or the original path when
// archiving is off or the input cannot be read.
func (c *CrashCollector) archive(inputPath string) string {
	if c.archiveDir == "" || inputPath == "" {
		return inputPath
	}
	sum, err := fsutil.MD5File(inputPath)
	if err != nil {
		c.logger.Debug("crash input not archived", zap.String("input_path", inputPath), zap.Error(err))
		return inputPath
	}

	dir := filepath.Join(c.archiveDir, c.target.CampaignID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Warn("failed to create crash archive", zap.String("dir", dir), zap.Error(err))
		return inputPath
	}
	dst := filepath.Join(dir, sum)
	if _, err := os.Stat(dst); err == nil {
		return dst
	}
	if err := fsutil.CopyFile(inputPath, dst); err != nil {
		c.logger.Warn("failed to archive crash input", zap.String("input_path", inputPath), zap.Error(err))
		return inputPath
	}
	return dst
}
