package store

import (
	"context"
	"encoding/json"
	"errors"
	"fuzzhub/pkg/database"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

// Store is the persistence contract of the supervisor.
type Store interface {
	CreateCampaign(ctx context.Context, c *database.Campaign) error
	GetCampaign(ctx context.Context, id string) (*database.Campaign, error)
	ListCampaigns(ctx context.Context) ([]database.Campaign, error)

	CreateInstance(ctx context.Context, inst *database.FuzzerInstance) error
	GetInstance(ctx context.Context, id string) (*database.FuzzerInstance, error)
	// ListInstances returns the instances of one campaign, or all of them
	// when campaignID is empty, newest first.
	ListInstances(ctx context.Context, campaignID string) ([]database.FuzzerInstance, error)
	ListInstancesByState(ctx context.Context, state database.InstanceState) ([]database.FuzzerInstance, error)
	UpdateInstanceState(ctx context.Context, id string, state database.InstanceState, pid *int) error
	Heartbeat(ctx context.Context, id string, state database.InstanceState, pid *int, at time.Time) error

	// RecordCrash inserts a new signature or bumps the occurrence count of an
	// existing one. created reports whether the signature was new.
	RecordCrash(ctx context.Context, crash *database.Crash) (stored *database.Crash, created bool, err error)
	CountCrashes(ctx context.Context, instanceID string) (int64, error)
	ListCrashes(ctx context.Context, campaignID string) ([]database.Crash, error)

	InsertMetric(ctx context.Context, m *database.MetricSnapshot) error
	LatestMetric(ctx context.Context, instanceID string) (*database.MetricSnapshot, error)

	TouchWorkerNode(ctx context.Context, hostname, status string) error
}

type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

var Module = fx.Options(
	fx.Provide(database.NewDBConnection),
	fx.Provide(fx.Annotate(NewStore, fx.As(new(Store)))),
)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) CreateCampaign(ctx context.Context, c *database.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) GetCampaign(ctx context.Context, id string) (*database.Campaign, error) {
	var c database.Campaign
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *GormStore) ListCampaigns(ctx context.Context) ([]database.Campaign, error) {
	var campaigns []database.Campaign
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&campaigns).Error
	return campaigns, err
}

func (s *GormStore) CreateInstance(ctx context.Context, inst *database.FuzzerInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(inst).Error
}

func (s *GormStore) GetInstance(ctx context.Context, id string) (*database.FuzzerInstance, error) {
	var inst database.FuzzerInstance
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error; err != nil {
		return nil, notFound(err)
	}
	inst.Config = plainConfig(inst.Config)
	return &inst, nil
}

func (s *GormStore) ListInstances(ctx context.Context, campaignID string) ([]database.FuzzerInstance, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if campaignID != "" {
		q = q.Where("campaign_id = ?", campaignID)
	}
	var instances []database.FuzzerInstance
	if err := q.Find(&instances).Error; err != nil {
		return nil, err
	}
	return plainConfigs(instances), nil
}

func (s *GormStore) ListInstancesByState(ctx context.Context, state database.InstanceState) ([]database.FuzzerInstance, error) {
	var instances []database.FuzzerInstance
	if err := s.db.WithContext(ctx).Where("state = ?", state).Find(&instances).Error; err != nil {
		return nil, err
	}
	return plainConfigs(instances), nil
}

// plainConfig re-decodes a config column with encoding/json defaults.
// JSONMap.Scan uses UseNumber, so without this numbers come back as
// json.Number instead of the float64 a fresh request decodes to.
func plainConfig(cfg datatypes.JSONMap) datatypes.JSONMap {
	if cfg == nil {
		return nil
	}
	data, err := json.Marshal(map[string]any(cfg))
	if err != nil {
		return cfg
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}
	return datatypes.JSONMap(out)
}

func plainConfigs(instances []database.FuzzerInstance) []database.FuzzerInstance {
	for i := range instances {
		instances[i].Config = plainConfig(instances[i].Config)
	}
	return instances
}

func (s *GormStore) UpdateInstanceState(ctx context.Context, id string, state database.InstanceState, pid *int) error {
	return s.updateInstance(ctx, id, map[string]any{"state": state, "pid": pid})
}

func (s *GormStore) Heartbeat(ctx context.Context, id string, state database.InstanceState, pid *int, at time.Time) error {
	return s.updateInstance(ctx, id, map[string]any{"state": state, "pid": pid, "last_heartbeat": at})
}

func (s *GormStore) updateInstance(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&database.FuzzerInstance{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCrash upserts on (campaign_id, crash_hash) and reads the row back in
// the same transaction. A row with a single occurrence was just inserted.
func (s *GormStore) RecordCrash(ctx context.Context, crash *database.Crash) (*database.Crash, bool, error) {
	now := s.now()
	row := *crash
	row.ID = 0
	row.FirstSeen = now
	row.LastSeen = now
	row.Occurrences = 1

	var stored database.Crash
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "campaign_id"}, {Name: "crash_hash"}},
			DoUpdates: clause.Assignments(map[string]any{
				"occurrences": gorm.Expr("crashes.occurrences + 1"),
				"last_seen":   now,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Where("campaign_id = ? AND crash_hash = ?", crash.CampaignID, crash.CrashHash).First(&stored).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, stored.Occurrences == 1, nil
}

func (s *GormStore) CountCrashes(ctx context.Context, instanceID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&database.Crash{}).Where("fuzzer_instance_id = ?", instanceID).Count(&n).Error
	return n, err
}

func (s *GormStore) ListCrashes(ctx context.Context, campaignID string) ([]database.Crash, error) {
	var crashes []database.Crash
	err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("last_seen DESC").Find(&crashes).Error
	return crashes, err
}

func (s *GormStore) InsertMetric(ctx context.Context, m *database.MetricSnapshot) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *GormStore) LatestMetric(ctx context.Context, instanceID string) (*database.MetricSnapshot, error) {
	var m database.MetricSnapshot
	err := s.db.WithContext(ctx).
		Where("fuzzer_instance_id = ?", instanceID).
		Order("timestamp DESC").Order("id DESC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *GormStore) TouchWorkerNode(ctx context.Context, hostname, status string) error {
	node := database.WorkerNode{Hostname: hostname, LastSeen: s.now(), Status: status}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hostname"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen", "status"}),
	}).Create(&node).Error
}
