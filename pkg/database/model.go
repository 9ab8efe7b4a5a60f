package database

import (
	"time"

	"gorm.io/datatypes"
)

// InstanceState mirrors the lifecycle states persisted for a fuzzer run
type InstanceState string

const (
	StateStopped  InstanceState = "stopped"
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StatePaused   InstanceState = "paused"
	StateCrashed  InstanceState = "crashed"
	StateError    InstanceState = "error"
)

// Campaign represents a record in the campaigns table
type Campaign struct {
	ID           string    `gorm:"primaryKey;column:id;size:36"`
	Name         string    `gorm:"column:name;not null"`
	Description  string    `gorm:"column:description"`
	TargetBinary string    `gorm:"column:target_binary"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	Active       bool      `gorm:"column:active;default:true"`
}

func (Campaign) TableName() string { return "campaigns" }

// FuzzerInstance is the persisted view of one fuzzer run
type FuzzerInstance struct {
	ID            string            `gorm:"primaryKey;column:id;size:36"`
	CampaignID    string            `gorm:"column:campaign_id;index;not null"`
	FuzzerType    string            `gorm:"column:fuzzer_type;not null"`
	PID           *int              `gorm:"column:pid"`
	State         InstanceState     `gorm:"column:state;index;not null"`
	Config        datatypes.JSONMap `gorm:"column:config"`
	StartedAt     *time.Time        `gorm:"column:started_at"`
	LastHeartbeat *time.Time        `gorm:"column:last_heartbeat"`
}

func (FuzzerInstance) TableName() string { return "fuzzer_instances" }

// Crash is one deduplicated crash signature within a campaign
type Crash struct {
	ID               uint      `gorm:"primaryKey;column:id"`
	CampaignID       string    `gorm:"column:campaign_id;not null;uniqueIndex:idx_crash_signature"`
	FuzzerInstanceID string    `gorm:"column:fuzzer_instance_id;index"`
	CrashHash        string    `gorm:"column:crash_hash;size:64;not null;uniqueIndex:idx_crash_signature"`
	CrashType        string    `gorm:"column:crash_type"`
	InputPath        string    `gorm:"column:input_path"`
	StackTrace       string    `gorm:"column:stack_trace"`
	FirstSeen        time.Time `gorm:"column:first_seen"`
	LastSeen         time.Time `gorm:"column:last_seen"`
	Occurrences      int       `gorm:"column:occurrences;not null;default:1"`
}

func (Crash) TableName() string { return "crashes" }

// MetricSnapshot is an append-only sample of a fuzzer's progress
type MetricSnapshot struct {
	ID               uint      `gorm:"primaryKey;column:id"`
	FuzzerInstanceID string    `gorm:"column:fuzzer_instance_id;index;not null"`
	ExecPerSec       float64   `gorm:"column:exec_per_sec"`
	CorpusSize       int       `gorm:"column:corpus_size"`
	Coverage         float64   `gorm:"column:coverage"`
	CrashesFound     int       `gorm:"column:crashes_found"`
	Timestamp        time.Time `gorm:"column:timestamp;index"`
}

func (MetricSnapshot) TableName() string { return "metric_snapshots" }

// WorkerNode is placeholder data, only the local host ever writes it
type WorkerNode struct {
	Hostname string    `gorm:"primaryKey;column:hostname"`
	LastSeen time.Time `gorm:"column:last_seen"`
	Status   string    `gorm:"column:status;default:online"`
}

func (WorkerNode) TableName() string { return "worker_nodes" }
