package fuzz

import (
	"context"
)

// Fuzzer is the capability set a fuzzer plugin implements for one instance.
type Fuzzer interface {
	// Setup prepares the working directory and inputs. An error aborts the start.
	Setup(ctx context.Context) error

	// BuildCommand returns the argument vector of the external process.
	BuildCommand() ([]string, error)

	// CollectMetrics returns a point-in-time sample, or nil when nothing is
	// available yet.
	CollectMetrics(ctx context.Context) (*Metrics, error)

	// CollectCrashes returns the crashes discovered since the previous call.
	CollectCrashes(ctx context.Context) ([]CrashRecord, error)
}

// Closer is implemented by fuzzers that hold resources beyond the process
// (watchers, temp files). It is called once after the process is stopped.
type Closer interface {
	Close() error
}

// Plugin constructs Fuzzers of one named type.
type Plugin interface {
	Name() string
	New(spec InstanceSpec) (Fuzzer, error)
}

// InstanceSpec is what a plugin knows about the instance it builds.
type InstanceSpec struct {
	ID         string
	CampaignID string
	WorkDir    string // private directory for this instance
	Config     map[string]any
}

type Metrics struct {
	ExecPerSec   float64 `json:"exec_per_sec"`
	CorpusSize   int     `json:"corpus_size"`
	Coverage     float64 `json:"coverage"`
	CrashesFound int     `json:"crashes_found"`
}

type CrashRecord struct {
	Type       string `json:"type"`
	InputPath  string `json:"input_path"`
	StackTrace string `json:"stack_trace"`
}
