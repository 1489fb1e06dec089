package model

import (
	"time"

	"github.com/perfgo/shardrun/supervisor"
)

// History represents a single shardrun execution.
type History struct {
	// Unique ID for this run (UUID)
	ID string `json:"id"`
	// Timestamp when the run started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Working directory where command was run (relative to repo root)
	WorkDir string `json:"workdir"`
	// Exit code of the run
	ExitCode int `json:"exit_code"`
	// Duration of the run
	Duration time.Duration `json:"duration"`
	// Overall outcome reported by the supervisor (success or cancelled)
	Outcome string `json:"outcome"`
	// Error that cancelled the run, if any
	Error string `json:"error,omitempty"`
	// Git information
	Git *Git `json:"git,omitempty"`
	// Target execution environment
	Target *Target `json:"target,omitempty"`
	// Sharding parameters the run was started with
	Sharding *Sharding `json:"sharding,omitempty"`
	// Perf options used (if any)
	Perf *Perf `json:"perf,omitempty"`
	// Per-shard results in launch order
	Shards []supervisor.ShardResult `json:"shards,omitempty"`
	// Artifacts generated during this run
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash at time of execution
	Commit string `json:"commit,omitempty"`
	// Git branch at time of execution
	Branch string `json:"branch,omitempty"`
	// Repository name
	Repo string `json:"repo,omitempty"`
}

// Target contains information about the execution environment
type Target struct {
	// Remote host where shards ran (e.g., "user@host")
	RemoteHost string `json:"remote_host,omitempty"`
	// Operating system of the execution environment
	OS string `json:"os,omitempty"`
	// CPU architecture of the execution environment
	Arch string `json:"arch,omitempty"`
	// Test binary that was sharded
	Binary string `json:"binary,omitempty"`
}

// Sharding records how the shard queue was built and supervised.
type Sharding struct {
	SingleTest     string        `json:"single_test,omitempty"`
	TestList       string        `json:"test_list,omitempty"`
	ChunkSize      int           `json:"chunk_size,omitempty"`
	PreserveState  bool          `json:"preserve_state,omitempty"`
	FilterStyle    string        `json:"filter_style,omitempty"`
	ShardTimeout   time.Duration `json:"shard_timeout"`
	StartupTimeout time.Duration `json:"startup_timeout"`
}

// Perf contains performance options that were used
type Perf struct {
	// Stat options - each shard ran under perf stat
	Stat *PerfStat `json:"stat,omitempty"`
	// CPUProfile is set when per-shard CPU profiles were merged
	CPUProfile bool `json:"cpu_profile,omitempty"`
}

// PerfStat contains perf stat options that were used
type PerfStat struct {
	// Events to measure
	Events []string `json:"events,omitempty"`
	// Whether detailed statistics were enabled
	Detail bool `json:"detail,omitempty"`
}

// ArtifactType identifies the type of artifact
type ArtifactType uint8

const (
	ArtifactTypePprofProfile ArtifactType = iota
	ArtifactTypeTestBinary
	ArtifactTypeTestOutput
	ArtifactTypePerfStat
	ArtifactTypeTestList
	ArtifactTypeConfig
)

func (t ArtifactType) String() string {
	switch t {
	case ArtifactTypePprofProfile:
		return "profile"
	case ArtifactTypeTestBinary:
		return "binary"
	case ArtifactTypeTestOutput:
		return "output"
	case ArtifactTypePerfStat:
		return "perf-stat"
	case ArtifactTypeTestList:
		return "test-list"
	case ArtifactTypeConfig:
		return "config"
	}
	return "unknown"
}

// Artifact represents a file generated during execution
type Artifact struct {
	Type ArtifactType `json:"type"`
	Size uint64       `json:"size"`
	File string       `json:"file"` // relative to run dir
}
