package supervisor

import "context"

// LaunchRequest carries the parameters for starting one shard process.
type LaunchRequest struct {
	Index         int      // Zero-based shard number within the run
	HasShard      bool     // False when the queue was empty and no shard parameters apply
	Filter        string   // Tests to run, joined with shard.Delimiter
	PreserveState bool     // Keep state left by the previous shard
	OutputFile    string   // Shared file every shard appends its output to
	Extras        []string // Caller-supplied passthrough arguments
}

// Launcher starts shard processes. Launch must not block until the process
// exits; it reports progress through sig, at least EventStarted once the
// process runs.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest, sig Signaler) error
}

// Registry answers liveness queries for processes and kills them.
type Registry interface {
	IsAlive(pid int) bool
	Kill(pid int) error
}

// Keepalive holds a binding that keeps a shard process from being reclaimed
// while it is supervised.
type Keepalive interface {
	Acquire() error
	Release()
}

// NopKeepalive is a Keepalive for environments that never reclaim processes.
type NopKeepalive struct{}

func (NopKeepalive) Acquire() error { return nil }
func (NopKeepalive) Release()       {}
