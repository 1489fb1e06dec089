package perf

// stat.go contains utilities for wrapping shard processes with perf stat.

import (
	"strings"

	"github.com/urfave/cli/v2"
)

// StatOptions contains options for perf stat command.
type StatOptions struct {
	Events     []string // Events to measure
	Detail     bool     // Add detailed statistics (-d flag)
	OutputPath string   // Append counters to this file instead of stderr
	Binary     string   // Binary to execute
	Args       []string // Arguments for the binary
}

// Enabled reports whether shards should be wrapped with perf stat.
func (o StatOptions) Enabled() bool {
	return o.Detail || len(o.Events) > 0
}

// BuildStatArgs builds perf stat command arguments for local execution.
func BuildStatArgs(opts StatOptions) []string {
	args := []string{"stat"}

	// Add detailed statistics flag
	if opts.Detail {
		args = append(args, "-d")
	}

	// Add events
	for _, event := range opts.Events {
		if event = strings.TrimSpace(event); event != "" {
			args = append(args, "-e", event)
		}
	}

	// Counters of every shard go to the same file
	if opts.OutputPath != "" {
		args = append(args, "--append", "-o", opts.OutputPath)
	}

	args = append(args, "--", opts.Binary)
	args = append(args, opts.Args...)

	return args
}

// StatEventFlag returns the event flag for perf stat (multiple events).
func StatEventFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "perf-event",
		Usage: "Run every shard under perf stat measuring this event (can be specified multiple times)",
	}
}

// StatDetailFlag returns the detail flag for perf stat.
func StatDetailFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "perf-detail",
		Usage: "Run every shard under perf stat -d",
	}
}
