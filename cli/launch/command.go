package launch

// Package launch starts shard processes for the supervisor, either on the
// local machine or on a remote host over SSH, and answers liveness queries
// for them.

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/perfgo/shardrun/cli/perf"
	"github.com/perfgo/shardrun/shard"
	"github.com/perfgo/shardrun/supervisor"
)

// Environment variables exported to every shard process.
const (
	EnvFilter        = "SHARDRUN_FILTER"
	EnvPreserveState = "SHARDRUN_PRESERVE_STATE"
	EnvOutputFile    = "SHARDRUN_OUTPUT_FILE"
	EnvShardIndex    = "SHARDRUN_SHARD_INDEX"
	EnvStateDir      = "SHARDRUN_STATE_DIR"
)

// FilterStyle selects how a shard filter is handed to the test binary.
type FilterStyle string

const (
	// FilterGo renders the filter as an anchored -test.run expression.
	FilterGo FilterStyle = "go"
	// FilterGTest passes the filter verbatim to --gtest_filter.
	FilterGTest FilterStyle = "gtest"
	// FilterNone only exports the filter through the environment.
	FilterNone FilterStyle = "none"
)

// ParseFilterStyle validates a filter style name. An empty name means FilterGo.
func ParseFilterStyle(s string) (FilterStyle, error) {
	switch FilterStyle(s) {
	case "", FilterGo:
		return FilterGo, nil
	case FilterGTest, FilterNone:
		return FilterStyle(s), nil
	}
	return "", fmt.Errorf("unknown filter style %q (want go, gtest or none)", s)
}

// Args returns the command-line arguments selecting the tests in filter.
func (f FilterStyle) Args(filter string) []string {
	switch f {
	case FilterGTest:
		return []string{"--gtest_filter=" + filter}
	case FilterGo:
		return []string{"-test.run=" + goRunPattern(filter)}
	}
	return nil
}

// goRunPattern matches exactly the test names joined in filter. Names are
// taken verbatim; empty ones are skipped and a filter without any name
// matches nothing.
func goRunPattern(filter string) string {
	var names []string
	for _, name := range strings.Split(filter, shard.Delimiter) {
		if name != "" {
			names = append(names, regexp.QuoteMeta(name))
		}
	}
	if len(names) == 0 {
		return "^$"
	}
	return "^(?:" + strings.Join(names, "|") + ")$"
}

// Command describes how a shard process is invoked. Paths are as seen by
// the host the process runs on.
type Command struct {
	Binary      string
	FilterStyle FilterStyle
	// StateDir is wiped before every shard that does not preserve state.
	StateDir string
	// ProfileDir receives shard-N.pprof CPU profiles (go style only).
	ProfileDir string
	// Stat wraps the binary with perf stat when enabled. Counters go to
	// shard-N.stat files in StatDir.
	Stat    perf.StatOptions
	StatDir string
}

// ProfilePath returns the CPU profile written by shard index in dir.
func ProfilePath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("shard-%d.pprof", index))
}

// StatPath returns the perf stat output written by shard index in dir.
func StatPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("shard-%d.stat", index))
}

// Argv returns the full command line for req; Argv[0] is the program.
func (c Command) Argv(req supervisor.LaunchRequest) []string {
	var args []string
	if req.HasShard {
		args = append(args, c.FilterStyle.Args(req.Filter)...)
	}
	if c.ProfileDir != "" && c.FilterStyle == FilterGo {
		args = append(args, "-test.cpuprofile="+ProfilePath(c.ProfileDir, req.Index))
	}
	args = append(args, req.Extras...)

	if !c.Stat.Enabled() {
		return append([]string{c.Binary}, args...)
	}

	stat := c.Stat
	stat.Binary = c.Binary
	stat.Args = args
	if c.StatDir != "" {
		stat.OutputPath = StatPath(c.StatDir, req.Index)
	}
	return append([]string{"perf"}, perf.BuildStatArgs(stat)...)
}

// Env returns the environment variables describing req.
func (c Command) Env(req supervisor.LaunchRequest) []string {
	env := []string{
		EnvShardIndex + "=" + strconv.Itoa(req.Index),
		EnvPreserveState + "=" + strconv.FormatBool(req.PreserveState),
	}
	if req.OutputFile != "" {
		env = append(env, EnvOutputFile+"="+req.OutputFile)
	}
	if req.HasShard {
		env = append(env, EnvFilter+"="+req.Filter)
	}
	if c.StateDir != "" {
		env = append(env, EnvStateDir+"="+c.StateDir)
	}
	return env
}
