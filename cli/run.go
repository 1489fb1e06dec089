package cli

// This file contains the run command. It builds the shard queue, prepares
// the place the shards execute (this machine or a remote host), runs the
// supervisor and records the run with its artifacts.

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/shardrun/cli/launch"
	"github.com/perfgo/shardrun/cli/perf"
	"github.com/perfgo/shardrun/cli/ssh"
	"github.com/perfgo/shardrun/config"
	"github.com/perfgo/shardrun/model"
	"github.com/perfgo/shardrun/shard"
	"github.com/perfgo/shardrun/supervisor"
)

type shardLauncher interface {
	supervisor.Launcher
	// Wait blocks until every launched process has been reaped.
	Wait()
}

// target is where the shards of a run execute.
type target struct {
	launcher  shardLauncher
	registry  supervisor.Registry
	keepalive supervisor.Keepalive

	// binary is the local test binary; built is set when this run compiled it.
	binary string
	built  bool
	// Local directories holding shard profiles and perf stat output once
	// collect returned.
	profileDir string
	statDir    string

	collect func() error
	cleanup func()
}

func (a *App) run(ctx *cli.Context) (err error) {
	startTime := time.Now()

	cfg, err := a.loadRunConfig(ctx)
	if err != nil {
		return err
	}
	style, err := launch.ParseFilterStyle(cfg.FilterStyle)
	if err != nil {
		return err
	}
	if cfg.Binary == "" && cfg.Package == "" {
		return fmt.Errorf("no test binary: use --binary or --package")
	}
	if cfg.StateDir != "" && cfg.RemoteHost == "" {
		if cfg.StateDir, err = filepath.Abs(cfg.StateDir); err != nil {
			return fmt.Errorf("failed to resolve state directory: %w", err)
		}
	}

	passthrough := append(append([]string{}, cfg.Args...), removeFirstDashDash(ctx.Args().Slice())...)
	buildArgs, runtimeArgs := separateTestArgs(passthrough)
	if cfg.Binary != "" && len(buildArgs) > 0 {
		a.logger.Warn().Strs("build_args", buildArgs).Msg("Ignoring build arguments for a prebuilt binary")
	}
	extras := runtimeArgs
	if style == launch.FilterGo {
		extras = transformTestFlags(runtimeArgs)
	}

	h := &model.History{
		ID:        uuid.NewString(),
		Timestamp: startTime,
		Args:      os.Args,
		Sharding: &model.Sharding{
			SingleTest:     cfg.SingleTest,
			TestList:       cfg.TestList,
			ChunkSize:      cfg.ChunkSize,
			PreserveState:  cfg.PreserveStateAcrossMultiTest,
			FilterStyle:    string(style),
			ShardTimeout:   time.Duration(cfg.ShardTimeout),
			StartupTimeout: time.Duration(cfg.StartupTimeout),
		},
	}
	if cwd, err := os.Getwd(); err == nil {
		h.WorkDir = cwd
	}
	// Capture git info (non-fatal if it fails)
	if git, err := a.getGitInfo(); err == nil {
		h.Git = git
	}

	var runDir string
	if ctx.Bool("history") {
		if runDir, err = a.prepareHistoryDir(h); err != nil {
			a.logger.Warn().Err(err).Msg("Not recording history")
			runDir = ""
		}
	}
	if runDir != "" {
		defer func() {
			h.Duration = time.Since(startTime)
			if err != nil {
				h.ExitCode = 1
				if h.Error == "" {
					h.Error = err.Error()
				}
			}
			// Record the history (non-fatal if it fails)
			if rerr := a.recordHistory(h, runDir); rerr != nil {
				a.logger.Warn().Err(rerr).Msg("Failed to record history")
			}
		}()
	}

	scratch, err := os.MkdirTemp("", "shardrun-")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	output, err := prepareOutputFile(cfg.Output)
	if err != nil {
		return err
	}
	a.logger.Info().Str("output", output).Msg("Writing shard output")

	queue := shard.Build(a.logger, shard.Options{
		SingleTest:                   cfg.SingleTest,
		ListFile:                     cfg.TestList,
		ChunkSize:                    cfg.ChunkSize,
		PreserveStateAcrossMultiTest: cfg.PreserveStateAcrossMultiTest,
	})
	if queue.Len() == 0 {
		a.logger.Warn().Msg("No tests selected, running the binary once without a filter")
	}

	cmd := launch.Command{
		FilterStyle: style,
		StateDir:    cfg.StateDir,
		Stat: perf.StatOptions{
			Events: ctx.StringSlice("perf-event"),
			Detail: ctx.Bool("perf-detail"),
		},
	}
	cpuProfile := ctx.Bool("cpu-profile")
	if cpuProfile && style != launch.FilterGo {
		a.logger.Warn().Str("filter_style", string(style)).Msg("CPU profiles need Go test binaries, not collecting them")
		cpuProfile = false
	}
	if cmd.Stat.Enabled() || cpuProfile {
		h.Perf = &model.Perf{CPUProfile: cpuProfile}
		if cmd.Stat.Enabled() {
			h.Perf.Stat = &model.PerfStat{Events: cmd.Stat.Events, Detail: cmd.Stat.Detail}
		}
	}

	var tgt *target
	if cfg.RemoteHost != "" {
		tgt, err = a.remoteTarget(ctx, cfg, h, cmd, cpuProfile, buildArgs, scratch)
	} else {
		tgt, err = a.localTarget(cfg, h, cmd, cpuProfile, buildArgs, scratch)
	}
	if err != nil {
		return err
	}
	defer tgt.cleanup()

	sup := supervisor.New(a.logger, queue, tgt.launcher, tgt.registry, tgt.keepalive, supervisor.Options{
		OutputFile:     output,
		ShardTimeout:   time.Duration(cfg.ShardTimeout),
		StartupTimeout: time.Duration(cfg.StartupTimeout),
		PollInterval:   time.Duration(cfg.PollInterval),
		Extras:         extras,
	})

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	result := sup.Run(runCtx)
	tgt.launcher.Wait()

	h.Outcome = result.Outcome.String()
	h.Shards = result.Shards
	if result.Err != nil {
		h.Error = result.Err.Error()
	}
	printSummary(result, output)

	if runDir != "" {
		a.saveRunArtifacts(runDir, h, tgt, cfg, output, result, cpuProfile)
	}

	return runError(result)
}

func prepareOutputFile(output string) (string, error) {
	if output == "" {
		f, err := os.CreateTemp("", "shardrun-*.log")
		if err != nil {
			return "", fmt.Errorf("failed to create output file: %w", err)
		}
		output = f.Name()
		f.Close()
	}
	abs, err := filepath.Abs(output)
	if err != nil {
		return "", fmt.Errorf("failed to resolve output file: %w", err)
	}
	return abs, nil
}

func (a *App) localTarget(cfg *config.Config, h *model.History, cmd launch.Command, cpuProfile bool, buildArgs []string, scratch string) (*target, error) {
	h.Target = &model.Target{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	tgt := &target{
		binary:  cfg.Binary,
		collect: func() error { return nil },
		cleanup: func() {},
	}
	dir := ""
	if tgt.binary == "" {
		binary, err := a.buildTestBinary(scratch, cfg.Package, "", "", buildArgs)
		if err != nil {
			return nil, err
		}
		tgt.binary = binary
		tgt.built = true
		// Go tests expect to run in their package directory.
		dir = packageDir(cfg.Package)
	}

	binary, err := filepath.Abs(tgt.binary)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve binary: %w", err)
	}
	tgt.binary = binary
	h.Target.Binary = binary

	cmd.Binary = binary
	if cpuProfile {
		cmd.ProfileDir = filepath.Join(scratch, "profiles")
	}
	if cmd.Stat.Enabled() {
		cmd.StatDir = filepath.Join(scratch, "stat")
	}
	tgt.profileDir = cmd.ProfileDir
	tgt.statDir = cmd.StatDir

	local := launch.NewLocal(a.logger, cmd, dir)
	tgt.launcher = local
	tgt.registry = local
	tgt.keepalive = supervisor.NopKeepalive{}

	a.logger.Info().Str("binary", binary).Msg("Running shards locally")
	return tgt, nil
}

func (a *App) remoteTarget(ctx *cli.Context, cfg *config.Config, h *model.History, cmd launch.Command, cpuProfile bool, buildArgs []string, scratch string) (*target, error) {
	a.logger.Info().Str("host", cfg.RemoteHost).Msg("Connecting to remote host")

	var opts []ssh.SSHOption
	if identity := ctx.String("ssh-identity"); identity != "" {
		opts = append(opts, ssh.WithIdentityFile(identity))
	}
	if extra := ctx.StringSlice("ssh-option"); len(extra) > 0 {
		opts = append(opts, ssh.WithExtraOptions(extra...))
	}

	client, err := ssh.New(a.logger, cfg.RemoteHost, opts...)
	if err != nil {
		return nil, err
	}

	tgt, err := a.prepareRemote(client, cfg, h, cmd, cpuProfile, buildArgs, scratch, ctx.Bool("keep"))
	if err != nil {
		client.Close()
		return nil, err
	}
	return tgt, nil
}

func (a *App) prepareRemote(client *ssh.Client, cfg *config.Config, h *model.History, cmd launch.Command, cpuProfile bool, buildArgs []string, scratch string, keep bool) (*target, error) {
	remoteOS, remoteArch, err := client.DetectSystem()
	if err != nil {
		return nil, err
	}
	h.Target = &model.Target{
		RemoteHost: cfg.RemoteHost,
		OS:         remoteOS,
		Arch:       remoteArch,
	}
	a.logger.Info().
		Str("os", remoteOS).
		Str("arch", remoteArch).
		Msg("Detected remote system")

	tgt := &target{binary: cfg.Binary}
	if tgt.binary == "" {
		binary, err := a.buildTestBinary(scratch, cfg.Package, remoteOS, remoteArch, buildArgs)
		if err != nil {
			return nil, err
		}
		tgt.binary = binary
		tgt.built = true
	}

	remoteRunDir, err := client.GetRemoteRunDir(h.ID)
	if err != nil {
		return nil, err
	}

	removeRunDir := func() {
		if keep {
			a.logger.Info().Str("path", remoteRunDir).Msg("Keeping remote artifacts (cleanup skipped)")
			return
		}
		if _, err := client.RunCommand(fmt.Sprintf("rm -rf %s", remoteRunDir)); err != nil {
			a.logger.Warn().Err(err).Str("path", remoteRunDir).Msg("Failed to clean up remote run directory")
		}
	}

	workDir := remoteRunDir
	if tgt.built {
		worktree, err := client.SyncDirectoryToRemote(remoteRunDir)
		if err != nil {
			removeRunDir()
			return nil, err
		}
		workDir = path.Join(worktree, packageDir(cfg.Package))
	}

	remoteBinary, err := client.CopyToRemote(tgt.binary, remoteRunDir)
	if err != nil {
		removeRunDir()
		return nil, err
	}
	h.Target.Binary = remoteBinary

	cmd.Binary = remoteBinary
	if cpuProfile {
		cmd.ProfileDir = path.Join(remoteRunDir, "profiles")
		tgt.profileDir = filepath.Join(scratch, "profiles")
	}
	if cmd.Stat.Enabled() {
		cmd.StatDir = path.Join(remoteRunDir, "stat")
		tgt.statDir = filepath.Join(scratch, "stat")
	}

	remote := launch.NewRemote(a.logger, client, cmd, workDir)
	tgt.launcher = remote
	tgt.registry = remote
	tgt.keepalive = remote
	tgt.cleanup = func() {
		removeRunDir()
		client.Close()
	}
	tgt.collect = func() error {
		for _, dir := range []string{cmd.ProfileDir, cmd.StatDir} {
			if dir == "" {
				continue
			}
			if err := client.CopyFromRemote(dir, scratch); err != nil {
				return err
			}
		}
		return nil
	}

	a.logger.Info().
		Str("binary", remoteBinary).
		Str("dir", workDir).
		Msg("Running shards on remote host")
	return tgt, nil
}

func (a *App) saveRunArtifacts(runDir string, h *model.History, tgt *target, cfg *config.Config, output string, result supervisor.Result, cpuProfile bool) {
	if err := tgt.collect(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to collect shard artifacts")
	}

	a.saveFile(runDir, h, model.ArtifactTypeTestOutput, output, outputFileName)
	a.saveConfig(runDir, h, cfg)
	if cfg.TestList != "" {
		a.saveFile(runDir, h, model.ArtifactTypeTestList, cfg.TestList, testListFileName)
	}

	var archivedBinary string
	if tgt.built {
		name, err := a.saveTestBinary(runDir, h, tgt.binary)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to save test binary")
		}
		archivedBinary = name
	}

	if tgt.statDir != "" {
		for _, res := range result.Shards {
			src := launch.StatPath(tgt.statDir, res.Index)
			if _, err := os.Stat(src); err == nil {
				a.saveFile(runDir, h, model.ArtifactTypePerfStat, src, filepath.Join("stat", filepath.Base(src)))
			}
		}
	}

	if cpuProfile {
		var paths []string
		for _, res := range result.Shards {
			paths = append(paths, launch.ProfilePath(tgt.profileDir, res.Index))
		}
		if err := a.saveMergedProfile(runDir, h, paths, tgt.binary, archivedBinary); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to save merged CPU profile")
		}
	}
}

func printSummary(result supervisor.Result, output string) {
	fmt.Printf("\n=== Shards (%d) ===\n\n", len(result.Shards))
	for _, s := range result.Shards {
		status := "✓"
		if s.Status != supervisor.StatusFinished || s.ExitCode != 0 {
			status = "✗"
		}

		duration := time.Duration(0)
		if !s.Started.IsZero() && !s.Ended.IsZero() {
			duration = s.Ended.Sub(s.Started).Round(time.Millisecond)
		}

		filter := truncate(s.Filter, 60)

		fmt.Printf("%s  #%-3d %-10s exit=%-3d [%s]  %s\n", status, s.Index, s.Status, s.ExitCode, duration, filter)
		for _, trace := range s.Exceptions {
			line, _, _ := strings.Cut(trace, "\n")
			fmt.Printf("   uncaught: %s\n", line)
		}
	}
	fmt.Printf("\nOutcome: %s\n", result.Outcome)
	fmt.Printf("Output: %s\n", output)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

func runError(result supervisor.Result) error {
	if !result.Failed() {
		return nil
	}
	if result.Outcome != supervisor.OutcomeSuccess {
		if result.Err == nil {
			return fmt.Errorf("shard run %s", result.Outcome)
		}
		return fmt.Errorf("shard run %s: %w", result.Outcome, result.Err)
	}
	failed := 0
	for _, s := range result.Shards {
		if s.Status != supervisor.StatusFinished || s.ExitCode != 0 {
			failed++
		}
	}
	return fmt.Errorf("%d of %d shards failed", failed, len(result.Shards))
}
