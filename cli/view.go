package cli

// This file contains the view command for displaying shard runs from history.

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/shardrun/history"
	"github.com/perfgo/shardrun/model"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

func parseViewArgs(in []string) (idArg string, pprofArgs []string) {
	if len(in) == 0 {
		return "0", nil
	}

	// If first arg is "--", use default "0" and rest are pprof args
	if in[0] == "--" {
		return "0", in[1:]
	}

	// A negative index is "-" followed by only digits (e.g., "-1", "-2").
	// Anything else starting with "-" is a pprof flag (e.g., "-http=:8080").
	if len(in[0]) > 1 && in[0][0] == '-' {
		if _, err := strconv.ParseInt(in[0], 10, 64); err != nil {
			return "0", in
		}
	}

	// First arg is the ID/index, rest are pprof args (with optional "--" removed)
	return in[0], removeFirstDashDash(in[1:])
}

func (a *App) view(ctx *cli.Context) error {
	arg, pprofArgs := parseViewArgs(ctx.Args().Slice())

	root, err := history.GetShardrunRoot()
	if err != nil {
		return err
	}

	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	entry, err := history.Find(historyEntries, arg)
	if err != nil {
		return err
	}

	return a.displayHistoryEntry(entry, pprofArgs)
}

func (a *App) displayHistoryEntry(entry *history.Entry, pprofArgs []string) error {
	h := entry.History

	fmt.Printf("=== Shard Run: %s ===\n", shortID(h.ID))
	fmt.Printf("Time: %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("Duration: %s\n", h.Duration)
	fmt.Printf("Exit Code: %d\n", h.ExitCode)
	if h.Outcome != "" {
		fmt.Printf("Outcome: %s\n", h.Outcome)
	}
	if h.Error != "" {
		fmt.Printf("Error: %s\n", h.Error)
	}
	if h.WorkDir != "" {
		fmt.Printf("Working Dir: %s\n", h.WorkDir)
	}
	if h.Git != nil && h.Git.Commit != "" {
		fmt.Printf("Git Commit: %s", shortID(h.Git.Commit))
		if h.Git.Branch != "" {
			fmt.Printf(" (%s)", h.Git.Branch)
		}
		fmt.Println()
	}
	if h.Sharding != nil {
		fmt.Printf("Sharding: chunk=%d preserve_state=%t filter=%s timeout=%s\n",
			h.Sharding.ChunkSize, h.Sharding.PreserveState, h.Sharding.FilterStyle, h.Sharding.ShardTimeout)
	}
	if h.Perf != nil && h.Perf.Stat != nil {
		fmt.Printf("Perf Stat: events=%v detail=%t\n", h.Perf.Stat.Events, h.Perf.Stat.Detail)
	}
	fmt.Println()

	fmt.Printf("Shards: %s\n", shardCounts(h.Shards))
	for _, s := range h.Shards {
		fmt.Printf("  #%-3d %-10s exit=%-3d pid=%-7d %s\n", s.Index, s.Status, s.ExitCode, s.PID, s.Filter)
		for _, trace := range s.Exceptions {
			fmt.Printf("%s\n", trace)
		}
	}
	fmt.Println()

	// Prioritize artifacts for display
	var profileArtifact, outputArtifact *model.Artifact
	var statArtifacts []*model.Artifact

	for i := range h.Artifacts {
		artifact := &h.Artifacts[i]
		switch artifact.Type {
		case model.ArtifactTypePprofProfile:
			profileArtifact = artifact
		case model.ArtifactTypePerfStat:
			statArtifacts = append(statArtifacts, artifact)
		case model.ArtifactTypeTestOutput:
			outputArtifact = artifact
		}
	}

	if profileArtifact != nil {
		return a.displayProfile(entry.FullPath, profileArtifact, pprofArgs)
	}

	if len(statArtifacts) > 0 {
		for _, artifact := range statArtifacts {
			if err := a.displayFile(entry.FullPath, artifact, "Perf Stat Output"); err != nil {
				return err
			}
		}
		return nil
	}

	if outputArtifact != nil {
		return a.displayFile(entry.FullPath, outputArtifact, "Shard Output")
	}

	fmt.Println("No displayable artifacts found")
	fmt.Printf("History directory: %s\n", entry.FullPath)
	return nil
}

func (a *App) displayProfile(runDir string, artifact *model.Artifact, pprofArgs []string) error {
	profilePath := filepath.Join(runDir, artifact.File)
	fmt.Printf("Profile: %s (%.1f KB)\n", profilePath, float64(artifact.Size)/1024)

	// Build pprof command with any additional args
	args := []string{"tool", "pprof"}
	args = append(args, pprofArgs...)
	args = append(args, profilePath)

	cmd := exec.Command("go", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = runDir

	return cmd.Run()
}

func (a *App) displayFile(runDir string, artifact *model.Artifact, title string) error {
	path := filepath.Join(runDir, artifact.File)
	fmt.Printf("%s: %s\n", title, path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", artifact.Type, err)
	}
	fmt.Println(string(data))
	return nil
}
