package cli

// This file contains the list command for displaying previous shard runs.

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/shardrun/history"
	"github.com/perfgo/shardrun/supervisor"
)

func (a *App) list(ctx *cli.Context) error {
	filterPath := ctx.String("path")
	limit := ctx.Int("limit")

	root, err := history.GetShardrunRoot()
	if err != nil {
		return err
	}

	// Load all history entries, newest first
	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	// Apply path filter if specified
	var filteredEntries []history.Entry
	for _, entry := range historyEntries {
		if filterPath == "" || strings.Contains(entry.History.WorkDir, filterPath) {
			filteredEntries = append(filteredEntries, entry)
		}
	}

	if len(filteredEntries) == 0 {
		if filterPath != "" {
			fmt.Printf("No history entries found matching path: %s\n", filterPath)
		} else {
			fmt.Println("No history entries found")
		}
		return nil
	}

	// Apply limit
	displayRuns := filteredEntries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Printf("\n=== History (%d total) ===\n\n", len(filteredEntries))

	for _, entry := range displayRuns {
		tr := entry.History
		timestamp := tr.Timestamp.Format("2006-01-02 15:04:05")

		// Format duration
		duration := tr.Duration.Round(time.Millisecond)

		// Determine status indicator
		status := "✓"
		if tr.ExitCode != 0 {
			status = "✗"
		}

		// Format args (skip the program name)
		args := ""
		if len(tr.Args) > 1 {
			args = strings.Join(tr.Args[1:], " ")
		}

		fmt.Printf("%s  %s  [%s]  exit=%d  id=%s\n", status, timestamp, duration, tr.ExitCode, shortID(tr.ID))
		fmt.Printf("   Shards: %s\n", shardCounts(tr.Shards))
		if args != "" {
			fmt.Printf("   Args: %s\n", args)
		}
		if tr.WorkDir != "" {
			fmt.Printf("   Path: %s\n", tr.WorkDir)
		}
		if tr.Target != nil {
			if tr.Target.RemoteHost != "" {
				fmt.Printf("   Remote: %s", tr.Target.RemoteHost)
				if tr.Target.OS != "" && tr.Target.Arch != "" {
					fmt.Printf(" (%s/%s)", tr.Target.OS, tr.Target.Arch)
				}
				fmt.Println()
			} else if tr.Target.OS != "" && tr.Target.Arch != "" {
				fmt.Printf("   Local: %s/%s\n", tr.Target.OS, tr.Target.Arch)
			}
		}
		if tr.Git != nil && tr.Git.Commit != "" {
			fmt.Printf("   Commit: %s", shortID(tr.Git.Commit))
			if tr.Git.Branch != "" {
				fmt.Printf(" (%s)", tr.Git.Branch)
			}
			fmt.Println()
		}
		for _, artifact := range tr.Artifacts {
			fmt.Printf("   %s: %s (%.1f KB)\n", artifact.Type, artifact.File, float64(artifact.Size)/1024)
		}
		fmt.Printf("   %s\n", entry.FullPath)
		fmt.Println()
	}

	fmt.Println("\nView a run: shardrun view <ID>")

	return nil
}

// shardCounts summarizes shard statuses, e.g. "3 total, 2 finished, 1 timed_out".
func shardCounts(shards []supervisor.ShardResult) string {
	order := []supervisor.Status{
		supervisor.StatusFinished,
		supervisor.StatusTimedOut,
		supervisor.StatusCrashed,
		supervisor.StatusCancelled,
	}
	counts := map[supervisor.Status]int{}
	failedExit := 0
	for _, s := range shards {
		counts[s.Status]++
		if s.Status == supervisor.StatusFinished && s.ExitCode != 0 {
			failedExit++
		}
	}

	parts := []string{fmt.Sprintf("%d total", len(shards))}
	for _, status := range order {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	if failedExit > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failedExit))
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
