package cli

// This file contains run recording functionality for saving run metadata
// and artifacts to the history directory.

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/perfgo/shardrun/history"
	"github.com/perfgo/shardrun/model"
)

// prepareHistoryDir creates .shardrun/history/<timestamp>-<commit>-<id> in
// the repository root so artifacts can be written to it while the run is in
// progress. WorkDir of h becomes relative to the repository root.
func (a *App) prepareHistoryDir(h *model.History) (string, error) {
	repoRoot, err := history.RepoRoot()
	if err != nil {
		return "", err
	}

	if h.WorkDir != "" {
		if rel, err := filepath.Rel(repoRoot, h.WorkDir); err == nil {
			h.WorkDir = rel
		}
	}

	runDir := filepath.Join(repoRoot, history.DirName, "history", history.RunDirName(h))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	a.logger.Debug().Str("dir", runDir).Str("id", h.ID).Msg("Prepared history directory")
	return runDir, nil
}

func (a *App) recordHistory(h *model.History, runDir string) error {
	if err := history.Write(runDir, h); err != nil {
		return err
	}
	a.logger.Info().Str("dir", runDir).Str("id", h.ID).Msg("Recorded run")
	return nil
}
