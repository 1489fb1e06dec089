package cli

// This file contains artifact management functionality for saving shard
// output, test binaries, perf stat counters and merged CPU profiles to the
// history directory.

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/pprof/profile"

	"github.com/perfgo/shardrun/config"
	"github.com/perfgo/shardrun/model"
)

const (
	outputFileName   = "output.txt"
	profileFileName  = "cpu.pb.gz"
	testListFileName = "tests.txt"
	configFileName   = "config.yaml"
)

var errNoProfiles = errors.New("no shard wrote a CPU profile")

func (a *App) copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	// Copy file permissions
	sourceInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, sourceInfo.Mode())
}

// saveFile copies src into runDir as name and registers it.
func (a *App) saveFile(runDir string, h *model.History, typ model.ArtifactType, src, name string) {
	dst := filepath.Join(runDir, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		a.logger.Warn().Err(err).Str("file", name).Msg("Failed to create artifact directory")
		return
	}
	if err := a.copyFile(src, dst); err != nil {
		a.logger.Warn().Err(err).Str("file", src).Stringer("type", typ).Msg("Failed to save artifact")
		return
	}
	a.registerArtifact(runDir, h, typ, name)
}

// registerArtifact records a file that already lives in runDir.
func (a *App) registerArtifact(runDir string, h *model.History, typ model.ArtifactType, name string) {
	info, err := os.Stat(filepath.Join(runDir, name))
	if err != nil {
		a.logger.Debug().Err(err).Str("file", name).Msg("Artifact missing, not registering")
		return
	}
	h.Artifacts = append(h.Artifacts, model.Artifact{
		Type: typ,
		Size: uint64(info.Size()),
		File: name,
	})
}

// saveConfig writes the effective run configuration, file and flags merged,
// into runDir.
func (a *App) saveConfig(runDir string, h *model.History, cfg *config.Config) {
	if err := cfg.Save(filepath.Join(runDir, configFileName)); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to save run config")
		return
	}
	a.registerArtifact(runDir, h, model.ArtifactTypeConfig, configFileName)
}

// saveTestBinary archives the test binary under a content hash and returns
// the archived file name.
func (a *App) saveTestBinary(runDir string, h *model.History, testBinaryPath string) (string, error) {
	data, err := os.ReadFile(testBinaryPath)
	if err != nil {
		return "", fmt.Errorf("failed to read test binary: %w", err)
	}

	hashBytes := sha256.Sum256(data)
	hash := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(hashBytes[:]))

	// Construct filename with hash and original basename
	binaryFilename := hash + "." + filepath.Base(testBinaryPath) + ".binary"
	if err := os.WriteFile(filepath.Join(runDir, binaryFilename), data, 0755); err != nil {
		return "", fmt.Errorf("failed to write test binary: %w", err)
	}

	h.Artifacts = append(h.Artifacts, model.Artifact{
		Type: model.ArtifactTypeTestBinary,
		Size: uint64(len(data)),
		File: binaryFilename,
	})
	a.logger.Debug().
		Str("hash", hash).
		Str("dest", binaryFilename).
		Msg("Saved test binary")

	return binaryFilename, nil
}

// mergeProfiles merges the CPU profiles written by single shards. Shards that
// crashed or timed out may not have written one; those are skipped.
func (a *App) mergeProfiles(paths []string) (*profile.Profile, error) {
	var profiles []*profile.Profile
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			a.logger.Debug().Err(err).Str("profile", path).Msg("Shard wrote no profile")
			continue
		}
		prof, err := profile.Parse(f)
		f.Close()
		if err != nil {
			a.logger.Warn().Err(err).Str("profile", path).Msg("Failed to parse shard profile")
			continue
		}
		profiles = append(profiles, prof)
	}

	if len(profiles) == 0 {
		return nil, errNoProfiles
	}

	merged, err := profile.Merge(profiles)
	if err != nil {
		return nil, fmt.Errorf("failed to merge profiles: %w", err)
	}
	return merged, nil
}

// rewriteProfilePaths points mappings of the test binary to its archived copy
// so the profile can be symbolized after the original binary is gone.
func (a *App) rewriteProfilePaths(prof *profile.Profile, destBinary, originalBasename string) {
	for _, mapping := range prof.Mapping {
		// Skip kernel mappings
		if strings.HasPrefix(mapping.File, "[") {
			continue
		}

		if filepath.Base(mapping.File) == originalBasename {
			a.logger.Debug().
				Str("old", mapping.File).
				Str("new", destBinary).
				Msg("Updated mapping path")
			mapping.File = destBinary
		}
	}
}

// saveMergedProfile merges the shard profiles into runDir/cpu.pb.gz.
// archivedBinary is the file name returned by saveTestBinary, or empty.
func (a *App) saveMergedProfile(runDir string, h *model.History, paths []string, binaryPath, archivedBinary string) error {
	merged, err := a.mergeProfiles(paths)
	if err != nil {
		return err
	}

	if archivedBinary != "" {
		a.rewriteProfilePaths(merged, filepath.Join(runDir, archivedBinary), filepath.Base(binaryPath))
	}

	outFile, err := os.Create(filepath.Join(runDir, profileFileName))
	if err != nil {
		return fmt.Errorf("failed to create merged profile: %w", err)
	}
	defer outFile.Close()

	if err := merged.Write(outFile); err != nil {
		return fmt.Errorf("failed to write merged profile: %w", err)
	}

	a.registerArtifact(runDir, h, model.ArtifactTypePprofProfile, profileFileName)
	a.logger.Info().
		Int("profiles", len(paths)).
		Str("profile", filepath.Join(runDir, profileFileName)).
		Msg("Merged shard CPU profiles")
	return nil
}
