package cli

// This file contains test binary building functionality for
// compiling Go test binaries with optional cross-compilation.

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	gocmd "github.com/perfgo/shardrun/cli/go"
)

// buildTestBinary compiles the tests of pkg into dir and returns the binary
// path. goos and goarch select a cross build when both are set.
func (a *App) buildTestBinary(dir, pkg, goos, goarch string, extraArgs []string) (string, error) {
	if _, err := gocmd.List(pkg); err != nil {
		return "", err
	}

	// Determine output binary name
	binaryName := "shardrun.test"
	if goos != "" && goarch != "" {
		binaryName = fmt.Sprintf("shardrun.test.%s.%s", goos, goarch)
	}
	if goos == "windows" {
		binaryName += ".exe"
	}
	binaryPath := filepath.Join(dir, binaryName)

	a.logger.Info().
		Str("package", pkg).
		Str("goos", goos).
		Str("goarch", goarch).
		Str("output", binaryPath).
		Msg("Building test binary")

	args := []string{"test", "-c", "-o", binaryPath}

	// Add extra arguments passed by the user
	if len(extraArgs) > 0 {
		args = append(args, extraArgs...)
		a.logger.Debug().Strs("extra_args", extraArgs).Msg("Adding extra arguments to go test")
	}
	args = append(args, pkg)

	cmd := gocmd.Command(args...)

	// Set environment for cross-compilation if needed
	if goos != "" && goarch != "" {
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("GOOS=%s", goos),
			fmt.Sprintf("GOARCH=%s", goarch),
			"CGO_ENABLED=0", // Disable CGO for easier cross-compilation
		)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug().
		Str("command", cmd.String()).
		Msg("Executing go test -c")

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to build test binary: %w (stderr: %s)", err, stderr.String())
	}

	// go test -c writes nothing for packages without tests
	if _, err := os.Stat(binaryPath); err != nil {
		return "", fmt.Errorf("test binary not found after build (does %s have tests?): %w", pkg, err)
	}

	return binaryPath, nil
}
