package gocmd

// go.go provides utilities for executing Go commands.

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// List runs 'go list' on a package path and returns the list of packages.
// Returns the packages found (one per line from stdout) and any error.
// If an error occurs, it includes a user-friendly error message.
func List(path string) ([]string, error) {
	cmd := exec.Command("go", "list", path)

	// Capture stdout and stderr separately
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if err != nil {
		// Extract the error message from stderr
		errMsg := strings.TrimSpace(stderr.String())

		// Simplify common error messages
		if strings.Contains(errMsg, "no Go files in") {
			return nil, fmt.Errorf("invalid package path %q: directory contains no Go files", path)
		}
		if strings.Contains(errMsg, "is not in std") || strings.Contains(errMsg, "is not in GOROOT") {
			return nil, fmt.Errorf("invalid package path %q: package not found", path)
		}
		if strings.Contains(errMsg, "cannot find package") {
			return nil, fmt.Errorf("invalid package path %q: package not found", path)
		}

		// For other errors, show the first line of the error
		lines := strings.Split(errMsg, "\n")
		if len(lines) > 0 && lines[0] != "" {
			return nil, fmt.Errorf("invalid package path %q: %s", path, lines[0])
		}

		return nil, fmt.Errorf("invalid package path %q: %s", path, err.Error())
	}

	// Parse packages from stdout (one per line)
	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return []string{}, nil
	}

	packages := strings.Split(output, "\n")
	return packages, nil
}

// Command creates an exec.Cmd for running a Go command.
// The first argument is the Go subcommand (e.g., "build", "test"), followed by its arguments.
func Command(args ...string) *exec.Cmd {
	return exec.Command("go", args...)
}

// ListTests asks a compiled Go test binary for the tests matching pattern.
// Benchmarks are left out since -test.run does not select them.
func ListTests(binary, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "."
	}
	cmd := exec.Command(binary, "-test.list", pattern)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	tests, scanErr := parseTestList(stdout)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("failed to list tests of %s: %w (stderr: %s)", binary, err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to read test list: %w", scanErr)
	}
	return tests, nil
}

func parseTestList(r io.Reader) ([]string, error) {
	var tests []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || strings.HasPrefix(name, "Benchmark") {
			continue
		}
		tests = append(tests, name)
	}
	return tests, scanner.Err()
}
