package ssh

// Package ssh provides SSH multiplexing and remote command execution
// for shardrun. It keeps a persistent master connection per host that shard
// processes are started through, and copies test binaries and working trees
// to the remote host.

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Client manages an SSH connection to a specific remote host.
type Client struct {
	logger       zerolog.Logger
	host         string
	controlPath  string
	identityFile string
	extraOptions []string

	mu sync.Mutex
}

// SSHOption is a function that configures an SSH client.
type SSHOption func(*Client)

// WithIdentityFile sets the identity file (private key) to use for authentication.
func WithIdentityFile(path string) SSHOption {
	return func(c *Client) {
		c.identityFile = path
	}
}

// WithExtraOptions adds extra SSH options to the connection.
func WithExtraOptions(options ...string) SSHOption {
	return func(c *Client) {
		c.extraOptions = append(c.extraOptions, options...)
	}
}

// New creates a new SSH client and establishes a multiplexed connection to the host.
func New(logger zerolog.Logger, host string, opts ...SSHOption) (*Client, error) {
	c := &Client{
		logger: logger,
		host:   host,
	}

	for _, opt := range opts {
		opt(c)
	}

	controlPath, err := c.setupMultiplexing()
	if err != nil {
		return nil, fmt.Errorf("failed to setup SSH multiplexing: %w", err)
	}
	c.controlPath = controlPath

	return c, nil
}

// Close closes the SSH connection and cleans up the control socket.
func (c *Client) Close() {
	c.logger.Debug().Str("controlPath", c.controlPath).Msg("Cleaning up SSH multiplexing")

	args := []string{
		"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
		"-O", "exit",
		c.host,
	}
	cmd := exec.Command("ssh", args...)
	_ = cmd.Run() // Ignore errors on cleanup

	_ = os.Remove(c.controlPath)
}

// EnsureMaster checks that the master connection is still up and
// re-establishes it if it has gone away.
func (c *Client) EnsureMaster() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	check := exec.Command("ssh",
		"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
		"-O", "check",
		c.host,
	)
	if err := check.Run(); err == nil {
		return nil
	}

	c.logger.Warn().Str("host", c.host).Msg("SSH master connection lost, reconnecting")
	controlPath, err := c.setupMultiplexing()
	if err != nil {
		return fmt.Errorf("failed to re-establish SSH master connection: %w", err)
	}
	c.controlPath = controlPath
	return nil
}

// Command returns an unstarted command running command on the remote host
// over the master connection.
func (c *Client) Command(ctx context.Context, command string) *exec.Cmd {
	args := c.buildSSHArgs()
	args = append(args, c.host, command)
	return exec.CommandContext(ctx, "ssh", args...)
}

// RunCommand executes a command on the remote host and returns the output.
func (c *Client) RunCommand(command string) (string, error) {
	cmd := c.Command(context.Background(), command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("host", c.host).
		Str("command", command).
		Msg("Running remote command")

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command failed: %w (stderr: %s)", err, stderr.String())
	}

	return stdout.String(), nil
}

// buildSSHArgs constructs the SSH arguments with all configured options.
func (c *Client) buildSSHArgs() []string {
	args := []string{}

	if c.controlPath != "" {
		args = append(args,
			"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
			"-o", "ControlMaster=no",
		)
	}

	if c.identityFile != "" {
		args = append(args, "-i", c.identityFile)
	}

	for _, opt := range c.extraOptions {
		args = append(args, "-o", opt)
	}

	return args
}

// DetectSystem detects the OS and architecture of the remote system.
func (c *Client) DetectSystem() (string, string, error) {
	osName, err := c.RunCommand("uname -s")
	if err != nil {
		return "", "", fmt.Errorf("failed to detect OS: %w", err)
	}

	arch, err := c.RunCommand("uname -m")
	if err != nil {
		return "", "", fmt.Errorf("failed to detect architecture: %w", err)
	}

	return normalizeOS(osName), normalizeArch(arch), nil
}

func normalizeOS(osName string) string {
	return strings.ToLower(strings.TrimSpace(osName))
}

// normalizeArch maps uname -m output to Go's GOARCH.
func normalizeArch(arch string) string {
	arch = strings.TrimSpace(arch)
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "i386", "i686":
		return "386"
	case "armv7l":
		return "arm"
	}
	return arch
}

// GetRemoteRunDir returns a per-run directory below the remote cache.
func (c *Client) GetRemoteRunDir(runID string) (string, error) {
	cacheDir, err := c.getRemoteCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get remote cache directory: %w", err)
	}

	dir := fmt.Sprintf("%s/runs/%s", cacheDir, runID)
	if _, err := c.RunCommand(fmt.Sprintf("mkdir -p %s", dir)); err != nil {
		return "", fmt.Errorf("failed to create remote run directory: %w", err)
	}
	return dir, nil
}

// SyncDirectoryToRemote syncs the current git working tree into
// remoteBaseDir/worktree so test binaries find their testdata.
func (c *Client) SyncDirectoryToRemote(remoteBaseDir string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	gitCheckCmd := exec.Command("git", "rev-parse", "--git-dir")
	if err := gitCheckCmd.Run(); err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}

	remoteDir := fmt.Sprintf("%s/worktree", remoteBaseDir)

	c.logger.Info().
		Str("local", cwd).
		Str("remote", remoteDir).
		Msg("Syncing git working tree to remote host")

	if _, err := c.RunCommand(fmt.Sprintf("mkdir -p %s", remoteDir)); err != nil {
		return "", fmt.Errorf("failed to create remote directory: %w", err)
	}

	// Tracked files (with current modifications) plus untracked files that
	// are not ignored, piped as a tarball through SSH.
	archiveCmd := exec.Command("sh", "-c",
		"(git ls-files -z; git ls-files --others --exclude-standard -z) | tar --null -T - -czf -",
	)
	sshCmd := c.Command(context.Background(), fmt.Sprintf("cd %s && tar -xzf -", remoteDir))

	pipe, err := archiveCmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create pipe: %w", err)
	}
	sshCmd.Stdin = pipe

	var archiveStderr, sshStderr bytes.Buffer
	archiveCmd.Stderr = &archiveStderr
	sshCmd.Stderr = &sshStderr

	if err := sshCmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start SSH: %w (stderr: %s)", err, sshStderr.String())
	}

	if err := archiveCmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start archive: %w (stderr: %s)", err, archiveStderr.String())
	}

	if err := archiveCmd.Wait(); err != nil {
		return "", fmt.Errorf("archive failed: %w (stderr: %s)", err, archiveStderr.String())
	}

	if err := sshCmd.Wait(); err != nil {
		return "", fmt.Errorf("failed to extract on remote: %w (stderr: %s)", err, sshStderr.String())
	}

	c.logger.Debug().Msg("Working tree synced successfully")

	return remoteDir, nil
}

// CopyToRemote copies a local file into remoteDir. Executable files stay
// executable.
func (c *Client) CopyToRemote(localPath, remoteDir string) (string, error) {
	remotePath := fmt.Sprintf("%s/%s", remoteDir, filepath.Base(localPath))

	c.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("Copying file to remote host")

	args := c.buildSSHArgs()
	args = append(args, "-p", localPath, fmt.Sprintf("%s:%s", c.host, remotePath))
	cmd := exec.Command("scp", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("command", cmd.String()).
		Msg("Executing scp")

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to copy %s: %w (stderr: %s)", localPath, err, stderr.String())
	}

	return remotePath, nil
}

// CopyFromRemote recursively copies remotePath into the local directory
// localDir.
func (c *Client) CopyFromRemote(remotePath, localDir string) error {
	args := c.buildSSHArgs()
	args = append(args, "-r", "-p", fmt.Sprintf("%s:%s", c.host, remotePath), localDir)
	cmd := exec.Command("scp", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("remote", remotePath).
		Str("local", localDir).
		Msg("Copying from remote host")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to copy %s from remote: %w (stderr: %s)", remotePath, err, stderr.String())
	}
	return nil
}

// Host returns the remote host this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// setupMultiplexing establishes an SSH master connection for multiplexing.
func (c *Client) setupMultiplexing() (string, error) {
	controlDir := controlSocketDir()

	if err := os.MkdirAll(controlDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create control directory: %w", err)
	}

	// Unix domain sockets have a path length limit (typically 104-108 chars)
	hash := sha256.Sum256([]byte(c.host))
	hostHash := hex.EncodeToString(hash[:])[:12]
	controlPath := filepath.Join(controlDir, fmt.Sprintf("ssh-%s", hostHash))

	c.logger.Debug().
		Str("host", c.host).
		Str("controlPath", controlPath).
		Int("pathLength", len(controlPath)).
		Msg("Setting up SSH multiplexing")

	args := []string{
		"-o", "ControlMaster=auto",
		"-o", fmt.Sprintf("ControlPath=%s", controlPath),
		"-o", "ControlPersist=30s",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
	}

	if c.identityFile != "" {
		args = append(args, "-i", c.identityFile)
	}

	for _, opt := range c.extraOptions {
		args = append(args, "-o", opt)
	}

	args = append(args,
		"-f", // Run in background
		"-N", // Don't execute a remote command
		c.host,
	)

	cmd := exec.Command("ssh", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to establish SSH master connection: %w (stderr: %s)", err, stderr.String())
	}

	c.logger.Debug().Str("host", c.host).Msg("SSH master connection established")
	return controlPath, nil
}

// controlSocketDir returns the directory to use for SSH control sockets.
func controlSocketDir() string {
	// Keep path short to avoid Unix socket path length limits
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "shardrun")
	}

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home := os.Getenv("HOME"); home != "" {
			configHome = filepath.Join(home, ".config")
		}
	}

	if configHome != "" {
		return filepath.Join(configHome, "shardrun")
	}

	return filepath.Join(os.TempDir(), "shardrun")
}

// getRemoteCacheDir determines the cache directory on the remote host.
func (c *Client) getRemoteCacheDir() (string, error) {
	getCacheDirCmd := `
if [ -n "$XDG_CACHE_HOME" ]; then
    echo "$XDG_CACHE_HOME/shardrun"
elif [ -n "$HOME" ]; then
    echo "$HOME/.cache/shardrun"
else
    echo "/tmp/shardrun"
fi
`
	cacheDir, err := c.RunCommand(getCacheDirCmd)
	if err != nil {
		return "", fmt.Errorf("failed to determine remote cache directory: %w", err)
	}

	return strings.TrimSpace(cacheDir), nil
}
