package launch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/perfgo/shardrun/supervisor"
)

// Shell runs commands on a remote host. *ssh.Client implements it.
type Shell interface {
	Command(ctx context.Context, command string) *exec.Cmd
	RunCommand(command string) (string, error)
	EnsureMaster() error
}

// Remote starts shard processes on a remote host. It is also the registry
// for those processes and the keepalive for the connection they run over.
type Remote struct {
	logger zerolog.Logger
	shell  Shell
	cmd    Command
	dir    string

	mu sync.Mutex
	// ended holds pids whose session returned. They are neither polled nor
	// killed again.
	ended map[int]bool

	wg sync.WaitGroup
}

// NewRemote returns a launcher running cmd through shell in the remote
// working directory dir.
func NewRemote(logger zerolog.Logger, shell Shell, cmd Command, dir string) *Remote {
	return &Remote{
		logger: logger.With().Str("launcher", "remote").Logger(),
		shell:  shell,
		cmd:    cmd,
		dir:    dir,
		ended:  make(map[int]bool),
	}
}

// Launch implements supervisor.Launcher. The remote shell prints its pid
// before it execs the shard binary, so the first line of stdout is the pid
// of the shard process. Everything after it goes to the output file.
func (r *Remote) Launch(ctx context.Context, req supervisor.LaunchRequest, sig supervisor.Signaler) error {
	out, err := os.OpenFile(req.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}

	script := r.Script(req)
	cmd := r.shell.Command(ctx, script)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	r.logger.Debug().
		Int("shard", req.Index).
		Str("script", script).
		Msg("Starting remote shard process")

	if err := cmd.Start(); err != nil {
		out.Close()
		return fmt.Errorf("failed to start remote shard: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer out.Close()

		reader := bufio.NewReader(stdout)
		pid, err := readPID(reader)
		if err != nil {
			r.logger.Error().Err(err).Int("shard", req.Index).Msg("Remote shard did not report its pid")
		} else {
			sig.Signal(supervisor.Started(pid))
		}

		var streams sync.WaitGroup
		streams.Add(1)
		go func() {
			defer streams.Done()
			_, _ = io.Copy(out, reader)
		}()

		err = scanPanics(stderr, out, func(trace string) {
			if pid > 0 {
				sig.Signal(supervisor.UncaughtException(pid, trace))
			}
		})
		if err != nil {
			r.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to scan remote shard stderr")
		}
		streams.Wait()

		code := exitCode(cmd.Wait())
		if pid > 0 {
			sig.Signal(supervisor.Finished(pid, code))
			r.mu.Lock()
			r.ended[pid] = true
			r.mu.Unlock()
		}
	}()

	return nil
}

// Script returns the shell command line that runs req on the remote host.
func (r *Remote) Script(req supervisor.LaunchRequest) string {
	var b strings.Builder
	b.WriteString("echo $$; ")

	if dir := r.cmd.StateDir; dir != "" {
		if !req.PreserveState {
			fmt.Fprintf(&b, "rm -rf %s && ", shellescape.Quote(dir))
		}
		fmt.Fprintf(&b, "mkdir -p %s && ", shellescape.Quote(dir))
	}
	for _, dir := range []string{r.cmd.ProfileDir, r.cmd.StatDir} {
		if dir != "" {
			fmt.Fprintf(&b, "mkdir -p %s && ", shellescape.Quote(dir))
		}
	}
	if r.dir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellescape.Quote(r.dir))
	}

	// Output is captured over the session's stdout; the local output path
	// means nothing on the remote host.
	req.OutputFile = ""
	words := []string{"exec", "env"}
	words = append(words, r.cmd.Env(req)...)
	words = append(words, r.cmd.Argv(req)...)
	b.WriteString(shellescape.QuoteCommand(words))

	return b.String()
}

// Wait blocks until every launched process has exited and its output has
// been copied.
func (r *Remote) Wait() {
	r.wg.Wait()
}

// IsAlive implements supervisor.Registry.
func (r *Remote) IsAlive(pid int) bool {
	if r.hasEnded(pid) {
		return false
	}
	_, err := r.shell.RunCommand(fmt.Sprintf("kill -0 %d", pid))
	return err == nil
}

// Kill implements supervisor.Registry.
func (r *Remote) Kill(pid int) error {
	if r.hasEnded(pid) {
		return nil
	}
	if _, err := r.shell.RunCommand(fmt.Sprintf("kill -9 %d", pid)); err != nil {
		return fmt.Errorf("failed to kill remote process %d: %w", pid, err)
	}
	return nil
}

func (r *Remote) hasEnded(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended[pid]
}

// Acquire implements supervisor.Keepalive by making sure the SSH master
// connection the shard runs over is up.
func (r *Remote) Acquire() error {
	return r.shell.EnsureMaster()
}

// Release implements supervisor.Keepalive. The master connection outlives
// single shards and is closed with the client.
func (r *Remote) Release() {}

func readPID(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return 0, fmt.Errorf("failed to read pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("invalid pid line %q: %w", line, err)
	}
	return pid, nil
}
