package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/shardrun/supervisor"
)

// stderrDrainTimeout bounds how long the exit of a shard waits for its
// stderr to reach EOF. Children that inherited stderr can hold it open.
const stderrDrainTimeout = time.Second

// Local starts shard processes on this machine. It is also the registry for
// the processes it started: those count as alive until their exit has been
// signalled, and are never killed once reaped. Other pids are looked up
// with LocalRegistry.
type Local struct {
	logger   zerolog.Logger
	cmd      Command
	dir      string
	registry LocalRegistry

	mu       sync.Mutex
	children map[int]*child

	wg sync.WaitGroup
}

type child struct {
	proc   *os.Process
	reaped bool
}

// NewLocal returns a launcher running cmd in the working directory dir. An
// empty dir means the current directory.
func NewLocal(logger zerolog.Logger, cmd Command, dir string) *Local {
	return &Local{
		logger:   logger.With().Str("launcher", "local").Logger(),
		cmd:      cmd,
		dir:      dir,
		registry: LocalRegistry{Logger: logger},
		children: make(map[int]*child),
	}
}

// Launch implements supervisor.Launcher. It returns once the process runs
// and reports its exit through sig from a background goroutine.
func (l *Local) Launch(ctx context.Context, req supervisor.LaunchRequest, sig supervisor.Signaler) error {
	if err := prepareStateDir(l.cmd.StateDir, req.PreserveState); err != nil {
		return err
	}
	if err := l.prepareArtifactDirs(); err != nil {
		return err
	}

	out, err := os.OpenFile(req.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}

	argv := l.cmd.Argv(req)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = l.dir
	cmd.Env = append(os.Environ(), l.cmd.Env(req)...)
	cmd.Stdout = out

	// Stderr is a plain pipe so cmd.Wait returns when the process exits,
	// not when every holder of the write end closed it.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stderr = stderrW

	l.logger.Debug().
		Int("shard", req.Index).
		Str("command", cmd.String()).
		Msg("Starting shard process")

	err = cmd.Start()
	stderrW.Close()
	if err != nil {
		stderr.Close()
		out.Close()
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	l.mu.Lock()
	l.children[pid] = &child{proc: cmd.Process}
	l.mu.Unlock()
	sig.Signal(supervisor.Started(pid))

	scanned := make(chan struct{})
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		defer close(scanned)
		defer out.Close()
		defer stderr.Close()

		err := scanPanics(stderr, out, func(trace string) {
			sig.Signal(supervisor.UncaughtException(pid, trace))
		})
		if err != nil {
			l.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to scan shard stderr")
		}
	}()
	go func() {
		defer l.wg.Done()

		code := exitCode(cmd.Wait())
		select {
		case <-scanned:
		case <-time.After(stderrDrainTimeout):
			l.logger.Debug().Int("pid", pid).Msg("Shard stderr still open after exit")
		}

		// Signal before marking the child reaped: a liveness poll that sees
		// it dead is then queued behind the exit event.
		sig.Signal(supervisor.Finished(pid, code))
		l.mu.Lock()
		if c := l.children[pid]; c != nil && c.proc == cmd.Process {
			c.reaped = true
		}
		l.mu.Unlock()
	}()

	return nil
}

// IsAlive implements supervisor.Registry.
func (l *Local) IsAlive(pid int) bool {
	l.mu.Lock()
	c := l.children[pid]
	alive := c != nil && !c.reaped
	l.mu.Unlock()
	if c != nil {
		return alive
	}
	return l.registry.IsAlive(pid)
}

// Kill implements supervisor.Registry. Killing a reaped child is a no-op
// so its pid, which may have been reused, is never signalled.
func (l *Local) Kill(pid int) error {
	l.mu.Lock()
	c := l.children[pid]
	reaped := c != nil && c.reaped
	l.mu.Unlock()
	if c == nil {
		return l.registry.Kill(pid)
	}
	if reaped {
		return nil
	}
	if err := c.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}

// Wait blocks until every launched process has been reaped and its output
// flushed.
func (l *Local) Wait() {
	l.wg.Wait()
}

func (l *Local) prepareArtifactDirs() error {
	for _, dir := range []string{l.cmd.ProfileDir, l.cmd.StatDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// prepareStateDir wipes dir unless preserve is set and makes sure it exists.
func prepareStateDir(dir string, preserve bool) error {
	if dir == "" {
		return nil
	}
	if !preserve {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to wipe state directory: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}

// exitCode extracts the exit status from the result of cmd.Wait. It is -1
// when the process was killed by a signal or never ran.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
