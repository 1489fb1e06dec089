package launch

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// LocalRegistry answers liveness queries for processes on this machine.
// A zombie counts as dead: it has exited and only waits to be reaped.
type LocalRegistry struct {
	Logger zerolog.Logger
}

// IsAlive implements supervisor.Registry.
func (r LocalRegistry) IsAlive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		r.Logger.Debug().Err(err).Int("pid", pid).Msg("Failed to look up process")
		return false
	}
	if !exists {
		return false
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		// The process may have been reaped between the two lookups.
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// Kill implements supervisor.Registry.
func (r LocalRegistry) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}
