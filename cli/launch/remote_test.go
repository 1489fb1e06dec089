package launch

import (
	"context"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/shardrun/supervisor"
)

// localShell runs "remote" commands with the local sh.
type localShell struct {
	ensured int
}

func (s *localShell) Command(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", command)
}

func (s *localShell) RunCommand(command string) (string, error) {
	out, err := exec.Command("sh", "-c", command).Output()
	return string(out), err
}

func (s *localShell) EnsureMaster() error {
	s.ensured++
	return nil
}

func TestRemote_Script(t *testing.T) {
	r := NewRemote(zerolog.Nop(), &localShell{}, Command{
		Binary:      "/r/suite.test",
		FilterStyle: FilterGo,
		StateDir:    "/r/state",
	}, "/r/work")

	got := r.Script(supervisor.LaunchRequest{
		Index:      0,
		HasShard:   true,
		Filter:     "TestA",
		OutputFile: "/tmp/out",
	})
	require.Equal(t, "echo $$; rm -rf /r/state && mkdir -p /r/state && cd /r/work && "+
		"exec env SHARDRUN_SHARD_INDEX=0 SHARDRUN_PRESERVE_STATE=false "+
		"SHARDRUN_FILTER=TestA SHARDRUN_STATE_DIR=/r/state /r/suite.test '-test.run=^(?:TestA)$'", got)

	got = r.Script(supervisor.LaunchRequest{Index: 1, HasShard: true, Filter: "TestB", PreserveState: true, OutputFile: "/tmp/out"})
	require.NotContains(t, got, "rm -rf")
	require.NotContains(t, got, "SHARDRUN_OUTPUT_FILE")
}

func TestRemote_RunsShard(t *testing.T) {
	script := writeScript(t, `echo hello
echo 'panic: remote boom' >&2
exit 5`)
	output := filepath.Join(t.TempDir(), "out.txt")

	r := NewRemote(zerolog.Nop(), &localShell{}, Command{Binary: script, FilterStyle: FilterNone}, "")
	rec := newRecorder()
	require.NoError(t, r.Launch(context.Background(), supervisor.LaunchRequest{OutputFile: output}, rec))

	events := rec.untilFinished(t)
	r.Wait()

	require.Len(t, events, 3)
	require.Equal(t, supervisor.EventStarted, events[0].Kind)
	pid := events[0].PID
	require.Positive(t, pid)
	require.Equal(t, supervisor.UncaughtException(pid, "panic: remote boom"), events[1])
	require.Equal(t, supervisor.Finished(pid, 5), events[2])

	out := readFile(t, output)
	require.Contains(t, out, "hello\n")
	require.Contains(t, out, "panic: remote boom\n")
	require.NotContains(t, out, strconv.Itoa(pid))

	// The session ended, so the pid is neither alive nor killed.
	require.False(t, r.IsAlive(pid))
	require.NoError(t, r.Kill(pid))
}

func TestRemote_RegistryAndKeepalive(t *testing.T) {
	shell := &localShell{}
	r := NewRemote(zerolog.Nop(), shell, Command{}, "")

	require.NoError(t, r.Acquire())
	r.Release()
	require.Equal(t, 1, shell.ensured)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	require.True(t, r.IsAlive(pid))
	require.NoError(t, r.Kill(pid))
	_ = cmd.Wait()
	require.False(t, r.IsAlive(pid))
}
