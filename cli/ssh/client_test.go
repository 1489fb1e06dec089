package ssh

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNormalizeArch(t *testing.T) {
	tests := map[string]string{
		"x86_64\n": "amd64",
		"aarch64":  "arm64",
		"i686":     "386",
		"armv7l":   "arm",
		"riscv64":  "riscv64",
	}
	for in, want := range tests {
		require.Equal(t, want, normalizeArch(in), in)
	}
	require.Equal(t, "linux", normalizeOS("Linux\n"))
}

func TestBuildSSHArgs(t *testing.T) {
	c := &Client{
		logger:       zerolog.Nop(),
		host:         "builder@lab",
		controlPath:  "/run/shardrun/ssh-abc",
		identityFile: "/keys/id",
	}
	WithExtraOptions("StrictHostKeyChecking=no")(c)

	require.Equal(t, []string{
		"-o", "ControlPath=/run/shardrun/ssh-abc",
		"-o", "ControlMaster=no",
		"-i", "/keys/id",
		"-o", "StrictHostKeyChecking=no",
	}, c.buildSSHArgs())
}

func TestControlSocketDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	require.Equal(t, filepath.Join("/run/user/1000", "shardrun"), controlSocketDir())

	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	require.Equal(t, filepath.Join("/cfg", "shardrun"), controlSocketDir())
}
