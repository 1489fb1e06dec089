package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeparateTestArgs(t *testing.T) {
	tests := []struct {
		name        string
		in          []string
		wantBuild   []string
		wantRuntime []string
	}{
		{
			name:        "runtime only",
			in:          []string{"-v", "-count=1"},
			wantBuild:   []string{},
			wantRuntime: []string{"-v", "-count=1"},
		},
		{
			name:        "tags with separate value",
			in:          []string{"-tags", "integration", "-v"},
			wantBuild:   []string{"-tags", "integration"},
			wantRuntime: []string{"-v"},
		},
		{
			name:        "race does not take a value",
			in:          []string{"-race", "TestA"},
			wantBuild:   []string{"-race"},
			wantRuntime: []string{"TestA"},
		},
		{
			name:        "equals syntax",
			in:          []string{"-ldflags=-s -w", "-timeout=5m"},
			wantBuild:   []string{"-ldflags=-s -w"},
			wantRuntime: []string{"-timeout=5m"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			build, runtime := separateTestArgs(tt.in)
			require.Equal(t, tt.wantBuild, build)
			require.Equal(t, tt.wantRuntime, runtime)
		})
	}
}

func TestTransformTestFlags(t *testing.T) {
	got := transformTestFlags([]string{"-v", "-count=1", "-test.short", "--gtest_repeat=2", "value"})
	require.Equal(t, []string{"-test.v", "-test.count=1", "-test.short", "--gtest_repeat=2", "value"}, got)
}

func TestPackageDir(t *testing.T) {
	for in, want := range map[string]string{
		".":                ".",
		"./...":            ".",
		"./pkg/store":      "pkg/store",
		"./pkg/store/...":  "pkg/store",
		"internal/session": "internal/session",
	} {
		require.Equal(t, want, packageDir(in), in)
	}
}
