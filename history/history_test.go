package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/shardrun/model"
	"github.com/perfgo/shardrun/supervisor"
)

func writeRun(t *testing.T, root string, h *model.History) {
	t.Helper()
	dir := filepath.Join(root, "history", RunDirName(h))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, Write(dir, h))
}

func TestLoadEntries(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	writeRun(t, root, &model.History{ID: "aaaa1111", Timestamp: base})
	writeRun(t, root, &model.History{
		ID:        "bbbb2222",
		Timestamp: base.Add(time.Hour),
		Git:       &model.Git{Commit: "0123456789abcdef"},
		Shards: []supervisor.ShardResult{
			{Index: 0, Filter: "TestA", Status: supervisor.StatusFinished},
		},
	})
	writeRun(t, root, &model.History{ID: "cccc3333", Timestamp: base.Add(2 * time.Hour)})

	broken := filepath.Join(root, "history", "broken")
	require.NoError(t, os.MkdirAll(broken, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, FileName), []byte("{"), 0644))

	entries, err := LoadEntries(zerolog.Nop(), root)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "cccc3333", entries[0].History.ID)
	require.Equal(t, "bbbb2222", entries[1].History.ID)
	require.Equal(t, "aaaa1111", entries[2].History.ID)

	require.Equal(t, "20260301-130000-01234567-bbbb2222", filepath.Base(entries[1].FullPath))
	require.Len(t, entries[1].History.Shards, 1)
	require.Equal(t, supervisor.StatusFinished, entries[1].History.Shards[0].Status)
}

func TestFind(t *testing.T) {
	entries := []Entry{
		{History: model.History{ID: "cccc3333"}},
		{History: model.History{ID: "bbbb2222"}},
		{History: model.History{ID: "aaaa1111"}},
	}

	tests := []struct {
		arg     string
		wantID  string
		wantErr bool
	}{
		{arg: "0", wantID: "cccc3333"},
		{arg: "-2", wantID: "aaaa1111"},
		{arg: "BBBB", wantID: "bbbb2222"},
		{arg: "1", wantErr: true},
		{arg: "-3", wantErr: true},
		{arg: "dddd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := Find(entries, tt.arg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantID, got.History.ID)
		})
	}

	_, err := Find(nil, "0")
	require.Error(t, err)
}
