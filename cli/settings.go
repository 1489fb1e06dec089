package cli

// This file merges the optional YAML config file with the flags given on
// the command line. Flags that were set explicitly win.

import (
	"github.com/urfave/cli/v2"

	"github.com/perfgo/shardrun/config"
)

func (a *App) loadRunConfig(ctx *cli.Context) (*config.Config, error) {
	path := ctx.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Str("path", path).Msg("Loaded run config")

	stringFlags := map[string]*string{
		"test":         &cfg.SingleTest,
		"test-list":    &cfg.TestList,
		"binary":       &cfg.Binary,
		"package":      &cfg.Package,
		"filter-style": &cfg.FilterStyle,
		"state-dir":    &cfg.StateDir,
		"output":       &cfg.Output,
		"remote-host":  &cfg.RemoteHost,
	}
	for name, dst := range stringFlags {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}

	durationFlags := map[string]*config.Duration{
		"shard-timeout":   &cfg.ShardTimeout,
		"startup-timeout": &cfg.StartupTimeout,
		"poll-interval":   &cfg.PollInterval,
	}
	for name, dst := range durationFlags {
		if ctx.IsSet(name) {
			*dst = config.Duration(ctx.Duration(name))
		}
	}

	if ctx.IsSet("chunk-size") {
		cfg.ChunkSize = ctx.Int("chunk-size")
	}
	if ctx.IsSet("preserve-state") {
		cfg.PreserveStateAcrossMultiTest = ctx.Bool("preserve-state")
	}

	return cfg, nil
}
