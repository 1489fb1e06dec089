package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/shardrun/cli/perf"
	"github.com/perfgo/shardrun/config"
	"github.com/perfgo/shardrun/supervisor"
)

const AppName = "shardrun"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Run a test binary in shards, one supervised process per shard",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Run tests in shards, locally or on a remote host",
		ArgsUsage: "[-- TEST FLAGS]",
		Action:    app.run,
		Flags:     runFlags(),
		Description: `Builds a queue of shards from --test and --test-list and runs each shard
in its own process. A shard that does not signal start within
--startup-timeout cancels the run; a shard running longer than
--shard-timeout is killed and the next one starts.

Arguments after -- are passed to every shard. Go test flags may omit the
-test. prefix; build flags such as -tags are used when building --package.

Examples:
  shardrun run --binary ./suite.test --test-list tests.txt --chunk-size 10
  shardrun run --package ./pkg/store --test-list tests.txt -- -v -count=1
  shardrun run --package . --test-list tests.txt --remote-host lab1 --cpu-profile`,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "list-tests",
		Usage:     "Print the tests of a Go test binary, one per line",
		ArgsUsage: "BINARY",
		Action:    app.listTests,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "run",
				Usage: "Only list tests matching this regular expression",
				Value: ".",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the list to this file instead of stdout",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous shard runs",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Aliases: []string{"p"},
				Usage:   "Filter by relative path (e.g., pkg/store)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:            "view",
		Usage:           "View a shard run from history",
		ArgsUsage:       "[ID|INDEX]",
		Action:          app.view,
		SkipFlagParsing: true,
		Description: `View a shard run from history.

Arguments:
  0           View last run (default)
  -1          View 2nd last run
  -2          View 3rd last run
  <hex-id>    View run matching the ID prefix

Examples:
  shardrun view           # View last run
  shardrun view -1        # View 2nd last run
  shardrun view abc123    # View run with ID starting with abc123
  shardrun view -- -top   # Open the merged CPU profile with pprof -top

Display Priority:
  1. Merged CPU profile (cpu.pb.gz)
  2. Perf stat outputs
  3. Shard output`,
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && commit != "" {
		if len(commit) > 8 {
			commit = commit[:8]
		}
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "YAML file with run defaults",
			Value: config.DefaultFile,
		},
		&cli.StringFlag{
			Name:  "test",
			Usage: "Run this single test as its own shard before the list",
		},
		&cli.StringFlag{
			Name:  "test-list",
			Usage: "File with one test name per line",
		},
		&cli.IntFlag{
			Name:  "chunk-size",
			Usage: "Maximum number of tests per shard (0 puts every listed test in one shard)",
		},
		&cli.BoolFlag{
			Name:  "preserve-state",
			Usage: "Keep the state directory between shards of the same list",
		},
		&cli.DurationFlag{
			Name:  "shard-timeout",
			Usage: "Kill a shard running longer than this",
			Value: supervisor.DefaultShardTimeout,
		},
		&cli.DurationFlag{
			Name:  "startup-timeout",
			Usage: "Cancel the run if a shard does not start within this",
			Value: supervisor.DefaultStartupTimeout,
		},
		&cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "Interval between liveness checks of a running shard",
			Value: supervisor.DefaultPollInterval,
		},
		&cli.StringFlag{
			Name:  "binary",
			Usage: "Test binary to run",
		},
		&cli.StringFlag{
			Name:  "package",
			Usage: "Build the test binary of this package with go test -c",
		},
		&cli.StringFlag{
			Name:  "filter-style",
			Usage: "How the shard filter reaches the binary: go, gtest or none",
			Value: "go",
		},
		&cli.StringFlag{
			Name:  "state-dir",
			Usage: "Directory wiped before every shard that does not preserve state",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "File all shards append their output to (default: a new temporary file)",
		},
		&cli.StringFlag{
			Name:  "remote-host",
			Usage: "SSH host to run shards on (will auto-detect OS and architecture)",
		},
		&cli.StringFlag{
			Name:  "ssh-identity",
			Usage: "SSH private key for --remote-host",
		},
		&cli.StringSliceFlag{
			Name:  "ssh-option",
			Usage: "Extra SSH option for --remote-host (can be specified multiple times)",
		},
		&cli.BoolFlag{
			Name:  "keep",
			Usage: "Keep remote artifacts (don't clean up after the run)",
		},
		&cli.BoolFlag{
			Name:  "cpu-profile",
			Usage: "Write a CPU profile per shard and merge them (go filter style only)",
		},
		&cli.BoolFlag{
			Name:  "history",
			Usage: "Record the run below .shardrun/history",
			Value: true,
		},
		perf.StatEventFlag(),
		perf.StatDetailFlag(),
	}
}
