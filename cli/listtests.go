package cli

// This file contains the list-tests command, which writes the test names of
// a Go test binary in the format --test-list reads.

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	gocmd "github.com/perfgo/shardrun/cli/go"
)

func (a *App) listTests(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one test binary, got %d arguments", ctx.NArg())
	}
	binary := ctx.Args().First()

	tests, err := gocmd.ListTests(binary, ctx.String("run"))
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if output := ctx.String("output"); output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create test list: %w", err)
		}
		defer f.Close()
		w = f
	}

	bw := bufio.NewWriter(w)
	for _, test := range tests {
		fmt.Fprintln(bw, test)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write test list: %w", err)
	}

	a.logger.Info().Str("binary", binary).Int("tests", len(tests)).Msg("Listed tests")
	return nil
}
