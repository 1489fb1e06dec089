package shard

// build.go contains queue construction from a single test filter and a
// newline-delimited list of test names.

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options controls how a queue is built.
type Options struct {
	SingleTest                   string // Filter run as its own shard
	ListFile                     string // Path to a file with one test name per line
	ChunkSize                    int    // Maximum tests per shard, 0 means unbounded
	PreserveStateAcrossMultiTest bool   // Keep state between shards of a list
}

// Build returns the queue described by opts. A list file that cannot be read
// is logged and skipped; the shards queued up to that point are kept.
func Build(logger zerolog.Logger, opts Options) *Queue {
	q := NewQueue()

	if opts.SingleTest != "" {
		q.Push(NewMetadata(opts.SingleTest, false))
		logger.Debug().Str("filter", opts.SingleTest).Msg("Queued single test shard")
	}

	if opts.ListFile != "" {
		if err := q.appendListFile(opts.ListFile, opts.ChunkSize, opts.PreserveStateAcrossMultiTest); err != nil {
			logger.Warn().
				Err(err).
				Str("file", opts.ListFile).
				Int("shards", q.Len()).
				Msg("Failed to read test list, continuing with queued shards")
		}
	}

	logger.Debug().Int("shards", q.Len()).Msg("Shard queue built")
	return q
}

func (q *Queue) appendListFile(path string, chunkSize int, preserve bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open test list: %w", err)
	}
	defer f.Close()

	return q.AppendList(f, chunkSize, preserve)
}

// AppendList reads test names from r, one per line, and appends them to the
// queue in chunks of at most chunkSize names (chunkSize <= 0 puts every name
// into a single shard). Blank lines are kept as names. A chunk preserves
// state only if preserve is set and it is not the first shard of the queue.
//
// Chunks completed before a read error stay queued; the names buffered for
// the incomplete chunk are still flushed.
func (q *Queue) AppendList(r io.Reader, chunkSize int, preserve bool) error {
	var buf []string

	flush := func() {
		if len(buf) == 0 {
			return
		}
		q.Push(NewMetadata(strings.Join(buf, Delimiter), preserve && q.Len() > 0))
		buf = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf = append(buf, scanner.Text())
		if chunkSize > 0 && len(buf) == chunkSize {
			flush()
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read test list: %w", err)
	}
	return nil
}
