package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/perfgo/shardrun/shard"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		OutputFile:       "/tmp/shardrun-output.txt",
		ShardTimeout:     time.Minute,
		StartupTimeout:   time.Minute,
		PollInterval:     5 * time.Millisecond,
		KillPollInterval: time.Millisecond,
		SelfPID:          1,
	}
}

func statuses(r Result) []Status {
	var out []Status
	for _, s := range r.Shards {
		out = append(out, s.Status)
	}
	return out
}

func TestSupervisor_SingleTest(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("org.x.Foo#testBar", false))
	reg := newFakeRegistry(0)
	l := &fakeLauncher{registry: reg, firstPID: 100}
	ka := &countingKeepalive{}

	res := New(zerolog.Nop(), q, l, reg, ka, testOptions()).Run(context.Background())

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.NoError(t, res.Err)
	require.False(t, res.Failed())
	require.Len(t, l.requests, 1)
	require.Equal(t, LaunchRequest{
		Index:      0,
		HasShard:   true,
		Filter:     "org.x.Foo#testBar",
		OutputFile: "/tmp/shardrun-output.txt",
	}, l.requests[0])
	require.Equal(t, []int{100}, reg.kills())
	require.Equal(t, []Status{StatusFinished}, statuses(res))
	require.Equal(t, 100, res.Shards[0].PID)
	require.Equal(t, 0, res.Shards[0].ExitCode)
	require.Equal(t, 1, ka.acquired)
	require.Equal(t, 0, ka.held)
}

func TestSupervisor_ListShards(t *testing.T) {
	q := shard.NewQueue()
	require.NoError(t, q.AppendList(strings.NewReader("a\nb\nc\nd\ne\n"), 2, true))

	reg := newFakeRegistry(3)
	l := &fakeLauncher{registry: reg, firstPID: 200}
	ka := &countingKeepalive{}

	res := New(zerolog.Nop(), q, l, reg, ka, testOptions()).Run(context.Background())

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.False(t, l.overlap, "a shard was launched while the previous process was alive")

	var filters []string
	var preserve []bool
	for _, req := range l.requests {
		filters = append(filters, req.Filter)
		preserve = append(preserve, req.PreserveState)
	}
	require.Equal(t, []string{"a:b", "c:d", "e"}, filters)
	require.Equal(t, []bool{false, true, true}, preserve)
	require.Equal(t, []int{200, 201, 202}, reg.kills())
	require.Equal(t, []Status{StatusFinished, StatusFinished, StatusFinished}, statuses(res))
	require.Equal(t, 3, ka.acquired)
	require.Equal(t, 0, ka.held)
}

func TestSupervisor_TimeoutAdvancesQueue(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("slow", false), shard.NewMetadata("fast", true))
	reg := newFakeRegistry(2)
	l := &fakeLauncher{registry: reg, firstPID: 123, behaviours: []behaviour{startOnly, startAndFinish}}

	opts := testOptions()
	opts.ShardTimeout = 40 * time.Millisecond

	start := time.Now()
	res := New(zerolog.Nop(), q, l, reg, nil, opts).Run(context.Background())

	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.True(t, res.Failed())
	require.Equal(t, []Status{StatusTimedOut, StatusFinished}, statuses(res))
	require.Equal(t, []int{123, 124}, reg.kills())
	require.False(t, l.overlap)
	require.Equal(t, -1, res.Shards[0].ExitCode)
}

func TestSupervisor_UnexpectedDeath(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("crashy", false), shard.NewMetadata("next", false))
	reg := newFakeRegistry(0)
	l := &fakeLauncher{registry: reg, firstPID: 300, behaviours: []behaviour{startThenDie, startAndFinish}}

	res := New(zerolog.Nop(), q, l, reg, nil, testOptions()).Run(context.Background())

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, []Status{StatusCrashed, StatusFinished}, statuses(res))
	require.Len(t, l.requests, 2)
}

func TestSupervisor_StartupWatchdog(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("a", false), shard.NewMetadata("b", true), shard.NewMetadata("c", true))
	reg := newFakeRegistry(0)
	l := &fakeLauncher{registry: reg, firstPID: 400, behaviours: []behaviour{neverStart}}
	ka := &countingKeepalive{}

	opts := testOptions()
	opts.StartupTimeout = 30 * time.Millisecond

	res := New(zerolog.Nop(), q, l, reg, ka, opts).Run(context.Background())

	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.True(t, errors.Is(res.Err, ErrStartupTimeout))
	require.Len(t, l.requests, 1)
	require.Equal(t, 2, q.Len())
	require.Equal(t, []Status{StatusCancelled}, statuses(res))
	require.Equal(t, 0, ka.held)
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("a", false))
	reg := newFakeRegistry(0)
	l := &fakeLauncher{registry: reg, err: fmt.Errorf("binary not found")}

	res := New(zerolog.Nop(), q, l, reg, nil, testOptions()).Run(context.Background())

	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.True(t, errors.Is(res.Err, ErrLaunchFailed))
	require.ErrorContains(t, res.Err, "binary not found")
}

func TestSupervisor_EmptyQueueLaunchesOnce(t *testing.T) {
	reg := newFakeRegistry(0)
	l := &fakeLauncher{registry: reg, firstPID: 500}

	res := New(zerolog.Nop(), shard.NewQueue(), l, reg, nil, testOptions()).Run(context.Background())

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Len(t, l.requests, 1)
	require.False(t, l.requests[0].HasShard)
	require.Empty(t, l.requests[0].Filter)
	require.Equal(t, "/tmp/shardrun-output.txt", l.requests[0].OutputFile)
}

func TestSupervisor_UncaughtExceptionIsAdvisory(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("a", false))
	reg := newFakeRegistry(0)
	l := &fakeLauncher{registry: reg, firstPID: 600, behaviours: []behaviour{
		func(r *fakeRegistry, pid int, sig Signaler) {
			sig.Signal(Started(pid))
			sig.Signal(UncaughtException(pid, "panic: boom"))
			sig.Signal(Finished(pid, 2))
		},
	}}

	res := New(zerolog.Nop(), q, l, reg, nil, testOptions()).Run(context.Background())

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, []Status{StatusFinished}, statuses(res))
	require.Equal(t, []string{"panic: boom"}, res.Shards[0].Exceptions)
	require.Equal(t, 2, res.Shards[0].ExitCode)
	require.True(t, res.Failed())
}

func TestSupervisor_InProcessShardIsNotKilled(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("a", false))
	reg := newFakeRegistry(0)
	opts := testOptions()
	l := &fakeLauncher{registry: reg, behaviours: []behaviour{
		func(r *fakeRegistry, pid int, sig Signaler) {
			sig.Signal(Started(opts.SelfPID))
			sig.Signal(Finished(opts.SelfPID, 0))
		},
	}}

	res := New(zerolog.Nop(), q, l, reg, nil, opts).Run(context.Background())

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Empty(t, reg.kills())
	require.Zero(t, reg.polls)
}

func TestSupervisor_StaleSignalsIgnored(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("a", false), shard.NewMetadata("b", false))
	reg := newFakeRegistry(0)
	l := &fakeLauncher{registry: reg, firstPID: 700, behaviours: []behaviour{
		func(r *fakeRegistry, pid int, sig Signaler) {
			sig.Signal(Started(pid))
			sig.Signal(Finished(999, 0))
			sig.Signal(Finished(pid, 0))
			sig.Signal(Finished(pid, 0))
		},
		func(r *fakeRegistry, pid int, sig Signaler) {
			sig.Signal(Finished(pid-1, 0))
			sig.Signal(Started(pid))
			sig.Signal(Finished(pid, 0))
		},
	}}

	res := New(zerolog.Nop(), q, l, reg, nil, testOptions()).Run(context.Background())

	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, []Status{StatusFinished, StatusFinished}, statuses(res))
	require.Equal(t, []int{700, 701}, reg.kills())
}

func TestSupervisor_ContextCancel(t *testing.T) {
	q := shard.NewQueue(shard.NewMetadata("a", false), shard.NewMetadata("b", false))
	reg := newFakeRegistry(0)
	l := &fakeLauncher{registry: reg, firstPID: 800, behaviours: []behaviour{startOnly}}
	ka := &countingKeepalive{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := New(zerolog.Nop(), q, l, reg, ka, testOptions()).Run(ctx)

	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.True(t, errors.Is(res.Err, context.DeadlineExceeded))
	require.Equal(t, []int{800}, reg.kills())
	require.Equal(t, []Status{StatusCancelled}, statuses(res))
	require.Equal(t, 0, ka.held)
}
