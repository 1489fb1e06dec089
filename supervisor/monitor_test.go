package supervisor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	d         time.Duration
	fn        func()
	cancelled bool
}

func (t *fakeTask) Cancel() { t.cancelled = true }

// fakeScheduler queues delayed tasks and runs them when told, advancing the
// fake clock by each task's delay.
type fakeScheduler struct {
	tasks []*fakeTask
	now   time.Time
}

func (s *fakeScheduler) schedule(d time.Duration, fn func()) canceler {
	t := &fakeTask{d: d, fn: fn}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *fakeScheduler) clock() time.Time { return s.now }

// runNext runs the oldest queued task. It returns false if none was queued.
func (s *fakeScheduler) runNext() bool {
	if len(s.tasks) == 0 {
		return false
	}
	t := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.now = s.now.Add(t.d)
	if !t.cancelled {
		t.fn()
	}
	return true
}

type expiry struct {
	pid    int
	status Status
	at     time.Time
}

func newTestMonitor(sched *fakeScheduler, reg Registry, deadline time.Time, expired *[]expiry) *livenessMonitor {
	return &livenessMonitor{
		logger:   zerolog.Nop(),
		pid:      42,
		deadline: deadline,
		interval: time.Second,
		registry: reg,
		sched:    sched,
		now:      sched.clock,
		onExpire: func(pid int, status Status) {
			*expired = append(*expired, expiry{pid: pid, status: status, at: sched.now})
		},
	}
}

func TestMonitor_TimeoutAtFirstPollAfterDeadline(t *testing.T) {
	tests := []struct {
		name     string
		deadline time.Duration
		wantAt   time.Duration
	}{
		{name: "deadline between polls", deadline: 3500 * time.Millisecond, wantAt: 4 * time.Second},
		{name: "deadline on a poll", deadline: 3 * time.Second, wantAt: 3 * time.Second},
		{name: "deadline before first poll", deadline: 10 * time.Millisecond, wantAt: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Unix(1000, 0)
			sched := &fakeScheduler{now: start}
			reg := newFakeRegistry(0)
			reg.spawn(42)

			var expired []expiry
			m := newTestMonitor(sched, reg, start.Add(tt.deadline), &expired)
			m.start()

			for sched.runNext() {
				if len(expired) == 0 {
					require.True(t, sched.now.Before(start.Add(tt.deadline)), "monitor fired late")
				}
			}

			require.Equal(t, []expiry{{pid: 42, status: StatusTimedOut, at: start.Add(tt.wantAt)}}, expired)
			require.False(t, m.active)
		})
	}
}

func TestMonitor_DeathBeforeDeadline(t *testing.T) {
	start := time.Unix(1000, 0)
	sched := &fakeScheduler{now: start}
	reg := newFakeRegistry(0)
	reg.spawn(42)

	var expired []expiry
	m := newTestMonitor(sched, reg, start.Add(time.Minute), &expired)
	m.start()

	require.True(t, sched.runNext())
	require.True(t, sched.runNext())
	require.Empty(t, expired)

	reg.exit(42)
	require.True(t, sched.runNext())
	require.Equal(t, []expiry{{pid: 42, status: StatusCrashed, at: start.Add(3 * time.Second)}}, expired)

	// Nothing further is scheduled once the monitor fired.
	require.False(t, sched.runNext())
}

func TestMonitor_StopSuppressesPendingPoll(t *testing.T) {
	start := time.Unix(1000, 0)
	sched := &fakeScheduler{now: start}
	reg := newFakeRegistry(0)
	reg.spawn(42)

	var expired []expiry
	m := newTestMonitor(sched, reg, start.Add(500*time.Millisecond), &expired)
	m.start()
	m.stop()
	m.stop()

	require.True(t, sched.tasks[0].cancelled)

	// Even if the cancelled poll still runs, it must not fire.
	sched.tasks[0].cancelled = false
	for sched.runNext() {
	}
	require.Empty(t, expired)
}
