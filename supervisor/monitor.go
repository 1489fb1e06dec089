package supervisor

import (
	"time"

	"github.com/rs/zerolog"
)

type canceler interface {
	Cancel()
}

type scheduler interface {
	schedule(d time.Duration, fn func()) canceler
}

// loopScheduler adapts a Loop to the scheduler used by livenessMonitor.
type loopScheduler struct {
	loop *Loop
}

func (s loopScheduler) schedule(d time.Duration, fn func()) canceler {
	return s.loop.PostDelayed(d, fn)
}

// livenessMonitor polls whether a shard process is alive until it is stopped,
// the process dies, or its deadline passes. It fires at most once.
type livenessMonitor struct {
	logger   zerolog.Logger
	pid      int
	deadline time.Time
	interval time.Duration
	registry Registry
	sched    scheduler
	now      func() time.Time
	onExpire func(pid int, status Status)

	active  bool
	pending canceler
}

func (m *livenessMonitor) start() {
	m.active = true
	m.logger.Debug().
		Int("pid", m.pid).
		Time("deadline", m.deadline).
		Dur("interval", m.interval).
		Msg("Monitoring shard process")
	m.pending = m.sched.schedule(m.interval, m.poll)
}

// stop deactivates the monitor. Polls already scheduled become no-ops.
func (m *livenessMonitor) stop() {
	m.active = false
	if m.pending != nil {
		m.pending.Cancel()
		m.pending = nil
	}
}

func (m *livenessMonitor) poll() {
	if !m.active {
		return
	}
	m.pending = nil

	if !m.registry.IsAlive(m.pid) {
		m.logger.Warn().Int("pid", m.pid).Msg("Shard process died unexpectedly")
		m.expire(StatusCrashed)
		return
	}

	if m.now().Before(m.deadline) {
		m.pending = m.sched.schedule(m.interval, m.poll)
		return
	}

	m.logger.Warn().Int("pid", m.pid).Time("deadline", m.deadline).Msg("Shard process timed out")
	m.expire(StatusTimedOut)
}

func (m *livenessMonitor) expire(status Status) {
	m.active = false
	m.onExpire(m.pid, status)
}
