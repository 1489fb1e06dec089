package supervisor

// Package supervisor runs a queue of shards one external process at a time.
// Each process is launched, watched by a startup watchdog and a liveness
// monitor, and killed and confirmed dead before the next shard starts. All
// state transitions run on a single Loop; process signals are posted onto it
// through Signal.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/perfgo/shardrun/shard"
	"github.com/rs/zerolog"
)

const (
	DefaultShardTimeout     = 60 * time.Second
	DefaultStartupTimeout   = 30 * time.Second
	DefaultPollInterval     = time.Second
	DefaultKillPollInterval = 10 * time.Millisecond
)

var (
	ErrStartupTimeout = errors.New("shard process did not signal start in time")
	ErrLaunchFailed   = errors.New("failed to launch shard process")
	ErrKeepalive      = errors.New("failed to acquire keepalive binding")
)

// Outcome is the overall result of a run.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Status classifies how a shard ended.
type Status string

const (
	StatusFinished  Status = "finished"
	StatusTimedOut  Status = "timed_out"
	StatusCrashed   Status = "crashed"
	StatusCancelled Status = "cancelled"
)

type state uint8

const (
	stateIdle state = iota
	stateLaunching
	stateMonitoring
	stateTerminating
	stateFinished
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLaunching:
		return "launching"
	case stateMonitoring:
		return "monitoring"
	case stateTerminating:
		return "terminating"
	case stateFinished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Options configures a Supervisor. Zero durations select the defaults.
type Options struct {
	OutputFile       string
	ShardTimeout     time.Duration
	StartupTimeout   time.Duration
	PollInterval     time.Duration
	KillPollInterval time.Duration
	// Extras are passed unchanged to every launch.
	Extras []string
	// SelfPID is the supervisor's own pid. A shard reporting it runs in
	// process and is neither monitored nor killed. Defaults to os.Getpid().
	SelfPID int
}

func (o *Options) setDefaults() {
	if o.ShardTimeout <= 0 {
		o.ShardTimeout = DefaultShardTimeout
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.KillPollInterval <= 0 {
		o.KillPollInterval = DefaultKillPollInterval
	}
	if o.SelfPID == 0 {
		o.SelfPID = os.Getpid()
	}
}

// ShardResult records how one shard went.
type ShardResult struct {
	Index         int       `json:"index"`
	Filter        string    `json:"filter,omitempty"`
	PreserveState bool      `json:"preserve_state,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Status        Status    `json:"status"`
	ExitCode      int       `json:"exit_code"`
	Started       time.Time `json:"started,omitempty"`
	Ended         time.Time `json:"ended,omitempty"`
	Exceptions    []string  `json:"exceptions,omitempty"`
}

// Result is delivered once when a run completes or is aborted.
type Result struct {
	Outcome Outcome
	Err     error
	Shards  []ShardResult
}

// Failed reports whether the run was cancelled or any shard did not finish
// cleanly.
func (r Result) Failed() bool {
	if r.Outcome != OutcomeSuccess {
		return true
	}
	for _, s := range r.Shards {
		if s.Status != StatusFinished || s.ExitCode != 0 {
			return true
		}
	}
	return false
}

// Supervisor drives shards from a queue through launch, monitoring and
// teardown.
type Supervisor struct {
	logger    zerolog.Logger
	queue     *shard.Queue
	launcher  Launcher
	registry  Registry
	keepalive Keepalive
	opts      Options
	loop      *Loop

	now   func() time.Time
	sleep func(time.Duration)

	ctx           context.Context
	state         state
	next          int
	pid           int
	monitor       *livenessMonitor
	watchdog      *Timer
	keepaliveHeld bool
	result        Result
}

// New returns a supervisor for queue. A nil keepalive means NopKeepalive.
func New(logger zerolog.Logger, queue *shard.Queue, launcher Launcher, registry Registry, keepalive Keepalive, opts Options) *Supervisor {
	opts.setDefaults()
	if keepalive == nil {
		keepalive = NopKeepalive{}
	}
	return &Supervisor{
		logger:    logger,
		queue:     queue,
		launcher:  launcher,
		registry:  registry,
		keepalive: keepalive,
		opts:      opts,
		loop:      NewLoop(),
		now:       time.Now,
		sleep:     time.Sleep,
		result:    Result{Outcome: OutcomePending},
	}
}

// Signal delivers a process event. It is safe to call from any goroutine.
func (s *Supervisor) Signal(ev Event) {
	s.loop.Post(func() { s.handle(ev) })
}

// Run executes every queued shard and returns the result. It blocks until
// the run finishes, is cancelled, or ctx is done. Run must be called once.
func (s *Supervisor) Run(ctx context.Context) Result {
	s.ctx = ctx
	s.logger.Info().
		Int("shards", s.queue.Len()).
		Str("output", s.opts.OutputFile).
		Dur("shard_timeout", s.opts.ShardTimeout).
		Msg("Starting shard run")

	s.loop.Post(s.startNextShard)
	if err := s.loop.Run(ctx); err != nil && s.state != stateFinished {
		s.abort(err)
	}
	return s.result
}

func (s *Supervisor) current() *ShardResult {
	if len(s.result.Shards) == 0 {
		return nil
	}
	return &s.result.Shards[len(s.result.Shards)-1]
}

func (s *Supervisor) startNextShard() {
	s.state = stateLaunching

	req := LaunchRequest{
		Index:      s.next,
		OutputFile: s.opts.OutputFile,
		Extras:     s.opts.Extras,
	}
	res := ShardResult{Index: s.next, ExitCode: -1}
	if m, ok := s.queue.Pop(); ok {
		req.HasShard = true
		req.Filter = m.Filter()
		req.PreserveState = m.PreserveState()
		res.Filter = req.Filter
		res.PreserveState = req.PreserveState
	}
	s.next++
	s.result.Shards = append(s.result.Shards, res)

	s.logger.Info().
		Int("shard", req.Index).
		Str("filter", req.Filter).
		Bool("preserve_state", req.PreserveState).
		Int("remaining", s.queue.Len()).
		Msg("Launching shard")

	if err := s.keepalive.Acquire(); err != nil {
		s.current().Status = StatusCancelled
		s.finish(OutcomeCancelled, fmt.Errorf("%w: %w", ErrKeepalive, err))
		return
	}
	s.keepaliveHeld = true

	if err := s.launcher.Launch(s.ctx, req, s); err != nil {
		s.current().Status = StatusCancelled
		s.finish(OutcomeCancelled, fmt.Errorf("%w: %w", ErrLaunchFailed, err))
		return
	}

	s.watchdog = s.loop.PostDelayed(s.opts.StartupTimeout, s.onStartupTimeout)
}

func (s *Supervisor) handle(ev Event) {
	switch ev.Kind {
	case EventStarted:
		s.onStarted(ev.PID)
	case EventFinished:
		s.onFinished(ev)
	case EventUncaughtException:
		s.onUncaughtException(ev)
	default:
		s.logger.Warn().Stringer("kind", ev.Kind).Int("pid", ev.PID).Msg("Ignoring unknown event")
	}
}

func (s *Supervisor) onStarted(pid int) {
	if s.state != stateLaunching {
		s.logger.Debug().Int("pid", pid).Stringer("state", s.state).Msg("Ignoring stale start signal")
		return
	}

	s.watchdog.Cancel()
	s.watchdog = nil

	now := s.now()
	s.pid = pid
	cur := s.current()
	cur.PID = pid
	cur.Started = now
	s.state = stateMonitoring

	s.logger.Info().Int("shard", cur.Index).Int("pid", pid).Msg("Shard process started")

	if pid == s.opts.SelfPID {
		s.logger.Debug().Msg("Shard runs in the supervisor process, not monitoring")
		return
	}

	s.monitor = &livenessMonitor{
		logger:   s.logger,
		pid:      pid,
		deadline: now.Add(s.opts.ShardTimeout),
		interval: s.opts.PollInterval,
		registry: s.registry,
		sched:    loopScheduler{loop: s.loop},
		now:      s.now,
		onExpire: s.onMonitorExpired,
	}
	s.monitor.start()
}

func (s *Supervisor) onFinished(ev Event) {
	if s.state != stateMonitoring || ev.PID != s.pid {
		s.logger.Debug().Int("pid", ev.PID).Stringer("state", s.state).Msg("Ignoring stale finish signal")
		return
	}

	s.stopMonitor()
	s.current().ExitCode = ev.ExitCode
	s.teardown(StatusFinished)
}

func (s *Supervisor) onMonitorExpired(pid int, status Status) {
	if s.state != stateMonitoring || pid != s.pid {
		return
	}
	s.monitor = nil
	s.teardown(status)
}

func (s *Supervisor) onUncaughtException(ev Event) {
	s.logger.Warn().Int("pid", ev.PID).Str("trace", ev.Trace).Msg("Shard process reported an uncaught exception")

	for i := len(s.result.Shards) - 1; i >= 0; i-- {
		if s.result.Shards[i].PID == ev.PID {
			s.result.Shards[i].Exceptions = append(s.result.Shards[i].Exceptions, ev.Trace)
			return
		}
	}
}

func (s *Supervisor) onStartupTimeout() {
	if s.state != stateLaunching {
		return
	}
	s.watchdog = nil
	s.logger.Error().Dur("timeout", s.opts.StartupTimeout).Msg("Shard process never signalled start")
	s.current().Status = StatusCancelled
	s.finish(OutcomeCancelled, ErrStartupTimeout)
}

func (s *Supervisor) teardown(status Status) {
	s.state = stateTerminating
	cur := s.current()
	cur.Status = status

	s.releaseKeepalive()

	if s.pid != s.opts.SelfPID {
		if err := s.killAndWait(s.pid); err != nil {
			cur.Ended = s.now()
			s.finish(OutcomeCancelled, err)
			return
		}
	}
	cur.Ended = s.now()
	s.pid = 0

	logEvent := s.logger.Info()
	if status != StatusFinished {
		logEvent = s.logger.Warn()
	}
	logEvent.
		Int("shard", cur.Index).
		Str("status", string(status)).
		Int("exit_code", cur.ExitCode).
		Dur("duration", cur.Ended.Sub(cur.Started)).
		Msg("Shard torn down")

	if s.queue.Len() > 0 {
		s.loop.Post(s.startNextShard)
		return
	}
	s.finish(OutcomeSuccess, nil)
}

// killAndWait kills pid and blocks, polling, until the registry no longer
// reports it alive. It polls at least once.
func (s *Supervisor) killAndWait(pid int) error {
	if err := s.registry.Kill(pid); err != nil {
		s.logger.Debug().Err(err).Int("pid", pid).Msg("Kill request failed, process may already be gone")
	}
	for {
		s.sleep(s.opts.KillPollInterval)
		if !s.registry.IsAlive(pid) {
			return nil
		}
		if err := s.ctx.Err(); err != nil {
			return fmt.Errorf("waiting for process %d to exit: %w", pid, err)
		}
	}
}

func (s *Supervisor) stopMonitor() {
	if s.monitor != nil {
		s.monitor.stop()
		s.monitor = nil
	}
}

func (s *Supervisor) releaseKeepalive() {
	if s.keepaliveHeld {
		s.keepalive.Release()
		s.keepaliveHeld = false
	}
}

func (s *Supervisor) finish(outcome Outcome, err error) {
	s.state = stateFinished
	s.watchdog.Cancel()
	s.watchdog = nil
	s.stopMonitor()
	s.releaseKeepalive()

	s.result.Outcome = outcome
	s.result.Err = err

	logEvent := s.logger.Info()
	if outcome != OutcomeSuccess {
		logEvent = s.logger.Error().Err(err)
	}
	logEvent.
		Stringer("outcome", outcome).
		Int("shards", len(s.result.Shards)).
		Int("unlaunched", s.queue.Len()).
		Msg("Shard run finished")

	s.loop.Quit()
}

// abort ends a run whose context was cancelled while a shard was in flight.
func (s *Supervisor) abort(err error) {
	s.watchdog.Cancel()
	s.watchdog = nil
	s.stopMonitor()

	if s.state == stateMonitoring && s.pid != 0 && s.pid != s.opts.SelfPID {
		if kerr := s.registry.Kill(s.pid); kerr != nil {
			s.logger.Warn().Err(kerr).Int("pid", s.pid).Msg("Failed to kill shard process")
		}
	}
	s.releaseKeepalive()

	if cur := s.current(); cur != nil && cur.Status == "" {
		cur.Status = StatusCancelled
		cur.Ended = s.now()
	}
	s.state = stateFinished
	s.result.Outcome = OutcomeCancelled
	s.result.Err = err
	s.logger.Error().Err(err).Msg("Shard run aborted")
}
