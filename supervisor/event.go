package supervisor

import "fmt"

// EventKind identifies a signal sent by a shard process.
type EventKind uint8

const (
	// EventStarted is sent once the shard process runs; PID is set.
	EventStarted EventKind = iota
	// EventFinished is sent when the shard process completed its tests.
	EventFinished
	// EventUncaughtException carries a crash trace reported by the process.
	// It is advisory and never ends a shard on its own.
	EventUncaughtException
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventFinished:
		return "finished"
	case EventUncaughtException:
		return "uncaught_exception"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is a signal from a shard process to the supervisor.
type Event struct {
	Kind     EventKind
	PID      int
	Trace    string // EventUncaughtException only
	ExitCode int    // EventFinished only, -1 if unknown
}

// Started returns an EventStarted for pid.
func Started(pid int) Event {
	return Event{Kind: EventStarted, PID: pid}
}

// Finished returns an EventFinished for pid.
func Finished(pid, exitCode int) Event {
	return Event{Kind: EventFinished, PID: pid, ExitCode: exitCode}
}

// UncaughtException returns an EventUncaughtException for pid.
func UncaughtException(pid int, trace string) Event {
	return Event{Kind: EventUncaughtException, PID: pid, Trace: trace}
}

// Signaler receives events from shard processes.
type Signaler interface {
	Signal(ev Event)
}
