package supervisor

import (
	"context"
	"sync"
)

// fakeRegistry tracks simulated processes. A killed process stays alive for
// linger further IsAlive calls.
type fakeRegistry struct {
	mu     sync.Mutex
	linger int
	alive  map[int]int // pid -> remaining alive polls after kill, -1 while not killed
	killed []int
	polls  int
}

func newFakeRegistry(linger int) *fakeRegistry {
	return &fakeRegistry{linger: linger, alive: map[int]int{}}
}

func (r *fakeRegistry) spawn(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[pid] = -1
}

func (r *fakeRegistry) exit(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, pid)
}

func (r *fakeRegistry) IsAlive(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	left, ok := r.alive[pid]
	if !ok {
		return false
	}
	if left < 0 {
		return true
	}
	if left == 0 {
		delete(r.alive, pid)
		return false
	}
	r.alive[pid] = left - 1
	return true
}

func (r *fakeRegistry) Kill(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, pid)
	if left, ok := r.alive[pid]; ok && left < 0 {
		r.alive[pid] = r.linger
	}
	return nil
}

func (r *fakeRegistry) anyAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alive) > 0
}

func (r *fakeRegistry) kills() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.killed...)
}

// behaviour decides what a fake shard process signals after launch.
type behaviour func(r *fakeRegistry, pid int, sig Signaler)

func startAndFinish(r *fakeRegistry, pid int, sig Signaler) {
	sig.Signal(Started(pid))
	sig.Signal(Finished(pid, 0))
}

func startOnly(r *fakeRegistry, pid int, sig Signaler) {
	sig.Signal(Started(pid))
}

func startThenDie(r *fakeRegistry, pid int, sig Signaler) {
	sig.Signal(Started(pid))
	r.exit(pid)
}

func neverStart(r *fakeRegistry, pid int, sig Signaler) {}

type fakeLauncher struct {
	registry   *fakeRegistry
	firstPID   int
	behaviours []behaviour // per launch, the last one repeats
	err        error

	requests []LaunchRequest
	overlap  bool
}

func (l *fakeLauncher) Launch(ctx context.Context, req LaunchRequest, sig Signaler) error {
	if l.err != nil {
		return l.err
	}
	if l.registry.anyAlive() {
		l.overlap = true
	}

	n := len(l.requests)
	l.requests = append(l.requests, req)
	pid := l.firstPID + n
	l.registry.spawn(pid)

	b := startAndFinish
	if len(l.behaviours) > 0 {
		b = l.behaviours[len(l.behaviours)-1]
		if n < len(l.behaviours) {
			b = l.behaviours[n]
		}
	}
	b(l.registry, pid, sig)
	return nil
}

type countingKeepalive struct {
	acquired int
	held     int
}

func (k *countingKeepalive) Acquire() error {
	k.acquired++
	k.held++
	return nil
}

func (k *countingKeepalive) Release() {
	k.held--
}
