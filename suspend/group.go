package suspend

import (
	"fmt"
	"sync"
	"time"
)

// Group coordinates cooperative suspension of concurrent background threads.
// Participants Join the set and call Yield at loop iteration boundaries; a
// controller calls Synchronize to raise the suspend flag and block until
// every participant is quiesced, then Desynchronize to release them.
//
// The wakeup channel is a one-slot semaphore signaled exactly once per
// synchronization, by whichever participant is the last to either yield or
// leave. Join, Leave, and Yield all run under the same lock as the
// suspend-flag check, which is what rules out missed and duplicate wakeups.
type Group struct {
	mu      sync.Mutex
	resumed *sync.Cond

	wakeup chan struct{}

	nthreads int
	nstopped int

	suspended bool

	// yieldTimeout bounds how long Synchronize waits for the set to quiesce.
	// Zero means unbounded. An expired bound is fatal: a suspend request
	// that is never satisfied is a stuck participant, not slow progress.
	yieldTimeout time.Duration
}

func NewGroup(yieldTimeout time.Duration) *Group {
	g := &Group{
		wakeup:       make(chan struct{}, 1),
		yieldTimeout: yieldTimeout,
	}
	g.resumed = sync.NewCond(&g.mu)
	return g
}

func (g *Group) synchronized() bool {
	return g.nstopped == g.nthreads
}

func (g *Group) signalWakeup() {
	select {
	case g.wakeup <- struct{}{}:
	default:
		panic("suspend group signaled twice for one synchronization")
	}
}

// Join adds the caller to the active set. Joining blocks while a suspension
// is in progress, so the controller's count of participants cannot grow
// under it.
func (g *Group) Join() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.suspended {
		g.resumed.Wait()
	}
	g.nthreads++
}

// Leave removes the caller from the active set. A leaving thread that is the
// last straggler of a pending suspension completes it.
func (g *Group) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nthreads <= 0 {
		panic("leave without a matching join")
	}
	g.nthreads--
	if g.suspended && g.synchronized() {
		g.signalWakeup()
	}
}

// Yield is the participant's suspension point. When no suspension is
// requested it returns immediately; otherwise the caller counts itself
// stopped, wakes the controller if it is the last one, and blocks until
// Desynchronize.
func (g *Group) Yield() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.suspended {
		return
	}

	g.nstopped++
	if g.synchronized() {
		g.signalWakeup()
	}
	for g.suspended {
		g.resumed.Wait()
	}
	g.nstopped--
}

// Synchronize raises the suspend flag and blocks until every participant
// has reached a yield point or left the set. Returns immediately when the
// set is already quiesced.
func (g *Group) Synchronize() {
	g.mu.Lock()
	if g.suspended {
		g.mu.Unlock()
		panic("synchronize while a suspension is already in progress")
	}
	g.suspended = true
	if g.synchronized() {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	if g.yieldTimeout <= 0 {
		<-g.wakeup
		return
	}
	select {
	case <-g.wakeup:
	case <-time.After(g.yieldTimeout):
		panic(fmt.Sprintf("suspend request not satisfied within %v, a participant is stuck", g.yieldTimeout))
	}
}

// Desynchronize clears the suspend flag and releases every yielded
// participant.
func (g *Group) Desynchronize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.suspended {
		panic("desynchronize without a pending synchronize")
	}
	if !g.synchronized() {
		panic("desynchronize before the set quiesced")
	}
	g.suspended = false
	g.resumed.Broadcast()
}

// ShouldYield reports whether a suspension is pending, for participants that
// want to finish a cheap unit of work before parking.
func (g *Group) ShouldYield() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}
