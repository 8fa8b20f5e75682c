package suspend

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSynchronizeWithNoParticipantsReturnsImmediately(t *testing.T) {
	g := NewGroup(0)
	done := make(chan struct{})
	go func() {
		g.Synchronize()
		g.Desynchronize()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("synchronize hung with an empty set")
	}
}

func TestSynchronizeWaitsForAllYielders(t *testing.T) {
	g := NewGroup(0)
	const workers = 8

	var working atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Join()
			defer g.Leave()
			for {
				select {
				case <-stop:
					return
				default:
				}
				working.Add(1)
				working.Add(-1)
				g.Yield()
			}
		}()
	}

	for cycle := 0; cycle < 10; cycle++ {
		g.Synchronize()
		// All participants are parked at yield points; no work may proceed.
		require.Zero(t, working.Load())
		g.Desynchronize()
	}

	close(stop)
	// A suspension racing the workers' exit must still complete: leaving
	// threads count toward quiescence.
	g.Synchronize()
	g.Desynchronize()
	wg.Wait()
}

func TestLastLeaverCompletesSuspension(t *testing.T) {
	g := NewGroup(0)
	g.Join()

	done := make(chan struct{})
	go func() {
		g.Synchronize()
		close(done)
	}()

	// The controller cannot return while the participant is active.
	select {
	case <-done:
		t.Fatal("synchronize returned before the participant quiesced")
	case <-time.After(50 * time.Millisecond):
	}

	g.Leave()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("leave did not complete the suspension")
	}
	g.Desynchronize()
}

func TestJoinBlocksDuringSuspension(t *testing.T) {
	g := NewGroup(0)
	g.Synchronize()

	joined := make(chan struct{})
	go func() {
		g.Join()
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("join completed while the set was suspended")
	case <-time.After(50 * time.Millisecond):
	}

	g.Desynchronize()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join did not resume after desynchronize")
	}

	g.Leave()
}

func TestYieldOutsideSuspensionIsCheap(t *testing.T) {
	g := NewGroup(0)
	g.Join()
	for i := 0; i < 1000; i++ {
		g.Yield()
	}
	require.False(t, g.ShouldYield())
	g.Leave()
}

func TestStuckParticipantTripsTimeout(t *testing.T) {
	g := NewGroup(50 * time.Millisecond)
	release := make(chan struct{})

	go func() {
		g.Join()
		<-release
		g.Leave()
	}()

	// Give the participant time to join, then demand quiescence it will
	// never provide.
	time.Sleep(20 * time.Millisecond)
	require.Panics(t, func() { g.Synchronize() })
	close(release)
}

func TestDesynchronizeWithoutSynchronizeIsFatal(t *testing.T) {
	g := NewGroup(0)
	require.Panics(t, func() { g.Desynchronize() })
}

func TestLeaveWithoutJoinIsFatal(t *testing.T) {
	g := NewGroup(0)
	require.Panics(t, func() { g.Leave() })
}
