package serializer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentStops bounds how many serializers drain in parallel
// during shutdown, the same bounded-fan-out shape the teacher's drain
// coordinator uses for session migration.
const maxConcurrentStops = 8

// ScheduledTask is a cancellable, interval-based (or one-shot) timer
// that pushes a Task onto a target serializer when it fires (spec.md
// §5 Suspension points, §5 Cancellation & timeouts).
type ScheduledTask struct {
	target   *Serializer
	interval time.Duration
	fn       Task

	timer    *time.Timer
	ticker   *time.Ticker
	stopOnce sync.Once
	refcount int32
}

// ScheduleInterval arms a task that fires fn on target every interval,
// starting after the first interval elapses.
func ScheduleInterval(target *Serializer, interval time.Duration, fn Task) *ScheduledTask {
	st := &ScheduledTask{target: target, interval: interval, fn: fn}
	atomic.StoreInt32(&st.refcount, 1)
	st.ticker = time.NewTicker(interval)
	go st.loopTicker()
	return st
}

// ScheduleOnce arms a one-shot task that fires fn on target after delay.
func ScheduleOnce(target *Serializer, delay time.Duration, fn Task) *ScheduledTask {
	st := &ScheduledTask{target: target, fn: fn}
	atomic.StoreInt32(&st.refcount, 1)
	st.timer = time.AfterFunc(delay, func() {
		if atomic.CompareAndSwapInt32(&st.refcount, 1, 0) {
			target.Push(fn)
		}
	})
	return st
}

func (st *ScheduledTask) loopTicker() {
	for range st.ticker.C {
		if atomic.LoadInt32(&st.refcount) == 0 {
			return
		}
		st.target.Push(st.fn)
	}
}

// CancelIfActive cancels the scheduled task if it hasn't already fired
// (one-shot) or stops future firings (interval), decrementing the
// task's refcount exactly once on success (spec.md §5 Cancellation &
// timeouts). Returns whether the cancellation took effect.
func (st *ScheduledTask) CancelIfActive() bool {
	cancelled := atomic.CompareAndSwapInt32(&st.refcount, 1, 0)
	st.stopOnce.Do(func() {
		if st.timer != nil {
			st.timer.Stop()
		}
		if st.ticker != nil {
			st.ticker.Stop()
		}
	})
	return cancelled
}

// Reschedule is used by the outbound registration FSM to rearm a
// one-shot refresh timer at a new delay after a successful REGISTER
// (spec.md §4.2 Response handling).
func Reschedule(target *Serializer, delay time.Duration, fn Task) *ScheduledTask {
	return ScheduleOnce(target, delay, fn)
}

// ShutdownGroup tracks a set of serializers and blocks on Join until
// all of them have stopped or a timeout elapses (spec.md §5 Shutdown).
type ShutdownGroup struct {
	mu      sync.Mutex
	members []*Serializer
}

// NewShutdownGroup creates an empty group.
func NewShutdownGroup() *ShutdownGroup {
	return &ShutdownGroup{}
}

// Track adds a serializer to the group.
func (g *ShutdownGroup) Track(s *Serializer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, s)
}

// Join stops every tracked serializer and waits up to timeout for all
// of them to drain. It returns the number of serializers that did not
// stop in time (the "residue" spec.md §5 says should be logged).
func (g *ShutdownGroup) Join(ctx context.Context, timeout time.Duration) int {
	g.mu.Lock()
	members := append([]*Serializer(nil), g.members...)
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sem := semaphore.NewWeighted(maxConcurrentStops)
		g, gCtx := errgroup.WithContext(context.Background())
		for _, s := range members {
			s := s
			g.Go(func() error {
				if err := sem.Acquire(gCtx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				s.Stop()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return 0
	case <-time.After(timeout):
		return len(members)
	case <-ctx.Done():
		return len(members)
	}
}
