// Package serializer implements the named single-consumer task queue
// substrate (L0, spec.md §5 Concurrency & Resource Model): every state
// change to a shared resource runs inside exactly one named serializer,
// so two tasks never mutate that resource concurrently.
package serializer

import (
	"context"
	"log/slog"
	"sync"
)

// Task is a unit of work submitted to a serializer.
type Task func(ctx context.Context)

const defaultQueueDepth = 256

// Serializer is a single-goroutine FIFO worker. Tasks submitted to the
// same Serializer run strictly in submission order; there is no
// ordering guarantee across different serializers (spec.md §5 Ordering
// guarantees).
type Serializer struct {
	Name string

	tasks  chan Task
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates and starts a serializer with the given name, draining
// into a single consumer goroutine.
func New(name string) *Serializer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Serializer{
		Name:   name,
		tasks:  make(chan Task, defaultQueueDepth),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Serializer) run() {
	defer s.wg.Done()
	defer close(s.done)
	for {
		select {
		case t, ok := <-s.tasks:
			if !ok {
				return
			}
			s.exec(t)
		case <-s.ctx.Done():
			// Drain whatever is already queued before exiting, so a
			// shutdown never silently drops work that was already
			// accepted (spec.md §5 Shutdown).
			for {
				select {
				case t, ok := <-s.tasks:
					if !ok {
						return
					}
					s.exec(t)
				default:
					return
				}
			}
		}
	}
}

func (s *Serializer) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			// Errors never escape the serializer in which they occur
			// (spec.md §7 Propagation policy): log with context and
			// move on rather than taking the whole worker down.
			slog.Error("serializer task panicked", "serializer", s.Name, "panic", r)
		}
	}()
	t(s.ctx)
}

// Push enqueues a task. It blocks if the queue is full, applying
// natural back-pressure to callers rather than dropping work.
func (s *Serializer) Push(t Task) {
	select {
	case s.tasks <- t:
	case <-s.ctx.Done():
		slog.Warn("serializer push after shutdown", "serializer", s.Name)
	}
}

// QueueLen reports the number of tasks currently queued, used by the
// distributor's back-pressure check (spec.md §4.4).
func (s *Serializer) QueueLen() int {
	return len(s.tasks)
}

// Stop signals the serializer to drain its queue and exit, then
// blocks until it has done so.
func (s *Serializer) Stop() {
	s.cancel()
	close(s.tasks)
	s.wg.Wait()
}

// SyncCall runs fn on this serializer and blocks the caller until it
// completes, for the synchronous cross-serializer waits spec.md §5
// permits from "management" when creating/destroying a resource that
// needs its home-serializer's cooperation.
func (s *Serializer) SyncCall(fn func(ctx context.Context)) {
	done := make(chan struct{})
	s.Push(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	<-done
}
