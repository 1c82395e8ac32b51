package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// effectQueue runs post-commit side effects on a single supervised
// goroutine. Effects are best effort: a failure is logged and dropped,
// never propagated back to the request that queued it.
type effectQueue struct {
	tasks chan effect
	log   *logrus.Logger

	mu      sync.Mutex
	pending sync.WaitGroup
	started bool
}

type effect struct {
	name string
	run  func(ctx context.Context) error
}

// effectTimeout bounds one side effect so a stuck store call cannot stall
// the whole queue.
const effectTimeout = 10 * time.Second

func newEffectQueue(size int, logger *logrus.Logger) *effectQueue {
	return &effectQueue{
		tasks: make(chan effect, size),
		log:   logger,
	}
}

func (q *effectQueue) start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.loop(ctx)
}

func (q *effectQueue) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.runOne(ctx, task)
		}
	}
}

func (q *effectQueue) runOne(ctx context.Context, task effect) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			q.log.WithFields(logrus.Fields{"effect": task.name, "panic": r}).Error("side effect panicked")
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, effectTimeout)
	defer cancel()
	if err := task.run(runCtx); err != nil {
		q.log.WithError(err).WithField("effect", task.name).Warn("side effect failed")
	}
}

// enqueue queues a task without blocking the caller. When the queue is
// full the task is dropped with a log line; the committed transaction it
// belongs to is unaffected either way.
func (q *effectQueue) enqueue(name string, run func(ctx context.Context) error) {
	q.pending.Add(1)
	select {
	case q.tasks <- effect{name: name, run: run}:
	default:
		q.pending.Done()
		q.log.WithField("effect", name).Warn("side effect queue full, task dropped")
	}
}

// flush waits for every queued task to finish. Intended for tests.
func (q *effectQueue) flush() {
	q.pending.Wait()
}
