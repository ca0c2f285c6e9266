// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of relay work. Run is executed by the single queue
// consumer; an error is logged and isolated, never fatal to the consumer.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// OnReject, if set, is invoked when the queue refuses the task under
	// the reject policy (the user-visible busy signal).
	OnReject func()
}

// Queue is the ordered processing queue: a bounded FIFO consumed serially by
// exactly one worker. Producers enqueue and return immediately; all network
// suspension happens inside the consumer. FIFO order is preserved in enqueue
// order; backpressure follows the configured policy.
type Queue struct {
	log     zerolog.Logger
	policy  QueuePolicy
	metrics *Metrics

	mu sync.Mutex
	ch chan *Task

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
	closed  bool
}

// NewQueue creates a bounded queue. Size must be positive.
func NewQueue(size int, policy QueuePolicy, metrics *Metrics, log zerolog.Logger) *Queue {
	return &Queue{
		log:     log.With().Str("component", "queue").Logger(),
		policy:  policy,
		metrics: metrics,
		ch:      make(chan *Task, size),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Enqueue adds a task. Under the reject policy a full queue returns
// ErrQueueFull and fires the task's OnReject callback; under drop_oldest the
// oldest waiting task is evicted and counted.
func (q *Queue) Enqueue(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.ch <- task:
		q.metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
	}

	if q.policy == QueueDropOldest {
		for {
			select {
			case dropped := <-q.ch:
				q.metrics.DroppedTotal.Inc()
				q.log.Warn().Str("task", dropped.Name).Msg("Queue full, dropped oldest task")
			default:
			}
			select {
			case q.ch <- task:
				q.metrics.QueueDepth.Set(float64(len(q.ch)))
				return nil
			default:
			}
		}
	}

	q.metrics.RejectedTotal.Inc()
	q.log.Warn().Str("task", task.Name).Msg("Queue full, rejecting task")
	if task.OnReject != nil {
		task.OnReject()
	}
	return ErrQueueFull
}

// EnqueueAfter schedules a task onto the same queue after a delay, so that
// deferred side effects share the consumer's ordering and error handling.
func (q *Queue) EnqueueAfter(task *Task, delay time.Duration) {
	q.timerMu.Lock()
	if q.closed {
		q.timerMu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.timerMu.Lock()
		delete(q.timers, timer)
		closed := q.closed
		q.timerMu.Unlock()
		if closed {
			return
		}
		if err := q.Enqueue(task); err != nil {
			q.log.Warn().Err(err).Str("task", task.Name).Msg("Delayed task not enqueued")
		}
	})
	q.timers[timer] = struct{}{}
	q.timerMu.Unlock()
}

// Run consumes tasks serially until ctx is cancelled. Per-task failures are
// logged and the loop continues; nothing a task returns stops the consumer.
func (q *Queue) Run(ctx context.Context) {
	q.log.Debug().Msg("Queue consumer started")
	for {
		select {
		case <-ctx.Done():
			q.stopTimers()
			q.log.Debug().Msg("Queue consumer stopped")
			return
		case task := <-q.ch:
			q.metrics.QueueDepth.Set(float64(len(q.ch)))
			start := time.Now()
			if err := task.Run(ctx); err != nil {
				q.log.Error().Err(err).
					Str("task", task.Name).
					Dur("elapsed", time.Since(start)).
					Msg("Task failed")
			}
		}
	}
}

// Len returns the number of waiting tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) stopTimers() {
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
}
