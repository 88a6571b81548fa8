// Package upload runs the per-session background upload worker. Produced
// files are queued without blocking the media path, uploaded with
// unbounded retry, and drained on session teardown so a session is never
// reported gone while its files are mid-flight.
package upload

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Storage puts local files into remote object storage.
type Storage interface {
	// Upload stores the file at path remotely, removing the local copy
	// on success when deleteAfter is set.
	Upload(ctx context.Context, path string, deleteAfter bool) error
}

// Task is one pending upload. Tasks are not persisted: a crash loses the
// queue, and at-least-once delivery comes from retrying, not durability.
type Task struct {
	Path              string
	DeleteAfterUpload bool
}

// Default retry pacing. Retries are unbounded in count; backoff only caps
// the pressure on a failing storage backend.
const (
	defaultRetryBase = 250 * time.Millisecond
	defaultRetryMax  = 8 * time.Second
)

// Coordinator owns one session's upload queue and worker. Enqueue never
// blocks on network I/O; Drain blocks until every task enqueued before it
// has completed, including tasks that needed retries.
type Coordinator struct {
	log        *slog.Logger
	storage    Storage
	onUploaded func(path string)

	retryBase time.Duration
	retryMax  time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool

	// outstanding is entered inside Enqueue, before the task is visible
	// to the worker, so Drain can never miss a task that was enqueued
	// before it was called.
	outstanding sync.WaitGroup
	workerDone  chan struct{}

	attempts atomic.Int64
	uploaded atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetryDelay overrides the retry backoff pacing.
func WithRetryDelay(base, max time.Duration) Option {
	return func(c *Coordinator) {
		c.retryBase = base
		c.retryMax = max
	}
}

// NewCoordinator creates a coordinator and starts its worker. onUploaded,
// if non-nil, runs on the worker after each successful upload. If log is
// nil, slog.Default() is used.
func NewCoordinator(storage Storage, onUploaded func(path string), log *slog.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		log:        log.With("component", "uploader"),
		storage:    storage,
		onUploaded: onUploaded,
		retryBase:  defaultRetryBase,
		retryMax:   defaultRetryMax,
		workerDone: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	go c.work()
	return c
}

// Enqueue queues one file for upload. It reports false when the
// coordinator is already closed, in which case the task is not accepted.
func (c *Coordinator) Enqueue(path string, deleteAfter bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Warn("enqueue after close rejected", "path", path)
		return false
	}
	c.outstanding.Add(1)
	c.queue = append(c.queue, Task{Path: path, DeleteAfterUpload: deleteAfter})
	c.cond.Signal()
	c.mu.Unlock()
	return true
}

// Drain blocks until every task enqueued so far has completed. Tasks
// enqueued while draining are honored as well.
func (c *Coordinator) Drain() {
	c.outstanding.Wait()
}

// Close drains the queue and stops the worker. No tasks are accepted after
// Close returns, or after it has begun rejecting them.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.workerDone
		return
	}
	c.closed = true
	c.cond.Signal()
	c.mu.Unlock()

	c.outstanding.Wait()
	<-c.workerDone
}

// Attempts returns the total number of upload attempts, including retries.
func (c *Coordinator) Attempts() int64 { return c.attempts.Load() }

// Uploaded returns the number of successfully uploaded tasks.
func (c *Coordinator) Uploaded() int64 { return c.uploaded.Load() }

func (c *Coordinator) work() {
	defer close(c.workerDone)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		task := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.process(task)
	}
}

// process uploads one task, retrying until it succeeds. Delivery is
// at-least-once: the task completes only on success.
func (c *Coordinator) process(task Task) {
	defer c.outstanding.Done()

	for attempt := 1; ; attempt++ {
		c.attempts.Add(1)
		err := c.storage.Upload(context.Background(), task.Path, task.DeleteAfterUpload)
		if err == nil {
			break
		}
		delay := c.backoff(attempt)
		c.log.Warn("upload failed, retrying", "path", task.Path, "attempt", attempt, "delay", delay, "error", err)
		time.Sleep(delay)
	}

	c.uploaded.Add(1)
	if c.onUploaded != nil {
		c.onUploaded(task.Path)
	}
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := c.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.retryMax {
			return c.retryMax
		}
	}
	return delay
}
