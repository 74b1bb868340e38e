// Package store provides durable FIFO queues of task IDs and maps of task
// records with per-record expiry.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohans/genq/task"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("store: record not found")

// Error reports a failed store operation. It is transient from the caller's
// point of view and never means the record is absent.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Store abstracts the durable queues and task-record maps.
// Implementations must be safe for concurrent use.
type Store interface {
	// Submit writes rec to taskMap, sets its expiry and pushes its ID to queue
	// in one atomic step. It returns the queue length after the push.
	Submit(ctx context.Context, taskMap, queue string, rec *task.Record, ttl time.Duration) (int64, error)
	Enqueue(ctx context.Context, queue, id string) error
	// Requeue returns id to the head of queue so it is dequeued next.
	Requeue(ctx context.Context, queue, id string) error
	// Dequeue pops the next ID from the first non-empty queue, blocking up to
	// timeout. An empty result is ("", "", nil).
	Dequeue(ctx context.Context, timeout time.Duration, queues ...string) (queue, id string, err error)
	// PeekAll lists a queue's IDs in dequeue order.
	PeekAll(ctx context.Context, queue string) ([]string, error)
	Remove(ctx context.Context, queue, id string) (bool, error)
	QueueLen(ctx context.Context, queue string) (int64, error)

	Get(ctx context.Context, taskMap, id string) (*task.Record, error)
	Put(ctx context.Context, taskMap string, rec *task.Record) error
	GetAll(ctx context.Context, taskMap string) (map[string]*task.Record, error)
	Expire(ctx context.Context, taskMap, id string, ttl time.Duration) error
	// PurgeExpired deletes records whose expiry passed and returns how many.
	PurgeExpired(ctx context.Context, taskMap string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
