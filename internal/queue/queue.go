// Package queue defines the durable job queue contract shared by the
// producers (task service, overdue scanner) and the consumer (task
// processor), along with the client-side enqueue retry helper.
package queue

import (
	"context"
	"errors"
)

// ErrNoJobs is returned by Dequeue when no job is currently due.
var ErrNoJobs = errors.New("no jobs available")

// Enqueuer is the producer side of the queue. Enqueue returns once the
// job has been durably accepted; the payload is marshaled to JSON.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts Options) error
}

// Consumer is the worker side of the queue.
type Consumer interface {
	// Dequeue leases the next due job, marking it active so other
	// consumers skip it. Returns ErrNoJobs when nothing is due.
	// The returned job's AttemptsMade already counts prior deliveries
	// (0 on first delivery).
	Dequeue(ctx context.Context) (*Job, error)

	// Complete finishes a job successfully, deleting it when
	// RemoveOnComplete is set and marking it completed otherwise.
	Complete(ctx context.Context, job *Job) error

	// Fail records a failed delivery. While attempts remain, the job is
	// rescheduled at now plus the queue-native backoff delay. Once the
	// attempt budget is exhausted the job is deleted when RemoveOnFail is
	// set, or retained with failed status for inspection otherwise.
	Fail(ctx context.Context, job *Job, jobErr error) error
}

// Queue combines both halves for implementations that serve producers and
// consumers over the same backing store.
type Queue interface {
	Enqueuer
	Consumer
}
