package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/maildraft/maildraft/pkg/models"
)

// Delivery is one job received from a queue. The consumer must Ack or Nack it.
type Delivery struct {
	Job  models.Job
	ack  func() error
	nack func(requeue bool) error
}

// Ack confirms the delivery was handled.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally requeueing it.
func (d *Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Queue is the job transport. The distributed implementation rides on AMQP;
// the in-memory one serves tests and single-node deployments.
type Queue interface {
	// Publish enqueues a job for its type's consumers.
	Publish(ctx context.Context, job models.Job) error
	// Consume returns a channel of deliveries for one job type. The channel
	// closes when ctx is cancelled or the queue shuts down.
	Consume(ctx context.Context, jobType models.JobType) (<-chan Delivery, error)
	Close() error
}

// MemoryQueue is an in-process Queue with per-type buffered channels.
// Deliveries are strictly FIFO; job priority only orders the AMQP transport.
type MemoryQueue struct {
	mu     sync.Mutex
	chans  map[models.JobType]chan models.Job
	closed bool
	buffer int
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryQueue{
		chans:  make(map[models.JobType]chan models.Job),
		buffer: buffer,
	}
}

func (q *MemoryQueue) typeChan(jobType models.JobType) chan models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.chans[jobType]
	if !ok {
		ch = make(chan models.Job, q.buffer)
		q.chans[jobType] = ch
	}
	return ch
}

// Publish enqueues a job.
func (q *MemoryQueue) Publish(ctx context.Context, job models.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue closed")
	}
	q.mu.Unlock()

	select {
	case q.typeChan(job.Type) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume streams deliveries for one job type.
func (q *MemoryQueue) Consume(ctx context.Context, jobType models.JobType) (<-chan Delivery, error) {
	src := q.typeChan(jobType)
	out := make(chan Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-src:
				if !ok {
					return
				}
				d := Delivery{
					Job: job,
					nack: func(requeue bool) error {
						if !requeue {
							return nil
						}
						return q.Publish(context.Background(), job)
					},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts the queue down. Channels are left open so a racing Publish can
// never panic; consumers stop through their contexts.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
