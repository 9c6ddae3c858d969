package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maildraft/maildraft/pkg/models"
)

const jobExchange = "maildraft.jobs"

// maxPriority is the highest priority the broker orders on. Queues must be
// declared with x-max-priority or the priority byte is silently ignored.
const maxPriority = 9

// queueArgs are the declare arguments for every job queue.
func queueArgs() amqp.Table {
	return amqp.Table{"x-max-priority": int32(maxPriority)}
}

// clampPriority fits a job priority into the declared range.
func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return uint8(p)
}

// AMQPQueue is the distributed Queue: one durable queue per job type bound to
// a direct exchange, persistent JSON deliveries, manual acks.
type AMQPQueue struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	prefetch int
	declared map[models.JobType]bool
}

// NewAMQPQueue connects to the broker and declares the job exchange.
func NewAMQPQueue(url string, prefetch int, logger *slog.Logger) (*AMQPQueue, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	q := &AMQPQueue{
		url:      url,
		logger:   logger.With("component", "amqp_queue"),
		prefetch: prefetch,
		declared: make(map[models.JobType]bool),
	}
	if err := q.connect(); err != nil {
		return nil, fmt.Errorf("failed to create AMQP queue: %w", err)
	}
	return q, nil
}

// connect establishes connection, channel and topology.
func (q *AMQPQueue) connect() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(jobExchange, "direct", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q.conn = conn
	q.channel = ch

	go q.handleConnectionClose()

	q.logger.Info("AMQP queue connected")
	return nil
}

// handleConnectionClose listens for connection close events
func (q *AMQPQueue) handleConnectionClose() {
	closeErr := make(chan *amqp.Error)
	q.conn.NotifyClose(closeErr)

	if err := <-closeErr; err != nil {
		q.logger.Error("AMQP connection closed", "error", err)
	}
}

// declareQueue ensures one job type's durable queue exists and is bound.
func (q *AMQPQueue) declareQueue(jobType models.JobType) (string, error) {
	name := "maildraft." + string(jobType)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[jobType] {
		return name, nil
	}

	if _, err := q.channel.QueueDeclare(name, true, false, false, false, queueArgs()); err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := q.channel.QueueBind(name, string(jobType), jobExchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", name, err)
	}
	q.declared[jobType] = true
	return name, nil
}

// Publish sends a job as a persistent JSON delivery.
func (q *AMQPQueue) Publish(ctx context.Context, job models.Job) error {
	if _, err := q.declareQueue(job.Type); err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	q.mu.RLock()
	ch := q.channel
	q.mu.RUnlock()

	err = ch.PublishWithContext(
		ctx,
		jobExchange,
		string(job.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Priority:     clampPriority(job.Priority),
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	q.logger.Debug("job published", "job_id", job.ID, "type", job.Type)
	return nil
}

// Consume streams deliveries for one job type with manual acks.
func (q *AMQPQueue) Consume(ctx context.Context, jobType models.JobType) (<-chan Delivery, error) {
	name, err := q.declareQueue(jobType)
	if err != nil {
		return nil, err
	}

	q.mu.RLock()
	ch := q.channel
	q.mu.RUnlock()

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		name,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (we ack manually)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var job models.Job
				if err := json.Unmarshal(msg.Body, &job); err != nil {
					q.logger.Error("dropping unreadable job", "error", err)
					_ = msg.Nack(false, false)
					continue
				}

				m := msg
				d := Delivery{
					Job:  job,
					ack:  func() error { return m.Ack(false) },
					nack: func(requeue bool) error { return m.Nack(false, requeue) },
				}
				select {
				case out <- d:
				case <-ctx.Done():
					_ = m.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the channel and connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.channel != nil {
		if err := q.channel.Close(); err != nil {
			q.logger.Warn("failed to close channel", "error", err)
		}
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
