package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

const defaultRetryDelay = 5 * time.Second

// Handler runs one job. A non-nil error parks the message on the retry queue;
// provider failures never surface here since they end up in the job record.
type Handler func(ctx context.Context, jobID string) error

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	retry       *Publisher
	queue       string
	concurrency int
	retryDelay  time.Duration
	log         *logger.Logger
}

// NewConsumer opens a connection with prefetch = concurrency so the broker
// never hands this process more jobs than it has workers for.
func NewConsumer(url, queue string, concurrency int, log *logger.Logger) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = conn.Close()
		return nil, err
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:        conn,
		ch:          ch,
		retry:       &Publisher{ch: pubCh, queue: queue},
		queue:       queue,
		concurrency: concurrency,
		retryDelay:  defaultRetryDelay,
		log:         log.With("component", "RabbitConsumer", "queue", queue),
	}, nil
}

func (c *Consumer) Close() error {
	_ = c.retry.Close()
	if c.ch != nil {
		_ = c.ch.Close()
	}
	return c.conn.Close()
}

// Run consumes until ctx is done. It returns an error when the broker closes
// the delivery channel, so the process can be restarted.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.log.Info("consumer started", "concurrency", c.concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return errors.New("rabbitmq delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	if ctx.Err() != nil {
		// not started; let another consumer take it
		_ = d.Nack(false, true)
		return
	}
	jobID, err := decodeJob(d.Body)
	if err != nil {
		c.log.Warn("bad message, dead-lettering", "worker", workerID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, jobID); err != nil {
		if ctx.Err() != nil {
			// the job stays locked until the sweep re-arms it
			_ = d.Ack(false)
			return
		}
		c.log.Error("job handler failed, parking on retry queue", "worker", workerID, "job_id", jobID,
			"cost", time.Since(start).String(), "error", err)
		if perr := c.retry.publishRetry(context.WithoutCancel(ctx), jobID, c.retryDelay); perr != nil {
			c.log.Error("retry publish failed, dead-lettering", "job_id", jobID, "error", perr)
			_ = d.Nack(false, false)
			return
		}
	}
	if err := d.Ack(false); err != nil {
		c.log.Warn("ack failed", "worker", workerID, "job_id", jobID, "error", err)
	}
}
