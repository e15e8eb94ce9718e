package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type JobMessage struct {
	JobID string `json:"job_id"`
}

var errBadMessage = errors.New("bad job message")

func encodeJob(jobID string) ([]byte, error) {
	return json.Marshal(JobMessage{JobID: jobID})
}

func decodeJob(body []byte) (string, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return "", errors.Join(errBadMessage, err)
	}
	if strings.TrimSpace(m.JobID) == "" {
		return "", errBadMessage
	}
	return m.JobID, nil
}

// declareTopology declares the main queue with its retry and dead-letter
// queues. Publisher and Consumer must agree on it.
func declareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	// DLQ
	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	)
	return err
}

// Publisher hands job ids to the worker processes. It implements
// generation.Dispatcher for the rabbitmq dispatch mode.
type Publisher struct {
	conn  *amqp.Connection
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
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
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) Dispatch(ctx context.Context, jobID string) error {
	return p.publish(ctx, p.queue, jobID, "")
}

// publishRetry parks jobID on the retry queue; it flows back to the main
// queue once delay expires.
func (p *Publisher) publishRetry(ctx context.Context, jobID string, delay time.Duration) error {
	return p.publish(ctx, p.queue+".retry", jobID, formatExpiration(delay))
}

func (p *Publisher) publish(ctx context.Context, routingKey, jobID, expiration string) error {
	body, err := encodeJob(jobID)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Expiration:   expiration,
		},
	)
}

func formatExpiration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
