package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/pocketllm/chatsync/internal/chat"
)

// JobMessage is the wire payload for a queued regeneration job. The worker
// reloads the job row by id; session and client ids ride along so a stuck
// delivery can be correlated with its conversation from the queue alone.
type JobMessage struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   zerolog.Logger
}

func NewPublisher(url, queue string, log zerolog.Logger) (*Publisher, error) {
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

	p := &Publisher{
		conn:  conn,
		ch:    ch,
		queue: queue,
		log:   log.With().Str("component", "rabbitmq").Logger(),
	}
	p.log.Info().Str("queue", queue).Msg("job queue topology declared")
	return p, nil
}

// declareTopology sets up the three durable queues the worker expects:
// main (dead-letters to the DLQ on nack), retry (TTL expiry dead-letters
// back to main), and the DLQ itself.
func declareTopology(ch *amqp.Channel, queue string) error {
	declare := func(name string, args amqp.Table) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, args)
		return err
	}

	if err := declare(queue+".dlq", nil); err != nil {
		return err
	}
	if err := declare(queue+".retry", amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}
	return declare(queue, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + ".dlq",
	})
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

// PublishJob enqueues a persisted job for the worker pool. The job row is
// already durable; losing a publish only delays the exchange until a retry
// re-enqueues the same job id.
func (p *Publisher) PublishJob(ctx context.Context, job *chat.Job) error {
	msg := JobMessage{JobID: job.ID, SessionID: job.SessionID}
	if job.ClientID != nil {
		msg.ClientID = *job.ClientID
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return err
	}

	p.log.Debug().
		Str("job_id", job.ID).
		Str("session_id", job.SessionID).
		Msg("job published")
	return nil
}
