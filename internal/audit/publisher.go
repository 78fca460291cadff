// Package audit publishes protocol events to an AMQP exchange for downstream
// consumers. Publishing is optional; a nil Publisher is a no-op.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event kinds emitted by the identity provider.
const (
	EventTokenIssued    = "token.issued"
	EventPurgeCompleted = "purge.completed"
)

// Event is one audit record.
type Event struct {
	Kind     string            `json:"kind"`
	Subject  string            `json:"subject,omitempty"`
	ClientID string            `json:"client_id,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
}

// Publisher sends events to a topic exchange, routed by event kind.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *log.Logger
}

// NewPublisher dials the broker and declares the exchange.
func NewPublisher(url, exchange string, logger *log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

// Publish sends one event. Failures are logged, not returned: audit delivery
// never fails a protocol request.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Printf("audit: marshal event %s: %v", event.Kind, err)
		return
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, event.Kind, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.At,
		Body:        body,
	})
	if err != nil {
		p.logger.Printf("audit: publish event %s: %v", event.Kind, err)
	}
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
