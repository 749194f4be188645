/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to a specific exchange and routing key. The notification-service consumes
 * these events and delivers the out-of-band email/SMS messages.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// CodeIssuedEvent is published when a transfer authorization code is issued.
// The code value travels only on this out-of-band channel; it never appears
// in an API response.
type CodeIssuedEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	TransferID uuid.UUID `json:"transfer_id"`
	Email      string    `json:"email,omitempty"`
	Code       string    `json:"code"`
	Amount     string    `json:"amount"`
	Token      string    `json:"token"`
	Recipient  string    `json:"recipient"`
	ExpiresAt  time.Time `json:"expires_at"`
	Timestamp  time.Time `json:"timestamp"`
}

// TransferResultEvent is published once a transfer reaches a terminal status,
// so the notification-service can send the confirmation or failure message.
type TransferResultEvent struct {
	UserID            uuid.UUID `json:"user_id"`
	TransferID        uuid.UUID `json:"transfer_id"`
	Status            string    `json:"status"`
	Amount            string    `json:"amount"`
	Token             string    `json:"token"`
	ExternalReference string    `json:"external_reference,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// publishChannel is the slice of amqp091.Channel the producer uses.
type publishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// channelSource reopens publish channels after a channel-level failure.
type channelSource interface {
	openChannel() (publishChannel, error)
	close()
}

type amqpConn struct {
	conn *amqp091.Connection
}

func (c *amqpConn) openChannel() (publishChannel, error) {
	return c.conn.Channel()
}

func (c *amqpConn) close() {
	c.conn.Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing
// messages. Publishes are serialized under mu: the reopen path swaps the
// channel, and issuance and result events publish from different goroutines.
type EventProducer struct {
	mu      sync.Mutex
	conn    channelSource
	channel publishChannel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishCodeIssued(ctx context.Context, event CodeIssuedEvent) error
	PublishTransferResult(ctx context.Context, event TransferResultEvent) error
	Close()
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: &amqpConn{conn: conn}, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.openChannel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.openChannel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishCodeIssued publishes a code-issued event for out-of-band delivery.
// A non-nil error means delivery was not attempted; the caller must roll the
// code record back.
func (p *EventProducer) PublishCodeIssued(ctx context.Context, event CodeIssuedEvent) error {
	return p.Publish(ctx, "transfer_events", "transfer.code.issued", event)
}

// PublishTransferResult publishes a terminal transfer status event.
func (p *EventProducer) PublishTransferResult(ctx context.Context, event TransferResultEvent) error {
	routingKey := "transfer.completed"
	if event.Status != "completed" {
		routingKey = "transfer.failed"
	}
	return p.Publish(ctx, "transfer_events", routingKey, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.close()
	}
}
