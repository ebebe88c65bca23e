// Package events publishes credit ledger events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// Exchange is the durable topic exchange every credit event goes to.
	Exchange = "genesis.credits"

	TypeCreditsGranted  = "credits.granted"
	TypeCreditsRefunded = "credits.refunded"

	exchangeKindTopic  = "topic"
	contentTypeJSON    = "application/json"
	defaultDialTimeout = 10 * time.Second
)

var ErrInvalidAMQPURL = errors.New("invalid amqp url")

// CreditEvent is the payload emitted after a credit commits.
type CreditEvent struct {
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	Credits        int64     `json:"credits"`
	Balance        int64     `json:"balance"`
	IdempotencyKey string    `json:"idempotency_key"`
	Source         string    `json:"source"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher emits credit events.
type Publisher interface {
	Publish(ctx context.Context, event CreditEvent) error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, CreditEvent) error { return nil }

// AMQPPublisher publishes JSON events to a topic exchange, routed by event type.
type AMQPPublisher struct {
	mutex    sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *zap.Logger
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(rawURL string, logger *zap.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(defaultDialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	publisher := &AMQPPublisher{conn: conn, exchange: Exchange, logger: logger}
	if err := publisher.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return publisher, nil
}

// Publish sends the event; a broken channel is reopened once before giving up.
func (publisher *AMQPPublisher) Publish(ctx context.Context, event CreditEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	publishing := amqp091.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		Body:         body,
	}

	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	err = publisher.channel.PublishWithContext(ctx, publisher.exchange, event.Type, false, false, publishing)
	if err == nil {
		return nil
	}
	publisher.logger.Warn("amqp publish failed; reopening channel", zap.String("routing_key", event.Type), zap.Error(err))
	if reopenErr := publisher.openChannel(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	return publisher.channel.PublishWithContext(ctx, publisher.exchange, event.Type, false, false, publishing)
}

// Close releases the channel and the connection.
func (publisher *AMQPPublisher) Close() error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	var channelErr error
	if publisher.channel != nil {
		channelErr = publisher.channel.Close()
	}
	return errors.Join(channelErr, publisher.conn.Close())
}

func (publisher *AMQPPublisher) openChannel() error {
	channel, err := publisher.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(publisher.exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	publisher.channel = channel
	return nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAMQPURL, err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("%w: scheme must be amqp or amqps", ErrInvalidAMQPURL)
	}
	return clean, nil
}
