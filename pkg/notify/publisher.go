// Package notify publishes domain events for out-of-process consumers such
// as the push notifier. Delivery to devices is not handled here.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"flownote/internal/util"
)

const (
	EventMessageCreated = "message.created"
	EventPrintCreated   = "print.created"
	EventEventCreated   = "event.created"

	defaultExchange = "flownote.events"
	previewRunes    = 120
)

// Event is the envelope written to the broker.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// MessageCreated is the payload of EventMessageCreated.
type MessageCreated struct {
	ConversationID  string   `json:"conversationId"`
	MessageID       string   `json:"messageId"`
	SenderID        string   `json:"senderId"`
	SenderName      string   `json:"senderName"`
	Recipients      []string `json:"recipients"`
	Preview         string   `json:"preview"`
	AttachmentCount int      `json:"attachmentCount"`
}

// PrintCreated is the payload of EventPrintCreated. It is addressed to the
// whole school; consumers skip the uploader.
type PrintCreated struct {
	SchoolID   string `json:"schoolId"`
	PrintID    string `json:"printId"`
	Title      string `json:"title"`
	Category   string `json:"category"`
	UploadedBy string `json:"uploadedBy"`
}

// EventCreated is the payload of EventEventCreated. It is addressed to the
// whole school; consumers skip the creator.
type EventCreated struct {
	SchoolID  string    `json:"schoolId"`
	EventID   string    `json:"eventId"`
	Title     string    `json:"title"`
	Date      time.Time `json:"date"`
	Location  string    `json:"location,omitempty"`
	CreatedBy string    `json:"createdBy"`
}

// Preview shortens message content for a notification body.
func Preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes-1]) + "…"
}

// Publisher sends events to subscribers outside the process.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
func (NopPublisher) Close() error                               { return nil }

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a durable topic exchange; the routing key
// is the event type.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	source   string
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange, source string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	if exchange = strings.TrimSpace(exchange); exchange == "" {
		exchange = defaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	p := newPublisher(ch, exchange, source)
	p.conn = conn
	return p, nil
}

func newPublisher(ch amqpChannel, exchange, source string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange, source: source}
}

// Publish writes one persistent JSON event.
func (p *AMQPPublisher) Publish(ctx context.Context, eventType string, data any) error {
	event := Event{
		ID:         util.NewID(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, eventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Type:         eventType,
		AppId:        p.source,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
