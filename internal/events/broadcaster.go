package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Broadcaster delivers an envelope to its organization's channel.
type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
}

// RedisBroadcaster publishes payloads with Redis PUBLISH on the presence
// channel, where the websocket gateway subscribes.
type RedisBroadcaster struct {
	rdb redis.Cmdable
}

func NewRedisBroadcaster(rdb redis.Cmdable) *RedisBroadcaster { return &RedisBroadcaster{rdb: rdb} }

func (b *RedisBroadcaster) Publish(ctx context.Context, env Envelope) error {
	if env.OrganizationID == "" {
		return ErrNoOrganization
	}
	if err := b.rdb.Publish(ctx, env.Channel(), []byte(env.Payload)).Err(); err != nil {
		return fmt.Errorf("events: redis publish %s: %w", env.Name, err)
	}
	return nil
}

// AMQPChannel is the subset of *amqp.Channel the broadcaster uses.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPBroadcaster publishes to a topic exchange using the presence channel as
// routing key, so consumers bind per organization (presence.org.<id>) or
// across all of them (presence.org.*).
type AMQPBroadcaster struct {
	ch       AMQPChannel
	exchange string
	tracer   trace.Tracer
}

func NewAMQPBroadcaster(ch AMQPChannel, exchange string) *AMQPBroadcaster {
	return &AMQPBroadcaster{ch: ch, exchange: exchange, tracer: otel.Tracer("opbx/events.rabbitmq")}
}

func (b *AMQPBroadcaster) Publish(ctx context.Context, env Envelope) error {
	if env.OrganizationID == "" {
		return ErrNoOrganization
	}
	ctx, span := b.tracer.Start(ctx, "rabbitmq.publish."+b.exchange, trace.WithAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", b.exchange),
		attribute.String("messaging.rabbitmq.routing_key", env.Channel()),
	))
	defer span.End()

	err := b.ch.PublishWithContext(ctx, b.exchange, env.Channel(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Name,
		Timestamp:    env.CreatedAt,
		Body:         env.Payload,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("events: amqp publish %s: %w", env.Name, err)
	}
	return nil
}

// DeclareExchange declares the durable topic exchange the broadcaster uses.
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Multi publishes to every broadcaster and joins their errors.
type Multi []Broadcaster

func (m Multi) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, b := range m {
		if err := b.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryBroadcaster records envelopes per channel. Useful for tests.
type MemoryBroadcaster struct {
	mu       sync.Mutex
	channels map[string][]Envelope
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{channels: map[string][]Envelope{}}
}

func (b *MemoryBroadcaster) Publish(_ context.Context, env Envelope) error {
	if env.OrganizationID == "" {
		return ErrNoOrganization
	}
	b.mu.Lock()
	b.channels[env.Channel()] = append(b.channels[env.Channel()], env)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroadcaster) Published(channel string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.channels[channel]))
	copy(out, b.channels[channel])
	return out
}

// DialAMQP connects to the broker, declares exchange and returns a
// broadcaster on a dedicated channel. Close releases the channel and the
// connection.
func DialAMQP(url, exchange string) (*AMQPBroadcaster, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("events: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("events: amqp channel: %w", err)
	}
	if err := DeclareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("events: declare exchange %s: %w", exchange, err)
	}
	return NewAMQPBroadcaster(ch, exchange), amqpCloser{conn: conn, ch: ch}, nil
}

type amqpCloser struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (c amqpCloser) Close() error {
	return errors.Join(c.ch.Close(), c.conn.Close())
}
