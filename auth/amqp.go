package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hupe1980/agentbridge/logging"
)

// EventHandler consumes sign-in completion events.
type EventHandler func(ctx context.Context, ev SignInEvent) error

// AMQPConfig describes the queue sign-in completions are published to.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
	Logger   logging.Logger
}

// AMQPSource delivers SignInEvents published as JSON to a RabbitMQ queue,
// e.g. by an identity callback service running outside the bridge.
type AMQPSource struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger logging.Logger
}

// NewAMQPSource connects and declares the queue.
func NewAMQPSource(cfg AMQPConfig) (*AMQPSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url must not be empty")
	}
	if cfg.Queue == "" {
		cfg.Queue = "agentbridge.signin"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("setting amqp qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring amqp queue: %w", err)
	}
	return &AMQPSource{conn: conn, ch: ch, queue: cfg.Queue, logger: cfg.Logger}, nil
}

// Run consumes until ctx ends or the channel closes. Messages are acked
// manually once handled; undecodable messages are dropped.
func (s *AMQPSource) Run(ctx context.Context, handle EventHandler) error {
	msgs, err := s.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming amqp queue: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			s.deliver(ctx, msg, handle)
		}
	}
}

func (s *AMQPSource) deliver(ctx context.Context, msg amqp.Delivery, handle EventHandler) {
	ev, err := DecodeSignInEvent(msg.Body)
	if err != nil {
		s.logger.Warn("dropping malformed sign-in event", "error", err)
		_ = msg.Nack(false, false)
		return
	}
	if err := handle(ctx, ev); err != nil {
		s.logger.Warn("sign-in event rejected", "conversation_id", ev.ConversationID, "error", err)
	}
	_ = msg.Ack(false)
}

// Close closes the channel and connection.
func (s *AMQPSource) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// DecodeSignInEvent parses a JSON encoded event.
func DecodeSignInEvent(body []byte) (SignInEvent, error) {
	var ev SignInEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return SignInEvent{}, err
	}
	if ev.ConversationID == "" {
		return SignInEvent{}, errors.New("conversation_id is required")
	}
	return ev, nil
}
