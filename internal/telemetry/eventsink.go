package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Severity classifies a diagnostic event published to the dashboard
// channel.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// DiagnosticEvent is the tuple a live dashboard consumer subscribes to:
// a severity, the kind of key the event concerns, and a human-readable
// message. It carries no correctness obligation for the evaluator
// itself — publication failures are logged, never propagated as
// compute errors.
type DiagnosticEvent struct {
	Severity  Severity  `json:"severity"`
	KeyKind   string    `json:"keyKind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink publishes DiagnosticEvents to a Redis/Valkey pub/sub
// channel, adapted from the teacher's db/repository/redis.go
// RedisRepository.Publish/Subscribe pair, narrowed to the one channel
// this process needs and rescoped from a generic cache/lock/counter
// repository to a single-purpose diagnostic fan-out.
type EventSink struct {
	client  *redis.Client
	channel string
}

// NewEventSink dials url (a redis:// or rediss:// connection string)
// and verifies connectivity with a bounded ping, the same
// fail-fast-on-construction contract as NewRedisRepository.
func NewEventSink(url, channel string) (*EventSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &EventSink{client: client, channel: channel}, nil
}

// Publish sends ev to the sink's channel as given. It does not stamp
// ev.Timestamp; the caller sets it.
func (s *EventSink) Publish(ctx context.Context, ev DiagnosticEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal diagnostic event: %w", err)
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

// Subscribe returns a channel of DiagnosticEvents forwarded from the
// sink's Redis channel until ctx is cancelled, mirroring the forwarding
// goroutine in RedisRepository.Subscribe.
func (s *EventSink) Subscribe(ctx context.Context) (<-chan DiagnosticEvent, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}

	out := make(chan DiagnosticEvent)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				var ev DiagnosticEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
					out <- ev
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close releases the underlying Redis connection.
func (s *EventSink) Close() error {
	return s.client.Close()
}
