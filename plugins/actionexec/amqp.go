package actionexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// amqpRequest/amqpReply are the wire messages exchanged with a remote
// action worker, adapted from queue/rabbit.go's JSON-over-AMQP
// envelope style (RabbitMQService.PublishMessage marshals a typed Go
// struct to JSON and publishes it to a named queue).
type amqpRequest struct {
	CorrelationID string   `json:"correlation_id"`
	Command       []string `json:"command"`
	Env           []string `json:"env"`
}

type amqpReply struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// RemoteAMQPExecutor publishes an execution request to a RabbitMQ
// queue and awaits a correlated reply on a reply queue, standing in
// for a real remote-execution strategy (spec.md §1 keeps the actual
// remote executor an external collaborator; this is a demo
// implementation of the same Executor interface).
type RemoteAMQPExecutor struct {
	channel     *amqp.Channel
	requestName string
	replyName   string
	timeout     time.Duration
}

// NewRemoteAMQPExecutor declares the request and reply queues (both
// durable, matching rabbit.go's QueueDeclare call) and returns an
// Executor that dispatches over them.
func NewRemoteAMQPExecutor(conn *amqp.Connection, requestQueue, replyQueue string, timeout time.Duration) (*RemoteAMQPExecutor, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(requestQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare request queue %s: %w", requestQueue, err)
	}
	if _, err := ch.QueueDeclare(replyQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare reply queue %s: %w", replyQueue, err)
	}
	return &RemoteAMQPExecutor{channel: ch, requestName: requestQueue, replyName: replyQueue, timeout: timeout}, nil
}

func (e *RemoteAMQPExecutor) Name() string { return "remote-amqp" }

// CanHandle is always false by default: callers register
// RemoteAMQPExecutor ahead of a LocalDockerExecutor fallback only once
// they have a concrete routing policy (e.g. by action label), which is
// out of this package's scope.
func (e *RemoteAMQPExecutor) CanHandle(spec Spec) bool { return false }

func (e *RemoteAMQPExecutor) Execute(ctx context.Context, spec Spec) (*Result, error) {
	started := time.Now()
	correlationID := uuid.NewString()

	body, err := json.Marshal(amqpRequest{CorrelationID: correlationID, Command: spec.Command, Env: spec.Env})
	if err != nil {
		return nil, fmt.Errorf("marshal request %s: %w", correlationID, err)
	}

	deliveries, err := e.channel.Consume(e.replyName, correlationID, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume reply queue for request %s: %w", correlationID, err)
	}

	err = e.channel.Publish("", e.requestName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       e.replyName,
		Body:          body,
	})
	if err != nil {
		return nil, fmt.Errorf("publish request %s: %w", correlationID, err)
	}

	deadline := time.After(e.timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("request %s: remote executor reply timed out after %s", correlationID, e.timeout)
		case d := <-deliveries:
			if d.CorrelationId != correlationID {
				d.Nack(false, true)
				continue
			}
			var reply amqpReply
			if err := json.Unmarshal(d.Body, &reply); err != nil {
				d.Nack(false, false)
				return nil, fmt.Errorf("unmarshal reply for request %s: %w", correlationID, err)
			}
			d.Ack(false)
			digest := sha256.Sum256([]byte(reply.Output))
			return &Result{
				ExitCode:     reply.ExitCode,
				OutputDigest: hex.EncodeToString(digest[:]),
				Output:       reply.Output,
				StartedAt:    started,
				FinishedAt:   time.Now(),
			}, nil
		}
	}
}
