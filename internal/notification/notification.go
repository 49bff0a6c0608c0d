// Package notification delivers approval workflow events to subscribers.
//
// Delivery is best-effort: a failed publish is logged and never fails the
// operation that produced the event.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/worker"
)

// Event types.
const (
	TypeRequestOpened   = "approval_request.opened"
	TypeRequestApproved = "approval_request.approved"
	TypeRequestRejected = "approval_request.rejected"
	TypeRequestMerged   = "approval_request.merged"
	TypeRequestClosed   = "approval_request.closed"
)

// Event is one approval state change.
type Event struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	Environment string `json:"environment"`
	RequestID   string `json:"request_id"`
	PolicyID    string `json:"policy_id"`
	ActorID     string `json:"actor_id"`

	// Recipients are the user and group IDs expected to act next.
	Recipients []string  `json:"recipients,omitempty"`
	At         time.Time `json:"at"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes events to the process log. Used when no broker is configured.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev Event) error {
	log.Info().Str("event", ev.Type).Str("project_id", ev.ProjectID).Str("request_id", ev.RequestID).
		Strs("recipients", ev.Recipients).Msg("approval notification")
	return nil
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis server at url.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	if channel == "" {
		channel = "secretflow.approvals"
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Publish implements Sink.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Close releases the Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Dispatcher hands events to a Sink on the worker pool.
type Dispatcher struct {
	sink Sink
	pool *worker.Pool
}

// NewDispatcher returns a Dispatcher. A nil sink falls back to LogSink.
func NewDispatcher(sink Sink, pool *worker.Pool) *Dispatcher {
	if sink == nil {
		sink = LogSink{}
	}
	return &Dispatcher{sink: sink, pool: pool}
}

// Notify publishes ev in the background.
func (d *Dispatcher) Notify(ev Event) {
	if d == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	d.pool.Go("notify:"+ev.Type, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.sink.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event", ev.Type).Str("request_id", ev.RequestID).
				Msg("failed to publish notification")
		}
	})
}
