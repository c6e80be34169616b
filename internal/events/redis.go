package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const defaultChannelPrefix = "drisya:jobs:"

// RedisPublisher mirrors events onto Redis pub/sub so API replicas can stream
// transitions produced by separate worker processes.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("events: parse redis url: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events: ping redis: %w", err)
	}
	return client, nil
}

// NewRedisPublisher wraps a connected client. An empty prefix uses the default.
func NewRedisPublisher(client *redis.Client, prefix string, logger *zerolog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	l := zerolog.New(io.Discard)
	if logger != nil {
		l = *logger
	}
	return &RedisPublisher{client: client, prefix: prefix, timeout: 2 * time.Second, logger: l}
}

// Channel returns the pub/sub channel for a job.
func (p *RedisPublisher) Channel(jobID string) string {
	return p.prefix + jobID
}

// Publish sends the event; failures are logged and dropped.
func (p *RedisPublisher) Publish(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", evt.JobID).Msg("events: encode event")
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.client.Publish(pubCtx, p.Channel(evt.JobID), payload).Err(); err != nil {
		p.logger.Warn().Err(err).Str("job_id", evt.JobID).Msg("events: redis publish failed")
	}
}

// Relay forwards every job event seen on Redis into local until ctx ends.
func (p *RedisPublisher) Relay(ctx context.Context, local Publisher) error {
	sub := p.client.PSubscribe(ctx, p.prefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("events: subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			evt, err := DecodeEvent(msg.Payload)
			if err != nil {
				p.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("events: drop malformed event")
				continue
			}
			local.Publish(ctx, evt)
		}
	}
}

// DecodeEvent parses a JSON-encoded event.
func DecodeEvent(payload string) (Event, error) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	if evt.JobID == "" {
		return Event{}, fmt.Errorf("events: decode: job_id missing")
	}
	return evt, nil
}
