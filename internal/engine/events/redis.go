package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/kernel_layer/pkg/logger"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "kernel:pipeline:events"

// RedisSink appends events to a Redis stream for external audit consumers.
// Delivery is best effort: failures are logged and counted, never returned.
type RedisSink struct {
	client  redis.Cmdable
	stream  string
	maxLen  int64
	timeout time.Duration
	log     *logger.Logger
	failed  int64
	sent    int64
}

// RedisSinkConfig configures a RedisSink.
type RedisSinkConfig struct {
	Stream  string
	MaxLen  int64
	Timeout time.Duration
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client redis.Cmdable, cfg RedisSinkConfig, log *logger.Logger) *RedisSink {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("events-redis")
	}
	return &RedisSink{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen, timeout: cfg.Timeout, log: log}
}

func (s *RedisSink) Emit(_ context.Context, event Event) {
	// Detached from the caller's cancellation: the transition already happened.
	sendCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: streamValues(event),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
	}
	if err := s.client.XAdd(sendCtx, args).Err(); err != nil {
		atomic.AddInt64(&s.failed, 1)
		s.log.WithError(err).WithField("event_type", string(event.Type)).Warn("publish event to redis failed")
		return
	}
	atomic.AddInt64(&s.sent, 1)
}

// Stats returns the number of events sent and failed.
func (s *RedisSink) Stats() (sent, failed int64) {
	return atomic.LoadInt64(&s.sent), atomic.LoadInt64(&s.failed)
}

func streamValues(event Event) map[string]interface{} {
	payload, _ := json.Marshal(event)
	return map[string]interface{}{
		"id":        event.ID,
		"type":      string(event.Type),
		"component": event.Component,
		"entity_id": event.EntityID,
		"payload":   string(payload),
	}
}
