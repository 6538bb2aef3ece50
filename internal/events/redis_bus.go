package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisChannel = "ztmesh:events"

// redisFrame wraps an event on the wire with the publishing process's
// identity so a process can skip its own loopback deliveries.
type redisFrame struct {
	Origin string `json:"origin"`
	Event  *Event `json:"event"`
}

// RedisBus extends the in-memory Bus across processes with Redis Pub/Sub.
// Only events committed by this process are published; events arriving from
// other origins fan out to local subscribers but are never re-published, so
// a frame crosses Redis exactly once.
type RedisBus struct {
	*Bus

	rdb    *redis.Client
	sub    *redis.PubSub
	origin string
	logger *log.Logger
	cancel context.CancelFunc
}

// NewRedisBus connects to Redis, verifies the connection, and starts the
// relay goroutine feeding remote events into local.
func NewRedisBus(redisURL string, local *Bus) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	relayCtx, relayCancel := context.WithCancel(context.Background())
	b := &RedisBus{
		Bus:    local,
		rdb:    rdb,
		sub:    rdb.Subscribe(relayCtx, redisChannel),
		origin: uuid.New().String(),
		logger: log.New(log.Writer(), "[REDISBUS] ", log.LstdFlags),
		cancel: relayCancel,
	}

	// Confirm the subscription before declaring the bus ready.
	if _, err := b.sub.Receive(relayCtx); err != nil {
		relayCancel()
		rdb.Close()
		return nil, fmt.Errorf("subscribe %s: %w", redisChannel, err)
	}
	go b.relay(relayCtx)

	b.logger.Printf("✅ Connected to Redis event channel %s (origin %s)", redisChannel, b.origin[:8])
	return b, nil
}

// Publish fans out locally first, then pushes the frame to Redis so sibling
// processes see it. A Redis failure degrades to local-only delivery.
func (b *RedisBus) Publish(ev *Event) {
	b.Bus.Publish(ev)

	frame, err := json.Marshal(redisFrame{Origin: b.origin, Event: ev})
	if err != nil {
		b.logger.Printf("❌ Failed to marshal event %s: %v", ev.EventID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, redisChannel, frame).Err(); err != nil {
		b.logger.Printf("⚠️ Redis publish failed, local-only delivery: %v", err)
	}
}

func (b *RedisBus) relay(ctx context.Context) {
	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame redisFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				b.logger.Printf("⚠️ Dropping undecodable frame: %v", err)
				continue
			}
			if frame.Origin == b.origin || frame.Event == nil {
				continue
			}
			b.Bus.Publish(frame.Event)
		}
	}
}

// Close stops the relay and releases the Redis connection.
func (b *RedisBus) Close() error {
	b.cancel()
	b.sub.Close()
	if err := b.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	b.logger.Printf("🔌 Redis event bus closed")
	return nil
}

var _ Publisher = (*RedisBus)(nil)
